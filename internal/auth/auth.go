package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when a bridge client presents no valid
// credential.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Authorizer gates bridge connections. The zero-value check lives in
// implementations; handlers only ever ask Authorize.
type Authorizer interface {
	// Authorize inspects the upgrade request and returns ErrUnauthorized if
	// the client may not connect.
	Authorize(r *http.Request) error
}

// AllowAll accepts every request. Used when no token is configured, which is
// the normal mode for private deployments behind their own ingress auth.
type AllowAll struct{}

func (AllowAll) Authorize(*http.Request) error { return nil }

// StaticToken authorizes requests carrying a pre-shared token, either as a
// bearer Authorization header or an access_token query parameter (browser
// WebSocket clients cannot set headers).
type StaticToken struct {
	token []byte
}

func NewStaticToken(token string) (*StaticToken, error) {
	if token == "" {
		return nil, errors.New("auth: empty token")
	}
	return &StaticToken{token: []byte(token)}, nil
}

func (a *StaticToken) Authorize(r *http.Request) error {
	if candidate := bearerToken(r); candidate != "" && a.matches(candidate) {
		return nil
	}
	if candidate := r.URL.Query().Get("access_token"); candidate != "" && a.matches(candidate) {
		return nil
	}
	return ErrUnauthorized
}

func (a *StaticToken) matches(candidate string) bool {
	return subtle.ConstantTimeCompare(a.token, []byte(candidate)) == 1
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}
