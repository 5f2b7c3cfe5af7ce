package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Coturn-compatible TURN REST credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<participant_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The pairing bridge hands these to clients via /ice-config so anonymous
// participants get short-lived TURN access without a long-term account.
type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	randID func() (string, error)
}

type Config struct {
	SharedSecret string
	TTL          time.Duration
	Prefix       string

	// Now and RandomID are injectable for tests.
	Now      func() time.Time
	RandomID func() (string, error)
}

func New(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("turnrest: ttl must be positive")
	}
	if cfg.Prefix == "" {
		return nil, errors.New("turnrest: prefix is required")
	}
	if strings.Contains(cfg.Prefix, ":") {
		return nil, errors.New("turnrest: prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RandomID == nil {
		cfg.RandomID = randomID
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
		now:    cfg.Now,
		randID: cfg.RandomID,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// For derives credentials bound to one participant id.
func (g *Generator) For(participantID string) (Credentials, error) {
	if participantID == "" {
		return Credentials{}, errors.New("turnrest: participant id is required")
	}
	if strings.Contains(participantID, ":") {
		return Credentials{}, errors.New("turnrest: participant id must not contain ':'")
	}
	expiry := g.now().UTC().Add(g.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, participantID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		ExpiryUnix: expiry,
	}, nil
}

// ForAnonymous derives credentials with a random id, for clients that have no
// participant id yet.
func (g *Generator) ForAnonymous() (Credentials, error) {
	id, err := g.randID()
	if err != nil {
		return Credentials{}, err
	}
	return g.For(id)
}

func randomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
