package origin

import (
	"net/url"
	"strings"
)

// Normalize validates a browser Origin header and returns its canonical
// scheme://host[:port] form. Default ports are stripped so "https://a.test"
// and "https://a.test:443" compare equal. The special value "null" (sandboxed
// documents, file://) is allowed and returned as-is.
func Normalize(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	// An Origin is just a scheme and an authority; anything more is malformed.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if strings.Contains(host, ":") {
		// IPv6 literal; restore brackets lost by Hostname().
		host = "[" + host + "]"
	}

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, true
	}
	return scheme + "://" + host, true
}

// Allowlist decides which browser origins may open bridge connections.
type Allowlist struct {
	allowAll bool
	allowed  map[string]struct{}
}

// NewAllowlist builds an allowlist from configured origin strings. An empty
// list allows every origin, including requests with no Origin header at all
// (non-browser clients). "null" must be listed explicitly to be accepted when
// an allowlist is in force.
func NewAllowlist(origins []string) Allowlist {
	if len(origins) == 0 {
		return Allowlist{allowAll: true}
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "null" {
			allowed["null"] = struct{}{}
			continue
		}
		if normalized, ok := Normalize(o); ok {
			allowed[normalized] = struct{}{}
		}
	}
	return Allowlist{allowed: allowed}
}

// Allowed reports whether a request with the given Origin header may connect.
// With an active allowlist, an absent header is rejected: every browser sends
// one, so its absence means the client is lying about being one.
func (a Allowlist) Allowed(header string) bool {
	if a.allowAll {
		return true
	}
	normalized, ok := Normalize(header)
	if !ok {
		return false
	}
	_, ok = a.allowed[normalized]
	return ok
}
