package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://app.example.com", "https://app.example.com", true},
		{"  https://app.example.com  ", "https://app.example.com", true},
		{"HTTPS://App.Example.COM", "https://app.example.com", true},
		{"https://app.example.com:443", "https://app.example.com", true},
		{"http://app.example.com:80", "http://app.example.com", true},
		{"https://app.example.com:8443", "https://app.example.com:8443", true},
		{"http://127.0.0.1:3000", "http://127.0.0.1:3000", true},
		{"http://[::1]:3000", "http://[::1]:3000", true},
		{"null", "null", true},
		{"", "", false},
		{"app.example.com", "", false},
		{"ftp://app.example.com", "", false},
		{"https://app.example.com/path", "", false},
		{"https://user@app.example.com", "", false},
		{"https://app.example.com?q=1", "", false},
		{"https://app.example.com#frag", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAllowlistEmptyAllowsEverything(t *testing.T) {
	a := NewAllowlist(nil)
	for _, origin := range []string{"https://anything.test", "", "null", "garbage"} {
		if !a.Allowed(origin) {
			t.Errorf("empty allowlist rejected %q", origin)
		}
	}
}

func TestAllowlistMatchesNormalizedForms(t *testing.T) {
	a := NewAllowlist([]string{"https://app.example.com:443", "http://localhost:3000"})

	if !a.Allowed("https://app.example.com") {
		t.Error("default-port variant rejected")
	}
	if !a.Allowed("HTTP://LocalHost:3000") {
		t.Error("case variant rejected")
	}
	if a.Allowed("https://evil.example.com") {
		t.Error("unlisted origin accepted")
	}
	if a.Allowed("") {
		t.Error("missing Origin header accepted despite active allowlist")
	}
	if a.Allowed("null") {
		t.Error("null accepted without being listed")
	}
}

func TestAllowlistExplicitNull(t *testing.T) {
	a := NewAllowlist([]string{"null"})
	if !a.Allowed("null") {
		t.Error("explicitly listed null rejected")
	}
	if a.Allowed("https://app.example.com") {
		t.Error("unlisted origin accepted")
	}
}
