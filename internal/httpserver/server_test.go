package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangerwire/webrtc-pairing-core/internal/config"
)

func newTestServer(t *testing.T, cfg config.ServerConfig, core config.Config) *Server {
	t.Helper()
	s, err := New(cfg, core, slog.New(slog.NewTextHandler(testWriter{t}, nil)), BuildInfo{Commit: "test"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, config.Config{})
	rec := do(t, s, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestReadyzReflectsServingState(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, config.Config{})

	rec := do(t, s, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before serve = %d, want 503", rec.Code)
	}

	s.ready.Store(true)
	rec = do(t, s, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz while serving = %d, want 200", rec.Code)
	}
}

func TestICEConfigServesConfiguredServers(t *testing.T) {
	core := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
		},
	}
	s := newTestServer(t, config.ServerConfig{}, core)

	rec := do(t, s, httptest.NewRequest("GET", "/ice-config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ice-config status = %d", rec.Code)
	}
	var body struct {
		ICEServers []ICEServerJSON `json:"iceServers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 1 || body.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected servers %+v", body.ICEServers)
	}
}

func TestICEConfigMintsTURNCredentials(t *testing.T) {
	core := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}},
		},
	}
	cfg := config.ServerConfig{
		TurnRestSecret: "shared",
		TurnRestTTL:    10 * time.Minute,
		TurnRestPrefix: "pairing",
	}
	s := newTestServer(t, cfg, core)

	rec := do(t, s, httptest.NewRequest("GET", "/ice-config?participant=abc123", nil))
	var body struct {
		ICEServers []ICEServerJSON `json:"iceServers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body.ICEServers[0].Username != "" {
		t.Fatalf("stun entry got credentials: %+v", body.ICEServers[0])
	}
	turn := body.ICEServers[1]
	if turn.Username == "" || turn.Credential == "" {
		t.Fatalf("turn entry missing credentials: %+v", turn)
	}
	if !strings.HasSuffix(turn.Username, ":pairing:abc123") {
		t.Fatalf("unexpected turn username %q", turn.Username)
	}
}

func TestOriginPolicyOnICEConfig(t *testing.T) {
	cfg := config.ServerConfig{AllowedOrigins: []string{"https://app.example.com"}}
	s := newTestServer(t, cfg, config.Config{})

	req := httptest.NewRequest("GET", "/ice-config", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if rec := do(t, s, req); rec.Code != http.StatusForbidden {
		t.Fatalf("forbidden origin status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest("GET", "/ice-config", nil)
	req.Header.Set("Origin", "https://app.example.com")
	if rec := do(t, s, req); rec.Code != http.StatusOK {
		t.Fatalf("allowed origin status = %d, want 200", rec.Code)
	}
}

func TestCheckOriginForWebSocketUpgrades(t *testing.T) {
	cfg := config.ServerConfig{AllowedOrigins: []string{"https://app.example.com"}}
	s := newTestServer(t, cfg, config.Config{})

	req := httptest.NewRequest("GET", "/store", nil)
	req.Header.Set("Origin", "https://app.example.com:443")
	if !s.CheckOrigin(req) {
		t.Fatal("default-port origin variant rejected")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if s.CheckOrigin(req) {
		t.Fatal("unlisted origin accepted")
	}
}

func TestVersionEndpoint(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, config.Config{})
	rec := do(t, s, httptest.NewRequest("GET", "/version", nil))
	var body BuildInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Commit != "test" {
		t.Fatalf("commit = %q", body.Commit)
	}
}
