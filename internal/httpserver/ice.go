package httpserver

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/strangerwire/webrtc-pairing-core/internal/turnrest"
)

// ICEServerJSON is the browser RTCIceServer shape. Credentials are strings
// only; pion's ICEServer allows richer credential types the browser doesn't.
type ICEServerJSON struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func iceServersJSON(servers []webrtc.ICEServer) []ICEServerJSON {
	out := make([]ICEServerJSON, 0, len(servers))
	for _, s := range servers {
		entry := ICEServerJSON{
			URLs:     append([]string(nil), s.URLs...),
			Username: s.Username,
		}
		if cred, ok := s.Credential.(string); ok {
			entry.Credential = cred
		}
		out = append(out, entry)
	}
	return out
}

// handleICEConfig serves the ICE servers clients should dial with. When TURN
// REST is configured, every TURN entry gets fresh short-lived credentials
// bound to the requesting participant.
func (s *Server) handleICEConfig(w http.ResponseWriter, r *http.Request) {
	servers := make([]ICEServerJSON, len(s.iceServers))
	copy(servers, s.iceServers)

	if s.turn != nil {
		creds, err := s.mintTURNCredentials(r.URL.Query().Get("participant"))
		if err != nil {
			s.log.Error("minting turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
			return
		}
		for i, server := range servers {
			if hasTURNURL(server.URLs) {
				servers[i].Username = creds.Username
				servers[i].Credential = creds.Credential
			}
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) mintTURNCredentials(participantID string) (turnrest.Credentials, error) {
	if participantID == "" {
		return s.turn.ForAnonymous()
	}
	return s.turn.For(participantID)
}

func hasTURNURL(urls []string) bool {
	for _, raw := range urls {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
