package coordinator

import (
	"github.com/pion/webrtc/v4"

	"github.com/strangerwire/webrtc-pairing-core/internal/media"
)

// Phase is the coordinator's top-level lifecycle position.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSearching   Phase = "searching"
	PhaseNegotiating Phase = "negotiating"
	PhaseInCall      Phase = "in-call"
)

// AppState is a snapshot of everything a host UI needs to render, published on
// the States stream after every change. The media handles let the host attach
// real sinks and sources: LocalStream is the participant's own capture (nil
// until acquired), RemoteTracks the peer's inbound tracks in arrival order.
type AppState struct {
	Phase         Phase
	ParticipantID string

	SessionID string
	PeerID    string
	IsCaller  bool

	LocalStream  *media.Stream
	AudioEnabled bool
	VideoEnabled bool
	RemoteTracks []*webrtc.TrackRemote

	// LastError is the human-readable form of the most recent reported error,
	// cleared when a new search starts.
	LastError string
}
