package negotiation

import "github.com/pion/webrtc/v4"

// State of one negotiation. Transitions only move forward except for
// disconnected, which can follow connected; closed is terminal.
type State string

const (
	StateIdle         State = "idle"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

type EventType string

const (
	// EventStateChanged reports every state transition, including the one
	// into StateClosed.
	EventStateChanged EventType = "state-changed"
	// EventRemoteTrack fires once per inbound media track.
	EventRemoteTrack EventType = "remote-track"
	// EventEndCall fires when the peer hangs up, via either the control data
	// channel or the store.
	EventEndCall EventType = "end-call"
	// EventFailed reports a negotiation or transport failure. The engine does
	// not recover; the owner decides whether to tear down.
	EventFailed EventType = "failed"
)

// Event is one item on the engine's event stream. Exactly the fields relevant
// to Type are set.
type Event struct {
	Type  EventType
	State State
	Track *webrtc.TrackRemote
	Err   error
}
