package coordinator

import "errors"

// Error taxonomy surfaced to hosts. Everything the coordinator reports wraps
// one of these, so hosts can switch on errors.Is without knowing the layers
// underneath.
var (
	// ErrMediaUnavailable: local capture could not be acquired. Matching never
	// starts without local media.
	ErrMediaUnavailable = errors.New("coordinator: media unavailable")
	// ErrMatchmakingUnavailable: the shared store rejected pool operations.
	ErrMatchmakingUnavailable = errors.New("coordinator: matchmaking unavailable")
	// ErrNegotiationFailed: the WebRTC handshake could not complete.
	ErrNegotiationFailed = errors.New("coordinator: negotiation failed")
	// ErrTransportLost: an established connection failed afterwards.
	ErrTransportLost = errors.New("coordinator: transport lost")
	// ErrBusy: the participant already has a session in flight.
	ErrBusy = errors.New("coordinator: session in progress")
	// ErrClosed: the coordinator has shut down.
	ErrClosed = errors.New("coordinator: closed")
)
