package metrics

import "sync"

// Counter names used across the pairing core.
const (
	MatchesFormed       = "matches_formed"
	MatchesAsCaller     = "matches_as_caller"
	MatchesAsCallee     = "matches_as_callee"
	GlareLost           = "glare_lost"
	EnvelopesSent       = "envelopes_sent"
	EnvelopesDropped    = "envelopes_dropped"
	EnvelopesFiltered   = "envelopes_filtered"
	CandidatesBuffered  = "candidates_buffered"
	CandidatesFlushed   = "candidates_flushed"
	DescriptionsIgnored = "descriptions_ignored"
	SessionsConnected   = "sessions_connected"
	SessionsEnded       = "sessions_ended"
	EndCallSideChannel  = "end_call_side_channel"
	StoreErrors         = "store_errors"
	NegotiationFailures = "negotiation_failures"

	// Bridge-side counters, incremented by the websocket bridge server.
	BridgeConnections  = "bridge_connections"
	BridgeAuthRejected = "bridge_auth_rejected"
	BridgeRateLimited  = "bridge_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Deployments wanting a real metrics backend can scrape Snapshot; the type
// exists primarily so matchmaking/negotiation behavior stays observable and
// testable without external dependencies. A nil *Metrics is valid and counts
// nothing.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
