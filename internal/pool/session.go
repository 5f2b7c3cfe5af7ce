package pool

import (
	"sort"
	"time"
)

// Session is one pairing of exactly two participants. Both sides reconstruct
// an equal value independently from the same inputs; there is no shared
// session object.
type Session struct {
	ID        string
	CallerID  string
	CalleeID  string
	CreatedAt time.Time
	Active    bool
}

// PeerOf returns the other participant of the session.
func (s Session) PeerOf(id string) string {
	if id == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

// SessionID derives the session identity from the two participant ids. The
// derivation is commutative: both sides compute the same id without a round
// trip, so they address the same signaling slots from the start.
func SessionID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "__" + ids[1]
}

// NewSession builds the session value for a caller/callee pair.
func NewSession(callerID, calleeID string, now time.Time) Session {
	return Session{
		ID:        SessionID(callerID, calleeID),
		CallerID:  callerID,
		CalleeID:  calleeID,
		CreatedAt: now,
		Active:    true,
	}
}
