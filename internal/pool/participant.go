package pool

import (
	"time"

	"github.com/pion/randutil"
)

const participantIDRunes = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewParticipantID returns a fresh anonymous participant id. Ids are stable
// for the lifetime of one client run and carry no identity.
func NewParticipantID() (string, error) {
	return randutil.GenerateCryptoRandomString(16, participantIDRunes)
}

// Entry is the waiting-pool document stored under waiting_pool/{id}.
//
// While a participant is searching, Waiting is true and the assignment fields
// are empty. An initiator claims the entry by compare-and-swapping it into the
// assigned form (Waiting false, SessionID/PeerID set); the owning participant
// observes that transition through its subscription.
type Entry struct {
	ID         string `json:"id"`
	EnqueuedAt int64  `json:"enqueued_at"` // unix milliseconds
	Waiting    bool   `json:"waiting"`

	SessionID string `json:"session_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	IsCaller  bool   `json:"is_caller,omitempty"`
}

// Assigned reports whether the entry carries a session assignment.
func (e Entry) Assigned() bool {
	return !e.Waiting && e.SessionID != "" && e.PeerID != ""
}

// Clock abstracts time for enqueue ordering so pool behavior is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock used outside tests.
var SystemClock Clock = systemClock{}
