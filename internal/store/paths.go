package store

import "strings"

// Key layout shared by both sides of a pairing. Signaling mailboxes are keyed
// by the *recipient* participant id, so a sender never touches its own slots.
const (
	PoolPath     = "waiting_pool"
	sessionsPath = "sessions"
)

func PoolEntryPath(participantID string) string {
	return PoolPath + "/" + participantID
}

// MailboxPath is the root of one participant's signaling mailbox.
func MailboxPath(participantID string) string {
	return sessionsPath + "/" + participantID
}

func OfferPath(participantID string) string {
	return MailboxPath(participantID) + "/offer"
}

func AnswerPath(participantID string) string {
	return MailboxPath(participantID) + "/answer"
}

func CandidatesPath(participantID string) string {
	return MailboxPath(participantID) + "/ice_candidates"
}

func EndCallPath(participantID string) string {
	return MailboxPath(participantID) + "/end_call"
}

// isDescendant reports whether key lies at or under root.
func isDescendant(root, key string) bool {
	if key == root {
		return true
	}
	return strings.HasPrefix(key, root+"/")
}
