package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("store: key not found")
	// ErrVersionMismatch is returned by CompareAndSwap when the key was written
	// (or removed) since the version the caller read.
	ErrVersionMismatch = errors.New("store: version mismatch")
	ErrClosed          = errors.New("store: closed")
	// ErrUnavailable wraps transport failures of remote store backends. Callers
	// are expected to degrade (e.g. "no match found") rather than crash.
	ErrUnavailable = errors.New("store: unavailable")
)

// Snapshot is delivered to subscribers for every observed mutation.
//
// Value is nil when the key was removed.
type Snapshot struct {
	Path    string
	Value   json.RawMessage
	Version uint64
}

// UnsubscribeFunc cancels a subscription. Safe to call more than once. After it
// returns, the callback will not be invoked again.
type UnsubscribeFunc func()

// Store is the shared key-value channel between two independent client
// processes. Keys form a /-separated hierarchy; subscribing to a path observes
// writes to the path itself and to every descendant.
//
// Semantics required by the pairing core:
//   - Write replaces the value at a key (last write wins).
//   - Append creates an ordered child under a key; children are never
//     overwritten, so multi-valued slots (ICE candidates) all survive.
//   - CompareAndSwap replaces a key only if its version is unchanged since the
//     caller read it (version 0 means "key must not exist"). This is the
//     primitive that makes pairing win-exactly-once under glare.
//   - Subscribe first replays the current values under the path in key order,
//     then delivers subsequent mutations in the order they were applied.
//     Delivery is at least once; callers must tolerate duplicates.
type Store interface {
	Write(ctx context.Context, path string, value any) error
	Append(ctx context.Context, path string, value any) error
	CompareAndSwap(ctx context.Context, path string, version uint64, value any) error
	// Read returns the value and current version of a key. Version is also
	// returned for missing keys (as 0) so callers can CAS-create.
	Read(ctx context.Context, path string) (json.RawMessage, uint64, error)
	// List returns the direct children of a path, keyed by child name.
	List(ctx context.Context, path string) (map[string]json.RawMessage, error)
	// Remove deletes a key and everything beneath it. Removing an absent key is
	// a no-op.
	Remove(ctx context.Context, path string) error
	Subscribe(path string, fn func(Snapshot)) (UnsubscribeFunc, error)
}

// Unmarshal decodes a snapshot or read result into out.
func Unmarshal(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}
