package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/store"
)

// ErrUnavailable is the single error surfaced when the backing store cannot be
// reached. All pool operations degrade to "no match found" semantics; callers
// may retry.
var ErrUnavailable = errors.New("pool: matchmaking unavailable")

// WaitingPool is the set of participants currently seeking a partner, stored
// under waiting_pool/ in the shared store.
type WaitingPool struct {
	store   store.Store
	clock   Clock
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewWaitingPool(st store.Store, clock Clock, log *slog.Logger, m *metrics.Metrics) *WaitingPool {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &WaitingPool{store: st, clock: clock, log: log, metrics: m}
}

// Join inserts (or overwrites) the participant's waiting entry. Idempotent.
func (p *WaitingPool) Join(ctx context.Context, id string) error {
	entry := Entry{
		ID:         id,
		EnqueuedAt: p.clock.Now().UnixMilli(),
		Waiting:    true,
	}
	if err := p.store.Write(ctx, store.PoolEntryPath(id), entry); err != nil {
		return p.unavailable("join", err)
	}
	return nil
}

// Leave removes the participant's entry. No-op if absent.
func (p *WaitingPool) Leave(ctx context.Context, id string) error {
	if err := p.store.Remove(ctx, store.PoolEntryPath(id)); err != nil {
		return p.unavailable("leave", err)
	}
	return nil
}

// PickOldestOther returns the waiting entry with the smallest EnqueuedAt whose
// id differs from excludingID, together with the store version needed to claim
// it. Ties break toward the lowest id for determinism. ok is false when the
// pool (minus self) holds no waiting entry.
func (p *WaitingPool) PickOldestOther(ctx context.Context, excludingID string) (entry Entry, version uint64, ok bool, err error) {
	children, err := p.store.List(ctx, store.PoolPath)
	if err != nil {
		return Entry{}, 0, false, p.unavailable("pick", err)
	}

	var best Entry
	found := false
	for name, raw := range children {
		var e Entry
		if err := store.Unmarshal(raw, &e); err != nil {
			p.log.Warn("skipping malformed pool entry", "entry", name, "err", err)
			continue
		}
		if e.ID == excludingID || !e.Waiting {
			continue
		}
		if !found || older(e, best) {
			best = e
			found = true
		}
	}
	if !found {
		return Entry{}, 0, false, nil
	}

	// Re-read the winner to learn its version; it may have been claimed or
	// removed since the listing.
	raw, version, err := p.store.Read(ctx, store.PoolEntryPath(best.ID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Entry{}, 0, false, nil
		}
		return Entry{}, 0, false, p.unavailable("pick", err)
	}
	if err := store.Unmarshal(raw, &best); err != nil {
		return Entry{}, 0, false, fmt.Errorf("pool: decode entry: %w", err)
	}
	if !best.Waiting {
		return Entry{}, 0, false, nil
	}
	return best, version, true, nil
}

// MarkMatched claims a still-waiting entry by compare-and-swap, transitioning
// it to carry the session assignment without removing it, so the owner's
// subscription observes the transition. Exactly one claimant can win a given
// version; losers get store.ErrVersionMismatch.
func (p *WaitingPool) MarkMatched(ctx context.Context, entry Entry, version uint64, sessionID, peerID string, isCaller bool) error {
	assigned := Entry{
		ID:         entry.ID,
		EnqueuedAt: entry.EnqueuedAt,
		Waiting:    false,
		SessionID:  sessionID,
		PeerID:     peerID,
		IsCaller:   isCaller,
	}
	err := p.store.CompareAndSwap(ctx, store.PoolEntryPath(entry.ID), version, assigned)
	if errors.Is(err, store.ErrVersionMismatch) {
		return err
	}
	if err != nil {
		return p.unavailable("mark matched", err)
	}
	return nil
}

// ReadOwn returns the participant's own current entry, if any.
func (p *WaitingPool) ReadOwn(ctx context.Context, id string) (Entry, bool, error) {
	raw, _, err := p.store.Read(ctx, store.PoolEntryPath(id))
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, p.unavailable("read own", err)
	}
	var e Entry
	if err := store.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("pool: decode entry: %w", err)
	}
	return e, true, nil
}

// WatchAssignment invokes fn whenever the participant's own entry carries a
// session assignment. Snapshots without an assignment (including removals) are
// ignored.
func (p *WaitingPool) WatchAssignment(id string, fn func(Entry)) (store.UnsubscribeFunc, error) {
	cancel, err := p.store.Subscribe(store.PoolEntryPath(id), func(snap store.Snapshot) {
		if snap.Value == nil {
			return
		}
		var e Entry
		if err := store.Unmarshal(snap.Value, &e); err != nil {
			p.log.Warn("malformed pool entry snapshot", "id", id, "err", err)
			return
		}
		if e.Assigned() {
			fn(e)
		}
	})
	if err != nil {
		return nil, p.unavailable("watch", err)
	}
	return cancel, nil
}

func (p *WaitingPool) unavailable(op string, err error) error {
	p.metrics.Inc(metrics.StoreErrors)
	p.log.Warn("waiting pool store operation failed", "op", op, "err", err)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// older orders entries by enqueue time, then id.
func older(a, b Entry) bool {
	if a.EnqueuedAt != b.EnqueuedAt {
		return a.EnqueuedAt < b.EnqueuedAt
	}
	return a.ID < b.ID
}
