package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/store"
)

// ErrAlreadySearching is returned by Start while a previous search is active.
var ErrAlreadySearching = errors.New("pool: already searching")

// claimAttempts bounds how often an initiator retries after losing a claim
// race to another initiator before falling back to waiting.
const claimAttempts = 3

// Match is the outcome of a search, delivered at most once per Start.
type Match struct {
	Session  Session
	IsCaller bool
	PeerID   string
}

// Matchmaker decides whether a searching participant initiates a pairing or
// waits to be claimed.
//
// Initiator path: pick the oldest waiting entry and claim it with a
// compare-and-swap onto the *other* side's entry. Only one process mutates any
// given entry version, so exactly one of several simultaneous initiators wins
// a victim; losers retry, then join the pool themselves.
//
// Waiter path: join the pool and watch the own entry until an initiator's
// claim appears, then resolve as callee and leave.
//
// Glare (both sides claiming each other in the window between joining and the
// second claim pass) is resolved deterministically: the participant with the
// lower id takes the caller role. Both sides apply the same rule locally, so
// they agree without another round trip.
type Matchmaker struct {
	selfID  string
	store   store.Store
	pool    *WaitingPool
	clock   Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	searching   bool
	resolved    bool
	cancelWatch store.UnsubscribeFunc
}

func NewMatchmaker(selfID string, st store.Store, p *WaitingPool, clock Clock, log *slog.Logger, m *metrics.Metrics) *Matchmaker {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &Matchmaker{
		selfID:  selfID,
		store:   st,
		pool:    p,
		clock:   clock,
		log:     log,
		metrics: m,
	}
}

// Start begins one search. onMatched is invoked at most once, from either this
// call or a store subscription callback. Start returns once the participant is
// matched or waiting; it does not block until a match arrives.
func (m *Matchmaker) Start(ctx context.Context, onMatched func(Match)) error {
	m.mu.Lock()
	if m.searching {
		m.mu.Unlock()
		return ErrAlreadySearching
	}
	m.searching = true
	m.resolved = false
	m.mu.Unlock()

	// Defensive cleanup: a previous run may have died with artifacts under our
	// id, which would confuse the peer-filtering on a fresh session.
	if err := m.store.Remove(ctx, store.MailboxPath(m.selfID)); err != nil {
		m.log.Warn("stale mailbox cleanup failed", "err", err)
	}

	// First claim pass: if someone is already waiting we become the caller
	// without ever joining the pool.
	if match, ok, err := m.tryClaim(ctx); err != nil {
		m.abort()
		return err
	} else if ok {
		m.resolve(match, onMatched)
		return nil
	}

	if err := m.pool.Join(ctx, m.selfID); err != nil {
		m.abort()
		return err
	}

	cancel, err := m.pool.WatchAssignment(m.selfID, func(e Entry) {
		m.resolveFromEntry(e, onMatched)
	})
	if err != nil {
		m.abort()
		_ = m.pool.Leave(context.Background(), m.selfID)
		return err
	}
	m.mu.Lock()
	if !m.searching || m.resolved {
		// Stop or a resolution raced the subscription setup.
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.cancelWatch = cancel
	m.mu.Unlock()

	// Second claim pass: another participant may have joined in the window
	// between our first pass and our own join. Without this re-scan, two
	// participants entering an empty pool at the same instant would both wait
	// forever.
	match, ok, err := m.tryClaim(ctx)
	if err != nil {
		m.log.Warn("second claim pass failed, staying in pool", "err", err)
		return nil
	}
	if !ok {
		return nil
	}

	// We claimed someone while also being claimable ourselves. If the victim
	// claimed us in the same window, both claims succeeded (they touch
	// different entries) and both sides would believe they are the caller.
	// Break the tie by id order.
	if own, found, err := m.pool.ReadOwn(ctx, m.selfID); err == nil && found && own.Assigned() && own.PeerID == match.PeerID {
		if m.selfID > match.PeerID {
			m.metrics.Inc(metrics.GlareLost)
			m.log.Debug("glare detected, yielding caller role", "peer", match.PeerID)
			match.IsCaller = false
			match.Session = NewSession(match.PeerID, m.selfID, m.clock.Now())
		}
	}
	m.resolve(match, onMatched)
	return nil
}

// Stop abandons the current search. Idempotent; safe to call when not
// searching. Late assignment snapshots after Stop are ignored.
func (m *Matchmaker) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancelWatch
	m.cancelWatch = nil
	wasSearching := m.searching
	m.searching = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !wasSearching {
		return nil
	}
	return m.pool.Leave(ctx, m.selfID)
}

func (m *Matchmaker) tryClaim(ctx context.Context) (Match, bool, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		entry, version, ok, err := m.pool.PickOldestOther(ctx, m.selfID)
		if err != nil {
			return Match{}, false, err
		}
		if !ok {
			return Match{}, false, nil
		}

		sessionID := SessionID(m.selfID, entry.ID)
		err = m.pool.MarkMatched(ctx, entry, version, sessionID, m.selfID, false)
		if errors.Is(err, store.ErrVersionMismatch) {
			// Another initiator claimed this entry first; try the next oldest.
			continue
		}
		if err != nil {
			return Match{}, false, err
		}

		return Match{
			Session:  NewSession(m.selfID, entry.ID, m.clock.Now()),
			IsCaller: true,
			PeerID:   entry.ID,
		}, true, nil
	}
	return Match{}, false, nil
}

// resolveFromEntry handles the waiter path: our own entry was claimed by an
// initiator.
func (m *Matchmaker) resolveFromEntry(e Entry, onMatched func(Match)) {
	callerID, calleeID := e.PeerID, m.selfID
	if e.IsCaller {
		callerID, calleeID = m.selfID, e.PeerID
	}

	// Mutual claim: if the peer's entry is assigned back to us, both sides
	// claimed each other and the entry's role fields conflict. Apply the same
	// id tie-break as the claim path so both sides agree.
	if peer, found, err := m.pool.ReadOwn(context.Background(), e.PeerID); err == nil && found && peer.Assigned() && peer.PeerID == m.selfID {
		callerID, calleeID = e.PeerID, m.selfID
		if m.selfID < e.PeerID {
			callerID, calleeID = m.selfID, e.PeerID
		}
	}

	m.resolve(Match{
		Session:  NewSession(callerID, calleeID, m.clock.Now()),
		IsCaller: callerID == m.selfID,
		PeerID:   e.PeerID,
	}, onMatched)
}

// resolve delivers the match exactly once and tears down search state.
func (m *Matchmaker) resolve(match Match, onMatched func(Match)) {
	m.mu.Lock()
	if m.resolved || !m.searching {
		m.mu.Unlock()
		return
	}
	m.resolved = true
	m.searching = false
	cancel := m.cancelWatch
	m.cancelWatch = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := m.pool.Leave(context.Background(), m.selfID); err != nil {
		m.log.Warn("leaving pool after match failed", "err", err)
	}

	m.metrics.Inc(metrics.MatchesFormed)
	if match.IsCaller {
		m.metrics.Inc(metrics.MatchesAsCaller)
	} else {
		m.metrics.Inc(metrics.MatchesAsCallee)
	}
	m.log.Info("matched",
		"session_id", match.Session.ID,
		"peer", match.PeerID,
		"is_caller", match.IsCaller,
	)

	onMatched(match)
}

// abort resets the searching flag after a failed Start.
func (m *Matchmaker) abort() {
	m.mu.Lock()
	m.searching = false
	m.mu.Unlock()
}
