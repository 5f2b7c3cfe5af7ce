package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/store"
)

// ErrSendFailed is returned once an envelope could not be delivered within the
// configured retry budget.
var ErrSendFailed = errors.New("signaling: send failed")

// AcceptFunc decides whether a received envelope belongs to this channel.
type AcceptFunc func(Envelope) bool

// AcceptPeer builds the standard accept predicate: drop own echoes, drop
// envelopes from anyone but the paired peer, drop envelopes for another
// session. Filtering happens here at the channel boundary so everything
// downstream only ever sees peer traffic.
func AcceptPeer(selfID, peerID, sessionID string) AcceptFunc {
	return func(e Envelope) bool {
		if e.From == selfID {
			return false
		}
		if e.From != peerID {
			return false
		}
		return e.SessionID == sessionID
	}
}

// Clock abstracts time for envelope timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

var SystemClock Clock = systemClock{}

const defaultRetryDelay = 100 * time.Millisecond

// Channel is one participant's signaling endpoint for a single session. Sends
// land in the *peer's* mailbox; Subscribe watches the participant's own
// mailbox. The channel never interprets payloads beyond validation.
type Channel struct {
	selfID    string
	peerID    string
	sessionID string

	store   store.Store
	clock   Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	// retries is the number of re-attempts after the first failed write.
	retries    int
	retryDelay time.Duration
}

type Option func(*Channel)

func WithClock(c Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

func WithRetryDelay(d time.Duration) Option {
	return func(ch *Channel) { ch.retryDelay = d }
}

func NewChannel(selfID, peerID, sessionID string, st store.Store, retries int, log *slog.Logger, m *metrics.Metrics, opts ...Option) *Channel {
	if log == nil {
		log = slog.Default()
	}
	ch := &Channel{
		selfID:     selfID,
		peerID:     peerID,
		sessionID:  sessionID,
		store:      st,
		clock:      SystemClock,
		log:        log,
		metrics:    m,
		retries:    retries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// SendOffer places the local offer in the peer's mailbox, replacing any
// previous one.
func (ch *Channel) SendOffer(ctx context.Context, desc webrtc.SessionDescription) error {
	s := SDPFromPion(desc)
	return ch.send(ctx, store.OfferPath(ch.peerID), Envelope{
		Type: EnvelopeOffer,
		SDP:  &s,
	}, false)
}

// SendAnswer places the local answer in the peer's mailbox.
func (ch *Channel) SendAnswer(ctx context.Context, desc webrtc.SessionDescription) error {
	s := SDPFromPion(desc)
	return ch.send(ctx, store.AnswerPath(ch.peerID), Envelope{
		Type: EnvelopeAnswer,
		SDP:  &s,
	}, false)
}

// SendCandidate appends one trickled ICE candidate to the peer's mailbox.
// Candidates accumulate; they are never replaced.
func (ch *Channel) SendCandidate(ctx context.Context, init webrtc.ICECandidateInit) error {
	c := CandidateFromPion(init)
	return ch.send(ctx, store.CandidatesPath(ch.peerID), Envelope{
		Type:      EnvelopeCandidate,
		Candidate: &c,
	}, true)
}

// SendEndCall signals a hang-up through the store. Best effort alongside the
// in-band end-call message; the session ends locally regardless.
func (ch *Channel) SendEndCall(ctx context.Context) error {
	return ch.send(ctx, store.EndCallPath(ch.peerID), Envelope{
		Type: EnvelopeEndCall,
	}, false)
}

func (ch *Channel) send(ctx context.Context, path string, env Envelope, appendOp bool) error {
	env.From = ch.selfID
	env.SessionID = ch.sessionID
	env.SentAt = ch.clock.Now().UnixMilli()
	if err := env.Validate(); err != nil {
		return fmt.Errorf("signaling: refusing to send invalid envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= ch.retries; attempt++ {
		if attempt > 0 && ch.retryDelay > 0 {
			select {
			case <-ctx.Done():
				ch.metrics.Inc(metrics.EnvelopesDropped)
				return fmt.Errorf("%w: %s: %v", ErrSendFailed, env.Type, ctx.Err())
			case <-time.After(ch.retryDelay):
			}
		}

		var err error
		if appendOp {
			err = ch.store.Append(ctx, path, env)
		} else {
			err = ch.store.Write(ctx, path, env)
		}
		if err == nil {
			ch.metrics.Inc(metrics.EnvelopesSent)
			return nil
		}
		lastErr = err
		ch.log.Warn("signaling send attempt failed",
			"type", string(env.Type),
			"attempt", attempt+1,
			"err", err,
		)
		if ctx.Err() != nil {
			break
		}
	}

	ch.metrics.Inc(metrics.EnvelopesDropped)
	ch.metrics.Inc(metrics.StoreErrors)
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrSendFailed, env.Type, ch.retries+1, lastErr)
}

// Subscribe watches the participant's own mailbox and delivers every envelope
// passing the accept predicate. Delivery order follows the store's snapshot
// order: already-present envelopes replay first (offer/answer before appended
// candidates, by key order), then live writes stream in. Malformed envelopes
// are dropped with a log line.
func (ch *Channel) Subscribe(accept AcceptFunc, fn func(Envelope)) (store.UnsubscribeFunc, error) {
	if accept == nil {
		accept = AcceptPeer(ch.selfID, ch.peerID, ch.sessionID)
	}
	return ch.store.Subscribe(store.MailboxPath(ch.selfID), func(snap store.Snapshot) {
		if snap.Value == nil {
			return
		}
		env, err := ParseEnvelope(snap.Value)
		if err != nil {
			ch.log.Warn("dropping malformed envelope", "path", snap.Path, "err", err)
			return
		}
		if !accept(env) {
			ch.metrics.Inc(metrics.EnvelopesFiltered)
			return
		}
		fn(env)
	})
}

// Clear removes every envelope addressed to this participant. Called during
// session teardown so the next pairing starts from an empty mailbox.
func (ch *Channel) Clear(ctx context.Context) error {
	if err := ch.store.Remove(ctx, store.MailboxPath(ch.selfID)); err != nil {
		ch.metrics.Inc(metrics.StoreErrors)
		return fmt.Errorf("signaling: clear mailbox: %w", err)
	}
	return nil
}

// ReadPendingOffer returns the peer's offer already sitting in the
// participant's own mailbox, if any. A callee attaching after the caller's
// offer landed answers it immediately instead of waiting on the subscription
// replay. Leftovers from another peer or session report as absent.
func (ch *Channel) ReadPendingOffer(ctx context.Context) (Envelope, bool, error) {
	raw, _, err := ch.store.Read(ctx, store.OfferPath(ch.selfID))
	if errors.Is(err, store.ErrNotFound) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, fmt.Errorf("signaling: read pending offer: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false, fmt.Errorf("signaling: decode pending offer: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, false, fmt.Errorf("signaling: invalid pending offer: %w", err)
	}
	if env.Type != EnvelopeOffer || !AcceptPeer(ch.selfID, ch.peerID, ch.sessionID)(env) {
		ch.metrics.Inc(metrics.EnvelopesFiltered)
		return Envelope{}, false, nil
	}
	return env, true, nil
}
