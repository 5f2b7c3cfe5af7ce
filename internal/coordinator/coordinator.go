package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/strangerwire/webrtc-pairing-core/internal/config"
	"github.com/strangerwire/webrtc-pairing-core/internal/media"
	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/negotiation"
	"github.com/strangerwire/webrtc-pairing-core/internal/pool"
	"github.com/strangerwire/webrtc-pairing-core/internal/rtc"
	"github.com/strangerwire/webrtc-pairing-core/internal/signaling"
	"github.com/strangerwire/webrtc-pairing-core/internal/store"
)

const streamBuffer = 16

type engineEvent struct {
	engine *negotiation.Engine
	ev     negotiation.Event
}

// Coordinator owns one participant's entire pairing lifecycle: acquire media,
// search the pool, negotiate with the matched peer, and tear everything down
// again. All mutable state lives on a single event-loop goroutine; public
// methods funnel commands into it and collaborator callbacks post events, so
// there is exactly one writer and no lock ordering to reason about.
type Coordinator struct {
	cfg     config.Config
	st      store.Store
	capture media.Capture
	log     *slog.Logger
	metrics *metrics.Metrics

	participantID string
	matchmaker    *pool.Matchmaker
	api           *webrtc.API

	cmds         chan func()
	matches      chan pool.Match
	engineEvents chan engineEvent
	states       chan AppState
	errs         chan error
	done         chan struct{}
	closeOnce    sync.Once

	// Loop-owned state. Only the run goroutine may touch these.
	phase        Phase
	stream       *media.Stream
	engine       *negotiation.Engine
	channel      *signaling.Channel
	forwardStop  chan struct{}
	session      pool.Session
	isCaller     bool
	remoteTracks []*webrtc.TrackRemote
	lastError    string
}

func New(cfg config.Config, st store.Store, capture media.Capture, log *slog.Logger, m *metrics.Metrics) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	id, err := pool.NewParticipantID()
	if err != nil {
		return nil, fmt.Errorf("coordinator: participant id: %w", err)
	}
	api, err := rtc.NewAPI(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("coordinator: configure webrtc: %w", err)
	}

	waiting := pool.NewWaitingPool(st, pool.SystemClock, log, m)
	c := &Coordinator{
		cfg:           cfg,
		st:            st,
		capture:       capture,
		log:           log.With("participant", id),
		metrics:       m,
		participantID: id,
		matchmaker:    pool.NewMatchmaker(id, st, waiting, pool.SystemClock, log, m),
		api:           api,
		cmds:          make(chan func()),
		matches:       make(chan pool.Match, 1),
		engineEvents:  make(chan engineEvent, 8),
		states:        make(chan AppState, streamBuffer),
		errs:          make(chan error, streamBuffer),
		done:          make(chan struct{}),
		phase:         PhaseIdle,
	}
	c.publish()
	go c.run()
	return c, nil
}

func (c *Coordinator) ParticipantID() string { return c.participantID }

// States streams a snapshot after every state change. Slow consumers lose
// intermediate snapshots, never the latest one.
func (c *Coordinator) States() <-chan AppState { return c.states }

// Errors streams every reported error. Each also appears in the state
// snapshot's LastError.
func (c *Coordinator) Errors() <-chan error { return c.errs }

func (c *Coordinator) run() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.cmds:
			fn()
		case m := <-c.matches:
			c.handleMatch(m)
		case ee := <-c.engineEvents:
			c.handleEngineEvent(ee)
		}
	}
}

// do runs fn on the event loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- func() { reply <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartMatching acquires local media and enters the waiting pool. Calling it
// while already searching is a no-op; while a session is in flight it returns
// ErrBusy. Media comes first: without a local stream there is nothing to
// offer a peer.
func (c *Coordinator) StartMatching(ctx context.Context) error {
	return c.do(ctx, func() error {
		switch c.phase {
		case PhaseSearching:
			return nil
		case PhaseNegotiating, PhaseInCall:
			return ErrBusy
		}

		stream, err := c.capture.Acquire(ctx, media.Constraints{
			Audio: c.cfg.Audio,
			Video: c.cfg.Video,
		})
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
			c.reportError(err)
			return err
		}
		c.stream = stream

		if err := c.matchmaker.Start(ctx, c.onMatched); err != nil {
			stream.Release()
			c.stream = nil
			if errors.Is(err, pool.ErrUnavailable) {
				err = fmt.Errorf("%w: %v", ErrMatchmakingUnavailable, err)
			}
			c.reportError(err)
			return err
		}

		c.lastError = ""
		// A synchronous match is already queued at this point; the loop picks
		// it up right after this command and moves on to negotiating.
		c.phase = PhaseSearching
		c.publish()
		return nil
	})
}

// StopMatching leaves the pool and releases media. No-op unless searching.
func (c *Coordinator) StopMatching(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.phase != PhaseSearching {
			return nil
		}
		if err := c.matchmaker.Stop(ctx); err != nil {
			c.log.Warn("stopping matchmaker", "err", err)
		}
		if c.stream != nil {
			c.stream.Release()
			c.stream = nil
		}
		c.phase = PhaseIdle
		c.publish()
		return nil
	})
}

// EndSession hangs up. Every teardown step runs even when earlier ones fail;
// the joined error reports what went wrong. Idempotent: without an active
// session it does nothing.
func (c *Coordinator) EndSession(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.phase != PhaseNegotiating && c.phase != PhaseInCall {
			return nil
		}
		return c.teardownSession(true)
	})
}

// ToggleAudio flips the local audio mute state and returns the new state.
// Without an acquired stream it reports false.
func (c *Coordinator) ToggleAudio(ctx context.Context) (bool, error) {
	return c.toggle(ctx, media.KindAudio)
}

// ToggleVideo flips the local video mute state and returns the new state.
func (c *Coordinator) ToggleVideo(ctx context.Context) (bool, error) {
	return c.toggle(ctx, media.KindVideo)
}

func (c *Coordinator) toggle(ctx context.Context, kind media.Kind) (bool, error) {
	var on bool
	err := c.do(ctx, func() error {
		if c.stream == nil {
			return nil
		}
		on = c.stream.SetEnabled(kind, !c.stream.Enabled(kind))
		c.publish()
		return nil
	})
	return on, err
}

// Close shuts the coordinator down, ending any session and abandoning any
// search first. Idempotent.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		_ = c.do(context.Background(), func() error {
			if c.phase == PhaseSearching {
				if err := c.matchmaker.Stop(context.Background()); err != nil {
					c.log.Warn("stopping matchmaker on close", "err", err)
				}
			}
			if c.phase == PhaseNegotiating || c.phase == PhaseInCall {
				if err := c.teardownSession(true); err != nil {
					c.log.Warn("ending session on close", "err", err)
				}
			}
			if c.stream != nil {
				c.stream.Release()
				c.stream = nil
			}
			c.phase = PhaseIdle
			return nil
		})
		close(c.done)
	})
	return nil
}

// onMatched runs on a matchmaker goroutine (or synchronously inside Start)
// and hands the match to the loop. The buffer always has room: the matchmaker
// delivers at most one match per search.
func (c *Coordinator) onMatched(m pool.Match) {
	select {
	case c.matches <- m:
	case <-c.done:
	}
}

func (c *Coordinator) handleMatch(m pool.Match) {
	if c.phase != PhaseSearching && c.phase != PhaseIdle {
		// A stale match from a search that was stopped meanwhile.
		return
	}
	if c.stream == nil {
		c.log.Warn("match arrived without local media, dropping", "session_id", m.Session.ID)
		return
	}

	c.session = m.Session
	c.isCaller = m.IsCaller
	c.remoteTracks = nil

	c.channel = signaling.NewChannel(
		c.participantID, m.PeerID, m.Session.ID,
		c.st, c.cfg.SendRetries, c.log, c.metrics,
	)
	c.engine = negotiation.NewEngine(
		c.api, c.cfg.PeerConnectionConfiguration(), c.channel,
		c.cfg.ConnectTimeout, c.log, c.metrics,
	)

	if err := c.engine.Start(context.Background(), c.stream, m.IsCaller); err != nil {
		c.reportError(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		if err := c.teardownSession(false); err != nil {
			c.log.Warn("teardown after failed start", "err", err)
		}
		return
	}

	c.forwardStop = make(chan struct{})
	go c.forwardEvents(c.engine, c.forwardStop)

	c.phase = PhaseNegotiating
	c.publish()
}

func (c *Coordinator) forwardEvents(e *negotiation.Engine, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case ev := <-e.Events():
			select {
			case c.engineEvents <- engineEvent{engine: e, ev: ev}:
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}
}

func (c *Coordinator) handleEngineEvent(ee engineEvent) {
	if ee.engine != c.engine {
		// Leftover from a session already torn down.
		return
	}

	switch ee.ev.Type {
	case negotiation.EventStateChanged:
		if ee.ev.State == negotiation.StateConnected {
			c.phase = PhaseInCall
			// The offer, answer, and applied candidates are spent once the
			// transport connects; each side clears its own mailbox.
			if c.channel != nil {
				if err := c.channel.Clear(context.Background()); err != nil {
					c.log.Warn("clearing mailbox after connect", "err", err)
				}
			}
			c.publish()
		}
	case negotiation.EventRemoteTrack:
		if ee.ev.Track != nil {
			c.remoteTracks = append(c.remoteTracks, ee.ev.Track)
			c.publish()
		}
	case negotiation.EventEndCall:
		c.log.Info("peer ended the call", "session_id", c.session.ID)
		if err := c.teardownSession(false); err != nil {
			c.log.Warn("teardown after peer hang-up", "err", err)
		}
	case negotiation.EventFailed:
		err := ee.ev.Err
		if errors.Is(err, negotiation.ErrTransportLost) && c.phase == PhaseInCall {
			err = fmt.Errorf("%w: %v", ErrTransportLost, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		}
		c.reportError(err)
		if err := c.teardownSession(false); err != nil {
			c.log.Warn("teardown after failure", "err", err)
		}
	}
}

// teardownSession runs the full cleanup ladder. Each rung executes regardless
// of earlier failures; the participant always lands back in idle with no
// session artifacts behind it. A dropped peer mid-call does not re-enter the
// pool automatically — the host decides whether to search again.
func (c *Coordinator) teardownSession(notifyPeer bool) error {
	hadSession := c.engine != nil
	var errs []error

	if c.engine != nil {
		if notifyPeer {
			c.engine.SendEndCall(context.Background())
		}
		if err := c.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if c.forwardStop != nil {
		close(c.forwardStop)
		c.forwardStop = nil
	}
	c.engine = nil

	if c.channel != nil {
		if err := c.channel.Clear(context.Background()); err != nil {
			errs = append(errs, err)
		}
		c.channel = nil
	}

	if c.stream != nil {
		c.stream.Release()
		c.stream = nil
	}

	c.session = pool.Session{}
	c.isCaller = false
	c.remoteTracks = nil
	c.phase = PhaseIdle
	if hadSession {
		c.metrics.Inc(metrics.SessionsEnded)
	}
	c.publish()
	return errors.Join(errs...)
}

func (c *Coordinator) reportError(err error) {
	c.lastError = err.Error()
	c.log.Warn("reporting error", "err", err)
	select {
	case c.errs <- err:
	default:
		select {
		case <-c.errs:
		default:
		}
		select {
		case c.errs <- err:
		default:
		}
	}
	c.publish()
}

// publish emits a fresh snapshot, dropping the oldest queued one if the
// consumer lags.
func (c *Coordinator) publish() {
	s := AppState{
		Phase:         c.phase,
		ParticipantID: c.participantID,
		SessionID:     c.session.ID,
		PeerID:        c.session.PeerOf(c.participantID),
		IsCaller:      c.isCaller,
		LocalStream:   c.stream,
		RemoteTracks:  append([]*webrtc.TrackRemote(nil), c.remoteTracks...),
		LastError:     c.lastError,
	}
	if c.stream != nil {
		s.AudioEnabled = c.stream.Enabled(media.KindAudio)
		s.VideoEnabled = c.stream.Enabled(media.KindVideo)
	}
	if s.SessionID == "" {
		s.PeerID = ""
	}

	select {
	case c.states <- s:
	default:
		select {
		case <-c.states:
		default:
		}
		select {
		case c.states <- s:
		default:
		}
	}
}
