package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangerwire/webrtc-pairing-core/internal/media"
	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/signaling"
	"github.com/strangerwire/webrtc-pairing-core/internal/store"
)

var (
	// ErrClosed is returned by operations on an engine that already closed.
	ErrClosed = errors.New("negotiation: engine closed")
	// ErrTimeout reports a negotiation that never reached connected within
	// the configured window.
	ErrTimeout = errors.New("negotiation: connect timeout")
	// ErrTransportLost reports a peer connection that failed after connecting.
	ErrTransportLost = errors.New("negotiation: transport lost")
)

// ControlChannelLabel is the data channel carrying in-band control messages.
// The caller opens it; hang-ups travel through it so teardown doesn't depend
// on the store being reachable.
const ControlChannelLabel = "control"

const endCallMessage = "end-call"

// eventBuffer sizes the event stream. Emission never blocks a pion callback;
// events overflow to the floor with a log line instead.
const eventBuffer = 32

// Engine drives one WebRTC negotiation between two matched participants. The
// caller produces the offer, the callee answers; trickled ICE candidates that
// arrive before the remote description are buffered and flushed in arrival
// order exactly once. All outcomes surface on the Events stream.
type Engine struct {
	api            *webrtc.API
	pcCfg          webrtc.Configuration
	channel        *signaling.Channel
	connectTimeout time.Duration
	log            *slog.Logger
	metrics        *metrics.Metrics

	events chan Event

	mu           sync.Mutex
	state        State
	pc           *webrtc.PeerConnection
	control      *webrtc.DataChannel
	pending      []webrtc.ICECandidateInit
	remoteSet    bool
	unsub        store.UnsubscribeFunc
	connectTimer *time.Timer

	closeOnce sync.Once
}

func NewEngine(api *webrtc.API, pcCfg webrtc.Configuration, ch *signaling.Channel, connectTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Engine {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		api:            api,
		pcCfg:          pcCfg,
		channel:        ch,
		connectTimeout: connectTimeout,
		log:            log,
		metrics:        m,
		events:         make(chan Event, eventBuffer),
		state:          StateIdle,
	}
}

// Events is the engine's outbound stream. It is never closed; StateClosed is
// the last event a consumer will see.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start wires the peer connection and begins negotiating. As caller it emits
// the offer; as callee it waits for one (the signaling subscription replays an
// offer already sitting in the mailbox). Start returns once signaling is
// attached; progress surfaces on Events.
func (e *Engine) Start(ctx context.Context, stream *media.Stream, isCaller bool) error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("negotiation: start from state %q", e.state)
	}
	e.mu.Unlock()

	pc, err := e.api.NewPeerConnection(e.pcCfg)
	if err != nil {
		return fmt.Errorf("negotiation: new peer connection: %w", err)
	}

	for _, track := range stream.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return fmt.Errorf("negotiation: add track: %w", err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.emit(Event{Type: EventRemoteTrack, Track: track})
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete.
			return
		}
		if err := e.channel.SendCandidate(context.Background(), c.ToJSON()); err != nil {
			e.log.Warn("sending local candidate failed", "err", err)
		}
	})

	pc.OnConnectionStateChange(e.handleConnectionState)

	if isCaller {
		control, err := pc.CreateDataChannel(ControlChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("negotiation: create control channel: %w", err)
		}
		e.attachControl(control)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != ControlChannelLabel {
				_ = dc.Close()
				return
			}
			e.attachControl(dc)
		})
	}

	// The peer connection must be visible to the envelope handler before the
	// subscription attaches: Subscribe replays a pending offer synchronously
	// on its own goroutine.
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		_ = pc.Close()
		return ErrClosed
	}
	e.pc = pc
	e.state = StateNegotiating
	e.mu.Unlock()
	e.emit(Event{Type: EventStateChanged, State: StateNegotiating})

	if !isCaller {
		// Fast path for a callee attaching after the caller's offer landed:
		// answer it now rather than waiting on the subscription replay. The
		// replay still re-delivers the offer; the duplicate is ignored.
		if env, ok, err := e.channel.ReadPendingOffer(ctx); err != nil {
			e.log.Warn("reading pending offer", "err", err)
		} else if ok {
			e.handleOffer(pc, env)
		}
	}

	unsub, err := e.channel.Subscribe(nil, e.handleEnvelope)
	if err != nil {
		_ = e.Close()
		return fmt.Errorf("negotiation: attach signaling: %w", err)
	}

	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		unsub()
		return ErrClosed
	}
	e.unsub = unsub
	if e.connectTimeout > 0 {
		e.connectTimer = time.AfterFunc(e.connectTimeout, e.onConnectTimeout)
	}
	e.mu.Unlock()

	if isCaller {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return e.fail(fmt.Errorf("negotiation: create offer: %w", err))
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return e.fail(fmt.Errorf("negotiation: set local offer: %w", err))
		}
		if err := e.channel.SendOffer(ctx, offer); err != nil {
			return e.fail(err)
		}
	}
	return nil
}

// handleEnvelope runs on the signaling subscription goroutine; envelopes for
// one engine arrive strictly in order.
func (e *Engine) handleEnvelope(env signaling.Envelope) {
	e.mu.Lock()
	if e.state == StateClosed || e.pc == nil {
		// Late traffic after teardown.
		e.mu.Unlock()
		return
	}
	pc := e.pc
	e.mu.Unlock()

	switch env.Type {
	case signaling.EnvelopeOffer:
		e.handleOffer(pc, env)
	case signaling.EnvelopeAnswer:
		e.handleAnswer(pc, env)
	case signaling.EnvelopeCandidate:
		e.handleCandidate(pc, env)
	case signaling.EnvelopeEndCall:
		e.emit(Event{Type: EventEndCall})
	}
}

func (e *Engine) handleOffer(pc *webrtc.PeerConnection, env signaling.Envelope) {
	if e.remoteApplied() {
		// The store delivers at least once; a replayed offer after the remote
		// description landed must not restart the handshake or re-answer.
		e.metrics.Inc(metrics.DescriptionsIgnored)
		e.log.Debug("ignoring re-delivered offer")
		return
	}
	desc, err := env.SDP.ToPion()
	if err != nil {
		e.failAsync(fmt.Errorf("negotiation: decode offer: %w", err))
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		e.failAsync(fmt.Errorf("negotiation: set remote offer: %w", err))
		return
	}
	e.flushPending(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.failAsync(fmt.Errorf("negotiation: create answer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		e.failAsync(fmt.Errorf("negotiation: set local answer: %w", err))
		return
	}
	if err := e.channel.SendAnswer(context.Background(), answer); err != nil {
		e.failAsync(err)
	}
}

func (e *Engine) handleAnswer(pc *webrtc.PeerConnection, env signaling.Envelope) {
	if e.remoteApplied() {
		// Re-delivered answer; applying it again would fail in stable state.
		e.metrics.Inc(metrics.DescriptionsIgnored)
		e.log.Debug("ignoring re-delivered answer")
		return
	}
	desc, err := env.SDP.ToPion()
	if err != nil {
		e.failAsync(fmt.Errorf("negotiation: decode answer: %w", err))
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		e.failAsync(fmt.Errorf("negotiation: set remote answer: %w", err))
		return
	}
	e.flushPending(pc)
}

func (e *Engine) handleCandidate(pc *webrtc.PeerConnection, env signaling.Envelope) {
	init := env.Candidate.ToPion()

	e.mu.Lock()
	if !e.remoteSet {
		// No remote description yet; hold in arrival order.
		e.pending = append(e.pending, init)
		e.mu.Unlock()
		e.metrics.Inc(metrics.CandidatesBuffered)
		return
	}
	e.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		e.log.Warn("adding remote candidate failed", "err", err)
	}
}

func (e *Engine) remoteApplied() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteSet
}

// flushPending applies buffered candidates in arrival order. Runs only on the
// signaling goroutine, immediately after the remote description is set, so no
// candidate can jump the queue.
func (e *Engine) flushPending(pc *webrtc.PeerConnection) {
	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			e.log.Warn("adding buffered candidate failed", "err", err)
			continue
		}
		e.metrics.Inc(metrics.CandidatesFlushed)
	}
}

func (e *Engine) attachControl(dc *webrtc.DataChannel) {
	e.mu.Lock()
	e.control = dc
	e.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString || string(msg.Data) != endCallMessage {
			return
		}
		e.metrics.Inc(metrics.EndCallSideChannel)
		e.emit(Event{Type: EventEndCall})
	})
}

// SendEndCall tells the peer the call is over, preferring the control data
// channel and falling back to the store. Best effort on both paths: the local
// session ends regardless.
func (e *Engine) SendEndCall(ctx context.Context) {
	e.mu.Lock()
	control := e.control
	closed := e.state == StateClosed
	e.mu.Unlock()
	if closed {
		return
	}

	sent := false
	if control != nil && control.ReadyState() == webrtc.DataChannelStateOpen {
		if err := control.SendText(endCallMessage); err != nil {
			e.log.Warn("end-call over control channel failed", "err", err)
		} else {
			e.metrics.Inc(metrics.EndCallSideChannel)
			sent = true
		}
	}
	if !sent {
		if err := e.channel.SendEndCall(ctx); err != nil {
			e.log.Warn("end-call over store failed", "err", err)
		}
	}
}

// Close tears the negotiation down. Idempotent; emits StateClosed exactly
// once. Signaling detaches before the peer connection closes so no late
// envelope can resurrect state.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		unsub := e.unsub
		e.unsub = nil
		pc := e.pc
		e.pc = nil
		timer := e.connectTimer
		e.connectTimer = nil
		e.state = StateClosed
		e.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if unsub != nil {
			unsub()
		}
		if pc != nil {
			err = pc.Close()
		}
		e.emit(Event{Type: EventStateChanged, State: StateClosed})
	})
	return err
}

// handleConnectionState maps pion transport states onto engine outcomes.
// Disconnected, Failed, and Closed all surface as a lost transport: an abrupt
// peer loss must end the session now, not after pion's failure timeout.
func (e *Engine) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		e.onConnected()
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		e.onTransportFailed()
	}
}

func (e *Engine) onConnected() {
	e.mu.Lock()
	if e.state != StateNegotiating {
		e.mu.Unlock()
		return
	}
	e.state = StateConnected
	timer := e.connectTimer
	e.connectTimer = nil
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	e.metrics.Inc(metrics.SessionsConnected)
	e.emit(Event{Type: EventStateChanged, State: StateConnected})
}

func (e *Engine) onTransportFailed() {
	e.mu.Lock()
	if e.state != StateConnected && e.state != StateNegotiating {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	e.mu.Unlock()

	e.metrics.Inc(metrics.NegotiationFailures)
	e.emit(Event{Type: EventStateChanged, State: StateDisconnected})
	e.emit(Event{Type: EventFailed, Err: ErrTransportLost})
}

func (e *Engine) onConnectTimeout() {
	e.mu.Lock()
	if e.state != StateNegotiating {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	e.mu.Unlock()

	e.metrics.Inc(metrics.NegotiationFailures)
	e.emit(Event{Type: EventStateChanged, State: StateDisconnected})
	e.emit(Event{Type: EventFailed, Err: ErrTimeout})
}

// fail reports a synchronous start failure both as a return value and on the
// event stream.
func (e *Engine) fail(err error) error {
	e.failAsync(err)
	return err
}

func (e *Engine) failAsync(err error) {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	e.mu.Unlock()

	e.metrics.Inc(metrics.NegotiationFailures)
	e.log.Warn("negotiation failed", "err", err)
	e.emit(Event{Type: EventStateChanged, State: StateDisconnected})
	e.emit(Event{Type: EventFailed, Err: err})
}

// emit never blocks; a full stream drops the event.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn("event stream full, dropping event", "type", string(ev.Type))
	}
}
