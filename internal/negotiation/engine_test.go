package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangerwire/webrtc-pairing-core/internal/media"
	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/signaling"
	"github.com/strangerwire/webrtc-pairing-core/internal/store"
)

const testSession = "p1__p2"

type enginePair struct {
	caller, callee   *Engine
	callerM, calleeM *metrics.Metrics
	st               *store.MemStore
	callerCh         *signaling.Channel
}

func newEnginePair(t *testing.T, connectTimeout time.Duration) enginePair {
	t.Helper()
	st := store.NewMemStore()
	t.Cleanup(st.Close)

	callerM := metrics.New()
	calleeM := metrics.New()
	callerCh := signaling.NewChannel("p1", "p2", testSession, st, 2, nil, callerM, signaling.WithRetryDelay(0))
	calleeCh := signaling.NewChannel("p2", "p1", testSession, st, 2, nil, calleeM, signaling.WithRetryDelay(0))

	caller := NewEngine(nil, webrtc.Configuration{}, callerCh, connectTimeout, nil, callerM)
	callee := NewEngine(nil, webrtc.Configuration{}, calleeCh, connectTimeout, nil, calleeM)
	t.Cleanup(func() {
		_ = caller.Close()
		_ = callee.Close()
	})
	return enginePair{
		caller:   caller,
		callee:   callee,
		callerM:  callerM,
		calleeM:  calleeM,
		st:       st,
		callerCh: callerCh,
	}
}

func acquireStream(t *testing.T) *media.Stream {
	t.Helper()
	s, err := media.StaticCapture{}.Acquire(context.Background(), media.Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(s.Release)
	return s
}

func waitForEvent(t *testing.T, e *Engine, match func(Event) bool, what string) Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == EventFailed && !match(ev) {
				t.Fatalf("waiting for %s, engine failed: %v", what, ev.Err)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitForState(t *testing.T, e *Engine, s State) {
	t.Helper()
	waitForEvent(t, e, func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.State == s
	}, string(s))
}

func TestEnginesConnect(t *testing.T) {
	p := newEnginePair(t, 0)
	ctx := context.Background()

	if err := p.callee.Start(ctx, acquireStream(t), false); err != nil {
		t.Fatalf("callee start: %v", err)
	}
	if err := p.caller.Start(ctx, acquireStream(t), true); err != nil {
		t.Fatalf("caller start: %v", err)
	}

	waitForState(t, p.caller, StateConnected)
	waitForState(t, p.callee, StateConnected)

	if n := p.callerM.Get(metrics.SessionsConnected); n != 1 {
		t.Fatalf("caller connected counter = %d, want 1", n)
	}
}

func TestCalleeAttachingLateStillAnswers(t *testing.T) {
	p := newEnginePair(t, 0)
	ctx := context.Background()

	// Offer lands in the callee mailbox before the callee engine exists; the
	// subscription replay must hand it over.
	if err := p.caller.Start(ctx, acquireStream(t), true); err != nil {
		t.Fatalf("caller start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if err := p.callee.Start(ctx, acquireStream(t), false); err != nil {
		t.Fatalf("callee start: %v", err)
	}

	waitForState(t, p.caller, StateConnected)
	waitForState(t, p.callee, StateConnected)

	// The callee answered the stored offer on attach; the subscription replay
	// of the same offer is dropped rather than re-applied.
	waitForCounter(t, p.calleeM, metrics.DescriptionsIgnored, 1)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	p := newEnginePair(t, 0)
	ctx := context.Background()

	if err := p.callee.Start(ctx, acquireStream(t), false); err != nil {
		t.Fatalf("callee start: %v", err)
	}

	// A candidate arriving before any offer must be held, not dropped.
	early := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host"}
	if err := p.callerCh.SendCandidate(ctx, early); err != nil {
		t.Fatalf("send early candidate: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := p.calleeM.Get(metrics.CandidatesBuffered); n != 1 {
		t.Fatalf("buffered counter = %d, want 1", n)
	}

	if err := p.caller.Start(ctx, acquireStream(t), true); err != nil {
		t.Fatalf("caller start: %v", err)
	}
	waitForState(t, p.callee, StateConnected)

	if n := p.calleeM.Get(metrics.CandidatesFlushed); n != 1 {
		t.Fatalf("flushed counter = %d, want 1", n)
	}
}

func waitForCounter(t *testing.T, m *metrics.Metrics, name string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get(name) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("counter %s never reached %d", name, want)
}

func drainWithoutFailure(t *testing.T, e *Engine) {
	t.Helper()
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == EventFailed {
				t.Fatalf("engine failed: %v", ev.Err)
			}
		default:
			return
		}
	}
}

func TestRedeliveredDescriptionsAreIgnored(t *testing.T) {
	p := newEnginePair(t, 0)
	ctx := context.Background()

	if err := p.callee.Start(ctx, acquireStream(t), false); err != nil {
		t.Fatalf("callee start: %v", err)
	}
	if err := p.caller.Start(ctx, acquireStream(t), true); err != nil {
		t.Fatalf("caller start: %v", err)
	}
	waitForState(t, p.caller, StateConnected)
	waitForState(t, p.callee, StateConnected)

	// Delivery is at least once: re-write both descriptions verbatim so each
	// subscription hands its copy over a second time. Neither side may
	// re-apply it; doing so would re-answer or fail in stable state and tear
	// down a healthy session.
	redeliver := func(path string) {
		raw, _, err := p.st.Read(ctx, path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		var env signaling.Envelope
		if err := store.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		if err := p.st.Write(ctx, path, env); err != nil {
			t.Fatalf("rewrite %s: %v", path, err)
		}
	}
	redeliver(store.OfferPath("p2"))
	redeliver(store.AnswerPath("p1"))

	waitForCounter(t, p.calleeM, metrics.DescriptionsIgnored, 1)
	waitForCounter(t, p.callerM, metrics.DescriptionsIgnored, 1)

	if got := p.caller.State(); got != StateConnected {
		t.Fatalf("caller state = %q, want connected", got)
	}
	if got := p.callee.State(); got != StateConnected {
		t.Fatalf("callee state = %q, want connected", got)
	}
	drainWithoutFailure(t, p.caller)
	drainWithoutFailure(t, p.callee)
}

func TestAbruptPeerLossSurfacesAsTransportLoss(t *testing.T) {
	for _, transport := range []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed,
	} {
		e := NewEngine(nil, webrtc.Configuration{}, nil, 0, nil, nil)
		e.mu.Lock()
		e.state = StateConnected
		e.mu.Unlock()

		e.handleConnectionState(transport)

		ev := waitForEvent(t, e, func(ev Event) bool {
			return ev.Type == EventFailed
		}, "transport loss")
		if ev.Err != ErrTransportLost {
			t.Fatalf("%s: failure error = %v, want ErrTransportLost", transport, ev.Err)
		}
		if e.State() != StateDisconnected {
			t.Fatalf("%s: state = %q, want disconnected", transport, e.State())
		}
	}
}

func TestEndCallTravelsInBand(t *testing.T) {
	p := newEnginePair(t, 0)
	ctx := context.Background()

	if err := p.callee.Start(ctx, acquireStream(t), false); err != nil {
		t.Fatalf("callee start: %v", err)
	}
	if err := p.caller.Start(ctx, acquireStream(t), true); err != nil {
		t.Fatalf("caller start: %v", err)
	}
	waitForState(t, p.caller, StateConnected)
	waitForState(t, p.callee, StateConnected)

	// The control channel needs a beat to open after the connection does.
	time.Sleep(500 * time.Millisecond)
	p.caller.SendEndCall(ctx)

	waitForEvent(t, p.callee, func(ev Event) bool {
		return ev.Type == EventEndCall
	}, "end-call")
}

func TestEndCallFallsBackToStore(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	ctx := context.Background()

	ch := signaling.NewChannel("p1", "p2", testSession, st, 2, nil, nil, signaling.WithRetryDelay(0))
	e := NewEngine(nil, webrtc.Configuration{}, ch, 0, nil, nil)
	defer e.Close()

	peerCh := signaling.NewChannel("p2", "p1", testSession, st, 2, nil, nil, signaling.WithRetryDelay(0))
	got := make(chan signaling.Envelope, 1)
	cancel, err := peerCh.Subscribe(nil, func(env signaling.Envelope) { got <- env })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// No control channel exists yet, so the store carries the hang-up.
	e.SendEndCall(ctx)

	select {
	case env := <-got:
		if env.Type != signaling.EnvelopeEndCall {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for store end-call")
	}
}

func TestConnectTimeoutFails(t *testing.T) {
	p := newEnginePair(t, 300*time.Millisecond)
	ctx := context.Background()

	// No peer ever answers.
	if err := p.caller.Start(ctx, acquireStream(t), true); err != nil {
		t.Fatalf("caller start: %v", err)
	}

	ev := waitForEvent(t, p.caller, func(ev Event) bool {
		return ev.Type == EventFailed
	}, "timeout failure")
	if ev.Err != ErrTimeout {
		t.Fatalf("failure error = %v, want ErrTimeout", ev.Err)
	}
	if p.caller.State() != StateDisconnected {
		t.Fatalf("state = %q, want disconnected", p.caller.State())
	}
}

func TestStartTwiceFails(t *testing.T) {
	p := newEnginePair(t, 0)
	ctx := context.Background()

	if err := p.caller.Start(ctx, acquireStream(t), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.caller.Start(ctx, acquireStream(t), true); err == nil {
		t.Fatal("second start must fail")
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	p := newEnginePair(t, 0)
	ctx := context.Background()

	if err := p.caller.Start(ctx, acquireStream(t), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.caller.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.caller.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if p.caller.State() != StateClosed {
		t.Fatalf("state = %q, want closed", p.caller.State())
	}
	if err := p.caller.Start(ctx, acquireStream(t), true); err != ErrClosed {
		t.Fatalf("start after close = %v, want ErrClosed", err)
	}
}

func TestLateEnvelopesAfterCloseIgnored(t *testing.T) {
	p := newEnginePair(t, 0)
	ctx := context.Background()

	if err := p.callee.Start(ctx, acquireStream(t), false); err != nil {
		t.Fatalf("callee start: %v", err)
	}
	if err := p.callee.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Traffic landing after teardown must not produce events or panics.
	if err := p.callerCh.SendOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-p.callee.Events():
			if ev.Type != EventStateChanged || ev.State != StateClosed {
				t.Fatalf("event after close: %+v", ev)
			}
		case <-deadline:
			return
		}
	}
}
