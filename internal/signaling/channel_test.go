package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/store"
)

const testSession = "p1__p2"

func newChannelPair(t *testing.T) (*Channel, *Channel, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	t.Cleanup(st.Close)
	c1 := NewChannel("p1", "p2", testSession, st, 2, nil, nil, WithRetryDelay(0))
	c2 := NewChannel("p2", "p1", testSession, st, 2, nil, nil, WithRetryDelay(0))
	return c1, c2, st
}

func collectEnvelopes(t *testing.T, ch *Channel, accept AcceptFunc) (<-chan Envelope, func()) {
	t.Helper()
	out := make(chan Envelope, 16)
	cancel, err := ch.Subscribe(accept, func(e Envelope) { out <- e })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return out, cancel
}

func recvEnvelope(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestOfferReachesPeer(t *testing.T) {
	c1, c2, _ := newChannelPair(t)
	ctx := context.Background()

	got, cancel := collectEnvelopes(t, c2, nil)
	defer cancel()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	if err := c1.SendOffer(ctx, desc); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	env := recvEnvelope(t, got)
	if env.Type != EnvelopeOffer || env.From != "p1" || env.SessionID != testSession {
		t.Fatalf("unexpected envelope %+v", env)
	}
	back, err := env.SDP.ToPion()
	if err != nil {
		t.Fatalf("to pion: %v", err)
	}
	if back != desc {
		t.Fatalf("offer changed in transit: %+v", back)
	}
}

func TestCandidatesAccumulateInOrder(t *testing.T) {
	c1, c2, _ := newChannelPair(t)
	ctx := context.Background()

	got, cancel := collectEnvelopes(t, c2, nil)
	defer cancel()

	for _, raw := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		if err := c1.SendCandidate(ctx, webrtc.ICECandidateInit{Candidate: raw}); err != nil {
			t.Fatalf("send candidate %s: %v", raw, err)
		}
	}

	for i, want := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		env := recvEnvelope(t, got)
		if env.Type != EnvelopeCandidate {
			t.Fatalf("envelope %d has type %q", i, env.Type)
		}
		if env.Candidate.Candidate != want {
			t.Fatalf("candidate %d arrived out of order: got %q want %q", i, env.Candidate.Candidate, want)
		}
	}
}

func TestOwnSendsNeverEcho(t *testing.T) {
	c1, _, _ := newChannelPair(t)
	ctx := context.Background()

	m := metrics.New()
	echoed := make(chan Envelope, 1)
	// Subscribe p1 to its own mailbox, then have p1 send. Nothing p1 sends
	// lands in its own mailbox, and even a stray copy would be filtered.
	st := c1.store
	stray := NewChannel("p1", "p2", testSession, st, 0, nil, m, WithRetryDelay(0))
	cancel, err := stray.Subscribe(nil, func(e Envelope) { echoed <- e })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := c1.SendOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	select {
	case e := <-echoed:
		t.Fatalf("own send echoed back: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAcceptPeerFiltersStrangers(t *testing.T) {
	accept := AcceptPeer("p1", "p2", testSession)

	cases := []struct {
		name string
		env  Envelope
		want bool
	}{
		{"from peer", Envelope{From: "p2", SessionID: testSession}, true},
		{"own echo", Envelope{From: "p1", SessionID: testSession}, false},
		{"third party", Envelope{From: "p9", SessionID: testSession}, false},
		{"stale session", Envelope{From: "p2", SessionID: "old__pair"}, false},
	}
	for _, tc := range cases {
		if got := accept(tc.env); got != tc.want {
			t.Errorf("%s: accept=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestFilteredEnvelopesCounted(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	ctx := context.Background()

	m := metrics.New()
	c2 := NewChannel("p2", "p1", testSession, st, 0, nil, m, WithRetryDelay(0))
	got, cancel := collectEnvelopes(t, c2, nil)
	defer cancel()

	// A third participant writing into p2's mailbox must be dropped.
	intruder := NewChannel("p9", "p2", "p2__p9", st, 0, nil, nil, WithRetryDelay(0))
	if err := intruder.SendEndCall(ctx); err != nil {
		t.Fatalf("intruder send: %v", err)
	}

	select {
	case e := <-got:
		t.Fatalf("intruder envelope delivered: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
	if n := m.Get(metrics.EnvelopesFiltered); n != 1 {
		t.Fatalf("filtered count = %d, want 1", n)
	}
}

func TestSendRetriesThenFails(t *testing.T) {
	st := store.NewMemStore()
	st.Close() // every write now fails
	c := NewChannel("p1", "p2", testSession, st, 2, nil, nil, WithRetryDelay(0))

	err := c.SendOffer(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
}

func TestClearEmptiesMailbox(t *testing.T) {
	c1, c2, st := newChannelPair(t)
	ctx := context.Background()

	if err := c1.SendOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	if err := c1.SendCandidate(ctx, webrtc.ICECandidateInit{Candidate: "candidate:1"}); err != nil {
		t.Fatalf("send candidate: %v", err)
	}

	if err := c2.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, _, err := st.Read(ctx, store.OfferPath("p2")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("offer slot survived clear, read err = %v", err)
	}
	children, err := st.List(ctx, store.CandidatesPath("p2"))
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("candidates survived clear: %v", children)
	}
}

func TestReadPendingOffer(t *testing.T) {
	c1, c2, _ := newChannelPair(t)
	ctx := context.Background()

	if _, found, err := c2.ReadPendingOffer(ctx); err != nil || found {
		t.Fatalf("empty mailbox: found=%v err=%v", found, err)
	}

	if err := c1.SendOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	env, found, err := c2.ReadPendingOffer(ctx)
	if err != nil || !found {
		t.Fatalf("pending offer: found=%v err=%v", found, err)
	}
	if env.From != "p1" || env.Type != EnvelopeOffer {
		t.Fatalf("unexpected pending offer %+v", env)
	}
}

func TestReadPendingOfferIgnoresStrangers(t *testing.T) {
	_, c2, st := newChannelPair(t)
	ctx := context.Background()

	// A leftover offer from a previous pairing sits in the mailbox.
	stale := Envelope{
		Type:      EnvelopeOffer,
		From:      "p9",
		SessionID: "p2__p9",
		SentAt:    time.Now().UnixMilli(),
		SDP:       &SDP{Type: "offer", SDP: "v=0"},
	}
	if err := st.Write(ctx, store.OfferPath("p2"), stale); err != nil {
		t.Fatalf("write stale offer: %v", err)
	}

	if _, found, err := c2.ReadPendingOffer(ctx); err != nil || found {
		t.Fatalf("stale offer surfaced: found=%v err=%v", found, err)
	}
}
