package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func collectSnapshots(t *testing.T, ch <-chan Snapshot, n int) []Snapshot {
	t.Helper()
	out := make([]Snapshot, 0, n)
	for len(out) < n {
		select {
		case snap := <-ch:
			out = append(out, snap)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d/%d snapshots", len(out), n)
		}
	}
	return out
}

func TestMemStore_WriteReadRemove(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Write(ctx, "waiting_pool/a", map[string]any{"id": "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, version, err := s.Read(ctx, "waiting_pool/a")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if version == 0 {
		t.Fatalf("expected non-zero version")
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["id"] != "a" {
		t.Fatalf("got %v, want id=a", got)
	}

	if err := s.Remove(ctx, "waiting_pool/a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := s.Read(ctx, "waiting_pool/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read after remove: %v, want ErrNotFound", err)
	}
	// Removing an absent key is a no-op.
	if err := s.Remove(ctx, "waiting_pool/a"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestMemStore_CompareAndSwap(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	// Version 0 means "create only if absent".
	if err := s.CompareAndSwap(ctx, "k", 0, "v1"); err != nil {
		t.Fatalf("cas create: %v", err)
	}
	if err := s.CompareAndSwap(ctx, "k", 0, "v2"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("cas create on existing key: %v, want ErrVersionMismatch", err)
	}

	_, version, err := s.Read(ctx, "k")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := s.CompareAndSwap(ctx, "k", version, "v2"); err != nil {
		t.Fatalf("cas update: %v", err)
	}
	// Stale version must lose.
	if err := s.CompareAndSwap(ctx, "k", version, "v3"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("stale cas: %v, want ErrVersionMismatch", err)
	}
}

func TestMemStore_AppendKeepsAllChildrenInOrder(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, "sessions/a/ice_candidates", i); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	ch := make(chan Snapshot, 16)
	cancel, err := s.Subscribe("sessions/a/ice_candidates", func(snap Snapshot) { ch <- snap })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	snaps := collectSnapshots(t, ch, 5)
	for i, snap := range snaps {
		var v int
		if err := json.Unmarshal(snap.Value, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if v != i {
			t.Fatalf("snapshot %d carries %d, want %d (replay must preserve append order)", i, v, i)
		}
	}
}

func TestMemStore_SubscribeReplaysThenStreams(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Write(ctx, "sessions/b/offer", "existing"); err != nil {
		t.Fatalf("write: %v", err)
	}

	ch := make(chan Snapshot, 16)
	cancel, err := s.Subscribe("sessions/b", func(snap Snapshot) { ch <- snap })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := s.Write(ctx, "sessions/b/answer", "live"); err != nil {
		t.Fatalf("write: %v", err)
	}

	snaps := collectSnapshots(t, ch, 2)
	if snaps[0].Path != "sessions/b/offer" {
		t.Fatalf("first snapshot %q, want replayed offer", snaps[0].Path)
	}
	if snaps[1].Path != "sessions/b/answer" {
		t.Fatalf("second snapshot %q, want live answer", snaps[1].Path)
	}
}

func TestMemStore_RemoveNotifiesWithNilValue(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Write(ctx, "waiting_pool/x", "v"); err != nil {
		t.Fatalf("write: %v", err)
	}

	ch := make(chan Snapshot, 16)
	cancel, err := s.Subscribe("waiting_pool/x", func(snap Snapshot) { ch <- snap })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	collectSnapshots(t, ch, 1) // replay

	if err := s.Remove(ctx, "waiting_pool/x"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	snaps := collectSnapshots(t, ch, 1)
	if snaps[0].Value != nil {
		t.Fatalf("removal snapshot carries value %s, want nil", snaps[0].Value)
	}
}

func TestMemStore_UnsubscribeStopsDelivery(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	ch := make(chan Snapshot, 16)
	cancel, err := s.Subscribe("k", func(snap Snapshot) { ch <- snap })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel() // idempotent

	if err := s.Write(ctx, "k", "v"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot after unsubscribe: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemStore_SubscriberMayCallBackIntoStore(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	done := make(chan struct{})
	cancel, err := s.Subscribe("ping", func(snap Snapshot) {
		// Writing from a callback must not deadlock: this is exactly what the
		// negotiation engine does when it answers an incoming offer.
		_ = s.Write(context.Background(), "pong", "ok")
		close(done)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := s.Write(ctx, "ping", "v"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback write deadlocked")
	}

	if _, _, err := s.Read(ctx, "pong"); err != nil {
		t.Fatalf("read pong: %v", err)
	}
}

func TestMemStore_ListReturnsDirectChildren(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Write(ctx, "waiting_pool/a", 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write(ctx, "waiting_pool/b", 2); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write(ctx, "sessions/a/offer", 3); err != nil {
		t.Fatalf("write: %v", err)
	}

	children, err := s.List(ctx, "waiting_pool")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}
	if _, ok := children["a"]; !ok {
		t.Fatalf("missing child a: %v", children)
	}
}
