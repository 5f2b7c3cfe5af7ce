package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is the in-process reference implementation of Store. It backs unit
// and integration tests, the loopback demo, and the websocket Bridge.
//
// All mutations are serialized under one mutex; each subscriber drains its own
// ordered queue on a dedicated goroutine, so callbacks observe mutations in
// apply order and may freely call back into the store.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	subs    map[*memSubscriber]struct{}
	seq     uint64
	closed  bool
}

type memEntry struct {
	value   json.RawMessage
	version uint64
}

func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]*memEntry),
		subs:    make(map[*memSubscriber]struct{}),
	}
}

func (s *MemStore) Write(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.writeLocked(path, raw)
	return nil
}

func (s *MemStore) Append(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.seq++
	child := fmt.Sprintf("%s/%012d", path, s.seq)
	s.writeLocked(child, raw)
	return nil
}

func (s *MemStore) CompareAndSwap(ctx context.Context, path string, version uint64, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var current uint64
	if e, ok := s.entries[path]; ok {
		current = e.version
	}
	if current != version {
		return ErrVersionMismatch
	}
	s.writeLocked(path, raw)
	return nil
}

func (s *MemStore) Read(ctx context.Context, path string) (json.RawMessage, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, ErrClosed
	}
	e, ok := s.entries[path]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return e.value, e.version, nil
}

func (s *MemStore) List(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make(map[string]json.RawMessage)
	prefix := path + "/"
	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if strings.Contains(rest, "/") {
			continue
		}
		out[rest] = e.value
	}
	return out, nil
}

func (s *MemStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var removed []string
	for key := range s.entries {
		if isDescendant(path, key) {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		delete(s.entries, key)
		s.seq++
		s.notifyLocked(Snapshot{Path: key, Value: nil, Version: s.seq})
	}
	return nil
}

func (s *MemStore) Subscribe(path string, fn func(Snapshot)) (UnsubscribeFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	sub := newMemSubscriber(path, fn)
	s.subs[sub] = struct{}{}

	// Replay current state under the path in key order before any live event.
	var keys []string
	for key := range s.entries {
		if isDescendant(path, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		e := s.entries[key]
		sub.enqueue(Snapshot{Path: key, Value: e.value, Version: e.version})
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
			sub.stop()
		})
	}, nil
}

// Close tears down all subscribers and rejects further operations.
func (s *MemStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*memSubscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*memSubscriber]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (s *MemStore) writeLocked(path string, raw json.RawMessage) {
	s.seq++
	e := &memEntry{value: raw, version: s.seq}
	s.entries[path] = e
	s.notifyLocked(Snapshot{Path: path, Value: raw, Version: e.version})
}

func (s *MemStore) notifyLocked(snap Snapshot) {
	for sub := range s.subs {
		if isDescendant(sub.root, snap.Path) {
			sub.enqueue(snap)
		}
	}
}

func marshalValue(value any) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: marshal value: %w", err)
	}
	return raw, nil
}

// memSubscriber delivers snapshots on its own goroutine so store mutations
// never block on (or deadlock with) subscriber callbacks.
type memSubscriber struct {
	root string
	fn   func(Snapshot)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Snapshot
	stopped bool
}

func newMemSubscriber(root string, fn func(Snapshot)) *memSubscriber {
	sub := &memSubscriber{root: root, fn: fn}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.run()
	return sub
}

func (sub *memSubscriber) enqueue(snap Snapshot) {
	sub.mu.Lock()
	if !sub.stopped {
		sub.queue = append(sub.queue, snap)
		sub.cond.Signal()
	}
	sub.mu.Unlock()
}

func (sub *memSubscriber) stop() {
	sub.mu.Lock()
	sub.stopped = true
	sub.cond.Signal()
	sub.mu.Unlock()
}

func (sub *memSubscriber) run() {
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.stopped {
			sub.cond.Wait()
		}
		if sub.stopped {
			sub.mu.Unlock()
			return
		}
		snap := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		sub.fn(snap)
	}
}
