package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileExt = ".json"

// fileDoc is the on-disk envelope. Carrying the version inside the document
// keeps CompareAndSwap meaningful across independent processes.
type fileDoc struct {
	Version uint64          `json:"version"`
	Value   json.RawMessage `json:"value"`
}

// FileStore implements Store on a shared directory, one JSON document per key,
// with fsnotify-driven subscriptions. It exists so two client processes on the
// same machine (or a shared filesystem) can pair without running a bridge
// server. Cross-process CompareAndSwap is guarded by an O_EXCL lock file, which
// is best-effort on network filesystems.
type FileStore struct {
	root    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	subs   map[*memSubscriber]struct{}
	seq    uint64
	closed bool
}

func NewFileStore(root string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.New(discardHandler{})
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: start watcher: %w", err)
	}

	s := &FileStore{
		root:    root,
		log:     log,
		watcher: watcher,
		subs:    make(map[*memSubscriber]struct{}),
	}
	if err := s.watchTree(root); err != nil {
		watcher.Close()
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *FileStore) Write(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeDoc(path, raw)
}

func (s *FileStore) Append(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Nanosecond child names sort in arrival order and are collision-free
	// enough for two writers per mailbox.
	child := fmt.Sprintf("%s/%020d", path, time.Now().UnixNano())
	return s.writeDoc(child, raw)
}

func (s *FileStore) CompareAndSwap(ctx context.Context, path string, version uint64, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	_, current, err := s.readDoc(path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if current != version {
		return ErrVersionMismatch
	}
	return s.writeDoc(path, raw)
}

func (s *FileStore) Read(ctx context.Context, path string) (json.RawMessage, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return s.readDoc(path)
}

func (s *FileStore) List(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, filepath.FromSlash(path))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", path, err)
	}

	out := make(map[string]json.RawMessage)
	for _, ent := range entries {
		name, ok := strings.CutSuffix(ent.Name(), fileExt)
		if !ok || ent.IsDir() {
			continue
		}
		raw, _, err := s.readDoc(path + "/" + name)
		if err != nil {
			continue // removed between ReadDir and read
		}
		out[name] = raw
	}
	return out, nil
}

func (s *FileStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	file := filepath.Join(s.root, filepath.FromSlash(path)+fileExt)
	dir := filepath.Join(s.root, filepath.FromSlash(path))

	// Collect keys first so local subscribers get one removal event per key
	// even when fsnotify coalesces the directory removal.
	removed := s.keysUnder(path)
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: remove %s: %w", path, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("store: remove %s: %w", path, err)
	}

	s.mu.Lock()
	for _, key := range removed {
		s.seq++
		s.notifyLocked(Snapshot{Path: key, Value: nil, Version: s.seq})
	}
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Subscribe(path string, fn func(Snapshot)) (UnsubscribeFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sub := newMemSubscriber(path, fn)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	// Replay outside the lock; duplicates with live events are acceptable
	// (delivery is at least once).
	for _, key := range s.keysUnder(path) {
		raw, version, err := s.readDoc(key)
		if err != nil {
			continue
		}
		sub.enqueue(Snapshot{Path: key, Value: raw, Version: version})
	}

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

func (s *FileStore) Close() {
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

	s.watcher.Close()
	for _, sub := range subs {
		sub.stop()
	}
}

func (s *FileStore) run() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("file store watcher error", "err", err)
		}
	}
}

func (s *FileStore) handleEvent(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// New subtree: watch it and replay files created before the watch
			// was in place.
			if err := s.watchTree(ev.Name); err != nil {
				s.log.Warn("file store watch subtree", "path", ev.Name, "err", err)
			}
			for _, key := range s.keysUnder(s.keyFor(ev.Name)) {
				s.dispatchKey(key)
			}
			return
		}
	}

	key, ok := strings.CutSuffix(s.keyFor(ev.Name), fileExt)
	if !ok {
		return
	}

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		s.dispatchKey(key)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.mu.Lock()
		s.seq++
		s.notifyLocked(Snapshot{Path: key, Value: nil, Version: s.seq})
		s.mu.Unlock()
	}
}

func (s *FileStore) dispatchKey(key string) {
	raw, version, err := s.readDoc(key)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.notifyLocked(Snapshot{Path: key, Value: raw, Version: version})
	s.mu.Unlock()
}

func (s *FileStore) notifyLocked(snap Snapshot) {
	for sub := range s.subs {
		if isDescendant(sub.root, snap.Path) {
			sub.enqueue(snap)
		}
	}
}

func (s *FileStore) writeDoc(path string, raw json.RawMessage) error {
	file := filepath.Join(s.root, filepath.FromSlash(path)+fileExt)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}

	doc := fileDoc{Version: uint64(time.Now().UnixNano()), Value: raw}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}

	// Write-then-rename so watchers never observe a torn document.
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) readDoc(path string) (json.RawMessage, uint64, error) {
	file := filepath.Join(s.root, filepath.FromSlash(path)+fileExt)
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: read %s: %w", path, err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("store: read %s: %w", path, err)
	}
	return doc.Value, doc.Version, nil
}

func (s *FileStore) keysUnder(path string) []string {
	var keys []string
	base := filepath.Join(s.root, filepath.FromSlash(path))
	_ = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if key, ok := strings.CutSuffix(s.keyFor(p), fileExt); ok {
			keys = append(keys, key)
		}
		return nil
	})
	// The path may also name a single document rather than a subtree.
	if _, _, err := s.readDoc(path); err == nil {
		keys = append(keys, path)
	}
	sort.Strings(keys)
	return keys
}

func (s *FileStore) keyFor(file string) string {
	rel, err := filepath.Rel(s.root, file)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (s *FileStore) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := s.watcher.Add(p); err != nil {
				return fmt.Errorf("store: watch %s: %w", p, err)
			}
		}
		return nil
	})
}

func (s *FileStore) lock(ctx context.Context) (func(), error) {
	lockFile := filepath.Join(s.root, ".lock")
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockFile) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("store: acquire lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("store: acquire lock: %w", ErrUnavailable)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// discardHandler drops every record; used when callers pass a nil logger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
