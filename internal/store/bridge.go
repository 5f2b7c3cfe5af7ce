package store

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/ratelimit"
)

const (
	bridgeWriteWait  = 10 * time.Second
	bridgePongWait   = 60 * time.Second
	bridgePingPeriod = (bridgePongWait * 9) / 10
	bridgeMaxMessage = 256 * 1024
)

// Bridge exposes a MemStore to remote WSStore clients over a websocket
// endpoint, so independent client processes share one waiting pool and one set
// of signaling mailboxes.
type Bridge struct {
	backing   *MemStore
	log       *slog.Logger
	upgrader  websocket.Upgrader
	authorize func(*http.Request) error
	opsPerSec int64
	metrics   *metrics.Metrics

	mu    sync.Mutex
	conns map[*bridgeConn]struct{}
}

type BridgeOption func(*Bridge)

// WithCheckOrigin restricts which browser origins may connect. The default
// accepts every origin.
func WithCheckOrigin(check func(*http.Request) bool) BridgeOption {
	return func(b *Bridge) { b.upgrader.CheckOrigin = check }
}

// WithAuthorize rejects upgrade requests whose credential check fails.
func WithAuthorize(authorize func(*http.Request) error) BridgeOption {
	return func(b *Bridge) { b.authorize = authorize }
}

// WithOpsLimit bounds store operations per connection per second. Zero means
// unlimited.
func WithOpsLimit(perSecond int) BridgeOption {
	return func(b *Bridge) { b.opsPerSec = int64(perSecond) }
}

// WithMetrics counts connections and rejections. A nil registry is valid.
func WithMetrics(m *metrics.Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

func NewBridge(backing *MemStore, log *slog.Logger, opts ...BridgeOption) *Bridge {
	if backing == nil {
		backing = NewMemStore()
	}
	if log == nil {
		log = slog.New(discardHandler{})
	}
	b := &Bridge{
		backing: backing,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*bridgeConn]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Backing returns the store the bridge serves. Useful for tests and for
// hosting a local participant in the same process as the bridge.
func (b *Bridge) Backing() *MemStore { return b.backing }

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.authorize != nil {
		if err := b.authorize(r); err != nil {
			b.log.Warn("rejecting bridge client", "remote", r.RemoteAddr, "err", err)
			b.metrics.Inc(metrics.BridgeAuthRejected)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.metrics.Inc(metrics.BridgeConnections)

	bc := &bridgeConn{
		bridge:   b,
		conn:     conn,
		outgoing: make(chan any, 64),
		done:     make(chan struct{}),
		subs:     make(map[uint64]UnsubscribeFunc),
	}
	if b.opsPerSec > 0 {
		bc.limiter = ratelimit.NewBucket(nil, b.opsPerSec, b.opsPerSec)
	}

	b.mu.Lock()
	b.conns[bc] = struct{}{}
	b.mu.Unlock()

	go bc.writePump()
	bc.readPump()

	b.mu.Lock()
	delete(b.conns, bc)
	b.mu.Unlock()
}

// Close disconnects all clients. The backing store stays usable.
func (b *Bridge) Close() {
	b.mu.Lock()
	conns := make([]*bridgeConn, 0, len(b.conns))
	for bc := range b.conns {
		conns = append(conns, bc)
	}
	b.mu.Unlock()
	for _, bc := range conns {
		bc.close()
	}
}

type bridgeConn struct {
	bridge   *Bridge
	conn     *websocket.Conn
	outgoing chan any
	limiter  *ratelimit.Bucket

	closeOnce sync.Once
	done      chan struct{}

	subMu sync.Mutex
	subs  map[uint64]UnsubscribeFunc
}

func (bc *bridgeConn) readPump() {
	defer bc.close()

	bc.conn.SetReadLimit(bridgeMaxMessage)
	_ = bc.conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	bc.conn.SetPongHandler(func(string) error {
		return bc.conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	})

	for {
		var req wsRequest
		if err := bc.conn.ReadJSON(&req); err != nil {
			return
		}
		bc.handle(req)
	}
}

func (bc *bridgeConn) writePump() {
	ticker := time.NewTicker(bridgePingPeriod)
	defer func() {
		ticker.Stop()
		bc.conn.Close()
	}()

	for {
		select {
		case msg := <-bc.outgoing:
			_ = bc.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if err := bc.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = bc.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if err := bc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-bc.done:
			_ = bc.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			_ = bc.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (bc *bridgeConn) handle(req wsRequest) {
	ctx := context.Background()
	st := bc.bridge.backing
	resp := wsResponse{ID: req.ID}

	if bc.limiter != nil && !bc.limiter.Allow() {
		bc.bridge.metrics.Inc(metrics.BridgeRateLimited)
		resp.Error = "rate_limited"
		if req.Op != wsOpUnsubscribe {
			bc.send(resp)
		}
		return
	}

	switch req.Op {
	case wsOpWrite:
		resp.Error = wsErrorString(st.Write(ctx, req.Path, req.Value))
	case wsOpAppend:
		resp.Error = wsErrorString(st.Append(ctx, req.Path, req.Value))
	case wsOpCAS:
		resp.Error = wsErrorString(st.CompareAndSwap(ctx, req.Path, req.Version, req.Value))
	case wsOpRemove:
		resp.Error = wsErrorString(st.Remove(ctx, req.Path))
	case wsOpRead:
		value, version, err := st.Read(ctx, req.Path)
		resp.Value, resp.Version = value, version
		resp.Error = wsErrorString(err)
	case wsOpList:
		children, err := st.List(ctx, req.Path)
		resp.Children = children
		resp.Error = wsErrorString(err)
	case wsOpSubscribe:
		resp.Error = bc.subscribe(req)
	case wsOpUnsubscribe:
		bc.unsubscribe(req.Sub)
	default:
		resp.Error = "unknown_op"
	}

	if req.Op != wsOpUnsubscribe {
		bc.send(resp)
	}
}

func (bc *bridgeConn) subscribe(req wsRequest) string {
	subID := req.Sub
	cancel, err := bc.bridge.backing.Subscribe(req.Path, func(snap Snapshot) {
		bc.send(wsFrame{Notify: &wsNotification{
			Sub:     subID,
			Path:    snap.Path,
			Value:   snap.Value,
			Removed: snap.Value == nil,
			Version: snap.Version,
		}})
	})
	if err != nil {
		return wsErrorString(err)
	}

	bc.subMu.Lock()
	if old, ok := bc.subs[subID]; ok {
		old()
	}
	bc.subs[subID] = cancel
	bc.subMu.Unlock()
	return ""
}

func (bc *bridgeConn) unsubscribe(subID uint64) {
	bc.subMu.Lock()
	cancel, ok := bc.subs[subID]
	delete(bc.subs, subID)
	bc.subMu.Unlock()
	if ok {
		cancel()
	}
}

func (bc *bridgeConn) send(msg any) {
	select {
	case bc.outgoing <- msg:
	case <-bc.done:
	}
}

func (bc *bridgeConn) close() {
	bc.closeOnce.Do(func() {
		close(bc.done)

		bc.subMu.Lock()
		subs := make([]UnsubscribeFunc, 0, len(bc.subs))
		for _, cancel := range bc.subs {
			subs = append(subs, cancel)
		}
		bc.subs = make(map[uint64]UnsubscribeFunc)
		bc.subMu.Unlock()
		for _, cancel := range subs {
			cancel()
		}
	})
}
