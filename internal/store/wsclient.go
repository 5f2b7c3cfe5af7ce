package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsRequestTimeout = 10 * time.Second

// WSStore is a Store backed by a remote Bridge over one websocket connection.
// Requests are correlated by id; notifications are demultiplexed onto
// per-subscription ordered queues so callback ordering matches the bridge's
// apply order.
type WSStore struct {
	conn *websocket.Conn
	log  *slog.Logger

	outgoing chan wsRequest
	done     chan struct{}

	mu      sync.Mutex
	nextID  uint64
	nextSub uint64
	pending map[uint64]chan wsResponse
	subs    map[uint64]*memSubscriber
	closed  bool
}

// DialWS connects to a Bridge endpoint (ws:// or wss:// URL).
func DialWS(ctx context.Context, url string, log *slog.Logger) (*WSStore, error) {
	if log == nil {
		log = slog.New(discardHandler{})
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, url, err)
	}

	s := &WSStore{
		conn:     conn,
		log:      log,
		outgoing: make(chan wsRequest, 64),
		done:     make(chan struct{}),
		pending:  make(map[uint64]chan wsResponse),
		subs:     make(map[uint64]*memSubscriber),
	}
	go s.readPump()
	go s.writePump()
	return s, nil
}

func (s *WSStore) Write(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = s.roundTrip(ctx, wsRequest{Op: wsOpWrite, Path: path, Value: raw})
	return err
}

func (s *WSStore) Append(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = s.roundTrip(ctx, wsRequest{Op: wsOpAppend, Path: path, Value: raw})
	return err
}

func (s *WSStore) CompareAndSwap(ctx context.Context, path string, version uint64, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = s.roundTrip(ctx, wsRequest{Op: wsOpCAS, Path: path, Value: raw, Version: version})
	return err
}

func (s *WSStore) Read(ctx context.Context, path string) (json.RawMessage, uint64, error) {
	resp, err := s.roundTrip(ctx, wsRequest{Op: wsOpRead, Path: path})
	if err != nil {
		return nil, 0, err
	}
	return resp.Value, resp.Version, nil
}

func (s *WSStore) List(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	resp, err := s.roundTrip(ctx, wsRequest{Op: wsOpList, Path: path})
	if err != nil {
		return nil, err
	}
	if resp.Children == nil {
		return map[string]json.RawMessage{}, nil
	}
	return resp.Children, nil
}

func (s *WSStore) Remove(ctx context.Context, path string) error {
	_, err := s.roundTrip(ctx, wsRequest{Op: wsOpRemove, Path: path})
	return err
}

func (s *WSStore) Subscribe(path string, fn func(Snapshot)) (UnsubscribeFunc, error) {
	sub := newMemSubscriber(path, fn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.stop()
		return nil, ErrClosed
	}
	s.nextSub++
	subID := s.nextSub
	s.subs[subID] = sub
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
	defer cancel()
	if _, err := s.roundTrip(ctx, wsRequest{Op: wsOpSubscribe, Path: path, Sub: subID}); err != nil {
		s.dropSub(subID)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.dropSub(subID)
			select {
			case s.outgoing <- wsRequest{Op: wsOpUnsubscribe, Sub: subID}:
			case <-s.done:
			}
		})
	}, nil
}

// Close tears down the connection. Outstanding requests fail with
// ErrUnavailable; subscriptions stop firing.
func (s *WSStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*memSubscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[uint64]*memSubscriber)
	s.mu.Unlock()

	close(s.done)
	_ = s.conn.Close()
	for _, sub := range subs {
		sub.stop()
	}
}

func (s *WSStore) roundTrip(ctx context.Context, req wsRequest) (wsResponse, error) {
	ch := make(chan wsResponse, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wsResponse{}, ErrClosed
	}
	s.nextID++
	req.ID = s.nextID
	s.pending[req.ID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	select {
	case s.outgoing <- req:
	case <-s.done:
		return wsResponse{}, ErrUnavailable
	case <-ctx.Done():
		return wsResponse{}, ctx.Err()
	}

	select {
	case resp := <-ch:
		return resp, wsErrorFromString(resp.Error)
	case <-s.done:
		return wsResponse{}, ErrUnavailable
	case <-ctx.Done():
		return wsResponse{}, ctx.Err()
	}
}

func (s *WSStore) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(bridgeMaxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	})

	for {
		var frame wsFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}

		if frame.Notify != nil {
			n := frame.Notify
			s.mu.Lock()
			sub, ok := s.subs[n.Sub]
			s.mu.Unlock()
			if ok {
				value := n.Value
				if n.Removed {
					value = nil
				}
				sub.enqueue(Snapshot{Path: n.Path, Value: value, Version: n.Version})
			}
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[frame.ID]
		s.mu.Unlock()
		if ok {
			ch <- frame.wsResponse
		}
	}
}

func (s *WSStore) writePump() {
	ticker := time.NewTicker(bridgePingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case req := <-s.outgoing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if err := s.conn.WriteJSON(req); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *WSStore) dropSub(subID uint64) {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()
	if ok {
		sub.stop()
	}
}
