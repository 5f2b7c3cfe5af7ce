package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Open selects a backend from a store URL:
//
//	mem:                     in-process store
//	file:<dir>               shared-directory store
//	ws://host/path, wss://…  websocket bridge
//
// The returned cleanup releases backend resources (watchers, connections,
// subscriptions).
func Open(ctx context.Context, url string, log *slog.Logger) (Store, func(), error) {
	switch {
	case url == "mem:" || url == "mem":
		ms := NewMemStore()
		return ms, ms.Close, nil
	case strings.HasPrefix(url, "file:"):
		fs, err := NewFileStore(strings.TrimPrefix(url, "file:"), log)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { fs.Close() }, nil
	case strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://"):
		ws, err := DialWS(ctx, url, log)
		if err != nil {
			return nil, nil, err
		}
		return ws, func() { ws.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("store: unsupported store url %q", url)
	}
}
