package store

import (
	"encoding/json"
	"fmt"
)

// Wire protocol between WSStore clients and the Bridge. One JSON text message
// per frame; requests carry a client-chosen correlation id, notifications carry
// the subscription id they belong to.

type wsOp string

const (
	wsOpWrite       wsOp = "write"
	wsOpAppend      wsOp = "append"
	wsOpCAS         wsOp = "cas"
	wsOpRead        wsOp = "read"
	wsOpList        wsOp = "list"
	wsOpRemove      wsOp = "remove"
	wsOpSubscribe   wsOp = "subscribe"
	wsOpUnsubscribe wsOp = "unsubscribe"
)

type wsRequest struct {
	Op      wsOp            `json:"op"`
	ID      uint64          `json:"id"`
	Path    string          `json:"path,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Version uint64          `json:"version,omitempty"`
	Sub     uint64          `json:"sub,omitempty"`
}

type wsResponse struct {
	ID       uint64                     `json:"id"`
	Error    string                     `json:"error,omitempty"`
	Value    json.RawMessage            `json:"value,omitempty"`
	Version  uint64                     `json:"version,omitempty"`
	Children map[string]json.RawMessage `json:"children,omitempty"`
}

type wsNotification struct {
	Sub     uint64          `json:"sub"`
	Path    string          `json:"path"`
	Value   json.RawMessage `json:"value,omitempty"`
	Removed bool            `json:"removed,omitempty"`
	Version uint64          `json:"version"`
}

// wsFrame is the union decoded off the wire. Notify distinguishes pushes from
// responses (correlation ids start at 1, sub ids likewise).
type wsFrame struct {
	wsResponse
	Notify *wsNotification `json:"notify,omitempty"`
}

// Error strings that survive the wire round trip and map back to sentinels.
const (
	wsErrNotFound        = "not_found"
	wsErrVersionMismatch = "version_mismatch"
)

func wsErrorString(err error) string {
	switch {
	case err == nil:
		return ""
	case err == ErrNotFound:
		return wsErrNotFound
	case err == ErrVersionMismatch:
		return wsErrVersionMismatch
	default:
		return err.Error()
	}
}

func wsErrorFromString(s string) error {
	switch s {
	case "":
		return nil
	case wsErrNotFound:
		return ErrNotFound
	case wsErrVersionMismatch:
		return ErrVersionMismatch
	default:
		return fmt.Errorf("%w: %s", ErrUnavailable, s)
	}
}
