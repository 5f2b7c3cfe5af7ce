// Package store abstracts the shared signaling store the pairing core runs
// against: a hierarchical key-value space with push notifications, last-write-
// wins scalar slots, append-only lists, and a compare-and-swap primitive.
//
// Three backends are provided: an in-process MemStore (tests, loopback demos,
// and the Bridge's backing store), a FileStore over a shared directory with
// fsnotify subscriptions, and a WSStore speaking a small JSON protocol to a
// websocket Bridge.
package store
