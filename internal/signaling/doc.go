// Package signaling moves WebRTC negotiation payloads between two paired
// participants through the shared store.
//
// Each participant owns a mailbox keyed by its own id under sessions/{id}.
// Offers and answers occupy fixed slots; ICE candidates accumulate in an
// append-only list. A sender always writes into the peer's mailbox and only
// ever reads its own, so the two directions never collide. The accept
// predicate at the subscription boundary drops echoes and stray traffic
// before anything downstream sees it.
package signaling
