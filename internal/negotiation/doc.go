// Package negotiation turns a matched pair of participants into a live WebRTC
// connection. Roles are fixed before the engine starts: the caller offers,
// the callee answers. Remote ICE candidates arriving ahead of the remote
// description are buffered and flushed in order once it lands. Everything the
// owner needs to react to — state transitions, remote tracks, hang-ups,
// failures — arrives on a single event stream.
package negotiation
