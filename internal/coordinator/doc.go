// Package coordinator is the top of the pairing core: one Coordinator per
// participant drives media acquisition, matchmaking, negotiation, and
// teardown, and publishes state snapshots and errors for the host to render.
// Hosts construct a Coordinator around a shared store and a Capture
// implementation and otherwise only call its public operations.
package coordinator
