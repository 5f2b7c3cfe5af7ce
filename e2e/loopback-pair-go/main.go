// Loopback pairing harness: runs two coordinators against one signaling store
// and drives a full session — match, negotiate to connected, hang up. Exits
// non-zero if any step stalls past the deadline.
//
// PAIRING_STORE_URL selects the store. The default mem: store exercises the
// in-process path; pointing it at a running pairing-bridge (ws://…/store)
// exercises the full websocket transport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/strangerwire/webrtc-pairing-core/internal/config"
	"github.com/strangerwire/webrtc-pairing-core/internal/coordinator"
	"github.com/strangerwire/webrtc-pairing-core/internal/media"
	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/store"
)

const deadline = 60 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	st, cleanup, err := store.Open(ctx, cfg.StoreURL, logger)
	if err != nil {
		logger.Error("opening store", "url", cfg.StoreURL, "err", err)
		os.Exit(1)
	}
	defer cleanup()

	reg := metrics.New()

	alice, err := coordinator.New(cfg, st, media.StaticCapture{}, logger, reg)
	if err != nil {
		logger.Error("creating first coordinator", "err", err)
		os.Exit(1)
	}
	defer alice.Close()
	bob, err := coordinator.New(cfg, st, media.StaticCapture{}, logger, reg)
	if err != nil {
		logger.Error("creating second coordinator", "err", err)
		os.Exit(1)
	}
	defer bob.Close()

	watchErrors(ctx, logger, "a", alice)
	watchErrors(ctx, logger, "b", bob)

	if err := alice.StartMatching(ctx); err != nil {
		logger.Error("first participant failed to start matching", "err", err)
		os.Exit(1)
	}
	if err := bob.StartMatching(ctx); err != nil {
		logger.Error("second participant failed to start matching", "err", err)
		os.Exit(1)
	}

	aState, err := waitForPhase(ctx, alice, coordinator.PhaseInCall)
	if err != nil {
		logger.Error("first participant never reached in-call", "err", err)
		os.Exit(1)
	}
	bState, err := waitForPhase(ctx, bob, coordinator.PhaseInCall)
	if err != nil {
		logger.Error("second participant never reached in-call", "err", err)
		os.Exit(1)
	}

	if aState.SessionID != bState.SessionID {
		logger.Error("participants landed in different sessions",
			"a_session", aState.SessionID, "b_session", bState.SessionID)
		os.Exit(1)
	}
	if aState.IsCaller == bState.IsCaller {
		logger.Error("role split broken", "a_caller", aState.IsCaller, "b_caller", bState.IsCaller)
		os.Exit(1)
	}
	logger.Info("session connected",
		"session_id", aState.SessionID,
		"caller", callerID(aState, bState),
	)

	if err := alice.EndSession(ctx); err != nil {
		logger.Error("hang-up failed", "err", err)
		os.Exit(1)
	}
	if _, err := waitForPhase(ctx, alice, coordinator.PhaseIdle); err != nil {
		logger.Error("first participant never returned to idle", "err", err)
		os.Exit(1)
	}
	if _, err := waitForPhase(ctx, bob, coordinator.PhaseIdle); err != nil {
		logger.Error("second participant never observed the hang-up", "err", err)
		os.Exit(1)
	}

	logger.Info("loopback pairing complete")
	printCounters(reg)
}

func callerID(a, b coordinator.AppState) string {
	if a.IsCaller {
		return a.ParticipantID
	}
	return b.ParticipantID
}

func waitForPhase(ctx context.Context, c *coordinator.Coordinator, want coordinator.Phase) (coordinator.AppState, error) {
	for {
		select {
		case s := <-c.States():
			if s.Phase == want {
				return s, nil
			}
		case <-ctx.Done():
			return coordinator.AppState{}, fmt.Errorf("waiting for phase %s: %w", want, ctx.Err())
		}
	}
}

func watchErrors(ctx context.Context, logger *slog.Logger, name string, c *coordinator.Coordinator) {
	go func() {
		for {
			select {
			case err := <-c.Errors():
				logger.Warn("coordinator error", "participant", name, "err", err)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func printCounters(reg *metrics.Metrics) {
	snap := reg.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%d\n", k, snap[k])
	}
}
