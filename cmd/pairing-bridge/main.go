// The pairing bridge hosts the shared signaling store for remote pairing
// clients: a websocket endpoint that WSStore clients dial, plus the ICE
// configuration endpoint, health probes, and Prometheus counters.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/strangerwire/webrtc-pairing-core/internal/auth"
	"github.com/strangerwire/webrtc-pairing-core/internal/config"
	"github.com/strangerwire/webrtc-pairing-core/internal/httpserver"
	"github.com/strangerwire/webrtc-pairing-core/internal/metrics"
	"github.com/strangerwire/webrtc-pairing-core/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	core, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(core)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting pairing-bridge",
		"listen_addr", cfg.ListenAddr,
		"allowed_origins", cfg.AllowedOrigins,
		"bridge_token_set", cfg.BridgeToken != "",
		"bridge_ops_per_second", cfg.BridgeOpsPerSecond,
		"turn_rest_enabled", cfg.TurnRestSecret != "",
		"ice_servers", len(core.ICEServers),
	)

	logStartupSecurityWarnings(logger, cfg)

	srv, err := httpserver.New(cfg, core, logger, resolveBuildInfo(buildCommit, buildTime))
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	reg := metrics.New()

	bridgeOpts := []store.BridgeOption{
		store.WithCheckOrigin(srv.CheckOrigin),
		store.WithOpsLimit(cfg.BridgeOpsPerSecond),
		store.WithMetrics(reg),
	}
	if cfg.BridgeToken != "" {
		tokenAuth, err := auth.NewStaticToken(cfg.BridgeToken)
		if err != nil {
			logger.Error("failed to configure bridge auth", "err", err)
			os.Exit(2)
		}
		bridgeOpts = append(bridgeOpts, store.WithAuthorize(tokenAuth.Authorize))
	}
	bridge := store.NewBridge(nil, logger, bridgeOpts...)

	srv.Mux().Handle("GET /store", bridge)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(reg))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		bridge.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	bridge.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
