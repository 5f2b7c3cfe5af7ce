package main

import (
	"log/slog"

	"github.com/strangerwire/webrtc-pairing-core/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.ServerConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.BridgeToken == "" {
		logger.Warn("startup security warning: PAIRING_BRIDGE_TOKEN is unset (any client may join the waiting pool)",
			"warning_code", "bridge_token_unset",
		)
	}

	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: PAIRING_ALLOWED_ORIGINS is unset (browser clients from any origin may connect)",
			"warning_code", "allowed_origins_unset",
		)
	}

	if cfg.TurnRestSecret == "" {
		logger.Warn("startup warning: PAIRING_TURN_REST_SECRET is unset (/ice-config serves static credentials only; pairings behind symmetric NAT may fail)",
			"warning_code", "turn_rest_secret_unset",
		)
	}
}
