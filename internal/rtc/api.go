// Package rtc builds the shared pion WebRTC API from configuration. A single
// API instance is reused for every peer connection a process creates.
package rtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/strangerwire/webrtc-pairing-core/internal/config"
)

type Option func(*webrtc.SettingEngine)

// WithNet runs ICE over the given network stack instead of the host's. Tests
// use this with pion's vnet to negotiate without touching real sockets.
func WithNet(n transport.Net) Option {
	return func(se *webrtc.SettingEngine) { se.SetNet(n) }
}

// NewAPI configures pion from cfg. This does not start any networking; ICE
// sockets are only created once peer connections are.
func NewAPI(cfg config.Config, logger *slog.Logger, opts ...Option) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if logger != nil {
		se.LoggerFactory = &slogLoggerFactory{base: logger}
	}

	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	for _, opt := range opts {
		opt(&se)
	}

	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}
