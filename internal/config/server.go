package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Env surface of the bridge server (cmd/pairing-bridge). Clients embedding
// the core never read these.
const (
	envVarListenAddr      = "PAIRING_LISTEN_ADDR"
	envVarAllowedOrigins  = "PAIRING_ALLOWED_ORIGINS"
	envVarBridgeToken     = "PAIRING_BRIDGE_TOKEN"
	envVarShutdownTimeout = "PAIRING_SHUTDOWN_TIMEOUT"
	envVarBridgeOpsPerSec = "PAIRING_BRIDGE_OPS_PER_SECOND"
	envVarTurnRestSecret  = "PAIRING_TURN_REST_SECRET"
	envVarTurnRestTTL     = "PAIRING_TURN_REST_TTL"
	envVarTurnRestPrefix  = "PAIRING_TURN_REST_PREFIX"
)

const (
	DefaultListenAddr      = ":8090"
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultBridgeOpsPerSecond bounds store operations per bridge connection.
	// Normal signaling needs a few dozen ops per pairing; this only stops
	// runaway clients.
	DefaultBridgeOpsPerSecond = 200
	DefaultTurnRestTTL        = 10 * time.Minute
	DefaultTurnRestPrefix     = "pairing"
)

// ServerConfig carries everything the bridge server binary needs beyond the
// core Config.
type ServerConfig struct {
	ListenAddr string

	// AllowedOrigins restricts browser clients; empty allows all.
	AllowedOrigins []string
	// BridgeToken, when set, is required from every bridge client.
	BridgeToken string

	ShutdownTimeout    time.Duration
	BridgeOpsPerSecond int

	// TURN REST credential minting for /ice-config. Disabled while
	// TurnRestSecret is empty.
	TurnRestSecret string
	TurnRestTTL    time.Duration
	TurnRestPrefix string
}

func loadServer(lookup func(string) (string, bool)) (ServerConfig, error) {
	cfg := ServerConfig{
		ListenAddr:         envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		BridgeToken:        envOrDefault(lookup, envVarBridgeToken, ""),
		ShutdownTimeout:    DefaultShutdownTimeout,
		BridgeOpsPerSecond: DefaultBridgeOpsPerSecond,
		TurnRestSecret:     envOrDefault(lookup, envVarTurnRestSecret, ""),
		TurnRestTTL:        DefaultTurnRestTTL,
		TurnRestPrefix:     envOrDefault(lookup, envVarTurnRestPrefix, DefaultTurnRestPrefix),
	}

	if raw, ok := lookup(envVarAllowedOrigins); ok {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if d, ok, err := envDuration(lookup, envVarShutdownTimeout); err != nil {
		return ServerConfig{}, err
	} else if ok {
		cfg.ShutdownTimeout = d
	}

	ops, err := envIntOrDefault(lookup, envVarBridgeOpsPerSec, DefaultBridgeOpsPerSecond)
	if err != nil {
		return ServerConfig{}, err
	}
	if ops <= 0 {
		return ServerConfig{}, fmt.Errorf("%s must be positive", envVarBridgeOpsPerSec)
	}
	cfg.BridgeOpsPerSecond = ops

	if d, ok, err := envDuration(lookup, envVarTurnRestTTL); err != nil {
		return ServerConfig{}, err
	} else if ok {
		if d <= 0 {
			return ServerConfig{}, fmt.Errorf("%s must be positive", envVarTurnRestTTL)
		}
		cfg.TurnRestTTL = d
	}

	return cfg, nil
}

// LoadServer builds the bridge server configuration from the process
// environment.
func LoadServer() (ServerConfig, error) {
	return loadServer(os.LookupEnv)
}

func envDuration(lookup func(string) (string, bool), key string) (time.Duration, bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, true, nil
}
