package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Env vars understood by Load. The pairing core is a library; hosting
// processes may also fill Config programmatically and skip Load entirely.
const (
	envVarStoreURL         = "PAIRING_STORE_URL"
	envVarLogFormat        = "PAIRING_LOG_FORMAT"
	envVarLogLevel         = "PAIRING_LOG_LEVEL"
	envVarSendRetries      = "PAIRING_SEND_RETRIES"
	envVarConnectTimeout   = "PAIRING_CONNECT_TIMEOUT"
	envVarDisableAudio     = "PAIRING_DISABLE_AUDIO"
	envVarDisableVideo     = "PAIRING_DISABLE_VIDEO"
	envVarICECandidatePool = "PAIRING_ICE_CANDIDATE_POOL_SIZE"
	envVarUDPPortMin       = "PAIRING_UDP_PORT_MIN"
	envVarUDPPortMax       = "PAIRING_UDP_PORT_MAX"
)

const (
	// DefaultSendRetries bounds retransmission of a signaling envelope after a
	// transient store failure.
	DefaultSendRetries = 3
	// DefaultConnectTimeout bounds how long a negotiation may sit in the
	// negotiating state before it is abandoned.
	DefaultConnectTimeout = 30 * time.Second

	DefaultICECandidatePoolSize = 4
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config carries everything the pairing core needs from its host.
type Config struct {
	// StoreURL selects the signaling store backend:
	//   mem:            in-process store (single-process loopback)
	//   file:<dir>      shared-directory store
	//   ws://host/path  websocket bridge
	StoreURL string

	LogFormat LogFormat
	LogLevel  slog.Level

	// ICEServers is opaque to the core; see ice.go for the env surface.
	ICEServers []webrtc.ICEServer

	ICECandidatePoolSize int

	SendRetries    int
	ConnectTimeout time.Duration

	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// any ephemeral port.
	UDPPortRange *UDPPortRange

	// Media constraints forwarded to the Capture collaborator.
	Audio bool
	Video bool
}

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// Load builds a Config from the process environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

// load is split out so tests can inject an environment.
func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		StoreURL:             envOrDefault(lookup, envVarStoreURL, "mem:"),
		SendRetries:          DefaultSendRetries,
		ConnectTimeout:       DefaultConnectTimeout,
		ICECandidatePoolSize: DefaultICECandidatePoolSize,
		Audio:                true,
		Video:                true,
	}

	format, err := parseLogFormat(envOrDefault(lookup, envVarLogFormat, string(LogFormatText)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogFormat = format

	level, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	retries, err := envIntOrDefault(lookup, envVarSendRetries, DefaultSendRetries)
	if err != nil {
		return Config{}, err
	}
	if retries < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", envVarSendRetries)
	}
	cfg.SendRetries = retries

	poolSize, err := envIntOrDefault(lookup, envVarICECandidatePool, DefaultICECandidatePoolSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ICECandidatePoolSize = poolSize

	if raw, ok := lookup(envVarConnectTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarConnectTimeout, raw, err)
		}
		cfg.ConnectTimeout = d
	}

	cfg.Audio = !envBool(lookup, envVarDisableAudio)
	cfg.Video = !envBool(lookup, envVarDisableVideo)

	portRange, err := parseUDPPortRange(
		envOrDefault(lookup, envVarUDPPortMin, ""),
		envOrDefault(lookup, envVarUDPPortMax, ""),
	)
	if err != nil {
		return Config{}, err
	}
	cfg.UDPPortRange = portRange

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	return cfg, nil
}

// PeerConnectionConfiguration maps the ICE settings into pion's configuration.
func (c Config) PeerConnectionConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:           c.ICEServers,
		ICECandidatePoolSize: uint8(c.ICECandidatePoolSize),
	}
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseUDPPortRange(rawMin, rawMax string) (*UDPPortRange, error) {
	if rawMin == "" && rawMax == "" {
		return nil, nil
	}
	if rawMin == "" || rawMax == "" {
		return nil, fmt.Errorf("%s and %s must be set together (or both unset)", envVarUDPPortMin, envVarUDPPortMax)
	}
	min, err := parsePort(envVarUDPPortMin, rawMin)
	if err != nil {
		return nil, err
	}
	max, err := parsePort(envVarUDPPortMax, rawMax)
	if err != nil {
		return nil, err
	}
	if min > max {
		return nil, fmt.Errorf("UDP port range min (%d) must be <= max (%d)", min, max)
	}
	return &UDPPortRange{Min: min, Max: max}, nil
}

func parsePort(key, raw string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s %q: expected a port in 1..65535", key, raw)
	}
	return uint16(n), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBool(lookup func(string) (string, bool), key string) bool {
	raw, ok := lookup(key)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
