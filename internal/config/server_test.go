package config

import (
	"testing"
	"time"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := loadServer(envFromMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Errorf("AllowedOrigins = %v, want empty", cfg.AllowedOrigins)
	}
	if cfg.BridgeToken != "" {
		t.Errorf("BridgeToken = %q, want empty", cfg.BridgeToken)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.BridgeOpsPerSecond != DefaultBridgeOpsPerSecond {
		t.Errorf("BridgeOpsPerSecond = %d", cfg.BridgeOpsPerSecond)
	}
	if cfg.TurnRestSecret != "" || cfg.TurnRestTTL != DefaultTurnRestTTL || cfg.TurnRestPrefix != DefaultTurnRestPrefix {
		t.Errorf("turn rest defaults wrong: %+v", cfg)
	}
}

func TestLoadServerOverrides(t *testing.T) {
	env := envFromMap(map[string]string{
		"PAIRING_LISTEN_ADDR":           "127.0.0.1:9999",
		"PAIRING_ALLOWED_ORIGINS":       "https://a.test, https://b.test ,",
		"PAIRING_BRIDGE_TOKEN":          "tok",
		"PAIRING_SHUTDOWN_TIMEOUT":      "3s",
		"PAIRING_BRIDGE_OPS_PER_SECOND": "50",
		"PAIRING_TURN_REST_SECRET":      "sh",
		"PAIRING_TURN_REST_TTL":         "5m",
		"PAIRING_TURN_REST_PREFIX":      "demo",
	})
	cfg, err := loadServer(env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" || cfg.BridgeToken != "tok" {
		t.Errorf("basic overrides wrong: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.test" || cfg.AllowedOrigins[1] != "https://b.test" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.ShutdownTimeout != 3*time.Second || cfg.BridgeOpsPerSecond != 50 {
		t.Errorf("timing overrides wrong: %+v", cfg)
	}
	if cfg.TurnRestSecret != "sh" || cfg.TurnRestTTL != 5*time.Minute || cfg.TurnRestPrefix != "demo" {
		t.Errorf("turn rest overrides wrong: %+v", cfg)
	}
}

func TestLoadServerRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad shutdown timeout": {"PAIRING_SHUTDOWN_TIMEOUT": "soon"},
		"zero ops":             {"PAIRING_BRIDGE_OPS_PER_SECOND": "0"},
		"negative ops":         {"PAIRING_BRIDGE_OPS_PER_SECOND": "-1"},
		"bad turn ttl":         {"PAIRING_TURN_REST_TTL": "long"},
		"zero turn ttl":        {"PAIRING_TURN_REST_TTL": "0s"},
	}
	for name, vars := range cases {
		if _, err := loadServer(envFromMap(vars)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
