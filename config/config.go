package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFromFile loads configuration from a YAML or JSON file, falling back
// to JSON if YAML parsing fails (the two are close enough that a strict
// JSON document will also satisfy the YAML decoder in the common case,
// but not vice versa).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile writes cfg to path, choosing JSON or YAML by extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults fills in the zero-value fields every deployment needs a
// sane value for, so a minimal (even empty) config file is usable.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Relay.Protocol == "" {
		cfg.Relay.Protocol = "waku"
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = 10 * time.Second
	}
	if cfg.Relay.HeartbeatInterval == 0 {
		cfg.Relay.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Relay.ReconnectBackoff == 0 {
		cfg.Relay.ReconnectBackoff = 1 * time.Second
	}
	if cfg.Relay.MaxReconnectDelay == 0 {
		cfg.Relay.MaxReconnectDelay = 30 * time.Second
	}

	if cfg.Pairing.ProposalTTL == 0 {
		cfg.Pairing.ProposalTTL = 5 * time.Minute
	}
	if cfg.Pairing.SettledTTL == 0 {
		cfg.Pairing.SettledTTL = 30 * 24 * time.Hour
	}
	if cfg.Session.ProposalTTL == 0 {
		cfg.Session.ProposalTTL = 5 * time.Minute
	}
	if cfg.Session.SettledTTL == 0 {
		cfg.Session.SettledTTL = 7 * 24 * time.Hour
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9477"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}
