// Package config provides environment-aware configuration loading for a
// wcrelay client: relay connection settings, sequence TTL defaults,
// storage backend selection, logging and metrics.
package config

import "time"

// Config is the root configuration structure.
type Config struct {
	Environment string        `yaml:"environment" json:"environment"`
	Relay       RelayConfig   `yaml:"relay" json:"relay"`
	Pairing     SequenceTTLs  `yaml:"pairing" json:"pairing"`
	Session     SequenceTTLs  `yaml:"session" json:"session"`
	Storage     StorageConfig `yaml:"storage" json:"storage"`
	Logging     LoggingConfig `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig `yaml:"metrics" json:"metrics"`
}

// RelayConfig describes how to reach the pub/sub relay.
type RelayConfig struct {
	URL               string        `yaml:"url" json:"url"`
	Protocol          string        `yaml:"protocol" json:"protocol"` // e.g. "waku"
	DialTimeout       time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff" json:"reconnect_backoff"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" json:"max_reconnect_delay"`
}

// SequenceTTLs holds the pending/settled lifetimes for one sequence kind
// (pairing or session).
type SequenceTTLs struct {
	ProposalTTL time.Duration `yaml:"proposal_ttl" json:"proposal_ttl"`
	SettledTTL  time.Duration `yaml:"settled_ttl" json:"settled_ttl"`
}

// StorageConfig selects and configures the KVStore adapter backing the
// subscription store, the JSON-RPC history and the keychain.
type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "memory" or "postgres"
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, pretty
	Output string `yaml:"output" json:"output"` // stdout, stderr
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}
