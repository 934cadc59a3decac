package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// envVarPattern matches ${VAR} or ${VAR:default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} or ${VAR:default} with environment
// variable values.
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// SubstituteEnvVarsInConfig recursively substitutes environment variables
// into every string field of cfg that plausibly carries a template.
func SubstituteEnvVarsInConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Relay.URL = SubstituteEnvVars(cfg.Relay.URL)
	cfg.Relay.Protocol = SubstituteEnvVars(cfg.Relay.Protocol)
	cfg.Storage.DSN = SubstituteEnvVars(cfg.Storage.DSN)
	cfg.Logging.Level = SubstituteEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = SubstituteEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = SubstituteEnvVars(cfg.Logging.Output)
	cfg.Metrics.Addr = SubstituteEnvVars(cfg.Metrics.Addr)
	cfg.Metrics.Path = SubstituteEnvVars(cfg.Metrics.Path)
}

// applyEnvironmentOverrides applies WC_* environment variables over
// whatever the config file set, highest priority in the load order.
func applyEnvironmentOverrides(cfg *Config) {
	if url := os.Getenv("WC_RELAY_URL"); url != "" {
		cfg.Relay.URL = url
	}
	if proto := os.Getenv("WC_RELAY_PROTOCOL"); proto != "" {
		cfg.Relay.Protocol = proto
	}

	if backend := os.Getenv("WC_STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dsn := os.Getenv("WC_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}

	if level := os.Getenv("WC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("WC_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if enabled := os.Getenv("WC_METRICS_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			cfg.Metrics.Enabled = v
		}
	}
	if addr := os.Getenv("WC_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	if ttl := os.Getenv("WC_PAIRING_SETTLED_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.Pairing.SettledTTL = d
		}
	}
	if ttl := os.Getenv("WC_SESSION_SETTLED_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.Session.SettledTTL = d
		}
	}
}

// GetEnvironment returns the current environment from WC_ENV or
// ENVIRONMENT, defaulting to "development".
func GetEnvironment() string {
	env := os.Getenv("WC_ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}

// IsProduction reports whether GetEnvironment returns "production".
func IsProduction() bool {
	return GetEnvironment() == "production"
}

// IsDevelopment reports whether GetEnvironment returns "development" or
// "local".
func IsDevelopment() bool {
	env := GetEnvironment()
	return env == "development" || env == "local"
}
