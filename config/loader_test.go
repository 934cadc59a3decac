package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadFallsBackThroughConfigNames(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "default.yaml", "environment: from-default\n")

	cfg, err := Load(LoaderOptions{ConfigDir: dir, Environment: "staging", EnvFile: ""})
	require.NoError(t, err)
	assert.Equal(t, "from-default", cfg.Environment)
}

func TestLoadPrefersEnvironmentSpecificFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "default.yaml", "environment: from-default\n")
	writeConfigFile(t, dir, "staging.yaml", "environment: staging\nrelay:\n  url: wss://staging.example.com\n")

	cfg, err := Load(LoaderOptions{ConfigDir: dir, Environment: "staging", EnvFile: ""})
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "wss://staging.example.com", cfg.Relay.URL)
}

func TestLoadWithNoFilesReturnsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(LoaderOptions{ConfigDir: dir, Environment: "ci", EnvFile: ""})
	require.NoError(t, err)
	assert.Equal(t, "ci", cfg.Environment)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestLoadAppliesEnvOverrideAfterFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "default.yaml", "relay:\n  url: wss://file.example.com\n")
	t.Setenv("WC_RELAY_URL", "wss://env-override.example.com")

	cfg, err := Load(LoaderOptions{ConfigDir: dir, Environment: "dev", EnvFile: ""})
	require.NoError(t, err)
	assert.Equal(t, "wss://env-override.example.com", cfg.Relay.URL)
}

func TestMustLoadPanicsOnUnreadableEnvFile(t *testing.T) {
	dir := t.TempDir()
	// A directory passed as the env file path triggers a read error that
	// is not ENOENT, which Load treats as fatal rather than "absent".
	envDir := filepath.Join(dir, ".env")
	require.NoError(t, os.Mkdir(envDir, 0o755))

	assert.Panics(t, func() {
		MustLoad(LoaderOptions{ConfigDir: dir, EnvFile: envDir})
	})
}
