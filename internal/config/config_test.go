package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8181", cfg.Scheduler.ListenAddr)
	assert.Equal(t, 30, cfg.Deadlines.QuoteWaitSeconds)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  listen_addr: \":9999\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Scheduler.ListenAddr)
	// Untouched fields keep their defaults.
	assert.Equal(t, 60, cfg.Scheduler.StartTimeoutSeconds)
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  listen_addr: \":9999\"\n"), 0o600))

	t.Setenv("ASKEXPERTS_SCHEDULER_ADDR", ":7777")
	t.Setenv("ASKEXPERTS_RELAYS", "wss://a,wss://b")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Scheduler.ListenAddr)
	assert.Equal(t, []string{"wss://a", "wss://b"}, cfg.Relays.Discovery)
}
