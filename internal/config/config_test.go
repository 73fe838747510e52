package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.Identity.MaxDepth)
	assert.Equal(t, 10000, cfg.Identity.MaxInstances)
	assert.Equal(t, 30*time.Minute, cfg.Hydration.MaxAge.Std())
	assert.Equal(t, 3, cfg.Hydration.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Bus.DeliverEvery.Std())
	assert.Equal(t, "drop-oldest", cfg.Queue.Overflow)
	assert.Equal(t, "medium", cfg.Conflict.AutoResolveSeverity)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Queue.Persist)
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadJSONCFile(t *testing.T) {
	path := writeFile(t, "config.json", `{
		// local development overrides
		"server": {"port": 9191},
		"queue": {"capacity": 5, "backoffBase": "2s"},
		"bus": {"deliverEvery": 25}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase.Std())
	assert.Equal(t, 25*time.Millisecond, cfg.Bus.DeliverEvery.Std(), "bare numbers parse as milliseconds")
	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Identity.MaxDepth)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 9292
identity:
  maxDepth: 4
  staleAfter: 5m
hydration:
  secret: yaml-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9292, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Identity.MaxDepth)
	assert.Equal(t, 5*time.Minute, cfg.Identity.StaleAfter.Std())
	assert.Equal(t, "yaml-secret", cfg.Hydration.Secret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeFile(t, "broken.yaml", "server: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"server": {"port": 9191}}`)

	t.Setenv("LIVESYNC_PORT", "7777")
	t.Setenv("LIVESYNC_LOG_LEVEL", "debug")
	t.Setenv("LIVESYNC_LOG_PRETTY", "true")
	t.Setenv("LIVESYNC_SNAPSHOT_SECRET", "env-secret")
	t.Setenv("LIVESYNC_QUEUE_DIR", "/var/lib/livesync")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, "env-secret", cfg.Hydration.Secret)
	assert.Equal(t, "/var/lib/livesync", cfg.Queue.Dir)
	assert.True(t, cfg.Queue.Persist, "setting a queue dir implies persistence")
}

func TestEnvInvalidPortIgnored(t *testing.T) {
	t.Setenv("LIVESYNC_PORT", "not-a-port")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestDurationForms(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`250`)))
	assert.Equal(t, 250*time.Millisecond, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"never"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	data, err := Duration(90 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))
}
