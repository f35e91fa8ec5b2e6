package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "local", cfg.Storage.Mode)
	assert.Equal(t, "workflow.db", cfg.Storage.Local.DatabasePath)
	assert.Equal(t, 10*time.Second, cfg.Engine.SyncInvokeTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Engine.CallbackTolerance)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_OverridesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	content := `
server:
  port: 9090
  mode: debug
storage:
  mode: postgres
  postgres:
    dsn: "host=localhost user=wf dbname=wf"
engine:
  sync_invoke_timeout: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, "postgres", cfg.Storage.Mode)
	assert.Equal(t, 3*time.Second, cfg.Engine.SyncInvokeTimeout)

	// Unset fields fall back to defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5*time.Minute, cfg.Engine.CallbackTolerance)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Mode = "postgres"
	assert.Error(t, cfg.Validate(), "postgres mode without a DSN")
	cfg.Storage.Postgres.DSN = "host=localhost"
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Mode = "redis"
	assert.Error(t, cfg.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("WORKFLOW_SERVER_PORT", "7070")
	t.Setenv("WORKFLOW_ENGINE_CALLBACK_TOLERANCE", "90s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Engine.CallbackTolerance)

	// The environment wins over a file value for the same key.
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}
