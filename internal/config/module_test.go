package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8200, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Engine.MaxCascadeDepth)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 127.0.0.1
  port: 9000
database:
  dsn: postgres://localhost/assetflow
engine:
  max_cascade_depth: 4
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/assetflow", cfg.Database.DSN)
	assert.Equal(t, 4, cfg.Engine.MaxCascadeDepth)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_SERVER_PORT", "9100")
	t.Setenv("APP_DATABASE_DSN", "postgres://env/assetflow")
	t.Setenv("APP_MAX_CASCADE_DEPTH", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "postgres://env/assetflow", cfg.Database.DSN)
	assert.Equal(t, 3, cfg.Engine.MaxCascadeDepth)
}
