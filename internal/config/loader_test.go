package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaultsAndFile(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
origin:
  url: http://origin.internal:9000
cache:
  store: edge
  writeback:
    maxWorkers: 4
`)

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "http://origin.internal:9000", cfg.Origin.URL)
	require.Equal(t, "edge", cfg.Cache.Store)
	require.Equal(t, 4, cfg.Cache.Writeback.MaxWorkers)
	require.Equal(t, "memory", cfg.Cache.Engine.Backend)
	require.Nil(t, cfg.Cache.AutoCompress)
}

func TestLoadJSONFile(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
  "origin": {"url": "http://origin.internal"},
  "cache": {"store": "edge", "bypass": ["method != 'GET'"]}
}`)

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"method != 'GET'"}, cfg.Cache.Bypass)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
origin:
  url: http://origin.internal
cache:
  store: edge
`)
	t.Setenv("CACHEGATE_CACHE__WRITEBACK__MAXWORKERS", "2")
	t.Setenv("CACHEGATE_SERVER__LISTEN__PORT", "9999")

	cfg, err := NewLoader("CACHEGATE", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Cache.Writeback.MaxWorkers)
	require.Equal(t, 9999, cfg.Server.Listen.Port)
}

func TestLoadRejectsMissingStore(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
origin:
  url: http://origin.internal
`)

	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "cache.store required")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := NewLoader("", "/nonexistent/config.yaml").Load(context.Background())
	require.Error(t, err)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeConfigFile(t, "config.ini", "origin=\n")
	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
}

func TestValidateBackends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Origin.URL = "http://origin.internal"
	cfg.Cache.Store = "edge"

	cfg.Cache.Engine.Backend = "valkey"
	require.Error(t, cfg.Validate(), "valkey backend requires an address")

	cfg.Cache.Engine.Valkey.Address = "localhost:6379"
	require.NoError(t, cfg.Validate())

	cfg.Cache.Engine.Backend = "sqlite"
	require.Error(t, cfg.Validate())
}
