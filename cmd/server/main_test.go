package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/isdmx/sandboxd/executor"
)

const testConfigYAML = `
server:
  transport: http
  http_port: 0
  metrics_port: 0
logging:
  mode: development
  level: warn
sandbox:
  enable_local_backend: true
tiers:
  low:
    backend: local
    pool_size: 2
  medium:
    enabled: false
  high:
    enabled: false
`

func writeConfig(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o600))
	return path
}

func TestAppLifecycle(t *testing.T) {
	var manager *executor.Manager
	app := newApp(writeConfig(t), fx.Populate(&manager))
	require.NoError(t, app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, app.Start(ctx))
	assert.True(t, manager.Running())

	summary := manager.Summary()
	require.Len(t, summary.Tiers, 1)
	assert.Equal(t, executor.TierLow, summary.Tiers[0].Tier)
	assert.Equal(t, 2, summary.Tiers[0].Capacity)

	require.NoError(t, app.Stop(ctx))
	assert.False(t, manager.Running())
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  transport: carrier-pigeon\n"), 0o600))

	app := newApp(path)
	require.Error(t, app.Err())
}

func TestCommands(t *testing.T) {
	run := func(t *testing.T, args ...string) string {
		t.Helper()

		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(args)
		t.Cleanup(func() {
			rootCmd.SetOut(nil)
			rootCmd.SetArgs(nil)
			configPath = ""
		})

		require.NoError(t, rootCmd.Execute())
		return out.String()
	}

	t.Run("Version", func(t *testing.T) {
		out := run(t, "version")
		assert.Contains(t, out, "sandboxd "+Version)
		assert.Contains(t, out, "Go version")
	})

	t.Run("Config", func(t *testing.T) {
		out := run(t, "config", "--config", writeConfig(t))
		assert.Contains(t, out, "transport: http")
		assert.Contains(t, out, "backend: local")
		assert.Contains(t, out, "pool_size: 2")
	})
}
