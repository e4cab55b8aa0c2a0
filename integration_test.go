package integration

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/executor"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/sandbox"
)

const localConfigYAML = `
server:
  transport: stdio
  metrics_port: 0
  debug_tools: true
logging:
  mode: development
  level: debug
sandbox:
  enable_local_backend: true
  max_output_kb: 64
tiers:
  low:
    backend: local
    pool_size: 2
    default_timeout_sec: 5
    max_timeout_sec: 10
  medium:
    backend: local
    pool_size: 1
    default_timeout_sec: 5
    max_timeout_sec: 10
  high:
    enabled: false
scheduler:
  timeout_grace_sec: 1
`

type stack struct {
	cfg     *config.Config
	manager *executor.Manager
	server  *mcpserver.MCPServer
}

// newStack wires config, logger, sandbox runners, executor and MCP server
// the way the serve command does
func newStack(t *testing.T) *stack {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(localConfigYAML), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	_, err = logger.NewFromConfig(cfg)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)

	runners, err := sandbox.NewRunners(log, cfg)
	require.NoError(t, err)
	require.Len(t, runners, 2)

	reg := prometheus.NewRegistry()
	manager, err := executor.NewManagerFromConfig(log, cfg, runners, reg)
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		assert.NoError(t, manager.Stop(ctx))
	})

	server, err := mcpserver.New(cfg, log, manager, reg)
	require.NoError(t, err)

	return &stack{cfg: cfg, manager: manager, server: server}
}

func (s *stack) call(t *testing.T, name string, args map[string]any) map[string]any {
	t.Helper()

	tool := s.server.GetMCPServer().GetTool(name)
	require.NotNil(t, tool, "tool %s is not registered", name)

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	require.False(t, res.IsError, "tool %s failed: %s", name, text.Text)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &body))
	return body
}

func (s *stack) waitResult(t *testing.T, taskID string) map[string]any {
	t.Helper()

	require.Eventually(t, func() bool {
		state, err := s.manager.State(taskID)
		return err == nil && state.IsTerminal()
	}, 20*time.Second, 10*time.Millisecond)

	return s.call(t, "get_task_result", map[string]any{"task_id": taskID})
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

// TestIntegrationWiring tests that config, logger, sandbox, executor and
// MCP server fit together without executing anything
func TestIntegrationWiring(t *testing.T) {
	s := newStack(t)

	assert.True(t, s.cfg.Tiers["low"].Enabled)
	assert.False(t, s.cfg.Tiers["high"].Enabled)

	tools := s.server.GetMCPServer().ListTools()
	assert.Contains(t, tools, "submit_code")
	assert.Contains(t, tools, "submit_test_task")

	status := s.call(t, "get_system_status", nil)
	assert.Equal(t, true, status["running"])
	tiers, ok := status["tiers"].([]any)
	require.True(t, ok)
	assert.Len(t, tiers, 2)
}

// TestIntegrationLocalExecution runs real programs through the local backend
func TestIntegrationLocalExecution(t *testing.T) {
	requirePython(t)
	s := newStack(t)

	t.Run("Succeeds", func(t *testing.T) {
		receipt := s.call(t, "submit_code", map[string]any{
			"code":       "import sys\nprint('hello', sys.stdin.read().strip())",
			"language":   "python",
			"input_data": "world",
		})
		result := s.waitResult(t, receipt["task_id"].(string))

		assert.Equal(t, string(executor.StateSucceeded), result["status"])
		assert.Equal(t, "hello world\n", result["output"])
		assert.EqualValues(t, 0, result["return_code"])
	})

	t.Run("NonZeroExitFails", func(t *testing.T) {
		receipt := s.call(t, "submit_code", map[string]any{
			"code":           "import sys\nsys.stderr.write('boom')\nsys.exit(3)",
			"language":       "python",
			"security_level": "medium",
		})
		result := s.waitResult(t, receipt["task_id"].(string))

		assert.Equal(t, string(executor.StateFailed), result["status"])
		assert.EqualValues(t, 3, result["return_code"])
		assert.Contains(t, result["error"], "boom")
	})

	t.Run("TimesOut", func(t *testing.T) {
		receipt := s.call(t, "submit_code", map[string]any{
			"code":            "import time\ntime.sleep(30)",
			"language":        "python",
			"timeout_seconds": 1,
		})
		result := s.waitResult(t, receipt["task_id"].(string))

		assert.Equal(t, string(executor.StateTimedOut), result["status"])
		assert.Contains(t, result["error"], "timed out")
	})

	t.Run("DebugTestTask", func(t *testing.T) {
		receipt := s.call(t, "submit_test_task", map[string]any{})
		result := s.waitResult(t, receipt["task_id"].(string))

		assert.Equal(t, string(executor.StateSucceeded), result["status"])
		assert.Contains(t, result["output"], "Hello, World!")
	})
}

// TestIntegrationCancelQueued fills a tier and cancels a queued submission
func TestIntegrationCancelQueued(t *testing.T) {
	requirePython(t)
	s := newStack(t)

	// medium has a single slot
	blocker := s.call(t, "submit_code", map[string]any{
		"code":           "import time\ntime.sleep(2)",
		"language":       "python",
		"security_level": "medium",
	})
	require.Eventually(t, func() bool {
		state, _ := s.manager.State(blocker["task_id"].(string))
		return state == executor.StateRunning
	}, 10*time.Second, 10*time.Millisecond)

	queued := s.call(t, "submit_code", map[string]any{
		"code":           "print('never')",
		"language":       "python",
		"security_level": "medium",
	})
	assert.EqualValues(t, 1, queued["queue_position"])

	cancelled := s.call(t, "cancel_task", map[string]any{"task_id": queued["task_id"]})
	assert.Equal(t, true, cancelled["cancelled"])

	task := s.call(t, "get_task", map[string]any{"task_id": queued["task_id"]})
	assert.Equal(t, string(executor.StateCancelled), task["status"])
	assert.Nil(t, task["output"])

	result := s.waitResult(t, blocker["task_id"].(string))
	assert.Equal(t, string(executor.StateSucceeded), result["status"])
}
