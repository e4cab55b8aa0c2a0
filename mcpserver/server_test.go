package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/executor"
	"github.com/isdmx/sandboxd/sandbox"
)

// runnerFunc adapts a function to sandbox.Runner
type runnerFunc func(ctx context.Context, req sandbox.Request) (sandbox.Result, error)

func (f runnerFunc) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	return f(ctx, req)
}

// gateRunner blocks code "block" until gate is closed and echoes everything else
func gateRunner(gate <-chan struct{}) sandbox.Runner {
	return runnerFunc(func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
		if req.Code == "block" {
			select {
			case <-gate:
			case <-ctx.Done():
				return sandbox.Result{TimedOut: true}, sandbox.ErrTimedOut
			}
		}
		return sandbox.Result{Stdout: req.Code + "|" + req.Input, Duration: 20 * time.Millisecond}, nil
	})
}

// stubTasks implements TaskService with fixed answers
type stubTasks struct {
	err     error
	running bool
}

func (s *stubTasks) Submit(context.Context, executor.Request, int) (executor.Receipt, error) {
	return executor.Receipt{}, s.err
}

func (s *stubTasks) Cancel(string) error { return s.err }

func (s *stubTasks) State(string) (executor.TaskState, error) { return "", s.err }

func (s *stubTasks) Result(string) (executor.ExecutionResult, error) {
	return executor.ExecutionResult{}, s.err
}

func (s *stubTasks) Summary() executor.Summary { return executor.Summary{Running: s.running} }

func (s *stubTasks) Running() bool { return s.running }

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080, MetricsPort: 9090},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
		Tiers: map[string]config.TierConfig{
			"low": {Enabled: true, Backend: "local", PoolSize: 1, MemoryMB: 128, DefaultTimeoutSec: 5, MaxTimeoutSec: 10},
		},
	}
}

type fixture struct {
	server   *MCPServer
	manager  *executor.Manager
	registry *prometheus.Registry
	gate     chan struct{}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	gate := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	})

	reg := prometheus.NewRegistry()
	logger := zaptest.NewLogger(t)
	manager, err := executor.NewManager(logger, map[executor.Tier]executor.TierSettings{
		executor.TierLow: {
			Runner:         gateRunner(gate),
			PoolSize:       1,
			DefaultTimeout: 5 * time.Second,
			MaxTimeout:     10 * time.Second,
		},
	}, executor.WithMetricsRegisterer(reg))
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Stop(ctx)
	})

	s, err := New(cfg, logger, manager, reg)
	require.NoError(t, err)

	return &fixture{server: s, manager: manager, registry: reg, gate: gate}
}

func callTool(t *testing.T, s *MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	tool := s.GetMCPServer().GetTool(name)
	require.NotNil(t, tool, "tool %s is not registered", name)

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()

	require.Len(t, res.Content, 1)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func decode[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()

	require.False(t, res.IsError, "unexpected tool error: %s", resultText(t, res))
	var v T
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &v))
	return v
}

func submitCode(t *testing.T, s *MCPServer, args map[string]any) submitResponse {
	t.Helper()
	return decode[submitResponse](t, callTool(t, s, "submit_code", args))
}

func waitDone(t *testing.T, m *executor.Manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := m.State(id)
		return err == nil && state.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("RegistersTools", func(t *testing.T) {
		s, err := New(testConfig(), logger, &stubTasks{}, prometheus.NewRegistry())
		require.NoError(t, err)
		require.NotNil(t, s.GetMCPServer())

		tools := s.GetMCPServer().ListTools()
		for _, name := range []string{"submit_code", "get_task_status", "get_task_result", "get_task", "cancel_task", "get_system_status"} {
			assert.Contains(t, tools, name)
		}
		assert.NotContains(t, tools, "submit_test_task")
	})

	t.Run("DebugToolsAreOptIn", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.DebugTools = true
		s, err := New(cfg, logger, &stubTasks{}, nil)
		require.NoError(t, err)
		assert.Contains(t, s.GetMCPServer().ListTools(), "submit_test_task")
	})

	t.Run("RequiresTaskService", func(t *testing.T) {
		_, err := New(testConfig(), logger, nil, nil)
		require.Error(t, err)
	})
}

func TestSubmitAndQuery(t *testing.T) {
	f := newFixture(t, testConfig())

	receipt := submitCode(t, f.server, map[string]any{
		"code":            "print(1)",
		"language":        "Python",
		"security_level":  "LOW",
		"timeout_seconds": 2.5,
		"input_data":      "stdin",
		"priority":        3,
		"user_id":         "u-1",
	})
	assert.NotEmpty(t, receipt.TaskID)
	assert.Equal(t, 1, receipt.QueuePosition)
	assert.Zero(t, receipt.EstimatedWaitTime)

	waitDone(t, f.manager, receipt.TaskID)

	status := decode[statusResponse](t, callTool(t, f.server, "get_task_status", map[string]any{"task_id": receipt.TaskID}))
	assert.Equal(t, executor.StateSucceeded, status.Status)

	result := decode[resultView](t, callTool(t, f.server, "get_task_result", map[string]any{"task_id": receipt.TaskID}))
	assert.Equal(t, receipt.TaskID, result.TaskID)
	assert.Equal(t, executor.StateSucceeded, result.Status)
	require.NotNil(t, result.Output)
	assert.Equal(t, "print(1)|stdin", *result.Output)
	require.NotNil(t, result.ReturnCode)
	assert.Equal(t, 0, *result.ReturnCode)
	require.NotNil(t, result.ExecutionTime)
	assert.InDelta(t, 0.02, *result.ExecutionTime, 0.001)
	assert.Nil(t, result.Error)
	assert.NotNil(t, result.StartTime)
	assert.NotNil(t, result.EndTime)

	task, err := f.manager.Task(receipt.TaskID)
	require.NoError(t, err)
	assert.Equal(t, executor.TierLow, task.Request.Tier)
	assert.Equal(t, "python", task.Request.Language)
	assert.Equal(t, 2500*time.Millisecond, task.Request.Timeout)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, "u-1", task.Request.User.UserID)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, testConfig())

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"MissingCode", map[string]any{"language": "python"}, "code parameter is required"},
		{"MissingLanguage", map[string]any{"code": "x"}, "language parameter is required"},
		{"UnknownLanguage", map[string]any{"code": "x", "language": "cobol"}, "invalid request"},
		{"DisabledTier", map[string]any{"code": "x", "language": "python", "security_level": "high"}, "invalid request"},
		{"TimeoutAboveMax", map[string]any{"code": "x", "language": "python", "timeout_seconds": 60}, "invalid request"},
		{"EmptyCode", map[string]any{"code": "  ", "language": "python"}, "invalid request"},
		{"TimeoutOverflowsDuration", map[string]any{"code": "x", "language": "python", "timeout_seconds": 1e19}, "invalid timeout: 1e+19 seconds is out of range"},
		{"NegativeTimeout", map[string]any{"code": "x", "language": "python", "timeout_seconds": -1}, "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := callTool(t, f.server, "submit_code", tt.args)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
}

func TestTaskQueriesBeforeCompletion(t *testing.T) {
	f := newFixture(t, testConfig())

	running := submitCode(t, f.server, map[string]any{"code": "block", "language": "python"})
	require.Eventually(t, func() bool {
		state, _ := f.manager.State(running.TaskID)
		return state == executor.StateRunning
	}, 5*time.Second, 5*time.Millisecond)

	queued := submitCode(t, f.server, map[string]any{"code": "queued", "language": "python"})
	assert.Equal(t, 1, queued.QueuePosition)
	assert.Zero(t, queued.EstimatedWaitTime)

	res := callTool(t, f.server, "get_task_result", map[string]any{"task_id": running.TaskID})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "result not available")

	combined := decode[resultView](t, callTool(t, f.server, "get_task", map[string]any{"task_id": running.TaskID}))
	assert.Equal(t, executor.StateRunning, combined.Status)
	assert.Nil(t, combined.Output)
	assert.Nil(t, combined.ReturnCode)

	res = callTool(t, f.server, "cancel_task", map[string]any{"task_id": running.TaskID})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(executor.StateRunning))

	cancelled := decode[cancelResponse](t, callTool(t, f.server, "cancel_task", map[string]any{"task_id": queued.TaskID}))
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, queued.TaskID, cancelled.TaskID)

	combined = decode[resultView](t, callTool(t, f.server, "get_task", map[string]any{"task_id": queued.TaskID}))
	assert.Equal(t, executor.StateCancelled, combined.Status)

	close(f.gate)
	waitDone(t, f.manager, running.TaskID)

	combined = decode[resultView](t, callTool(t, f.server, "get_task", map[string]any{"task_id": running.TaskID}))
	assert.Equal(t, executor.StateSucceeded, combined.Status)
	require.NotNil(t, combined.Output)
	assert.Equal(t, "block|", *combined.Output)
}

func TestUnknownTask(t *testing.T) {
	f := newFixture(t, testConfig())

	for _, name := range []string{"get_task_status", "get_task_result", "get_task", "cancel_task"} {
		t.Run(name, func(t *testing.T) {
			res := callTool(t, f.server, name, map[string]any{"task_id": "missing"})
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), "task not found: missing")

			res = callTool(t, f.server, name, map[string]any{})
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), "task_id parameter is required")
		})
	}
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t, testConfig())

	receipt := submitCode(t, f.server, map[string]any{"code": "x", "language": "python"})
	waitDone(t, f.manager, receipt.TaskID)

	summary := decode[executor.Summary](t, callTool(t, f.server, "get_system_status", nil))
	assert.True(t, summary.Running)
	require.Len(t, summary.Tiers, 1)
	assert.Equal(t, executor.TierLow, summary.Tiers[0].Tier)
	assert.Equal(t, 1, summary.Tiers[0].Capacity)
	assert.Equal(t, 1, summary.Tasks[executor.StateSucceeded])
}

func TestSubmitTestTask(t *testing.T) {
	cfg := testConfig()
	cfg.Server.DebugTools = true
	f := newFixture(t, cfg)

	receipt := decode[submitResponse](t, callTool(t, f.server, "submit_test_task", map[string]any{}))
	waitDone(t, f.manager, receipt.TaskID)

	task, err := f.manager.Task(receipt.TaskID)
	require.NoError(t, err)
	assert.Equal(t, testTaskCode, task.Request.Code)
	assert.Equal(t, testTaskPriority, task.Priority)
	assert.Equal(t, testTaskUserID, task.Request.User.UserID)
	assert.Equal(t, executor.StateSucceeded, task.State)
}

func TestToolErrorClassification(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"RateLimited", executor.ErrRateLimited, "too many submissions"},
		{"NotRunning", &executor.LifecycleError{Op: "submit", State: "stopped"}, "service unavailable"},
		{"Aborted", context.Canceled, "request aborted"},
		{"Unclassified", errors.New("disk on fire"), "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(testConfig(), logger, &stubTasks{err: tt.err}, nil)
			require.NoError(t, err)

			res := callTool(t, s, "submit_code", map[string]any{"code": "x", "language": "python"})
			assert.True(t, res.IsError)
			text := resultText(t, res)
			assert.Contains(t, text, tt.want)
			assert.NotContains(t, text, "disk on fire")
		})
	}
}

func TestOpsHandler(t *testing.T) {
	t.Run("HealthAndMetrics", func(t *testing.T) {
		f := newFixture(t, testConfig())
		receipt := submitCode(t, f.server, map[string]any{"code": "x", "language": "python"})
		waitDone(t, f.manager, receipt.TaskID)

		handler := f.server.OpsHandler()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body struct {
			Status string           `json:"status"`
			System executor.Summary `json:"system"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.True(t, body.System.Running)

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "sandboxd_tasks_submitted_total")
	})

	t.Run("UnavailableWhenStopped", func(t *testing.T) {
		s, err := New(testConfig(), zaptest.NewLogger(t), &stubTasks{running: false}, nil)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		s.OpsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "unavailable")
	})
}

func TestShutdownWithoutListeners(t *testing.T) {
	s, err := New(testConfig(), zaptest.NewLogger(t), &stubTasks{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))
}
