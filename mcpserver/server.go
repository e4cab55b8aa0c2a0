package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/executor"
	"github.com/isdmx/sandboxd/sandbox"
)

// Version is reported to MCP clients during initialization
var Version = "dev"

// maxTimeoutSeconds is the largest timeout_seconds that fits a time.Duration
const maxTimeoutSeconds = float64(math.MaxInt64) / float64(time.Second)

const (
	testTaskCode     = "print('Hello, World!')\nprint('sandbox self-test')"
	testTaskPriority = 1
	testTaskUserID   = "test_user"
)

// TaskService is the executor surface the tools are served from.
// *executor.Manager implements it.
type TaskService interface {
	Submit(ctx context.Context, req executor.Request, priority int) (executor.Receipt, error)
	Cancel(id string) error
	State(id string) (executor.TaskState, error)
	Result(id string) (executor.ExecutionResult, error)
	Summary() executor.Summary
	Running() bool
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	tasks     TaskService
	gatherer  prometheus.Gatherer
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
	opsServer  *http.Server
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, tasks TaskService, gatherer prometheus.Gatherer) (*MCPServer, error) {
	if tasks == nil {
		return nil, errors.New("task service is required")
	}

	s := &MCPServer{
		config:   cfg,
		logger:   logger.Named("mcp"),
		tasks:    tasks,
		gatherer: gatherer,
	}

	fields := []zap.Field{
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.metrics_port", cfg.Server.MetricsPort),
		zap.Bool("server.debug_tools", cfg.Server.DebugTools),
		zap.Bool("sandbox.enable_local_backend", cfg.Sandbox.EnableLocalBackend),
	}
	for _, name := range cfg.TierNames() {
		tier := cfg.Tiers[name]
		fields = append(fields, zap.String("tiers."+name, fmt.Sprintf("enabled=%t backend=%s pool=%d %s",
			tier.Enabled, tier.Backend, tier.PoolSize, sandbox.FormatLimits(sandbox.LimitsFor(tier)))))
	}
	s.logger.Info("configuration loaded", fields...)

	s.mcpServer = server.NewMCPServer("sandboxd", Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.registerTools()

	return s, nil
}

func (s *MCPServer) registerTools() {
	taskIDSchema := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task identifier returned by submit_code",
			},
		},
		Required: []string{"task_id"},
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "submit_code",
		Description: "Queue untrusted code for execution in a sandbox of the requested security level",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "User-provided source code",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        sandbox.SupportedLanguages(),
				},
				"security_level": map[string]any{
					"type":        "string",
					"description": "Isolation tier; stronger tiers have fewer slots and tighter limits",
					"enum":        []string{string(executor.TierLow), string(executor.TierMedium), string(executor.TierHigh)},
					"default":     string(executor.TierLow),
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Execution timeout; omitted or 0 selects the tier default",
				},
				"input_data": map[string]any{
					"type":        "string",
					"description": "Data written to the program's stdin",
				},
				"priority": map[string]any{
					"type":        "integer",
					"description": "Higher runs first within a tier",
					"default":     0,
				},
				"user_id": map[string]any{
					"type":        "string",
					"description": "Submitting user",
				},
				"username": map[string]any{
					"type":        "string",
					"description": "Submitting user's display name",
				},
			},
			Required: []string{"code", "language"},
		},
	}, s.handleSubmitCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_task_status",
		Description: "Return the lifecycle state of a task",
		InputSchema: taskIDSchema,
	}, s.handleGetTaskStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_task_result",
		Description: "Return the execution result of a finished task",
		InputSchema: taskIDSchema,
	}, s.handleGetTaskResult)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_task",
		Description: "Return the state of a task together with its result when one exists",
		InputSchema: taskIDSchema,
	}, s.handleGetTask)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "cancel_task",
		Description: "Cancel a task that has not started running",
		InputSchema: taskIDSchema,
	}, s.handleCancelTask)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_system_status",
		Description: "Return queue sizes, active executions and task counts per state",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleGetSystemStatus)

	if s.config.Server.DebugTools {
		s.mcpServer.AddTool(mcp.Tool{
			Name:        "submit_test_task",
			Description: "Queue a hello-world Python task (debug only)",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"security_level": map[string]any{
						"type":    "string",
						"enum":    []string{string(executor.TierLow), string(executor.TierMedium), string(executor.TierHigh)},
						"default": string(executor.TierLow),
					},
				},
			},
		}, s.handleSubmitTestTask)
	}
}

type submitResponse struct {
	TaskID            string  `json:"task_id"`
	EstimatedWaitTime float64 `json:"estimated_wait_time"`
	QueuePosition     int     `json:"queue_position"`
}

type statusResponse struct {
	TaskID string             `json:"task_id"`
	Status executor.TaskState `json:"status"`
}

type cancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

// resultView is the wire form of an execution result. Fields that do not
// exist yet are null.
type resultView struct {
	TaskID        string             `json:"task_id"`
	Status        executor.TaskState `json:"status"`
	Output        *string            `json:"output"`
	Error         *string            `json:"error"`
	ReturnCode    *int               `json:"return_code"`
	ExecutionTime *float64           `json:"execution_time"`
	MemoryUsage   *int64             `json:"memory_usage"`
	CPUTime       *float64           `json:"cpu_time"`
	StartTime     *time.Time         `json:"start_time"`
	EndTime       *time.Time         `json:"end_time"`
}

func newResultView(r executor.ExecutionResult) resultView {
	executionTime := r.Duration.Seconds()
	cpuTime := r.CPUTime.Seconds()
	view := resultView{
		TaskID:        r.TaskID,
		Status:        r.State,
		Output:        &r.Output,
		ReturnCode:    &r.ExitCode,
		ExecutionTime: &executionTime,
		CPUTime:       &cpuTime,
	}
	if r.Error != "" {
		view.Error = &r.Error
	}
	if r.MemoryPeakBytes > 0 {
		view.MemoryUsage = &r.MemoryPeakBytes
	}
	if !r.StartedAt.IsZero() {
		view.StartTime = &r.StartedAt
	}
	if !r.EndedAt.IsZero() {
		view.EndTime = &r.EndedAt
	}
	return view
}

func (s *MCPServer) handleSubmitCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("code parameter is required: %v", err)), nil
	}
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("language parameter is required: %v", err)), nil
	}

	timeoutSec := request.GetFloat("timeout_seconds", 0)
	if timeoutSec >= maxTimeoutSeconds {
		return s.toolError("submit", "", &executor.ValidationError{
			Field:  "timeout",
			Reason: fmt.Sprintf("%g seconds is out of range", timeoutSec),
		}), nil
	}
	req := executor.Request{
		Code:     code,
		Language: language,
		Tier:     executor.Tier(request.GetString("security_level", string(executor.TierLow))),
		Timeout:  time.Duration(timeoutSec * float64(time.Second)),
		Input:    request.GetString("input_data", ""),
		User: executor.UserInfo{
			UserID:   request.GetString("user_id", ""),
			Username: request.GetString("username", ""),
		},
	}

	return s.submit(ctx, req, request.GetInt("priority", 0))
}

func (s *MCPServer) handleSubmitTestTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := executor.Request{
		Code:     testTaskCode,
		Language: "python",
		Tier:     executor.Tier(request.GetString("security_level", string(executor.TierLow))),
		User: executor.UserInfo{
			UserID:      testTaskUserID,
			Username:    "test user",
			Permissions: []string{"execute"},
		},
	}
	return s.submit(ctx, req, testTaskPriority)
}

func (s *MCPServer) submit(ctx context.Context, req executor.Request, priority int) (*mcp.CallToolResult, error) {
	receipt, err := s.tasks.Submit(ctx, req, priority)
	if err != nil {
		return s.toolError("submit", "", err), nil
	}

	s.logger.Info("task accepted",
		zap.String("task_id", receipt.TaskID),
		zap.String("security_level", strings.ToLower(string(req.Tier))),
		zap.String("language", req.Language),
		zap.Int("priority", priority),
		zap.Int("queue_position", receipt.QueuePosition))

	return jsonResult(submitResponse{
		TaskID:            receipt.TaskID,
		EstimatedWaitTime: receipt.EstimatedWait.Seconds(),
		QueuePosition:     receipt.QueuePosition,
	})
}

func (s *MCPServer) handleGetTaskStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task_id parameter is required: %v", err)), nil
	}

	state, err := s.tasks.State(id)
	if err != nil {
		return s.toolError("get_task_status", id, err), nil
	}
	return jsonResult(statusResponse{TaskID: id, Status: state})
}

func (s *MCPServer) handleGetTaskResult(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task_id parameter is required: %v", err)), nil
	}

	result, err := s.tasks.Result(id)
	if err != nil {
		return s.toolError("get_task_result", id, err), nil
	}
	return jsonResult(newResultView(result))
}

// handleGetTask answers with the result when there is one and a bare
// state otherwise
func (s *MCPServer) handleGetTask(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task_id parameter is required: %v", err)), nil
	}

	state, err := s.tasks.State(id)
	if err != nil {
		return s.toolError("get_task", id, err), nil
	}

	result, err := s.tasks.Result(id)
	switch {
	case err == nil:
		return jsonResult(newResultView(result))
	case errors.Is(err, executor.ErrResultNotReady):
		return jsonResult(resultView{TaskID: id, Status: state})
	default:
		return s.toolError("get_task", id, err), nil
	}
}

func (s *MCPServer) handleCancelTask(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task_id parameter is required: %v", err)), nil
	}

	if err := s.tasks.Cancel(id); err != nil {
		return s.toolError("cancel_task", id, err), nil
	}
	return jsonResult(cancelResponse{TaskID: id, Cancelled: true})
}

func (s *MCPServer) handleGetSystemStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.tasks.Summary())
}

// toolError turns a classified executor error into a tool error result.
// Unclassified errors are logged and reported without detail.
func (s *MCPServer) toolError(op, taskID string, err error) *mcp.CallToolResult {
	var msg string
	switch {
	case errors.Is(err, executor.ErrValidation):
		msg = fmt.Sprintf("invalid request: %v", err)
	case errors.Is(err, executor.ErrTaskNotFound):
		msg = fmt.Sprintf("task not found: %s", taskID)
	case errors.Is(err, executor.ErrConflict):
		msg = err.Error()
	case errors.Is(err, executor.ErrResultNotReady):
		msg = fmt.Sprintf("result not available for task %s", taskID)
	case errors.Is(err, executor.ErrRateLimited):
		msg = "too many submissions, retry later"
	case errors.Is(err, executor.ErrNotRunning):
		msg = "service unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		msg = fmt.Sprintf("request aborted: %v", err)
	default:
		s.logger.Error("tool call failed", zap.String("tool", op), zap.String("task_id", taskID), zap.Error(err))
		return mcp.NewToolResultError("internal error")
	}

	s.logger.Debug("tool call rejected", zap.String("tool", op), zap.String("task_id", taskID), zap.Error(err))
	return mcp.NewToolResultError(msg)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio serves MCP on stdin/stdout until ctx is done or stdin closes
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP serves MCP over streamable HTTP on the configured port
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	if err := httpServer.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listeners started by ServeHTTP and ServeOps
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer, opsServer := s.httpServer, s.opsServer
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		errs = append(errs, httpServer.Shutdown(ctx))
	}
	if opsServer != nil {
		errs = append(errs, opsServer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
