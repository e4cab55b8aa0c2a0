package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// Env vars carrying the program and its stdin into the container. The root
// filesystem may be read-only, so nothing is copied in; the entrypoint
// decodes both into the /tmp tmpfs.
const (
	envCodeB64  = "SANDBOX_CODE_B64"
	envInputB64 = "SANDBOX_INPUT_B64"
)

const engineCleanupTimeout = 10 * time.Second

// EngineAPI is the part of the Docker Engine client used by EngineExecutor.
type EngineAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

var _ EngineAPI = (*client.Client)(nil)

// NewEngineClient connects to the Docker Engine at host, or to the
// environment's default (DOCKER_HOST) when host is empty.
func NewEngineClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return cli, nil
}

// EngineExecutor implements Runner by talking to the Docker Engine API
// directly. It is the most tightly confined backend.
type EngineExecutor struct {
	logger         *zap.Logger
	api            EngineAPI
	languages      LanguageTable
	maxOutputBytes int
}

// EngineExecutorOption defines a functional option for EngineExecutor
type EngineExecutorOption func(*EngineExecutor)

// WithEngineMaxOutputBytes caps captured stdout and stderr each
func WithEngineMaxOutputBytes(n int) EngineExecutorOption {
	return func(e *EngineExecutor) {
		e.maxOutputBytes = n
	}
}

// NewEngineExecutor creates an EngineExecutor using api
func NewEngineExecutor(logger *zap.Logger, api EngineAPI, languages LanguageTable, opts ...EngineExecutorOption) *EngineExecutor {
	executor := &EngineExecutor{
		logger:    logger,
		api:       api,
		languages: languages,
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute creates, runs and removes one container for the request
func (e *EngineExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	script, err := engineScript(req.Language)
	if err != nil {
		return Result{}, err
	}

	imageName := e.languages.Image(req.Language)
	containerCfg, hostCfg := e.buildContainerConfig(imageName, script, req)

	execCtx, cancel := contextTimeout(ctx, req.Timeout)
	defer cancel()

	containerID, err := e.create(execCtx, imageName, containerCfg, hostCfg)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return Result{TimedOut: true, Stderr: "Execution timed out"}, ErrTimedOut
		}
		return Result{}, err
	}

	// Cleanup must outlive the execution context.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(cleanupCtx, engineCleanupTimeout)
		defer rmCancel()
		if rmErr := e.api.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); rmErr != nil {
			e.logger.Error("failed to remove container", zap.String("container", containerID), zap.Error(rmErr))
		}
	}()

	e.logger.Debug("starting container",
		zap.String("container", containerID),
		zap.String("image", imageName),
		zap.String("limits", FormatLimits(req.Limits)))

	started := time.Now()
	if startErr := e.api.ContainerStart(execCtx, containerID, container.StartOptions{}); startErr != nil {
		return Result{}, fmt.Errorf("failed to start container: %w", startErr)
	}

	result := Result{ExitCode: -1}
	var runErr error

	statusCh, errCh := e.api.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			runErr = fmt.Errorf("container wait: %s", status.Error.Message)
		}
	case waitErr := <-errCh:
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			killCtx, killCancel := context.WithTimeout(cleanupCtx, engineCleanupTimeout)
			if killErr := e.api.ContainerKill(killCtx, containerID, "KILL"); killErr != nil {
				e.logger.Warn("failed to kill container after timeout", zap.String("container", containerID), zap.Error(killErr))
			}
			killCancel()
			result.TimedOut = true
			runErr = ErrTimedOut
		} else {
			runErr = fmt.Errorf("failed waiting for container: %w", waitErr)
		}
	}
	result.Duration = time.Since(started)

	e.collectOutput(cleanupCtx, containerID, &result)

	if result.TimedOut {
		result.Stderr += "\nExecution timed out"
	}

	return result, runErr
}

func (e *EngineExecutor) create(ctx context.Context, imageName string, containerCfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	resp, err := e.api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err == nil {
		return resp.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	e.logger.Info("pulling image", zap.String("image", imageName))
	reader, pullErr := e.api.ImagePull(ctx, imageName, image.PullOptions{})
	if pullErr != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", imageName, pullErr)
	}
	_, copyErr := io.Copy(io.Discard, reader)
	_ = reader.Close()
	if copyErr != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", imageName, copyErr)
	}

	resp, err = e.api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// collectOutput fills stdout, stderr and the OOM annotation. Failures here
// only cost diagnostics, so they are logged rather than returned.
func (e *EngineExecutor) collectOutput(ctx context.Context, containerID string, result *Result) {
	logCtx, cancel := context.WithTimeout(ctx, engineCleanupTimeout)
	defer cancel()

	logs, err := e.api.ContainerLogs(logCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		e.logger.Warn("failed to fetch container logs", zap.String("container", containerID), zap.Error(err))
	} else {
		stdout := &limitedBuffer{limit: e.maxOutputBytes}
		stderr := &limitedBuffer{limit: e.maxOutputBytes}
		if _, copyErr := stdcopy.StdCopy(stdout, stderr, logs); copyErr != nil {
			e.logger.Warn("failed to demultiplex container logs", zap.String("container", containerID), zap.Error(copyErr))
		}
		_ = logs.Close()
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
	}

	inspect, err := e.api.ContainerInspect(logCtx, containerID)
	if err != nil {
		e.logger.Warn("failed to inspect container", zap.String("container", containerID), zap.Error(err))
		return
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.OOMKilled {
		result.Stderr += "\nProcess killed: memory limit exceeded"
	}
}

func (e *EngineExecutor) buildContainerConfig(imageName, script string, req Request) (*container.Config, *container.HostConfig) {
	limits := req.Limits

	env := []string{
		"HOME=/tmp",
		envCodeB64 + "=" + base64.StdEncoding.EncodeToString([]byte(req.Code)),
		envInputB64 + "=" + base64.StdEncoding.EncodeToString([]byte(req.Input)),
	}
	env = append(env, envList(e.languages.Environment(req.Language))...)

	containerCfg := &container.Config{
		Image:           imageName,
		Cmd:             []string{"sh", "-c", script},
		Env:             env,
		User:            "nobody",
		WorkingDir:      "/tmp",
		NetworkDisabled: !limits.NetworkEnabled,
		Labels:          map[string]string{"sandboxd.managed": "true"},
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: limits.ReadOnlyRoot,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,size=64m,mode=1777",
		},
	}
	if limits.NetworkEnabled {
		hostCfg.NetworkMode = "bridge"
	} else {
		hostCfg.NetworkMode = "none"
	}

	if limits.MemoryMB > 0 {
		hostCfg.Memory = int64(limits.MemoryMB) * BytesPerMB
		hostCfg.MemorySwap = hostCfg.Memory
	}
	if limits.CPUs > 0 {
		hostCfg.NanoCPUs = int64(limits.CPUs * 1e9)
	}
	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		hostCfg.PidsLimit = &pids
	}

	return containerCfg, hostCfg
}

// engineScript builds the entrypoint that unpacks code and stdin and runs
// the program with its build output in /tmp.
func engineScript(language string) (string, error) {
	codeFileName, err := GetCodeFileName(language)
	if err != nil {
		return "", fmt.Errorf("invalid language: %w", err)
	}
	runCmd, err := GetRunCommand(language, "/tmp/src", "/tmp")
	if err != nil {
		return "", fmt.Errorf("failed to get run command: %w", err)
	}

	return fmt.Sprintf(
		`mkdir -p /tmp/src && printf '%%s' "$%[1]s" | base64 -d > /tmp/src/%[3]s && `+
			`printf '%%s' "$%[2]s" | base64 -d > /tmp/stdin && (%[4]s) < /tmp/stdin`,
		envCodeB64, envInputB64, codeFileName, runCmd), nil
}
