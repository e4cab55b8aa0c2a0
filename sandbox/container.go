package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// oomExitCode is what docker and podman report for a SIGKILLed container.
const oomExitCode = 137

// ContainerExecutor implements Runner on top of the docker or podman CLI.
// Both tools accept the same flags for everything used here.
type ContainerExecutor struct {
	logger    *zap.Logger
	binary    string
	languages LanguageTable
	cmdRunner CommandRunner
	fs        FileSystem
}

// ContainerExecutorOption defines a functional option for ContainerExecutor
type ContainerExecutorOption func(*ContainerExecutor)

// WithContainerCommandRunner sets the CommandRunner for ContainerExecutor
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerExecutorOption {
	return func(c *ContainerExecutor) {
		c.cmdRunner = cmdRunner
	}
}

// WithContainerFileSystem sets the FileSystem for ContainerExecutor
func WithContainerFileSystem(fs FileSystem) ContainerExecutorOption {
	return func(c *ContainerExecutor) {
		c.fs = fs
	}
}

// NewContainerExecutor creates a ContainerExecutor driving binary ("docker" or "podman").
func NewContainerExecutor(logger *zap.Logger, binary string, languages LanguageTable, opts ...ContainerExecutorOption) *ContainerExecutor {
	executor := &ContainerExecutor{
		logger:    logger,
		binary:    binary,
		languages: languages,
		cmdRunner: RealCommandRunner{},
		fs:        RealFileSystem{},
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute runs the code in a throwaway container
func (c *ContainerExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	codeFileName, err := GetCodeFileName(req.Language)
	if err != nil {
		return Result{}, fmt.Errorf("invalid language: %w", err)
	}

	workdir, err := c.fs.MkdirTemp("", "sandboxd-exec-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if rmErr := c.fs.RemoveAll(workdir); rmErr != nil {
			c.logger.Error("failed to remove temp directory", zap.String("path", workdir), zap.Error(rmErr))
		}
	}()

	// The sandbox user is not the owner of the temp dir.
	if chmodErr := c.fs.Chmod(workdir, DirPermission); chmodErr != nil {
		return Result{}, fmt.Errorf("failed to prepare workdir: %w", chmodErr)
	}
	if writeErr := c.fs.WriteFile(filepath.Join(workdir, codeFileName), []byte(req.Code), FilePermission); writeErr != nil {
		return Result{}, fmt.Errorf("failed to write user code: %w", writeErr)
	}

	runCmd, err := GetRunCommand(req.Language, "/workdir", "/tmp")
	if err != nil {
		return Result{}, fmt.Errorf("failed to get run command: %w", err)
	}

	containerName := "sandboxd-exec-" + uuid.NewString()
	args := c.buildArgs(containerName, workdir, req)
	args = append(args, c.languages.Image(req.Language), "sh", "-c", runCmd)

	c.logger.Debug("starting container",
		zap.String("container", containerName),
		zap.String("language", req.Language),
		zap.String("limits", FormatLimits(req.Limits)))

	execCtx, cancel := contextTimeout(ctx, req.Timeout)
	defer cancel()

	started := time.Now()
	out, err := c.cmdRunner.RunCommand(execCtx, CommandSpec{Args: args, Stdin: req.Input})
	result := Result{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Duration: time.Since(started),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		// The CLI client is gone but the container may still be running.
		killCtx, killCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer killCancel()
		if _, killErr := c.cmdRunner.RunCommand(killCtx, CommandSpec{Args: []string{c.binary, "kill", containerName}}); killErr != nil {
			c.logger.Warn("failed to kill container after timeout", zap.String("container", containerName), zap.Error(killErr))
		}

		result.TimedOut = true
		result.Stderr += "\nExecution timed out"
		return result, ErrTimedOut
	}
	if err != nil {
		return result, fmt.Errorf("failed to execute container: %w", err)
	}

	if result.ExitCode == oomExitCode {
		result.Stderr += "\nProcess killed (memory limit exceeded?)"
	}

	return result, nil
}

func (c *ContainerExecutor) buildArgs(containerName, workdir string, req Request) []string {
	limits := req.Limits
	args := []string{
		c.binary, "run",
		"--name", containerName,
		"--rm",
		"-i",
		"-v", fmt.Sprintf("%s:/workdir:ro", workdir),
		"--workdir", "/tmp",
		"--tmpfs", "/tmp:rw,exec,nosuid,size=64m",
		"--security-opt", "no-new-privileges:true",
		"--user", "nobody",
		"--cap-drop", "ALL",
		"-e", "HOME=/tmp",
	}

	if limits.MemoryMB > 0 {
		// No swap on top of the memory ceiling.
		args = append(args,
			"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
			"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB))
	}
	if limits.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", limits.CPUs))
	}
	if limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", limits.PidsLimit))
	}
	if limits.NetworkEnabled {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	if limits.ReadOnlyRoot {
		args = append(args, "--read-only")
	}

	for key, value := range c.languages.Environment(req.Language) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}

	return args
}

// FormatLimits renders limits compactly for logs.
func FormatLimits(limits Limits) string {
	parts := make([]string, 0, 5)

	if limits.CPUs > 0 {
		parts = append(parts, fmt.Sprintf("cpu=%.2f", limits.CPUs))
	}
	if limits.MemoryMB > 0 {
		parts = append(parts, fmt.Sprintf("mem=%dMB", limits.MemoryMB))
	}
	if limits.PidsLimit > 0 {
		parts = append(parts, fmt.Sprintf("pids=%d", limits.PidsLimit))
	}
	if limits.ReadOnlyRoot {
		parts = append(parts, "ro-root")
	}
	if limits.NetworkEnabled {
		parts = append(parts, "net=bridge")
	} else {
		parts = append(parts, "net=none")
	}

	return strings.Join(parts, " ")
}
