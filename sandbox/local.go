package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// LocalExecutor runs code directly on the host (for development only). It
// offers no isolation and ignores Limits other than the timeout.
type LocalExecutor struct {
	logger    *zap.Logger
	languages LanguageTable
	cmdRunner CommandRunner
	fs        FileSystem
}

// LocalExecutorOption defines a functional option for LocalExecutor
type LocalExecutorOption func(*LocalExecutor)

// WithLocalCommandRunner sets the CommandRunner for LocalExecutor
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.cmdRunner = cmdRunner
	}
}

// WithLocalFileSystem sets the FileSystem for LocalExecutor
func WithLocalFileSystem(fs FileSystem) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.fs = fs
	}
}

// NewLocalExecutor creates a new LocalExecutor with default implementations and optional interfaces
func NewLocalExecutor(logger *zap.Logger, languages LanguageTable, opts ...LocalExecutorOption) *LocalExecutor {
	executor := &LocalExecutor{
		logger:    logger,
		languages: languages,
		cmdRunner: RealCommandRunner{},
		fs:        RealFileSystem{},
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute runs the code locally (WARNING: This is not secure and should only be used for development)
func (l *LocalExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	codeFileName, err := GetCodeFileName(req.Language)
	if err != nil {
		return Result{}, fmt.Errorf("invalid language: %w", err)
	}

	workdir, err := l.fs.MkdirTemp("", "sandboxd-local-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if rmErr := l.fs.RemoveAll(workdir); rmErr != nil {
			l.logger.Error("failed to remove temp directory", zap.String("path", workdir), zap.Error(rmErr))
		}
	}()

	if writeErr := l.fs.WriteFile(filepath.Join(workdir, codeFileName), []byte(req.Code), FilePermission); writeErr != nil {
		return Result{}, fmt.Errorf("failed to write user code: %w", writeErr)
	}

	runCmd, err := GetRunCommand(req.Language, workdir, workdir)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get run command: %w", err)
	}

	env := append(os.Environ(), envList(l.languages.Environment(req.Language))...)

	execCtx, cancel := contextTimeout(ctx, req.Timeout)
	defer cancel()

	started := time.Now()
	out, err := l.cmdRunner.RunCommand(execCtx, CommandSpec{
		Args:  []string{"sh", "-c", runCmd},
		Dir:   workdir,
		Env:   env,
		Stdin: req.Input,
	})
	result := Result{
		Stdout:          out.Stdout,
		Stderr:          out.Stderr,
		ExitCode:        out.ExitCode,
		Duration:        time.Since(started),
		MemoryPeakBytes: out.MaxRSSBytes,
		CPUTime:         out.CPUTime,
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Stderr += "\nExecution timed out"
		return result, ErrTimedOut
	}
	if err != nil {
		return result, fmt.Errorf("failed to execute command: %w", err)
	}

	return result, nil
}
