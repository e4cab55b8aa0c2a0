package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrTimedOut is returned by a Runner when the execution exceeded its timeout.
var ErrTimedOut = errors.New("execution timed out")

// Limits describes the resource ceilings applied to a single execution
type Limits struct {
	MemoryMB       int
	CPUs           float64
	PidsLimit      int64
	NetworkEnabled bool
	ReadOnlyRoot   bool
}

// Request represents the parameters for code execution
type Request struct {
	Language string
	Code     string
	Input    string
	Limits   Limits
	Timeout  time.Duration
}

// Result represents the result of code execution
type Result struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	Duration        time.Duration
	MemoryPeakBytes int64
	CPUTime         time.Duration
	TimedOut        bool
}

// Runner executes code in isolation. A timeout is reported as ErrTimedOut
// (the partial Result is still returned); any other error is a sandbox fault.
type Runner interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// CommandSpec describes a command to run
type CommandSpec struct {
	Args  []string
	Dir   string
	Env   []string
	Stdin string
}

// CommandOutput is what a finished command produced
type CommandOutput struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	CPUTime     time.Duration
	MaxRSSBytes int64
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, spec CommandSpec) (CommandOutput, error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct {
	// MaxOutputBytes caps captured stdout and stderr each; zero means unlimited.
	MaxOutputBytes int
}

// RunCommand executes the command. A non-zero exit is not an error; a
// cancelled or expired ctx is returned as ctx.Err() alongside partial output.
func (r RealCommandRunner) RunCommand(ctx context.Context, spec CommandSpec) (CommandOutput, error) {
	if len(spec.Args) < 1 {
		return CommandOutput{}, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, spec.Args[0], spec.Args[1:]...) //nolint:gosec // Safe as this is controlled input
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	killProcessGroup(cmd)
	cmd.WaitDelay = time.Second

	stdoutBuf := &limitedBuffer{limit: r.MaxOutputBytes}
	stderrBuf := &limitedBuffer{limit: r.MaxOutputBytes}
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	err := cmd.Run()

	out := CommandOutput{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
		out.CPUTime = cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
		out.MaxRSSBytes = maxRSSBytes(cmd.ProcessState)
	}

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			out.ExitCode = exitError.ExitCode()
			return out, nil
		}
		return out, err
	}

	return out, nil
}

// limitedBuffer keeps at most limit bytes and silently drops the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	Chmod(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) Chmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants. Code must stay readable by the unprivileged
// sandbox user.
const (
	DirPermission  = 0o755
	FilePermission = 0o644
	BytesPerMB     = 1024 * 1024
)

// contextTimeout applies req.Timeout to ctx when set.
func contextTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, fmt.Sprintf("%s=%s", key, value))
	}
	return list
}
