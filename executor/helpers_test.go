package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/sandbox"
)

// runnerFunc adapts a function to sandbox.Runner
type runnerFunc func(ctx context.Context, req sandbox.Request) (sandbox.Result, error)

func (f runnerFunc) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	return f(ctx, req)
}

// echoRunner succeeds and echoes the code as output
func echoRunner() sandbox.Runner {
	return runnerFunc(func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{Stdout: req.Code, Duration: time.Millisecond}, nil
	})
}

// gatedRunner blocks tasks whose code is "block" until open is called.
// Everything else succeeds immediately. It records the dispatch order.
type gatedRunner struct {
	mu    sync.Mutex
	order []string
	gate  chan struct{}
	once  sync.Once
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gate: make(chan struct{})}
}

func (g *gatedRunner) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	g.mu.Lock()
	g.order = append(g.order, req.Code)
	g.mu.Unlock()

	if req.Code == "block" {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return sandbox.Result{TimedOut: true}, sandbox.ErrTimedOut
		}
	}
	return sandbox.Result{Stdout: req.Code}, nil
}

func (g *gatedRunner) open() {
	g.once.Do(func() { close(g.gate) })
}

func (g *gatedRunner) dispatched() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func tierSettings(runner sandbox.Runner, poolSize int) TierSettings {
	return TierSettings{
		Runner:         runner,
		PoolSize:       poolSize,
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
	}
}

// startManager creates and starts a manager serving TierLow only; it is
// stopped on cleanup
func startManager(t *testing.T, runner sandbox.Runner, poolSize int, opts ...ManagerOption) *Manager {
	t.Helper()

	m, err := NewManager(zaptest.NewLogger(t), map[Tier]TierSettings{TierLow: tierSettings(runner, poolSize)}, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func submit(t *testing.T, m *Manager, code string, priority int) Receipt {
	t.Helper()

	receipt, err := m.Submit(context.Background(), Request{Code: code, Language: "python", Tier: TierLow}, priority)
	require.NoError(t, err)
	return receipt
}

func waitForState(t *testing.T, m *Manager, id string, want TaskState) {
	t.Helper()

	require.Eventually(t, func() bool {
		state, err := m.State(id)
		return err == nil && state == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

func waitTerminal(t *testing.T, m *Manager, id string) TaskState {
	t.Helper()

	var state TaskState
	require.Eventually(t, func() bool {
		s, err := m.State(id)
		state = s
		return err == nil && s.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond, "task %s never finished", id)
	return state
}
