package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/sandbox"
)

// SchedulerState is the lifecycle state of a tier's dispatch loop
type SchedulerState string

// Scheduler states
const (
	SchedulerStarting SchedulerState = "starting"
	SchedulerRunning  SchedulerState = "running"
	SchedulerDraining SchedulerState = "draining"
	SchedulerStopped  SchedulerState = "stopped"
)

// scheduler pairs queued tasks of one tier with free pool slots and runs
// them. Each tier has its own loop, so a saturated tier never delays
// another.
type scheduler struct {
	tier     Tier
	logger   *zap.Logger
	queue    *TierQueue
	pool     *Pool
	registry *Registry
	runner   sandbox.Runner
	limits   sandbox.Limits
	grace    time.Duration
	metrics  *metrics

	state    atomic.Value
	inflight sync.WaitGroup
	done     chan struct{}
}

type runOutcome struct {
	result sandbox.Result
	err    error
}

func (s *scheduler) State() SchedulerState {
	state, _ := s.state.Load().(SchedulerState)
	return state
}

func (s *scheduler) setState(state SchedulerState) {
	s.state.Store(state)
	s.logger.Debug("scheduler state changed", zap.String("state", string(state)))
}

// run dispatches until ctx is cancelled. A permit is acquired before each
// dequeue so that the entry chosen is the best one at the moment a slot
// frees up.
func (s *scheduler) run(ctx context.Context) {
	defer close(s.done)
	s.setState(SchedulerRunning)

	for {
		select {
		case <-ctx.Done():
			s.setState(SchedulerDraining)
			return
		case <-s.queue.Ready():
		}

		for s.queue.Size() > 0 {
			permit, err := s.pool.Acquire(ctx)
			if err != nil {
				s.setState(SchedulerDraining)
				return
			}
			if ctx.Err() != nil {
				s.release(permit)
				s.setState(SchedulerDraining)
				return
			}

			entry, ok := s.queue.DequeueBest()
			if !ok {
				// emptied by cancellation
				s.release(permit)
				break
			}
			s.metrics.queueDepth.WithLabelValues(string(s.tier)).Set(float64(s.queue.Size()))

			if err := s.registry.MarkRunning(entry.TaskID); err != nil {
				s.logger.Error("failed to mark task running", zap.String("task_id", entry.TaskID), zap.Error(err))
				s.release(permit)
				continue
			}

			s.inflight.Add(1)
			go s.execute(entry.TaskID, permit)
		}
	}
}

// wait blocks until the loop has exited and every in-flight execution has
// reached a terminal state
func (s *scheduler) wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		<-s.done
		s.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.setState(SchedulerStopped)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tier %s did not drain: %w", s.tier, ctx.Err())
	}
}

func (s *scheduler) execute(taskID string, permit *Permit) {
	defer s.inflight.Done()
	defer s.release(permit)

	tierLabel := string(s.tier)
	s.metrics.active.WithLabelValues(tierLabel).Inc()
	defer s.metrics.active.WithLabelValues(tierLabel).Dec()

	task, err := s.registry.Get(taskID)
	if err != nil {
		s.logger.Error("dispatched task vanished", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	log := s.logger.With(zap.String("task_id", taskID), zap.String("language", task.Request.Language))
	log.Info("executing task", zap.Duration("timeout", task.Request.Timeout))

	state, result := s.invoke(task)

	if err := s.registry.MarkTerminal(taskID, state, result); err != nil {
		log.Error("failed to record task result", zap.Error(err))
		return
	}

	s.metrics.completed.WithLabelValues(tierLabel, string(state)).Inc()
	s.metrics.duration.WithLabelValues(tierLabel, string(state)).Observe(result.Duration.Seconds())
	log.Info("task finished",
		zap.String("state", string(state)),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))
}

// invoke runs the task on the tier's runner and classifies the outcome.
// The runner gets the task timeout through its context; if it has not
// returned grace after that, the task is timed out regardless and the
// runner goroutine is abandoned.
func (s *scheduler) invoke(task Task) (TaskState, ExecutionResult) {
	timeout := task.Request.Timeout

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: fmt.Errorf("sandbox runner panicked: %v", r)}
			}
		}()
		res, err := s.runner.Execute(ctx, sandbox.Request{
			Language: task.Request.Language,
			Code:     task.Request.Code,
			Input:    task.Request.Input,
			Limits:   s.limits,
			Timeout:  timeout,
		})
		done <- runOutcome{result: res, err: err}
	}()

	watchdog := time.NewTimer(timeout + s.grace)
	defer watchdog.Stop()

	select {
	case out := <-done:
		return classify(out)
	case <-watchdog.C:
		s.logger.Warn("sandbox runner ignored its deadline",
			zap.String("task_id", task.ID), zap.Duration("timeout", timeout))
		return StateTimedOut, ExecutionResult{
			ExitCode: -1,
			Error:    fmt.Sprintf("execution did not complete within %s", timeout),
			Duration: timeout + s.grace,
		}
	}
}

func classify(out runOutcome) (TaskState, ExecutionResult) {
	res := out.result
	result := ExecutionResult{
		Output:          res.Stdout,
		Error:           res.Stderr,
		ExitCode:        res.ExitCode,
		Duration:        res.Duration,
		MemoryPeakBytes: res.MemoryPeakBytes,
		CPUTime:         res.CPUTime,
	}

	switch {
	case res.TimedOut || errors.Is(out.err, sandbox.ErrTimedOut) || errors.Is(out.err, context.DeadlineExceeded):
		if !strings.Contains(result.Error, "timed out") {
			result.Error = joinDiagnostics(result.Error, "execution timed out")
		}
		return StateTimedOut, result
	case out.err != nil:
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		result.Error = joinDiagnostics(result.Error, "sandbox fault: "+out.err.Error())
		return StateFailed, result
	case res.ExitCode != 0:
		return StateFailed, result
	default:
		return StateSucceeded, result
	}
}

func joinDiagnostics(existing, msg string) string {
	if existing == "" {
		return msg
	}
	return strings.TrimRight(existing, "\n") + "\n" + msg
}

func (s *scheduler) release(permit *Permit) {
	if err := permit.Release(); err != nil {
		s.logger.Error("pool permit released twice", zap.Error(err))
	}
}
