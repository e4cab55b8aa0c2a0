package executor

import (
	"fmt"
	"strings"
	"time"
)

// TaskState is the lifecycle state of a task
type TaskState string

// Task states. Valid edges: pending→running, pending→cancelled and
// running→{succeeded, failed, timed_out}.
const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateSucceeded TaskState = "succeeded"
	StateFailed    TaskState = "failed"
	StateTimedOut  TaskState = "timed_out"
	StateCancelled TaskState = "cancelled"
)

// AllStates lists every state in lifecycle order
var AllStates = []TaskState{
	StatePending, StateRunning, StateSucceeded, StateFailed, StateTimedOut, StateCancelled,
}

// IsTerminal reports whether no further transitions can leave s
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

func canTransition(from, to TaskState) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateTimedOut
	default:
		return false
	}
}

// Tier is a security tier. It selects the queue, pool and sandbox runner
// that handle a task.
type Tier string

// Security tiers
const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// ParseTier parses a tier name case-insensitively
func ParseTier(s string) (Tier, error) {
	switch tier := Tier(strings.ToLower(strings.TrimSpace(s))); tier {
	case TierLow, TierMedium, TierHigh:
		return tier, nil
	default:
		return "", fmt.Errorf("unknown security tier: %q", s)
	}
}

// UserInfo identifies the submitter. It is carried as opaque metadata.
type UserInfo struct {
	UserID      string   `json:"user_id,omitempty"`
	Username    string   `json:"username,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Request is a code execution submission
type Request struct {
	Code     string
	Language string
	Tier     Tier
	// Timeout of zero selects the tier default
	Timeout time.Duration
	Input   string
	User    UserInfo
}

// ExecutionResult is the terminal artifact of a task. It is written once,
// together with the terminal state.
type ExecutionResult struct {
	TaskID          string        `json:"task_id"`
	State           TaskState     `json:"state"`
	Output          string        `json:"output"`
	Error           string        `json:"error,omitempty"`
	ExitCode        int           `json:"exit_code"`
	Duration        time.Duration `json:"duration"`
	MemoryPeakBytes int64         `json:"memory_peak_bytes"`
	CPUTime         time.Duration `json:"cpu_time"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
}

// Task is a point-in-time snapshot of a submitted task
type Task struct {
	ID          string
	Request     Request
	Priority    int
	Seq         uint64
	SubmittedAt time.Time

	State     TaskState
	StartedAt time.Time
	EndedAt   time.Time
	Result    *ExecutionResult
}

// Transition records one committed state change
type Transition struct {
	TaskID string
	Tier   Tier
	From   TaskState
	To     TaskState
	At     time.Time
}
