package executor

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Retention defaults
const (
	DefaultRetentionTTL      = time.Hour
	DefaultRetentionMaxTasks = 10000
)

type taskEntry struct {
	mu   sync.Mutex
	task Task
}

// Registry stores tasks keyed by ID. Membership is guarded by a RWMutex;
// state transitions take the per-task lock only, so transitions on
// different tasks never contend.
//
// Lock order is registry then task; nothing acquires the registry lock
// while holding a task lock.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
	seq   uint64

	now      func() time.Time
	observer func(Transition)

	ttl         time.Duration
	maxTerminal int
}

// RegistryOption defines a functional option for Registry
type RegistryOption func(*Registry)

// WithObserver registers fn to be called after every committed transition,
// including the initial pending state. fn runs under the task's lock, so it
// sees transitions of one task in order and must not call back into the
// registry for that task.
func WithObserver(fn func(Transition)) RegistryOption {
	return func(r *Registry) {
		r.observer = fn
	}
}

// WithRetention bounds how long terminal tasks are kept and how many
func WithRetention(ttl time.Duration, maxTerminal int) RegistryOption {
	return func(r *Registry) {
		r.ttl = ttl
		r.maxTerminal = maxTerminal
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty Registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tasks:       make(map[string]*taskEntry),
		now:         time.Now,
		ttl:         DefaultRetentionTTL,
		maxTerminal: DefaultRetentionMaxTasks,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Create stores a new pending task and returns its snapshot
func (r *Registry) Create(req Request, priority int) Task {
	entry := &taskEntry{}

	r.mu.Lock()
	id := uuid.NewString()
	for r.tasks[id] != nil {
		id = uuid.NewString()
	}
	r.seq++
	entry.task = Task{
		ID:          id,
		Request:     req,
		Priority:    priority,
		Seq:         r.seq,
		SubmittedAt: r.now(),
		State:       StatePending,
	}
	// Lock the entry before publishing it so the pending notification
	// precedes any transition.
	entry.mu.Lock()
	r.tasks[id] = entry
	r.mu.Unlock()

	snapshot := entry.task
	r.notify(entry.task, "", StatePending, snapshot.SubmittedAt)
	entry.mu.Unlock()

	return snapshot
}

func (r *Registry) lookup(id string) (*taskEntry, error) {
	r.mu.RLock()
	entry, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{TaskID: id}
	}
	return entry, nil
}

// Get returns a snapshot of the task
func (r *Registry) Get(id string) (Task, error) {
	entry, err := r.lookup(id)
	if err != nil {
		return Task{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.task, nil
}

// State returns the current state of the task
func (r *Registry) State(id string) (TaskState, error) {
	task, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return task.State, nil
}

// Result returns the execution result of a terminal task. Pending, running
// and cancelled tasks report ErrResultNotReady.
func (r *Registry) Result(id string) (ExecutionResult, error) {
	task, err := r.Get(id)
	if err != nil {
		return ExecutionResult{}, err
	}
	if task.Result == nil {
		return ExecutionResult{}, ErrResultNotReady
	}
	return *task.Result, nil
}

// MarkRunning moves a pending task to running
func (r *Registry) MarkRunning(id string) error {
	return r.transition(id, StateRunning, nil)
}

// MarkTerminal moves a running task to a terminal state and stores its
// result in the same step
func (r *Registry) MarkTerminal(id string, state TaskState, result ExecutionResult) error {
	if state == StateCancelled || !state.IsTerminal() {
		return &TransitionError{TaskID: id, From: StateRunning, To: state}
	}
	return r.transition(id, state, &result)
}

// MarkCancelled moves a pending task to cancelled. It returns false when
// the task is absent or no longer pending.
func (r *Registry) MarkCancelled(id string) bool {
	return r.transition(id, StateCancelled, nil) == nil
}

func (r *Registry) transition(id string, to TaskState, result *ExecutionResult) error {
	entry, err := r.lookup(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	from := entry.task.State
	if !canTransition(from, to) {
		return &TransitionError{TaskID: id, From: from, To: to}
	}

	now := r.now()
	entry.task.State = to
	switch {
	case to == StateRunning:
		entry.task.StartedAt = now
	case to.IsTerminal():
		entry.task.EndedAt = now
	}

	if result != nil {
		result.TaskID = id
		result.State = to
		result.StartedAt = entry.task.StartedAt
		result.EndedAt = now
		if result.Duration == 0 {
			result.Duration = now.Sub(entry.task.StartedAt)
		}
		entry.task.Result = result
	}

	r.notify(entry.task, from, to, now)
	return nil
}

func (r *Registry) notify(task Task, from, to TaskState, at time.Time) {
	if r.observer == nil {
		return
	}
	r.observer(Transition{TaskID: task.ID, Tier: task.Request.Tier, From: from, To: to, At: at})
}

// Counts returns the number of tasks in each state
func (r *Registry) Counts() map[TaskState]int {
	counts := make(map[TaskState]int, len(AllStates))
	for _, state := range AllStates {
		counts[state] = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.tasks {
		entry.mu.Lock()
		counts[entry.task.State]++
		entry.mu.Unlock()
	}
	return counts
}

// Len returns the number of stored tasks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Sweep evicts terminal tasks that ended more than the TTL before now, then
// the oldest terminal tasks beyond the retention cap. Pending and running
// tasks are never evicted. It returns the number of evicted tasks.
func (r *Registry) Sweep(now time.Time) int {
	type terminal struct {
		id      string
		endedAt time.Time
		seq     uint64
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	kept := make([]terminal, 0)
	for id, entry := range r.tasks {
		entry.mu.Lock()
		task := entry.task
		entry.mu.Unlock()

		if !task.State.IsTerminal() {
			continue
		}
		if r.ttl > 0 && now.Sub(task.EndedAt) > r.ttl {
			delete(r.tasks, id)
			evicted++
			continue
		}
		kept = append(kept, terminal{id: id, endedAt: task.EndedAt, seq: task.Seq})
	}

	if r.maxTerminal > 0 && len(kept) > r.maxTerminal {
		sort.Slice(kept, func(i, j int) bool {
			if kept[i].endedAt.Equal(kept[j].endedAt) {
				return kept[i].seq < kept[j].seq
			}
			return kept[i].endedAt.Before(kept[j].endedAt)
		})
		for _, t := range kept[:len(kept)-r.maxTerminal] {
			delete(r.tasks, t.id)
			evicted++
		}
	}

	return evicted
}
