package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/sandbox"
)

// Manager defaults
const (
	DefaultTimeoutGrace      = 2 * time.Second
	DefaultEstimatedTaskCost = 10 * time.Second
	DefaultSweepInterval     = time.Minute
	DefaultMaxCodeBytes      = 64 * 1024
)

// Lifecycle states of the manager
const (
	lifecycleCreated  = "created"
	lifecycleRunning  = "running"
	lifecycleStopping = "stopping"
	lifecycleStopped  = "stopped"
)

// TierSettings configures the queue, pool and runner of one tier
type TierSettings struct {
	Runner         sandbox.Runner
	PoolSize       int
	Limits         sandbox.Limits
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Receipt is returned by a successful Submit
type Receipt struct {
	TaskID        string        `json:"task_id"`
	EstimatedWait time.Duration `json:"estimated_wait"`
	QueuePosition int           `json:"queue_position"`
}

// TierSummary is a point-in-time view of one tier
type TierSummary struct {
	Tier      Tier           `json:"tier"`
	QueueSize int            `json:"queue_size"`
	Active    int            `json:"active"`
	Capacity  int            `json:"capacity"`
	Scheduler SchedulerState `json:"scheduler"`
}

// Summary aggregates tier load and task counts. The parts are sampled
// independently and are not mutually consistent.
type Summary struct {
	Running bool              `json:"running"`
	State   string            `json:"state"`
	Tiers   []TierSummary     `json:"tiers"`
	Tasks   map[TaskState]int `json:"tasks"`
}

// Manager owns the per-tier queues, pools and schedulers and exposes
// submission, queries and cancellation.
type Manager struct {
	logger   *zap.Logger
	registry *Registry
	tiers    map[Tier]TierSettings
	metrics  *metrics
	// one pool per tier for the manager's lifetime; a slot is held until
	// its execution ends, even across Stop and Start
	pools    map[Tier]*Pool
	limiter  *rate.Limiter

	grace         time.Duration
	taskCost      time.Duration
	sweepInterval time.Duration
	maxCodeBytes  int
	clock         func() time.Time

	mu          sync.RWMutex
	state       string
	schedulers  map[Tier]*scheduler
	cancelLoops context.CancelFunc
	janitorDone chan struct{}
	stopDone    chan struct{}
	stopErr     error
}

type managerOptions struct {
	grace         time.Duration
	taskCost      time.Duration
	ratePerSec    float64
	burst         int
	retentionTTL  time.Duration
	retentionMax  int
	sweepInterval time.Duration
	maxCodeBytes  int
	registerer    prometheus.Registerer
	observer      func(Transition)
	clock         func() time.Time
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*managerOptions)

// WithTimeoutGrace sets how long past a task's timeout the scheduler waits
// for the runner before timing the task out itself
func WithTimeoutGrace(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.grace = d
	}
}

// WithEstimatedTaskCost sets the per-task cost used for wait estimates
func WithEstimatedTaskCost(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.taskCost = d
	}
}

// WithRateLimit limits accepted submissions per second; zero disables it
func WithRateLimit(perSec float64, burst int) ManagerOption {
	return func(o *managerOptions) {
		o.ratePerSec = perSec
		o.burst = burst
	}
}

// WithRetentionPolicy sets how long and how many terminal tasks are kept
// and how often they are swept
func WithRetentionPolicy(ttl time.Duration, maxTasks int, sweepInterval time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.retentionTTL = ttl
		o.retentionMax = maxTasks
		o.sweepInterval = sweepInterval
	}
}

// WithMaxCodeBytes caps the size of submitted code
func WithMaxCodeBytes(n int) ManagerOption {
	return func(o *managerOptions) {
		o.maxCodeBytes = n
	}
}

// WithMetricsRegisterer registers executor metrics with reg
func WithMetricsRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(o *managerOptions) {
		o.registerer = reg
	}
}

// WithTransitionObserver is called after every committed task transition
func WithTransitionObserver(fn func(Transition)) ManagerOption {
	return func(o *managerOptions) {
		o.observer = fn
	}
}

// WithManagerClock overrides the registry's time source
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) {
		o.clock = now
	}
}

// NewManager creates a stopped Manager for the given tiers
func NewManager(logger *zap.Logger, tiers map[Tier]TierSettings, opts ...ManagerOption) (*Manager, error) {
	if len(tiers) == 0 {
		return nil, errors.New("at least one tier must be configured")
	}
	for tier, settings := range tiers {
		if settings.Runner == nil {
			return nil, fmt.Errorf("tier %s has no sandbox runner", tier)
		}
		if settings.PoolSize <= 0 {
			return nil, fmt.Errorf("tier %s pool size must be positive, got: %d", tier, settings.PoolSize)
		}
		if settings.DefaultTimeout <= 0 || settings.MaxTimeout < settings.DefaultTimeout {
			return nil, fmt.Errorf("tier %s has invalid timeouts: default %s, max %s",
				tier, settings.DefaultTimeout, settings.MaxTimeout)
		}
	}

	o := managerOptions{
		grace:         DefaultTimeoutGrace,
		taskCost:      DefaultEstimatedTaskCost,
		retentionTTL:  DefaultRetentionTTL,
		retentionMax:  DefaultRetentionMaxTasks,
		sweepInterval: DefaultSweepInterval,
		maxCodeBytes:  DefaultMaxCodeBytes,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if o.ratePerSec > 0 {
		burst := o.burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(o.ratePerSec), burst)
	}
	if o.sweepInterval <= 0 {
		o.sweepInterval = DefaultSweepInterval
	}

	registryOpts := []RegistryOption{
		WithRetention(o.retentionTTL, o.retentionMax),
		WithClock(o.clock),
	}
	if o.observer != nil {
		registryOpts = append(registryOpts, WithObserver(o.observer))
	}

	pools := make(map[Tier]*Pool, len(tiers))
	for tier, settings := range tiers {
		pools[tier] = NewPool(settings.PoolSize)
	}

	return &Manager{
		logger:        logger.Named("executor"),
		registry:      NewRegistry(registryOpts...),
		tiers:         tiers,
		pools:         pools,
		metrics:       newMetrics(o.registerer),
		limiter:       limiter,
		grace:         o.grace,
		taskCost:      o.taskCost,
		sweepInterval: o.sweepInterval,
		maxCodeBytes:  o.maxCodeBytes,
		clock:         o.clock,
		state:         lifecycleCreated,
	}, nil
}

// NewManagerFromConfig creates a Manager for every enabled tier in cfg,
// running tasks on the matching entry of runners
func NewManagerFromConfig(logger *zap.Logger, cfg *config.Config, runners map[string]sandbox.Runner, reg prometheus.Registerer) (*Manager, error) {
	tiers := make(map[Tier]TierSettings)
	for _, name := range cfg.TierNames() {
		tierCfg := cfg.Tiers[name]
		if !tierCfg.Enabled {
			continue
		}
		tier, err := ParseTier(name)
		if err != nil {
			return nil, err
		}
		runner, ok := runners[name]
		if !ok {
			return nil, fmt.Errorf("no sandbox runner for tier %s", name)
		}
		tiers[tier] = TierSettings{
			Runner:         runner,
			PoolSize:       tierCfg.PoolSize,
			Limits:         sandbox.LimitsFor(tierCfg),
			DefaultTimeout: tierCfg.DefaultTimeout(),
			MaxTimeout:     tierCfg.MaxTimeout(),
		}
	}

	return NewManager(logger, tiers,
		WithTimeoutGrace(cfg.TimeoutGrace()),
		WithEstimatedTaskCost(cfg.EstimatedTaskCost()),
		WithRateLimit(cfg.Submission.RatePerSec, cfg.Submission.Burst),
		WithRetentionPolicy(cfg.RetentionTTL(), cfg.Retention.MaxTasks, cfg.SweepInterval()),
		WithMetricsRegisterer(reg),
	)
}

// Start creates a queue and scheduler per tier and starts the dispatch
// loops. Pools are shared across runs. It is a no-op while running. A
// stopped manager can be started again; tasks from the previous run stay
// queryable.
func (m *Manager) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == lifecycleRunning {
		return nil
	}
	if m.state == lifecycleStopping {
		return &LifecycleError{Op: "start", State: m.state}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	schedulers := make(map[Tier]*scheduler, len(m.tiers))
	for tier, settings := range m.tiers {
		s := &scheduler{
			tier:     tier,
			logger:   logger.ForTier(m.logger, "scheduler", string(tier)),
			queue:    NewTierQueue(),
			pool:     m.pools[tier],
			registry: m.registry,
			runner:   settings.Runner,
			limits:   settings.Limits,
			grace:    m.grace,
			metrics:  m.metrics,
			done:     make(chan struct{}),
		}
		s.setState(SchedulerStarting)
		schedulers[tier] = s
	}
	for _, s := range schedulers {
		go s.run(loopCtx)
	}

	m.janitorDone = make(chan struct{})
	go m.janitor(loopCtx, m.janitorDone)

	m.schedulers = schedulers
	m.cancelLoops = cancel
	m.stopDone = make(chan struct{})
	m.stopErr = nil
	m.state = lifecycleRunning

	m.logger.Info("executor manager started", zap.Int("tiers", len(schedulers)))
	return nil
}

// Stop drains every tier: no further tasks are dispatched, in-flight
// executions run to a terminal state, and tasks still queued are
// cancelled. It is safe to call repeatedly; a concurrent call waits for
// the first to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case lifecycleCreated, lifecycleStopped:
		m.mu.Unlock()
		return nil
	case lifecycleStopping:
		stopDone := m.stopDone
		m.mu.Unlock()
		select {
		case <-stopDone:
			m.mu.RLock()
			defer m.mu.RUnlock()
			return m.stopErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.state = lifecycleStopping
	m.cancelLoops()
	schedulers := m.schedulers
	janitorDone := m.janitorDone
	stopDone := m.stopDone
	m.mu.Unlock()

	m.logger.Info("draining executor manager")

	var errs []error
	for _, s := range schedulers {
		if err := s.wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	select {
	case <-janitorDone:
	case <-ctx.Done():
	}

	cancelled := 0
	for _, s := range schedulers {
		for _, entry := range s.queue.Drain() {
			if m.registry.MarkCancelled(entry.TaskID) {
				cancelled++
			}
		}
		m.metrics.queueDepth.WithLabelValues(string(s.tier)).Set(0)
	}

	stopErr := errors.Join(errs...)

	m.mu.Lock()
	m.state = lifecycleStopped
	m.stopErr = stopErr
	m.mu.Unlock()
	close(stopDone)

	m.logger.Info("executor manager stopped", zap.Int("cancelled_pending", cancelled), zap.Error(stopErr))
	return stopErr
}

// Running reports whether the manager accepts submissions
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == lifecycleRunning
}

// Submit validates req, stores it as a pending task and queues it on its
// tier. It does not wait for execution.
func (m *Manager) Submit(ctx context.Context, req Request, priority int) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != lifecycleRunning {
		m.metrics.rejected.WithLabelValues("not_running").Inc()
		return Receipt{}, &LifecycleError{Op: "submit", State: m.state}
	}

	req, err := m.validate(req)
	if err != nil {
		m.metrics.rejected.WithLabelValues("validation").Inc()
		return Receipt{}, err
	}

	if !m.limiter.Allow() {
		m.metrics.rejected.WithLabelValues("rate_limited").Inc()
		return Receipt{}, ErrRateLimited
	}

	s := m.schedulers[req.Tier]
	task := m.registry.Create(req, priority)
	before := s.queue.Enqueue(task.ID, priority)

	tierLabel := string(req.Tier)
	m.metrics.submitted.WithLabelValues(tierLabel).Inc()
	m.metrics.queueDepth.WithLabelValues(tierLabel).Set(float64(s.queue.Size()))

	m.logger.Debug("task submitted",
		zap.String("task_id", task.ID),
		zap.String("tier", tierLabel),
		zap.String("language", req.Language),
		zap.Int("priority", priority),
		zap.String("user_id", req.User.UserID))

	return Receipt{
		TaskID:        task.ID,
		EstimatedWait: time.Duration(before) * m.taskCost,
		QueuePosition: before + 1,
	}, nil
}

// validate normalizes req and rejects unsupported or malformed submissions
func (m *Manager) validate(req Request) (Request, error) {
	tier, err := ParseTier(string(req.Tier))
	if err != nil {
		return req, &ValidationError{Field: "tier", Reason: err.Error()}
	}
	settings, ok := m.tiers[tier]
	if !ok {
		return req, &ValidationError{Field: "tier", Reason: fmt.Sprintf("tier %s is not enabled", tier)}
	}
	req.Tier = tier

	if strings.TrimSpace(req.Code) == "" {
		return req, &ValidationError{Field: "code", Reason: "must not be empty"}
	}
	if m.maxCodeBytes > 0 && len(req.Code) > m.maxCodeBytes {
		return req, &ValidationError{Field: "code", Reason: fmt.Sprintf("exceeds %d bytes", m.maxCodeBytes)}
	}

	language, err := sandbox.NormalizeLanguage(req.Language)
	if err != nil {
		return req, &ValidationError{Field: "language", Reason: err.Error()}
	}
	req.Language = language

	switch {
	case req.Timeout < 0:
		return req, &ValidationError{Field: "timeout", Reason: "must not be negative"}
	case req.Timeout == 0:
		req.Timeout = settings.DefaultTimeout
	case req.Timeout > settings.MaxTimeout:
		return req, &ValidationError{
			Field:  "timeout",
			Reason: fmt.Sprintf("%s exceeds the %s tier maximum of %s", req.Timeout, tier, settings.MaxTimeout),
		}
	}

	return req, nil
}

// Cancel cancels a pending task. It fails with a NotFoundError for unknown
// tasks and a ConflictError once the task has been dispatched or finished.
func (m *Manager) Cancel(id string) error {
	task, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	s := m.schedulers[task.Request.Tier]
	m.mu.RUnlock()

	// The queue entry is the claim: whoever removes it (the scheduler or
	// this call) owns the next transition.
	if s == nil || !s.queue.Remove(id) {
		state, stateErr := m.registry.State(id)
		if stateErr != nil {
			return stateErr
		}
		return &ConflictError{TaskID: id, State: state, Op: "cancel"}
	}
	m.metrics.queueDepth.WithLabelValues(string(task.Request.Tier)).Set(float64(s.queue.Size()))

	if !m.registry.MarkCancelled(id) {
		state, _ := m.registry.State(id)
		m.logger.Error("queued task was not pending", zap.String("task_id", id), zap.String("state", string(state)))
		return &ConflictError{TaskID: id, State: state, Op: "cancel"}
	}

	m.logger.Info("task cancelled", zap.String("task_id", id))
	return nil
}

// State returns the current state of a task
func (m *Manager) State(id string) (TaskState, error) {
	return m.registry.State(id)
}

// Result returns the result of a terminal task
func (m *Manager) Result(id string) (ExecutionResult, error) {
	return m.registry.Result(id)
}

// Task returns a snapshot of a task
func (m *Manager) Task(id string) (Task, error) {
	return m.registry.Get(id)
}

// Summary returns per-tier load, the lifecycle flag and task counts by state
func (m *Manager) Summary() Summary {
	m.mu.RLock()
	state := m.state
	schedulers := m.schedulers
	m.mu.RUnlock()

	tiers := make([]TierSummary, 0, len(m.tiers))
	for tier, settings := range m.tiers {
		ts := TierSummary{Tier: tier, Capacity: settings.PoolSize, Scheduler: SchedulerStopped}
		if s, ok := schedulers[tier]; ok {
			ts.QueueSize = s.queue.Size()
			ts.Active = s.pool.Active()
			ts.Capacity = s.pool.Capacity()
			ts.Scheduler = s.State()
		}
		tiers = append(tiers, ts)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Tier < tiers[j].Tier })

	return Summary{
		Running: state == lifecycleRunning,
		State:   state,
		Tiers:   tiers,
		Tasks:   m.registry.Counts(),
	}
}

func (m *Manager) janitor(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.registry.Sweep(m.clock()); evicted > 0 {
				m.logger.Debug("evicted finished tasks", zap.Int("count", evicted))
			}
		}
	}
}
