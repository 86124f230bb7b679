// Package watchdog supervises a long-running task and restarts it after a
// crash.
//
// The supervisor polls the task on a fixed interval. A task that exited
// because it was cancelled, or that returned nil, is left alone. A task that
// failed or panicked is restarted exactly once per observed crash, after the
// Reinit hook has run. Once Shutdown is called no restart ever happens.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/dagfeed/pkg/metrics"
	"go.uber.org/zap"
)

// Supervisor errors.
var (
	ErrAlreadyStarted = errors.New("watchdog already started")
	ErrShuttingDown   = errors.New("watchdog is shutting down")
)

// DefaultInterval is the default poll interval.
const DefaultInterval = 5 * time.Second

// State is the supervisor's view of its task.
type State int32

// Supervisor states.
const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateCrashed
	StateRestarting
	StateShuttingDown
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TaskFunc is a supervised task. It should run until ctx is cancelled and
// return ctx.Err() in that case.
type TaskFunc func(ctx context.Context) error

// Config configures a Supervisor.
type Config struct {
	// Name identifies the task in logs and metrics.
	Name string

	// Interval between polls.
	Interval time.Duration

	// Reinit runs before a crashed task is replaced, typically to re-probe
	// backends.
	Reinit func(ctx context.Context)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// WithDefaults returns a copy of the config with zero values replaced.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = "task"
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// task is one spawned instance of the supervised function.
type task struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
	err    error // valid after done is closed
}

// Supervisor runs one task at a time and restarts it after crashes.
type Supervisor struct {
	cfg    Config
	run    TaskFunc
	logger *zap.Logger

	mu     sync.Mutex
	task   *task
	nextID uint64
	base   context.Context

	state        atomic.Int32
	shuttingDown atomic.Bool
	restarts     atomic.Int64
	lastCheck    atomic.Int64 // Unix nano timestamp

	started  atomic.Bool
	stop     chan struct{}
	loopDone chan struct{}
}

// New creates a supervisor for run. Nothing runs until Start.
func New(run TaskFunc, cfg Config) *Supervisor {
	cfg = cfg.WithDefaults()
	return &Supervisor{
		cfg:      cfg,
		run:      run,
		logger:   cfg.Logger.With(zap.String("component", "watchdog"), zap.String("task", cfg.Name)),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start spawns the task and the poll loop. Cancelling ctx cancels the task
// without triggering a restart.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if s.started.Swap(true) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	s.base = ctx
	s.spawnLocked()
	s.mu.Unlock()

	go s.loop(ctx)
	return nil
}

// spawnLocked starts a new task instance. s.mu must be held.
func (s *Supervisor) spawnLocked() {
	s.nextID++
	taskCtx, cancel := context.WithCancel(s.base)
	t := &task{id: s.nextID, cancel: cancel, done: make(chan struct{})}
	s.task = t
	s.state.Store(int32(StateRunning))

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		t.err = s.run(taskCtx)
	}()

	s.logger.Info("task started", zap.Uint64("id", t.id))
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check inspects the task once and restarts it if it crashed.
func (s *Supervisor) check(ctx context.Context) {
	s.lastCheck.Store(time.Now().UnixNano())

	if s.shuttingDown.Load() {
		return
	}

	s.mu.Lock()
	t := s.task
	s.mu.Unlock()
	if t == nil {
		return
	}

	select {
	case <-t.done:
	default:
		return // still running
	}

	if t.err == nil || errors.Is(t.err, context.Canceled) {
		if State(s.state.Load()) == StateRunning {
			s.state.Store(int32(StateStopped))
			s.logger.Info("task exited", zap.Uint64("id", t.id), zap.Error(t.err))
		}
		return
	}

	s.state.Store(int32(StateCrashed))
	s.logger.Error("task crashed, restarting", zap.Uint64("id", t.id), zap.Error(t.err))

	s.state.Store(int32(StateRestarting))
	if s.cfg.Reinit != nil {
		s.cfg.Reinit(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Shutdown may have started while Reinit ran.
	if s.shuttingDown.Load() {
		s.state.Store(int32(StateShuttingDown))
		return
	}
	if s.task != t {
		return
	}
	s.spawnLocked()
	s.restarts.Add(1)
	s.cfg.Metrics.TaskRestarted(s.cfg.Name)
}

// Shutdown stops polling, cancels the task and waits for it to exit or for
// ctx to end. The task's cancellation error is not reported. Shutdown is
// permanent: the task is never restarted afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.shuttingDown.Swap(true) {
		return nil
	}
	s.state.Store(int32(StateShuttingDown))
	close(s.stop)

	s.mu.Lock()
	t := s.task
	s.mu.Unlock()

	if t != nil {
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to exit: %w", s.cfg.Name, ctx.Err())
		}
		if t.err != nil && !errors.Is(t.err, context.Canceled) {
			s.logger.Warn("task exited with error during shutdown", zap.Error(t.err))
		}
	}

	if s.started.Load() {
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s watchdog loop: %w", s.cfg.Name, ctx.Err())
		}
	}

	s.logger.Info("task shut down")
	return nil
}

// TaskID returns the identity of the current task instance, 0 before Start.
func (s *Supervisor) TaskID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return 0
	}
	return s.task.id
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Restarts returns the number of restarts performed.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// LastCheck returns the time of the last poll.
func (s *Supervisor) LastCheck() time.Time {
	ns := s.lastCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
