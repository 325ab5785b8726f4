// Package executor orchestrates tasks: it schedules them, builds their environments in
// the background, admits runs, executes them through the queue and records the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"taskplane/internal/env"
	"taskplane/internal/lock"
	"taskplane/internal/queue"
	"taskplane/internal/scheduler"
	"taskplane/internal/store"
	"taskplane/internal/telemetry"
)

const instrumentationName = "taskplane/executor"

var (
	// ErrRunDenied is returned when a run is not admitted: the task is at its concurrency
	// cap, its environment is not ready or another trigger holds the admission lock.
	ErrRunDenied = errors.New("run not admitted")
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
)

// Deps are the collaborators of an Executor.
type Deps struct {
	Builder   env.EnvBuilder
	Runner    env.EnvRunner
	Logs      telemetry.LogProvider
	Metrics   telemetry.MetricProvider
	Scheduler scheduler.Scheduler
	Queue     queue.Queue
	Locker    lock.Locker
	Tasks     store.TaskStore
	Runs      store.RunStore
}

func (d Deps) validate() error {
	switch {
	case d.Builder == nil:
		return env.Misconfigured("builder", "required")
	case d.Runner == nil:
		return env.Misconfigured("runner", "required")
	case d.Logs == nil:
		return env.Misconfigured("logs", "required")
	case d.Metrics == nil:
		return env.Misconfigured("metrics", "required")
	case d.Scheduler == nil:
		return env.Misconfigured("scheduler", "required")
	case d.Queue == nil:
		return env.Misconfigured("queue", "required")
	case d.Locker == nil:
		return env.Misconfigured("locker", "required")
	case d.Tasks == nil:
		return env.Misconfigured("tasks", "required")
	case d.Runs == nil:
		return env.Misconfigured("runs", "required")
	}
	return nil
}

// Config tunes an Executor.
type Config struct {
	// MaxConcurrentRuns caps overlapping runs of a task that sets no cap itself (default: 1).
	MaxConcurrentRuns int
	// LockTTL bounds how long the admission lock of a task may be held (default: 10s).
	LockTTL time.Duration
	// MetricsInterval is the sampling interval of run metrics (default: 1s).
	MetricsInterval time.Duration
	// DrainTimeout bounds how long a finished run waits for its log and metric drains (default: 30s).
	DrainTimeout time.Duration
	// IgnoredStepFailureFails makes a failing ignorable step fail the run after the
	// remaining steps ran.
	IgnoredStepFailureFails bool
	Logger                  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 1
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = env.DefaultMetricsInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Executor is the task orchestrator.
type Executor struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	tracer       trace.Tracer
	runsFinished metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	// generation changes whenever a task is re-registered or removed, so stale
	// background builds discard their result.
	generation map[uuid.UUID]uint64
}

// New validates deps and returns an Executor.
func New(deps Deps, cfg Config) (*Executor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	runsFinished, err := otel.Meter(instrumentationName).Int64Counter(
		"taskplane.runs.finished",
		metric.WithDescription("Runs that reached a terminal state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		deps:         deps,
		cfg:          cfg,
		logger:       cfg.Logger,
		tracer:       otel.Tracer(instrumentationName),
		runsFinished: runsFinished,
		ctx:          ctx,
		cancel:       cancel,
		generation:   make(map[uuid.UUID]uint64),
	}, nil
}

// Close cancels background builds and waits for them and for resumed runs.
func (e *Executor) Close(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs fn in the background, tracked by Close.
func (e *Executor) spawn(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

func (e *Executor) bump(id uuid.UUID) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation[id]++
	return e.generation[id]
}

func (e *Executor) current(id uuid.UUID, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation[id] == gen
}

func (e *Executor) forget(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.generation, id)
}
