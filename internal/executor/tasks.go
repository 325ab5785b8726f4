package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskplane/internal/env"
	"taskplane/internal/scheduler"
	"taskplane/internal/store"
)

// TaskSpec is the user supplied definition of a task.
type TaskSpec struct {
	Name              string
	OS                env.OSInfo
	Steps             []env.TaskStep
	Cron              string
	Once              bool
	Limitations       *env.Limitations
	MaxConcurrentRuns int
	DeleteInstances   bool
}

// Validate reports the first malformed field as a *env.ConfigurationError.
func (s TaskSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return env.Misconfigured("name", "required")
	}
	if s.OS.Name == "" {
		return env.Misconfigured("os.name", "required")
	}
	if len(s.Steps) == 0 {
		return env.Misconfigured("steps", "at least one step is required")
	}
	for i, step := range s.Steps {
		if strings.TrimSpace(step.Script) == "" {
			return env.Misconfigured(fmt.Sprintf("steps[%d].script", i), "required")
		}
	}
	if err := scheduler.Validate(s.Cron); err != nil {
		return err
	}
	if s.MaxConcurrentRuns < 0 {
		return env.Misconfigured("max_concurrent_runs", "must not be negative")
	}
	return s.Limitations.Validate()
}

// templateChanged reports whether the environment or the schedule must be rebuilt.
func (s TaskSpec) templateChanged(t *store.Task) bool {
	return s.OS != t.OS || s.Cron != t.Cron || s.Once != t.Once || !slices.Equal(s.Steps, t.Steps)
}

func (e *Executor) getTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	task, err := e.deps.Tasks.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	return task, err
}

// CreateTask persists a task and registers it. It returns before the environment is
// built; the task becomes ready in the background.
func (e *Executor) CreateTask(ctx context.Context, spec TaskSpec) (*store.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	id := uuid.New()
	task := &store.Task{
		ID:                id,
		Name:              spec.Name,
		Label:             store.LabelFor(id),
		OS:                spec.OS,
		Steps:             spec.Steps,
		Cron:              spec.Cron,
		Once:              spec.Once,
		Limitations:       spec.Limitations,
		MaxConcurrentRuns: spec.MaxConcurrentRuns,
		DeleteInstances:   spec.DeleteInstances,
		Status:            store.TaskStatusBuilding,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.deps.Tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if err := e.register(task, ""); err != nil {
		return nil, err
	}
	e.logger.Info("task created", "task_id", id, "label", task.Label, "cron", task.Cron)
	return task, nil
}

// register schedules a stopped entry for the task and builds its environment in the
// background. It does nothing when the scheduler already has the task.
func (e *Executor) register(task *store.Task, previousEnvKey string) error {
	if e.deps.Scheduler.Exists(task.ID.String()) {
		return nil
	}
	id := task.ID
	err := e.deps.Scheduler.Schedule(id.String(), scheduler.Entry{
		Cron: task.Cron,
		Once: task.Once,
		Callback: func(ctx context.Context) {
			e.onSchedule(ctx, id)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", id, err)
	}

	gen := e.bump(id)
	req := env.BuildEnvRequest{
		Label: task.Label,
		OS:    task.OS,
		Steps: prepareSteps(task.Steps, e.cfg.IgnoredStepFailureFails),
	}
	e.spawn(func(ctx context.Context) {
		e.build(ctx, id, gen, req, previousEnvKey)
	})
	return nil
}

// build constructs the environment of a task, records the outcome and starts the
// scheduler entry on success.
func (e *Executor) build(ctx context.Context, id uuid.UUID, gen uint64, req env.BuildEnvRequest, previousEnvKey string) {
	ctx, span := e.tracer.Start(ctx, "task.build", trace.WithAttributes(attribute.String("task.id", id.String())))
	defer span.End()

	log := e.logger.With("task_id", id)
	start := time.Now()
	res, buildErr := e.deps.Builder.BuildEnv(ctx, req)

	if !e.current(id, gen) {
		log.Info("discarding build of a superseded task definition")
		if buildErr == nil && res.EnvKey != previousEnvKey {
			e.deleteEnv(ctx, id, res.EnvKey)
		}
		return
	}

	task, err := e.deps.Tasks.GetTask(ctx, id)
	if err != nil {
		log.Error("failed to load task after build", "err", err)
		return
	}
	task.UpdatedAt = time.Now().UTC()
	if buildErr != nil {
		span.RecordError(buildErr)
		reason := buildErr.Error()
		task.Status = store.TaskStatusBuildFailed
		task.StatusReason = &reason
		log.Error("environment build failed", "err", buildErr)
	} else {
		task.EnvKey = res.EnvKey
		task.Script = res.Script
		task.Status = store.TaskStatusReady
		task.StatusReason = nil
		log.Info("environment built", "env_key", res.EnvKey, "duration", time.Since(start))
	}
	if err := e.deps.Tasks.UpdateTask(ctx, task); err != nil {
		log.Error("failed to record build outcome", "err", err)
		return
	}
	if buildErr != nil {
		return
	}

	if previousEnvKey != "" && previousEnvKey != res.EnvKey {
		e.deleteEnv(ctx, id, previousEnvKey)
	}
	if err := e.deps.Scheduler.Start(id.String()); err != nil {
		log.Warn("scheduler entry vanished before start", "err", err)
	}
}

func (e *Executor) deleteEnv(ctx context.Context, id uuid.UUID, key string) {
	if err := e.deps.Builder.DeleteEnv(ctx, env.DeleteEnvRequest{EnvKey: key}); err != nil {
		e.logger.Warn("failed to delete environment", "task_id", id, "env_key", key, "err", err)
	}
}

// GetTask returns a task by id.
func (e *Executor) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	return e.getTask(ctx, id)
}

// ListTasks returns every task.
func (e *Executor) ListTasks(ctx context.Context) ([]store.Task, error) {
	return e.deps.Tasks.ListTasks(ctx)
}

// UpdateTask replaces the definition of a task. Changes to the OS, the steps or the
// schedule re-register the task and rebuild its environment.
func (e *Executor) UpdateTask(ctx context.Context, id uuid.UUID, spec TaskSpec) (*store.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	task, err := e.getTask(ctx, id)
	if err != nil {
		return nil, err
	}

	rebuild := spec.templateChanged(task) || task.Status == store.TaskStatusBuildFailed
	previousEnvKey := task.EnvKey

	task.Name = spec.Name
	task.OS = spec.OS
	task.Steps = spec.Steps
	task.Cron = spec.Cron
	task.Once = spec.Once
	task.Limitations = spec.Limitations
	task.MaxConcurrentRuns = spec.MaxConcurrentRuns
	task.DeleteInstances = spec.DeleteInstances
	task.UpdatedAt = time.Now().UTC()

	if !rebuild || task.Status == store.TaskStatusStopped {
		if rebuild {
			// Stopped tasks rebuild on StartTask.
			e.deps.Scheduler.Delete(id.String())
			e.bump(id)
			task.EnvKey = ""
			task.Script = nil
		}
		if err := e.deps.Tasks.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("failed to update task: %w", err)
		}
		if rebuild && previousEnvKey != "" {
			e.deleteEnv(ctx, id, previousEnvKey)
		}
		return task, nil
	}

	e.deps.Scheduler.Delete(id.String())
	task.Status = store.TaskStatusBuilding
	task.StatusReason = nil
	if err := e.deps.Tasks.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	if err := e.register(task, previousEnvKey); err != nil {
		return nil, err
	}
	e.logger.Info("task re-registered", "task_id", id)
	return task, nil
}

// StartTask resumes a stopped task or retries a failed build.
func (e *Executor) StartTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	task, err := e.getTask(ctx, id)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case store.TaskStatusReady, store.TaskStatusBuilding:
		if !e.deps.Scheduler.Exists(id.String()) {
			return task, e.register(task, "")
		}
		if task.Status == store.TaskStatusReady {
			return task, e.deps.Scheduler.Start(id.String())
		}
		return task, nil
	case store.TaskStatusStopped, store.TaskStatusBuildFailed:
		if task.EnvKey != "" && task.Status == store.TaskStatusStopped && e.deps.Scheduler.Exists(id.String()) {
			task.Status = store.TaskStatusReady
			task.UpdatedAt = time.Now().UTC()
			if err := e.deps.Tasks.UpdateTask(ctx, task); err != nil {
				return nil, err
			}
			return task, e.deps.Scheduler.Start(id.String())
		}
		e.deps.Scheduler.Delete(id.String())
		task.Status = store.TaskStatusBuilding
		task.StatusReason = nil
		task.UpdatedAt = time.Now().UTC()
		if err := e.deps.Tasks.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
		return task, e.register(task, task.EnvKey)
	default:
		return nil, fmt.Errorf("task %s has unknown status %q", id, task.Status)
	}
}

// StopTask stops the schedule of a task and force-removes its live instances. The
// environment is kept so StartTask can resume without rebuilding.
func (e *Executor) StopTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	task, err := e.getTask(ctx, id)
	if err != nil {
		return nil, err
	}

	e.deps.Scheduler.Stop(id.String())
	if task.Status == store.TaskStatusBuilding {
		// The pending build would start the entry again.
		e.deps.Scheduler.Delete(id.String())
		e.bump(id)
	}
	if err := e.removeInstances(ctx, task); err != nil {
		return nil, err
	}

	task.Status = store.TaskStatusStopped
	task.UpdatedAt = time.Now().UTC()
	if err := e.deps.Tasks.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	e.logger.Info("task stopped", "task_id", id)
	return task, nil
}

// DeleteTask removes the schedule, every live instance, the environment, the stored
// telemetry and the task itself, in that order.
func (e *Executor) DeleteTask(ctx context.Context, id uuid.UUID) error {
	task, err := e.getTask(ctx, id)
	if err != nil {
		return err
	}

	e.deps.Scheduler.Delete(id.String())
	e.forget(id)
	if err := e.removeInstances(ctx, task); err != nil {
		return err
	}
	if task.EnvKey != "" {
		if err := e.deps.Builder.DeleteEnv(ctx, env.DeleteEnvRequest{EnvKey: task.EnvKey, Force: true}); err != nil {
			return fmt.Errorf("failed to delete environment of task %s: %w", id, err)
		}
	}
	if err := e.deps.Logs.FlushLogs(ctx, id.String()); err != nil {
		e.logger.Warn("failed to flush logs", "task_id", id, "err", err)
	}
	if err := e.deps.Metrics.FlushMetrics(ctx, id.String()); err != nil {
		e.logger.Warn("failed to flush metrics", "task_id", id, "err", err)
	}
	if err := e.deps.Tasks.DeleteTask(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	e.logger.Info("task deleted", "task_id", id)
	return nil
}

// removeInstances force-deletes every instance launched for the task label.
func (e *Executor) removeInstances(ctx context.Context, task *store.Task) error {
	ids, err := e.deps.Runner.GetEnvChildrenHandleIDs(ctx, task.Label)
	if err != nil {
		return fmt.Errorf("failed to list instances of task %s: %w", task.ID, err)
	}
	var errs []error
	for _, hid := range ids {
		h, err := e.deps.Runner.GetEnvHandle(ctx, hid)
		if errors.Is(err, env.ErrHandleNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := h.Delete(ctx); err != nil {
			errs = append(errs, fmt.Errorf("delete instance %s: %w", hid, err))
			continue
		}
		e.logger.Info("instance removed", "task_id", task.ID, "handle_id", hid)
	}
	return errors.Join(errs...)
}

// Restore registers every persisted task that is not stopped and reconciles runs left
// unfinished by a previous process.
func (e *Executor) Restore(ctx context.Context) error {
	tasks, err := e.deps.Tasks.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	for i := range tasks {
		task := &tasks[i]
		if err := e.reconcileRuns(ctx, task); err != nil {
			e.logger.Warn("failed to reconcile runs", "task_id", task.ID, "err", err)
		}
		if task.Status == store.TaskStatusStopped {
			continue
		}
		if task.Status != store.TaskStatusBuilding {
			task.Status = store.TaskStatusBuilding
			task.UpdatedAt = time.Now().UTC()
			if err := e.deps.Tasks.UpdateTask(ctx, task); err != nil {
				return fmt.Errorf("failed to update task %s: %w", task.ID, err)
			}
		}
		if err := e.register(task, task.EnvKey); err != nil {
			return err
		}
	}
	e.logger.Info("tasks restored", "count", len(tasks))
	return nil
}
