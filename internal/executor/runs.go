package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"taskplane/internal/env"
	"taskplane/internal/env/lifecycle"
	"taskplane/internal/lock"
	"taskplane/internal/logger"
	"taskplane/internal/store"
	"taskplane/internal/telemetry"
)

func lockKey(id uuid.UUID) string {
	return "task-run:" + id.String()
}

// onSchedule is the scheduler callback. Denied triggers are skipped silently.
func (e *Executor) onSchedule(ctx context.Context, id uuid.UUID) {
	run, err := e.trigger(ctx, id)
	switch {
	case errors.Is(err, ErrRunDenied):
		e.logger.Debug("scheduled run skipped", "task_id", id, "reason", err)
	case err != nil:
		e.logger.Error("scheduled run failed to start", "task_id", id, "err", err)
	default:
		e.logger.Info("scheduled run queued", "task_id", id, "run_id", run.ID)
	}
}

// TriggerTask queues a manual run. It returns ErrRunDenied when the run is not admitted.
func (e *Executor) TriggerTask(ctx context.Context, id uuid.UUID) (*store.TaskRun, error) {
	if _, err := e.getTask(ctx, id); err != nil {
		return nil, err
	}
	return e.trigger(ctx, id)
}

// trigger admits a run under the task lock, records it and enqueues its execution.
func (e *Executor) trigger(ctx context.Context, id uuid.UUID) (*store.TaskRun, error) {
	ctx, span := e.tracer.Start(ctx, "task.trigger",
		trace.WithAttributes(attribute.String("task.id", id.String())),
	)
	defer span.End()

	task, run, err := e.admit(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrRunDenied) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("run.id", run.ID.String()))

	err = e.deps.Queue.Enqueue(id.String(), func(qctx context.Context) error {
		// Carry the trigger span into the execution.
		qctx = trace.ContextWithSpanContext(qctx, span.SpanContext())
		return e.execute(qctx, task, run)
	})
	if err != nil {
		e.finishRun(ctx, task, run, env.ExitResult{ExitCode: lifecycle.ExitFailure, ExitError: err})
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}
	return run, nil
}

// admit decides whether a run may start and creates its record. The lock keeps two
// concurrent triggers from both passing the concurrency check.
func (e *Executor) admit(ctx context.Context, id uuid.UUID) (*store.Task, *store.TaskRun, error) {
	release, err := e.deps.Locker.Acquire(ctx, lockKey(id), e.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, nil, fmt.Errorf("admission lock busy: %w", ErrRunDenied)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire admission lock: %w", err)
	}
	defer release()

	task, err := e.getTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != store.TaskStatusReady {
		return nil, nil, fmt.Errorf("task is %s: %w", task.Status, ErrRunDenied)
	}

	limit := task.MaxConcurrentRuns
	if limit <= 0 {
		limit = e.cfg.MaxConcurrentRuns
	}
	active, err := e.deps.Runs.CountActiveRuns(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count active runs: %w", err)
	}
	if active >= limit {
		return nil, nil, fmt.Errorf("%d of %d runs active: %w", active, limit, ErrRunDenied)
	}

	run := &store.TaskRun{
		ID:        uuid.New(),
		TaskID:    id,
		Status:    store.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.deps.Runs.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to create run: %w", err)
	}
	return task, run, nil
}

// execute launches the instance, drains its telemetry while it runs and records the
// outcome. Run failures are recorded, never returned.
func (e *Executor) execute(ctx context.Context, task *store.Task, run *store.TaskRun) error {
	ctx = logger.WithRun(ctx, task.ID.String(), run.ID.String())
	log := logger.FromContext(ctx, e.logger)

	ctx, span := e.tracer.Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task.id", task.ID.String()),
			attribute.String("run.id", run.ID.String()),
			attribute.String("task.env_key", task.EnvKey),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	handle, err := e.deps.Runner.RunEnv(ctx, env.RunEnvRequest{
		Label:       task.Label,
		EnvKey:      task.EnvKey,
		Script:      task.Script,
		Limitations: task.Limitations,
		Options:     env.RunOptions{Delete: task.DeleteInstances},
	})
	if err != nil {
		log.Error("failed to launch instance", "err", err)
		span.RecordError(err)
		e.finishRun(ctx, task, run, env.ExitResult{ExitCode: lifecycle.ExitFailure, ExitError: err})
		return nil
	}

	hid := handle.ID()
	now := time.Now().UTC()
	run.HandleID = &hid
	run.Status = store.RunStatusRunning
	run.StartedAt = &now
	if err := e.deps.Runs.UpdateRun(ctx, run); err != nil {
		log.Warn("failed to record run start", "err", err)
	}
	log.Info("run started", "handle_id", hid)

	drained := e.drain(ctx, telemetry.RunHandle{TaskID: task.ID.String(), RunID: run.ID.String()}, handle)
	result := handle.Wait(ctx)
	drained()

	// Removing the instance earlier would cut its log stream short.
	if task.DeleteInstances {
		if err := handle.Delete(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to delete finished instance", "handle_id", hid, "err", err)
		}
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if !result.Succeeded() {
		span.SetStatus(codes.Error, reasonOf(result))
	}
	e.finishRun(ctx, task, run, result)
	return nil
}

// drain streams logs and metrics of handle into the providers. The returned func waits
// for both drains, at most DrainTimeout.
func (e *Executor) drain(ctx context.Context, rh telemetry.RunHandle, handle env.EnvHandle) func() {
	log := logger.FromContext(ctx, e.logger)
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := e.deps.Logs.ConsumeLogs(drainCtx, rh, handle.Logs(drainCtx)); err != nil && drainCtx.Err() == nil {
			log.Warn("log drain ended with error", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := e.deps.Metrics.ConsumeMetrics(drainCtx, rh, handle.Metrics(drainCtx, e.cfg.MetricsInterval)); err != nil && drainCtx.Err() == nil {
			log.Warn("metric drain ended with error", "err", err)
		}
	}()

	return func() {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(e.cfg.DrainTimeout):
			log.Warn("telemetry drains did not finish in time", "timeout", e.cfg.DrainTimeout)
			cancel()
			<-done
		}
		cancel()
	}
}

func reasonOf(r env.ExitResult) string {
	switch {
	case r.InitError != "":
		return r.InitError
	case r.ExitError != nil:
		return r.ExitError.Error()
	default:
		return ""
	}
}

// finishRun records the terminal state of a run.
func (e *Executor) finishRun(ctx context.Context, task *store.Task, run *store.TaskRun, result env.ExitResult) {
	log := logger.FromContext(logger.WithRun(ctx, task.ID.String(), run.ID.String()), e.logger)

	now := time.Now().UTC()
	code := result.ExitCode
	run.ExitCode = &code
	run.FinishedAt = &now
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.Status = store.RunStatusSucceeded
	run.Reason = nil
	if !result.Succeeded() {
		run.Status = store.RunStatusFailed
		reason := reasonOf(result)
		run.Reason = &reason
	}

	// The run must be recorded even when the caller context is gone.
	if err := e.deps.Runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("failed to record run outcome", "err", err)
	}
	e.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(run.Status))))

	if run.Status == store.RunStatusSucceeded {
		log.Info("run succeeded")
	} else {
		log.Warn("run failed", "exit_code", code, "reason", *run.Reason)
	}
}

// reconcileRuns settles runs a previous process left pending or running. Runs whose
// instance still exists are awaited in the background.
func (e *Executor) reconcileRuns(ctx context.Context, task *store.Task) error {
	const pageSize = 100

	for offset := 0; ; offset += pageSize {
		runs, err := e.deps.Runs.ListRuns(ctx, task.ID, pageSize, offset)
		if err != nil {
			return err
		}
		for i := range runs {
			if err := e.reconcileRun(ctx, task, &runs[i]); err != nil {
				return err
			}
		}
		if len(runs) < pageSize {
			return nil
		}
	}
}

func (e *Executor) reconcileRun(ctx context.Context, task *store.Task, run *store.TaskRun) error {
	if run.Status.Terminal() {
		return nil
	}
	if run.HandleID == nil {
		e.finishRun(ctx, task, run, env.ExitResult{
			ExitCode:  lifecycle.ExitFailure,
			ExitError: errors.New("run interrupted before launch"),
		})
		return nil
	}
	handle, err := e.deps.Runner.GetEnvHandle(ctx, *run.HandleID)
	if errors.Is(err, env.ErrHandleNotFound) {
		e.finishRun(ctx, task, run, env.ExitResult{
			ExitCode:  lifecycle.ExitFailure,
			ExitError: fmt.Errorf("instance %s lost", *run.HandleID),
		})
		return nil
	}
	if err != nil {
		return err
	}
	t := *task
	e.spawn(func(ctx context.Context) {
		result := handle.Wait(ctx)
		if ctx.Err() != nil {
			return
		}
		e.finishRun(ctx, &t, run, result)
	})
	return nil
}
