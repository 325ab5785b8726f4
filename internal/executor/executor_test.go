package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskplane/internal/env"
	"taskplane/internal/env/lifecycle"
	"taskplane/internal/lock"
	"taskplane/internal/queue"
	"taskplane/internal/store"
	"taskplane/internal/store/memory"
	"taskplane/internal/telemetry"
	"taskplane/internal/telemetry/file"
)

type harness struct {
	exec    *Executor
	j       *journal
	builder *fakeBuilder
	runner  *fakeRunner
	sched   *fakeScheduler
	store   *memory.Store
	files   *file.Provider
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// newHarness wires an Executor to fakes for the backend and the scheduler and to real
// queue, lock, store and telemetry implementations. setup runs before the Executor is built.
func newHarness(t *testing.T, cfg Config, setup func(h *harness)) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		j:       j,
		builder: &fakeBuilder{j: j},
		runner:  newFakeRunner(j),
		sched:   newFakeScheduler(j),
		store:   memory.New(),
	}
	files, err := file.New(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	h.files = files
	if setup != nil {
		setup(h)
	}

	q, err := queue.NewLocal(4, quietLogger())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	cfg.Logger = quietLogger()
	exec, err := New(Deps{
		Builder:   h.builder,
		Runner:    h.runner,
		Logs:      files,
		Metrics:   files,
		Scheduler: h.sched,
		Queue:     q,
		Locker:    lock.NewMemory(0),
		Tasks:     h.store,
		Runs:      h.store,
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.exec = exec

	t.Cleanup(func() {
		h.runner.mu.Lock()
		for _, fh := range h.runner.order {
			fh.finish(137)
		}
		h.runner.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exec.Close(ctx); err != nil {
			t.Errorf("executor Close: %v", err)
		}
		if err := q.Close(ctx); err != nil {
			t.Errorf("queue Close: %v", err)
		}
	})
	return h
}

func sampleSpec() TaskSpec {
	return TaskSpec{
		Name:  "nightly",
		OS:    env.OSInfo{Name: "alpine", Version: "3.20"},
		Steps: []env.TaskStep{{Name: "hello", Script: "echo hello"}},
		Cron:  "0 0 * * *",
	}
}

func (h *harness) status(t *testing.T, id uuid.UUID) store.TaskStatus {
	t.Helper()
	task, err := h.exec.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task.Status
}

func (h *harness) waitStatus(t *testing.T, id uuid.UUID, want store.TaskStatus) {
	t.Helper()
	waitFor(t, func() bool { return h.status(t, id) == want })
}

func (h *harness) waitRun(t *testing.T, id uuid.UUID, want store.RunStatus) *store.TaskRun {
	t.Helper()
	var run *store.TaskRun
	waitFor(t, func() bool {
		r, err := h.exec.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		run = r
		return r.Status == want
	})
	return run
}

func (h *harness) nextHandle(t *testing.T) *fakeHandle {
	t.Helper()
	select {
	case fh := <-h.runner.started:
		return fh
	case <-time.After(5 * time.Second):
		t.Fatal("no instance was launched")
		return nil
	}
}

// readyTask creates a task and waits until its environment is built.
func (h *harness) readyTask(t *testing.T, spec TaskSpec) *store.Task {
	t.Helper()
	task, err := h.exec.CreateTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.waitStatus(t, task.ID, store.TaskStatusReady)
	waitFor(t, func() bool { return h.sched.started(task.ID.String()) })
	task, err = h.exec.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	var cfgErr *env.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigurationError, got %v", err)
	}
}

func TestCreateTask_RegistersBeforeBuildCompletes(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, Config{}, func(h *harness) { h.builder.gate = gate })

	task, err := h.exec.CreateTask(context.Background(), sampleSpec())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != store.TaskStatusBuilding {
		t.Errorf("status = %s, want building", task.Status)
	}
	if !h.sched.Exists(task.ID.String()) {
		t.Fatal("scheduler entry must exist when CreateTask returns")
	}
	if h.sched.started(task.ID.String()) {
		t.Fatal("scheduler entry must stay stopped until the build succeeds")
	}
	if task.Label != store.LabelFor(task.ID) {
		t.Errorf("label = %q", task.Label)
	}

	close(gate)
	h.waitStatus(t, task.ID, store.TaskStatusReady)
	waitFor(t, func() bool { return h.sched.started(task.ID.String()) })

	got, _ := h.exec.GetTask(context.Background(), task.ID)
	if got.EnvKey == "" || got.Script == nil || *got.Script != "echo hello" {
		t.Errorf("env not recorded: key=%q script=%v", got.EnvKey, got.Script)
	}
}

func TestCreateTask_InvalidSpec(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	spec := sampleSpec()
	spec.Cron = "not a cron"

	_, err := h.exec.CreateTask(context.Background(), spec)
	var cfgErr *env.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigurationError, got %v", err)
	}
	tasks, _ := h.exec.ListTasks(context.Background())
	if len(tasks) != 0 {
		t.Errorf("invalid task was persisted: %v", tasks)
	}
}

func TestCreateTask_BuildFailure(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness) { h.builder.err = errors.New("image not found") })

	task, err := h.exec.CreateTask(context.Background(), sampleSpec())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.waitStatus(t, task.ID, store.TaskStatusBuildFailed)

	got, _ := h.exec.GetTask(context.Background(), task.ID)
	if got.StatusReason == nil || !strings.Contains(*got.StatusReason, "image not found") {
		t.Errorf("reason = %v", got.StatusReason)
	}
	if h.sched.started(task.ID.String()) {
		t.Error("failed build must not start the schedule")
	}
	if _, err := h.exec.TriggerTask(context.Background(), task.ID); !errors.Is(err, ErrRunDenied) {
		t.Errorf("trigger of failed task: want ErrRunDenied, got %v", err)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	task := h.readyTask(t, sampleSpec())

	if err := h.exec.register(task, task.EnvKey); err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.sched.schedules != 1 {
		t.Errorf("schedules = %d, want 1", h.sched.schedules)
	}
	if n := h.builder.buildCount(); n != 1 {
		t.Errorf("builds = %d, want 1", n)
	}
}

func TestScheduledRun_Succeeds(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness) { h.runner.logs = []string{"hello", "world"} })
	task := h.readyTask(t, sampleSpec())

	if err := h.sched.fire(task.ID.String()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	fh := h.nextHandle(t)
	if fh.req.EnvKey != task.EnvKey || fh.req.Label != task.Label {
		t.Errorf("launch request = %+v", fh.req)
	}

	runs, err := h.exec.ListRuns(context.Background(), task.ID, 0, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %v, %v", runs, err)
	}
	fh.finish(0)
	run := h.waitRun(t, runs[0].ID, store.RunStatusSucceeded)
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("exit code = %v", run.ExitCode)
	}
	if run.HandleID == nil || *run.HandleID != fh.id {
		t.Errorf("handle id = %v, want %s", run.HandleID, fh.id)
	}

	page, err := h.exec.SearchLogs(context.Background(), run.ID, telemetry.Filter{}, telemetry.Paging{})
	if err != nil {
		t.Fatalf("SearchLogs: %v", err)
	}
	var lines []string
	for _, e := range page.Entries {
		lines = append(lines, e.Content)
	}
	if !slices.Equal(lines, []string{"hello", "world"}) {
		t.Errorf("logs = %v", lines)
	}

	agg, err := h.exec.AggregateMetrics(context.Background(), run.ID, telemetry.AggregateRequest{Fields: []string{env.FieldCPU}})
	if err != nil {
		t.Fatalf("AggregateMetrics: %v", err)
	}
	if agg[env.FieldCPU].Cnt != "1.000" {
		t.Errorf("cpu samples = %+v", agg[env.FieldCPU])
	}
}

func TestTriggerTask_ConcurrencyCap(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	task := h.readyTask(t, sampleSpec())

	first, err := h.exec.TriggerTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	fh := h.nextHandle(t)

	if _, err := h.exec.TriggerTask(context.Background(), task.ID); !errors.Is(err, ErrRunDenied) {
		t.Fatalf("second trigger: want ErrRunDenied, got %v", err)
	}

	fh.finish(0)
	h.waitRun(t, first.ID, store.RunStatusSucceeded)

	if _, err := h.exec.TriggerTask(context.Background(), task.ID); err != nil {
		t.Fatalf("trigger after finish: %v", err)
	}
	h.nextHandle(t).finish(0)
}

func TestTriggerTask_TaskCapOverridesDefault(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentRuns: 1}, nil)
	spec := sampleSpec()
	spec.MaxConcurrentRuns = 2
	task := h.readyTask(t, spec)

	var handles []*fakeHandle
	for i := 0; i < 2; i++ {
		if _, err := h.exec.TriggerTask(context.Background(), task.ID); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
		handles = append(handles, h.nextHandle(t))
	}
	if _, err := h.exec.TriggerTask(context.Background(), task.ID); !errors.Is(err, ErrRunDenied) {
		t.Fatalf("third trigger: want ErrRunDenied, got %v", err)
	}
	for _, fh := range handles {
		fh.finish(0)
	}
}

func TestTriggerTask_NotReady(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, Config{}, func(h *harness) { h.builder.gate = gate })
	defer close(gate)

	task, err := h.exec.CreateTask(context.Background(), sampleSpec())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := h.exec.TriggerTask(context.Background(), task.ID); !errors.Is(err, ErrRunDenied) {
		t.Fatalf("want ErrRunDenied, got %v", err)
	}
	if _, err := h.exec.TriggerTask(context.Background(), uuid.New()); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("unknown task: want ErrTaskNotFound, got %v", err)
	}
}

func TestRun_FailureRecorded(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	task := h.readyTask(t, sampleSpec())

	run, err := h.exec.TriggerTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	h.nextHandle(t).finish(2)

	got := h.waitRun(t, run.ID, store.RunStatusFailed)
	if got.ExitCode == nil || *got.ExitCode != 2 {
		t.Errorf("exit code = %v, want 2", got.ExitCode)
	}
	if got.Reason == nil || *got.Reason != "Error" {
		t.Errorf("reason = %v", got.Reason)
	}
	if got.FinishedAt == nil || got.StartedAt == nil {
		t.Error("timestamps not recorded")
	}
}

func TestRun_LaunchFailureRecorded(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	task := h.readyTask(t, sampleSpec())
	h.runner.mu.Lock()
	h.runner.err = errors.New("no capacity")
	h.runner.mu.Unlock()

	run, err := h.exec.TriggerTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	got := h.waitRun(t, run.ID, store.RunStatusFailed)
	if got.ExitCode == nil || *got.ExitCode != lifecycle.ExitFailure {
		t.Errorf("exit code = %v", got.ExitCode)
	}
	if got.Reason == nil || *got.Reason != "no capacity" {
		t.Errorf("reason = %v", got.Reason)
	}
}

func TestDeleteTask_Order(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness) { h.runner.logs = []string{"x"} })
	task := h.readyTask(t, sampleSpec())

	done, err := h.exec.TriggerTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	h.nextHandle(t).finish(0)
	h.waitRun(t, done.ID, store.RunStatusSucceeded)

	if _, err := h.exec.TriggerTask(context.Background(), task.ID); err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	live := h.nextHandle(t)

	if err := h.exec.DeleteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	want := []string{
		"delete-schedule " + task.ID.String(),
		"delete-instance " + live.id,
		"delete-env " + task.EnvKey + " force=true",
	}
	var got []string
	for _, ev := range h.j.list() {
		if strings.HasPrefix(ev, "delete-") {
			got = append(got, ev)
		}
	}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	if _, err := h.exec.GetTask(context.Background(), task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask after delete: %v", err)
	}
	page, err := h.files.SearchLogs(context.Background(),
		telemetry.RunHandle{TaskID: task.ID.String(), RunID: done.ID.String()}, telemetry.Filter{}, telemetry.Paging{})
	if err != nil {
		t.Fatalf("SearchLogs: %v", err)
	}
	if len(page.Entries) != 0 {
		t.Errorf("logs survived delete: %v", page.Entries)
	}
}

func TestRun_DeletesInstanceAfterLogsDrained(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness) { h.runner.logs = []string{"short", "run"} })
	spec := sampleSpec()
	spec.DeleteInstances = true
	task := h.readyTask(t, spec)

	run, err := h.exec.TriggerTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	fh := h.nextHandle(t)
	if !fh.req.Options.Delete {
		t.Errorf("launch request = %+v", fh.req)
	}
	fh.finish(0)
	h.waitRun(t, run.ID, store.RunStatusSucceeded)

	events := h.j.list()
	drained := slices.Index(events, "logs-done "+fh.id)
	deleted := slices.Index(events, "delete-instance "+fh.id)
	if drained < 0 || deleted < 0 || deleted < drained {
		t.Errorf("instance must be deleted after its logs were drained, events = %v", events)
	}

	page, err := h.exec.SearchLogs(context.Background(), run.ID, telemetry.Filter{}, telemetry.Paging{})
	if err != nil {
		t.Fatalf("SearchLogs: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Errorf("logs = %v", page.Entries)
	}
}

func TestStopAndStart_KeepsEnvironment(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	task := h.readyTask(t, sampleSpec())

	if _, err := h.exec.TriggerTask(context.Background(), task.ID); err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	live := h.nextHandle(t)

	stopped, err := h.exec.StopTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("StopTask: %v", err)
	}
	if stopped.Status != store.TaskStatusStopped {
		t.Errorf("status = %s", stopped.Status)
	}
	if !live.watch.Terminal() {
		t.Error("live instance was not removed")
	}
	if h.sched.started(task.ID.String()) {
		t.Error("schedule still started")
	}
	if _, err := h.exec.TriggerTask(context.Background(), task.ID); !errors.Is(err, ErrRunDenied) {
		t.Errorf("trigger of stopped task: want ErrRunDenied, got %v", err)
	}

	started, err := h.exec.StartTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if started.Status != store.TaskStatusReady {
		t.Errorf("status = %s, want ready", started.Status)
	}
	if !h.sched.started(task.ID.String()) {
		t.Error("schedule not restarted")
	}
	if n := h.builder.buildCount(); n != 1 {
		t.Errorf("builds = %d, want 1", n)
	}
}

func TestUpdateTask_RebuildReplacesEnvironment(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	task := h.readyTask(t, sampleSpec())
	oldKey := task.EnvKey

	spec := sampleSpec()
	spec.Steps = []env.TaskStep{{Name: "hello", Script: "echo hello again"}}
	updated, err := h.exec.UpdateTask(context.Background(), task.ID, spec)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Status != store.TaskStatusBuilding {
		t.Errorf("status = %s, want building", updated.Status)
	}

	h.waitStatus(t, task.ID, store.TaskStatusReady)
	waitFor(t, func() bool {
		for _, d := range h.builder.deleted() {
			if d.EnvKey == oldKey && !d.Force {
				return true
			}
		}
		return false
	})
	got, _ := h.exec.GetTask(context.Background(), task.ID)
	if got.EnvKey == oldKey {
		t.Errorf("env key not replaced: %s", got.EnvKey)
	}
}

func TestUpdateTask_NameOnlyKeepsEnvironment(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	task := h.readyTask(t, sampleSpec())

	spec := sampleSpec()
	spec.Name = "renamed"
	updated, err := h.exec.UpdateTask(context.Background(), task.ID, spec)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Status != store.TaskStatusReady || updated.EnvKey != task.EnvKey {
		t.Errorf("updated = %+v", updated)
	}
	if n := h.builder.buildCount(); n != 1 {
		t.Errorf("builds = %d, want 1", n)
	}
}

func TestRestore_ReconcilesRunsAndRegisters(t *testing.T) {
	var adopted *fakeHandle
	h := newHarness(t, Config{}, func(h *harness) {
		adopted = &fakeHandle{id: "adopted", watch: lifecycle.New(nil), j: h.j}
		adopted.watch.MarkRunning()
		h.runner.adopt(adopted)
	})
	ctx := context.Background()

	id := uuid.New()
	now := time.Now().UTC()
	task := &store.Task{
		ID: id, Name: "restored", Label: store.LabelFor(id),
		OS:     env.OSInfo{Name: "alpine"},
		Steps:  []env.TaskStep{{Script: "true"}},
		Cron:   "@hourly",
		EnvKey: "old-key", Status: store.TaskStatusReady,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := h.store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	lost, live, unlaunched := "gone", "adopted", uuid.New()
	runs := []*store.TaskRun{
		{ID: uuid.New(), TaskID: id, HandleID: &lost, Status: store.RunStatusRunning, CreatedAt: now},
		{ID: uuid.New(), TaskID: id, HandleID: &live, Status: store.RunStatusRunning, CreatedAt: now.Add(time.Second)},
		{ID: unlaunched, TaskID: id, Status: store.RunStatusPending, CreatedAt: now.Add(2 * time.Second)},
	}
	for _, r := range runs {
		if err := h.store.CreateRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.exec.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	lostRun := h.waitRun(t, runs[0].ID, store.RunStatusFailed)
	if lostRun.Reason == nil || !strings.Contains(*lostRun.Reason, "gone") {
		t.Errorf("lost run reason = %v", lostRun.Reason)
	}
	h.waitRun(t, unlaunched, store.RunStatusFailed)

	adopted.finish(0)
	h.waitRun(t, runs[1].ID, store.RunStatusSucceeded)

	h.waitStatus(t, id, store.TaskStatusReady)
	if !h.sched.Exists(id.String()) {
		t.Error("restored task not scheduled")
	}
	waitFor(t, func() bool {
		for _, d := range h.builder.deleted() {
			if d.EnvKey == "old-key" {
				return true
			}
		}
		return false
	})
}

func TestRestore_ReconcilesRunsBeyondFirstPage(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	id := uuid.New()
	now := time.Now().UTC()
	task := &store.Task{
		ID:        id,
		Name:      "busy",
		Label:     store.LabelFor(id),
		OS:        env.OSInfo{Name: "alpine"},
		Steps:     []env.TaskStep{{Script: "true"}},
		Cron:      "@hourly",
		Status:    store.TaskStatusStopped,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	stale := uuid.New()
	if err := h.store.CreateRun(ctx, &store.TaskRun{ID: stale, TaskID: id, Status: store.RunStatusPending, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 250; i++ {
		r := &store.TaskRun{ID: uuid.New(), TaskID: id, Status: store.RunStatusSucceeded, CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if err := h.store.CreateRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.exec.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	h.waitRun(t, stale, store.RunStatusFailed)

	active, err := h.store.CountActiveRuns(ctx, id)
	if err != nil || active != 0 {
		t.Errorf("CountActiveRuns = %d, %v", active, err)
	}
}

func TestRestore_SkipsStoppedTasks(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	id := uuid.New()
	now := time.Now().UTC()
	err := h.store.CreateTask(ctx, &store.Task{
		ID: id, Name: "paused", Label: store.LabelFor(id),
		OS: env.OSInfo{Name: "alpine"}, Steps: []env.TaskStep{{Script: "true"}}, Cron: "@daily",
		Status: store.TaskStatusStopped, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.exec.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if h.sched.Exists(id.String()) {
		t.Error("stopped task was scheduled")
	}
	if h.status(t, id) != store.TaskStatusStopped {
		t.Error("stopped task changed status")
	}
}

func TestTaskSpec_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TaskSpec)
		field  string
	}{
		{"missing name", func(s *TaskSpec) { s.Name = " " }, "name"},
		{"missing os", func(s *TaskSpec) { s.OS = env.OSInfo{} }, "os.name"},
		{"no steps", func(s *TaskSpec) { s.Steps = nil }, "steps"},
		{"empty script", func(s *TaskSpec) { s.Steps = []env.TaskStep{{Name: "a"}} }, "steps[0].script"},
		{"bad cron", func(s *TaskSpec) { s.Cron = "* *" }, "cron"},
		{"negative cap", func(s *TaskSpec) { s.MaxConcurrentRuns = -1 }, "max_concurrent_runs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := sampleSpec()
			tt.mutate(&spec)
			var cfgErr *env.ConfigurationError
			if err := spec.Validate(); !errors.As(err, &cfgErr) || cfgErr.Field != tt.field {
				t.Errorf("Validate() = %v, want field %q", err, tt.field)
			}
		})
	}
	if err := sampleSpec().Validate(); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}
