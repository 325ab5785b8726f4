package executor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"taskplane/internal/env"
	"taskplane/internal/env/lifecycle"
	"taskplane/internal/scheduler"
)

// journal records cross-fake calls in order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type fakeBuilder struct {
	j *journal

	mu      sync.Mutex
	gate    chan struct{}
	err     error
	builds  []env.BuildEnvRequest
	deletes []env.DeleteEnvRequest
}

func (b *fakeBuilder) BuildEnv(ctx context.Context, req env.BuildEnvRequest) (env.BuildEnvResult, error) {
	b.mu.Lock()
	b.builds = append(b.builds, req)
	gate, err := b.gate, b.err
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return env.BuildEnvResult{}, ctx.Err()
		}
	}
	if err != nil {
		return env.BuildEnvResult{}, err
	}
	script := env.JoinSteps(req.Steps)
	return env.BuildEnvResult{EnvKey: fmt.Sprintf("%s:%d", req.Label, len(script)), Script: &script}, nil
}

func (b *fakeBuilder) DeleteEnv(ctx context.Context, req env.DeleteEnvRequest) error {
	b.mu.Lock()
	b.deletes = append(b.deletes, req)
	b.mu.Unlock()
	b.j.add("delete-env %s force=%v", req.EnvKey, req.Force)
	return nil
}

func (b *fakeBuilder) buildCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.builds)
}

func (b *fakeBuilder) deleted() []env.DeleteEnvRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]env.DeleteEnvRequest(nil), b.deletes...)
}

type fakeHandle struct {
	id    string
	label string
	req   env.RunEnvRequest
	watch *lifecycle.Watch
	logs  []string
	j     *journal

	mu      sync.Mutex
	deleted int
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.watch.Finish(lifecycle.Failed, 143, "stopped")
	return nil
}

func (h *fakeHandle) Delete(ctx context.Context) error {
	h.mu.Lock()
	h.deleted++
	h.mu.Unlock()
	h.j.add("delete-instance %s", h.id)
	h.watch.Finish(lifecycle.Failed, 137, "deleted")
	return nil
}

func (h *fakeHandle) Wait(ctx context.Context) env.ExitResult {
	return h.watch.Wait(ctx)
}

// Logs replays the canned lines and follows the instance until it is terminal.
func (h *fakeHandle) Logs(ctx context.Context) iter.Seq2[env.LogEntry, error] {
	return func(yield func(env.LogEntry, error) bool) {
		for _, line := range h.logs {
			if !yield(env.LogEntry{Stream: env.StreamStdout, Time: time.Now(), Content: line}, nil) {
				return
			}
		}
		select {
		case <-h.watch.Done():
			h.j.add("logs-done %s", h.id)
		case <-ctx.Done():
		}
	}
}

func (h *fakeHandle) Metrics(ctx context.Context, interval time.Duration) iter.Seq2[env.MetricEntry, error] {
	return func(yield func(env.MetricEntry, error) bool) {
		yield(env.MetricEntry{Time: time.Now(), CPU: "100m", RAM: "1Mi"}, nil)
	}
}

// finish ends the instance with code.
func (h *fakeHandle) finish(code int) {
	if code == 0 {
		h.watch.Finish(lifecycle.Succeeded, 0, "Completed")
		return
	}
	h.watch.Finish(lifecycle.Failed, code, "Error")
}

type fakeRunner struct {
	j    *journal
	logs []string

	mu      sync.Mutex
	err     error
	handles map[string]*fakeHandle
	order   []*fakeHandle
	started chan *fakeHandle
}

func newFakeRunner(j *journal) *fakeRunner {
	return &fakeRunner{j: j, handles: make(map[string]*fakeHandle), started: make(chan *fakeHandle, 16)}
}

func (r *fakeRunner) RunEnv(ctx context.Context, req env.RunEnvRequest) (env.EnvHandle, error) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	h := &fakeHandle{
		id:    env.NewHandleID(req.Label),
		label: req.Label,
		req:   req,
		watch: lifecycle.New(nil),
		logs:  r.logs,
		j:     r.j,
	}
	h.watch.MarkRunning()
	r.handles[h.id] = h
	r.order = append(r.order, h)
	r.mu.Unlock()

	r.started <- h
	return h, nil
}

func (r *fakeRunner) GetEnvHandle(ctx context.Context, id string) (env.EnvHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, env.ErrHandleNotFound
	}
	return h, nil
}

func (r *fakeRunner) GetEnvChildrenHandleIDs(ctx context.Context, label string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, h := range r.order {
		if h.label == label && !h.watch.Terminal() {
			ids = append(ids, h.id)
		}
	}
	return ids, nil
}

// adopt registers a handle as if a previous process had launched it.
func (r *fakeRunner) adopt(h *fakeHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.id] = h
	r.order = append(r.order, h)
}

type fakeEntry struct {
	spec    scheduler.Entry
	started bool
}

type fakeScheduler struct {
	j *journal

	mu        sync.Mutex
	entries   map[string]*fakeEntry
	schedules int
}

func newFakeScheduler(j *journal) *fakeScheduler {
	return &fakeScheduler{j: j, entries: make(map[string]*fakeEntry)}
}

func (s *fakeScheduler) Schedule(taskID string, e scheduler.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[taskID]; ok {
		return scheduler.ErrExists
	}
	s.entries[taskID] = &fakeEntry{spec: e}
	s.schedules++
	return nil
}

func (s *fakeScheduler) Start(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return scheduler.ErrNotScheduled
	}
	e.started = true
	return nil
}

func (s *fakeScheduler) Stop(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[taskID]; ok {
		e.started = false
	}
	s.j.add("stop-schedule %s", taskID)
}

func (s *fakeScheduler) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, taskID)
	s.j.add("delete-schedule %s", taskID)
}

func (s *fakeScheduler) Exists(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

func (s *fakeScheduler) started(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	return ok && e.started
}

// fire runs the callback of a started entry.
func (s *fakeScheduler) fire(taskID string) error {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	s.mu.Unlock()
	if !ok || !e.started {
		return errors.New("entry not started")
	}
	e.spec.Callback(context.Background())
	return nil
}
