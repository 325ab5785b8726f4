// Package memory is an in-process TaskStore and RunStore used when no database is
// configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"taskplane/internal/env"
	"taskplane/internal/store"
)

// Store keeps tasks and runs in maps. Records are copied on the way in and out.
type Store struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]store.Task
	runs  map[uuid.UUID]store.TaskRun
}

var (
	_ store.TaskStore = (*Store)(nil)
	_ store.RunStore  = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		tasks: make(map[uuid.UUID]store.Task),
		runs:  make(map[uuid.UUID]store.TaskRun),
	}
}

// copyTask detaches the slices and pointers a caller could mutate.
func copyTask(t store.Task) store.Task {
	t.Steps = append([]env.TaskStep(nil), t.Steps...)
	if t.Limitations != nil {
		l := *t.Limitations
		t.Limitations = &l
	}
	if t.Script != nil {
		s := *t.Script
		t.Script = &s
	}
	return t
}

// CreateTask implements store.TaskStore.
func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = copyTask(*task)
	return nil
}

// GetTask implements store.TaskStore.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	t = copyTask(t)
	return &t, nil
}

// ListTasks implements store.TaskStore.
func (s *Store) ListTasks(ctx context.Context) ([]store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateTask implements store.TaskStore.
func (s *Store) UpdateTask(ctx context.Context, task *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	s.tasks[task.ID] = copyTask(*task)
	return nil
}

// DeleteTask implements store.TaskStore.
func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.tasks, id)
	for runID, r := range s.runs {
		if r.TaskID == id {
			delete(s.runs, runID)
		}
	}
	return nil
}

// CreateRun implements store.RunStore.
func (s *Store) CreateRun(ctx context.Context, run *store.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

// GetRun implements store.RunStore.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*store.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

// UpdateRun implements store.RunStore.
func (s *Store) UpdateRun(ctx context.Context, run *store.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	s.runs[run.ID] = *run
	return nil
}

// ListRuns implements store.RunStore.
func (s *Store) ListRuns(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]store.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.TaskRun
	for _, r := range s.runs {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// CountActiveRuns implements store.RunStore.
func (s *Store) CountActiveRuns(ctx context.Context, taskID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		if r.TaskID == taskID && !r.Status.Terminal() {
			n++
		}
	}
	return n, nil
}
