// Package scheduler keeps one cron entry per task and fires its callback on schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"taskplane/internal/env"
)

// ErrExists is returned when a task already has an entry.
var ErrExists = errors.New("task already scheduled")

// ErrNotScheduled is returned by Start for unknown tasks.
var ErrNotScheduled = errors.New("task not scheduled")

// Entry describes when and what to fire for a task.
type Entry struct {
	// Cron is a standard five field expression, optionally with leading seconds,
	// or a descriptor such as "@every 1m".
	Cron string
	// Once removes the entry after the first firing.
	Once     bool
	Callback func(ctx context.Context)
}

// Scheduler owns the cron entries of all registered tasks.
type Scheduler interface {
	// Schedule registers a stopped entry. Exists reports true right after it returns.
	Schedule(taskID string, e Entry) error
	Start(taskID string) error
	Stop(taskID string)
	// Delete stops and forgets the entry. Unknown ids are ignored.
	Delete(taskID string)
	Exists(taskID string) bool
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether expr parses as a schedule.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return env.Misconfigured("cron", "%q: %v", expr, err)
	}
	return nil
}

type entry struct {
	spec     Entry
	schedule cron.Schedule
	id       cron.EntryID
	fired    bool
}

// Cron is a Scheduler backed by robfig/cron.
type Cron struct {
	c      *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCron creates a started scheduler with an empty registry.
func NewCron(logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Cron{
		c:       cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger})),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
	s.c.Start()
	return s
}

// Schedule implements Scheduler.
func (s *Cron) Schedule(taskID string, e Entry) error {
	if e.Callback == nil {
		return env.Misconfigured("callback", "required")
	}
	schedule, err := parser.Parse(e.Cron)
	if err != nil {
		return env.Misconfigured("cron", "%q: %v", e.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[taskID]; ok {
		return fmt.Errorf("%s: %w", taskID, ErrExists)
	}
	s.entries[taskID] = &entry{spec: e, schedule: schedule}
	return nil
}

// Start implements Scheduler. Starting a started entry does nothing.
func (s *Cron) Start(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		return fmt.Errorf("%s: %w", taskID, ErrNotScheduled)
	}
	if e.id != 0 {
		return nil
	}
	e.id = s.c.Schedule(e.schedule, cron.FuncJob(func() { s.fire(taskID, e) }))
	return nil
}

// Stop implements Scheduler.
func (s *Cron) Stop(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[taskID]; ok {
		s.stopLocked(e)
	}
}

func (s *Cron) stopLocked(e *entry) {
	if e.id != 0 {
		s.c.Remove(e.id)
		e.id = 0
	}
}

// Delete implements Scheduler.
func (s *Cron) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return
	}
	s.stopLocked(e)
	delete(s.entries, taskID)
}

// Exists implements Scheduler.
func (s *Cron) Exists(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

// Running reports whether the entry of taskID is started.
func (s *Cron) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	return ok && e.id != 0
}

func (s *Cron) fire(taskID string, e *entry) {
	if e.spec.Once {
		// Unschedule before the callback so a slow callback cannot be fired twice.
		s.mu.Lock()
		if e.fired {
			s.mu.Unlock()
			return
		}
		e.fired = true
		s.stopLocked(e)
		s.mu.Unlock()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled callback panicked", "task_id", taskID, "panic", r)
		}
		if e.spec.Once {
			s.deleteEntry(taskID, e)
		}
	}()
	e.spec.Callback(s.ctx)
}

// deleteEntry removes taskID only while it still refers to e, so a re-registration
// made during the callback survives.
func (s *Cron) deleteEntry(taskID string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[taskID]; ok && cur == e {
		s.stopLocked(e)
		delete(s.entries, taskID)
	}
}

// Close stops firing and waits for running callbacks until ctx expires.
func (s *Cron) Close(ctx context.Context) error {
	stopped := s.c.Stop()
	select {
	case <-stopped.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
