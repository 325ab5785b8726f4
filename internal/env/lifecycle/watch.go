// Package lifecycle tracks one instance through pending, running and a terminal phase.
//
// Backends translate their own events (pod watch, docker events, process exit) into calls
// on a Watch. The Watch keeps a single mutable record and resolves its waiters exactly once.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"taskplane/internal/env"
)

// Phase is the observable lifecycle phase of an instance.
type Phase string

const (
	Pending   Phase = "pending"
	Running   Phase = "running"
	Succeeded Phase = "succeeded"
	Failed    Phase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == Succeeded || p == Failed
}

// Fixed exit codes used when the backend reports no process exit code.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// UnknownReason is recorded when neither the backend nor the process gave a reason.
const UnknownReason = "Unknown"

// Status is a snapshot of a Watch. ExitCode is only meaningful when Phase is terminal.
type Status struct {
	Phase     Phase
	ExitCode  int
	InitError string
	Reason    string
}

// Watch is the state machine for one instance.
type Watch struct {
	mu     sync.Mutex
	status Status

	nonPending     chan struct{}
	nonPendingOnce sync.Once
	terminal       chan struct{}
	terminalOnce   sync.Once

	stop     func()
	stopOnce sync.Once
}

// New returns a pending Watch. stop, when non-nil, releases the underlying event
// subscription; it runs at most once, on reaching a terminal phase or on Stop.
func New(stop func()) *Watch {
	return &Watch{
		status:     Status{Phase: Pending},
		nonPending: make(chan struct{}),
		terminal:   make(chan struct{}),
		stop:       stop,
	}
}

// MarkRunning records the first observation of the running phase.
func (w *Watch) MarkRunning() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Phase != Pending {
		return
	}
	w.status.Phase = Running
	w.nonPendingOnce.Do(func() { close(w.nonPending) })
}

// FailInit records a failure before the instance process ever started, such as an
// image pull error. The exit code is the fixed failure code.
func (w *Watch) FailInit(reason string) {
	w.finish(Failed, ExitFailure, reason, reason)
}

// Finish moves the watch to a terminal phase. Only the first terminal transition counts.
func (w *Watch) Finish(phase Phase, exitCode int, reason string) {
	if !phase.Terminal() {
		return
	}
	w.finish(phase, exitCode, reason, "")
}

// TransportFailed handles a broken event stream. Before a terminal phase it is an
// unexpected failure; afterwards it is noise from stopping the stream and is ignored.
func (w *Watch) TransportFailed(err error) {
	if err == nil {
		err = errors.New("event stream closed")
	}
	w.finish(Failed, ExitFailure, err.Error(), "")
}

func (w *Watch) finish(phase Phase, exitCode int, reason, initErr string) {
	w.mu.Lock()
	if w.status.Phase.Terminal() {
		w.mu.Unlock()
		return
	}
	if reason == "" {
		reason = UnknownReason
	}
	w.status = Status{Phase: phase, ExitCode: exitCode, InitError: initErr, Reason: reason}
	w.mu.Unlock()

	w.nonPendingOnce.Do(func() { close(w.nonPending) })
	w.terminalOnce.Do(func() { close(w.terminal) })
	w.Stop()
}

// Stop releases the underlying subscription. Safe to call any number of times.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		if w.stop != nil {
			w.stop()
		}
	})
}

// WaitNonPending blocks until the instance is running or terminal.
func (w *Watch) WaitNonPending(ctx context.Context) error {
	select {
	case <-w.nonPending:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTerminal blocks until the instance succeeded or failed.
func (w *Watch) WaitTerminal(ctx context.Context) error {
	select {
	case <-w.terminal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the watch is terminal.
func (w *Watch) Done() <-chan struct{} {
	return w.terminal
}

// Status returns a snapshot of the record.
func (w *Watch) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Terminal reports whether the watch reached succeeded or failed.
func (w *Watch) Terminal() bool {
	return w.Status().Phase.Terminal()
}

// Active reports whether the instance may still be producing output.
func (w *Watch) Active() bool {
	return !w.Terminal()
}

// Wait blocks until terminal and converts the record into an ExitResult. It never fails:
// a cancelled context yields a failure result carrying ctx.Err().
func (w *Watch) Wait(ctx context.Context) env.ExitResult {
	if err := w.WaitTerminal(ctx); err != nil {
		return env.ExitResult{ExitCode: ExitFailure, ExitError: err}
	}
	return w.Result()
}

// Result converts a terminal record into an ExitResult.
func (w *Watch) Result() env.ExitResult {
	s := w.Status()
	res := env.ExitResult{ExitCode: s.ExitCode, InitError: s.InitError}
	if s.Phase == Failed || s.ExitCode != ExitSuccess {
		res.ExitError = errors.New(s.Reason)
	}
	return res
}
