package process

import (
	"context"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"taskplane/internal/env"
	"taskplane/internal/env/collector"
	"taskplane/internal/env/lifecycle"
)

// ReasonDeadlineExceeded marks processes killed by their TTL.
const ReasonDeadlineExceeded = "DeadlineExceeded"

// Handle controls one process.
type Handle struct {
	id      string
	label   string
	cmd     *exec.Cmd
	workDir string
	grace   time.Duration
	logger  *slog.Logger

	out       *output
	watch     *lifecycle.Watch
	collector collector.Collector

	expired  atomic.Bool
	ttlMu    sync.Mutex
	ttlTimer *time.Timer

	deleteOnce sync.Once
	onDelete   func()
}

var _ env.EnvHandle = (*Handle)(nil)

// ID implements env.EnvHandle.
func (h *Handle) ID() string { return h.id }

func (h *Handle) pid() int {
	if h.watch.Terminal() {
		return 0
	}
	return h.cmd.Process.Pid
}

// reap waits for the process once its output is drained.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	code, signal := exitStatus(err)

	reason := "Completed"
	switch {
	case h.expired.Load():
		reason = ReasonDeadlineExceeded
	case signal != "":
		reason = "killed by signal: " + signal
	case code != 0:
		reason = "Error"
	}
	phase := lifecycle.Succeeded
	if code != 0 {
		phase = lifecycle.Failed
	}

	h.ttlMu.Lock()
	if h.ttlTimer != nil {
		h.ttlTimer.Stop()
	}
	h.ttlMu.Unlock()

	h.logger.Info("process exited", "exit_code", code, "reason", reason)
	h.watch.Finish(phase, code, reason)
}

func (h *Handle) expireAfter(ttl time.Duration) {
	h.ttlMu.Lock()
	defer h.ttlMu.Unlock()
	h.ttlTimer = time.AfterFunc(ttl, func() {
		if h.watch.Terminal() {
			return
		}
		h.expired.Store(true)
		h.logger.Info("ttl expired, killing process", "ttl", ttl)
		if err := signalGroup(h.cmd.Process.Pid, syscall.SIGKILL); err != nil {
			h.logger.Warn("failed to kill expired process", "error", err)
		}
	})
}

// Stop implements env.EnvHandle: SIGTERM, then SIGKILL after the grace period.
func (h *Handle) Stop(ctx context.Context) error {
	if h.watch.Terminal() {
		return nil
	}
	if err := signalGroup(h.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return env.Constructing("signal process", err)
	}
	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-h.watch.Done():
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}
	if err := signalGroup(h.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return env.Constructing("kill process", err)
	}
	return nil
}

// Delete implements env.EnvHandle. It kills the process and removes its work dir.
func (h *Handle) Delete(ctx context.Context) error {
	if !h.watch.Terminal() {
		if err := signalGroup(h.cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return env.Constructing("kill process", err)
		}
	}
	var err error
	h.deleteOnce.Do(func() {
		err = os.RemoveAll(h.workDir)
		if h.onDelete != nil {
			h.onDelete()
		}
	})
	if err != nil {
		return env.Constructing("remove work dir", err)
	}
	return nil
}

// Wait implements env.EnvHandle.
func (h *Handle) Wait(ctx context.Context) env.ExitResult {
	return h.watch.Wait(ctx)
}

// Logs implements env.EnvHandle. Every call replays the output from the first line.
func (h *Handle) Logs(ctx context.Context) iter.Seq2[env.LogEntry, error] {
	return h.out.stream(ctx)
}

// Metrics implements env.EnvHandle.
func (h *Handle) Metrics(ctx context.Context, interval time.Duration) iter.Seq2[env.MetricEntry, error] {
	active := func(context.Context) bool { return h.watch.Active() }
	return h.collector.Collect(ctx, interval, active)
}
