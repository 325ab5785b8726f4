package docker

import (
	"context"
	"iter"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/errdefs"

	"taskplane/internal/env"
	"taskplane/internal/env/collector"
	"taskplane/internal/env/lifecycle"
)

// ReasonDeadlineExceeded marks instances killed by their TTL.
const ReasonDeadlineExceeded = "DeadlineExceeded"

const reasonRemovedBeforeExit = "container removed before exit"

// Handle controls one container. A handle whose image could not be obtained has no
// container and is terminal from the start.
type Handle struct {
	api         API
	id          string
	containerID string
	stopTimeout time.Duration
	logger      *slog.Logger

	watch     *lifecycle.Watch
	collector collector.Collector

	expired  atomic.Bool
	ttlMu    sync.Mutex
	ttlTimer *time.Timer
}

var _ env.EnvHandle = (*Handle)(nil)

// ID implements env.EnvHandle.
func (h *Handle) ID() string { return h.id }

// ContainerID returns the docker container id, empty for init failures.
func (h *Handle) ContainerID() string { return h.containerID }

// follow feeds docker events into the watch until it is terminal or ctx is cancelled.
func (h *Handle) follow(ctx context.Context, msgs <-chan events.Message, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if ctx.Err() != nil {
				return
			}
			h.watch.TransportFailed(err)
			return
		case m, ok := <-msgs:
			if !ok {
				h.watch.TransportFailed(nil)
				return
			}
			switch m.Action {
			case events.ActionStart:
				h.watch.MarkRunning()
			case events.ActionDie:
				code, err := strconv.Atoi(m.Actor.Attributes["exitCode"])
				if err != nil {
					code = lifecycle.ExitFailure
				}
				h.finish(code, h.dieReason(code))
				return
			case events.ActionDestroy:
				h.watch.Finish(lifecycle.Failed, lifecycle.ExitFailure, reasonRemovedBeforeExit)
				return
			}
		}
	}
}

func (h *Handle) finish(code int, reason string) {
	phase := lifecycle.Succeeded
	if code != 0 {
		phase = lifecycle.Failed
	}
	if h.expired.Load() {
		reason = ReasonDeadlineExceeded
	}
	h.watch.Finish(phase, code, reason)
	h.ttlMu.Lock()
	if h.ttlTimer != nil {
		h.ttlTimer.Stop()
	}
	h.ttlMu.Unlock()
}

func (h *Handle) dieReason(code int) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := h.api.ContainerInspect(ctx, h.containerID)
	if err != nil || info.State == nil {
		return stateReason(code, false, "")
	}
	return stateReason(code, info.State.OOMKilled, info.State.Error)
}

// expireAfter kills the container once ttl elapsed. Kill errors are only logged.
func (h *Handle) expireAfter(ttl time.Duration) {
	h.ttlMu.Lock()
	defer h.ttlMu.Unlock()
	h.ttlTimer = time.AfterFunc(ttl, func() {
		if h.watch.Terminal() {
			return
		}
		h.expired.Store(true)
		h.logger.Info("ttl expired, killing container", "ttl", ttl)
		if err := h.api.ContainerKill(context.Background(), h.containerID, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) {
			h.logger.Warn("failed to kill expired container", "error", err)
		}
	})
}

// Stop implements env.EnvHandle.
func (h *Handle) Stop(ctx context.Context) error {
	if h.containerID == "" {
		return nil
	}
	secs := int(h.stopTimeout.Seconds())
	err := h.api.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return env.Constructing("stop container "+shortID(h.containerID), err)
	}
	return nil
}

// Delete implements env.EnvHandle.
func (h *Handle) Delete(ctx context.Context) error {
	if h.containerID == "" {
		h.watch.Stop()
		return nil
	}
	err := h.api.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return env.Constructing("remove container "+shortID(h.containerID), err)
	}
	return nil
}

// Wait implements env.EnvHandle.
func (h *Handle) Wait(ctx context.Context) env.ExitResult {
	return h.watch.Wait(ctx)
}

// Logs implements env.EnvHandle.
func (h *Handle) Logs(ctx context.Context) iter.Seq2[env.LogEntry, error] {
	return func(yield func(env.LogEntry, error) bool) {
		if h.containerID == "" {
			return
		}
		if err := h.watch.WaitNonPending(ctx); err != nil {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		rc, err := h.api.ContainerLogs(ctx, h.containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
			Timestamps: true,
		})
		if err != nil {
			if errdefs.IsNotFound(err) {
				return
			}
			yield(env.LogEntry{}, err)
			return
		}
		defer rc.Close()
		for entry, err := range demux(ctx, rc) {
			if !yield(entry, err) || err != nil {
				return
			}
		}
	}
}

// Metrics implements env.EnvHandle.
func (h *Handle) Metrics(ctx context.Context, interval time.Duration) iter.Seq2[env.MetricEntry, error] {
	return func(yield func(env.MetricEntry, error) bool) {
		if h.containerID == "" {
			return
		}
		if err := h.watch.WaitNonPending(ctx); err != nil {
			return
		}
		active := func(context.Context) bool { return h.watch.Active() }
		for entry, err := range h.collector.Collect(ctx, interval, active) {
			if !yield(entry, err) || err != nil {
				return
			}
		}
	}
}
