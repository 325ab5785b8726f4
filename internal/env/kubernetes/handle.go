package kubernetes

import (
	"bufio"
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"taskplane/internal/env"
	"taskplane/internal/env/collector"
	"taskplane/internal/env/lifecycle"
)

// Waiting reasons that mean the container will never start.
var imageErrorReasons = map[string]bool{
	"ErrImagePull":      true,
	"ErrImageNeverPull": true,
	"InvalidImageName":  true,
}

// ReasonDeadlineExceeded marks pods deleted by their TTL.
const ReasonDeadlineExceeded = "DeadlineExceeded"

const reasonDeletedBeforeExit = "pod deleted before completion"

// Handle controls one pod. The handle id is the pod name.
type Handle struct {
	clientset kubernetes.Interface
	namespace string
	name      string
	logger    *slog.Logger

	watch     *lifecycle.Watch
	collector collector.Collector

	expired  atomic.Bool
	ttlMu    sync.Mutex
	ttlTimer *time.Timer
}

var _ env.EnvHandle = (*Handle)(nil)

// ID implements env.EnvHandle.
func (h *Handle) ID() string { return h.name }

// follow classifies pod events until the pod is terminal or the channel closes.
func (h *Handle) follow(events <-chan watch.Event) {
	defer h.stopTTL()
	for ev := range events {
		switch ev.Type {
		case watch.Error:
			h.watch.TransportFailed(apierrors.FromObject(ev.Object))
			return
		case watch.Deleted:
			if pod, ok := ev.Object.(*corev1.Pod); ok {
				h.classify(pod)
			}
			reason := reasonDeletedBeforeExit
			if h.expired.Load() {
				reason = ReasonDeadlineExceeded
			}
			h.watch.Finish(lifecycle.Failed, lifecycle.ExitFailure, reason)
			return
		case watch.Added, watch.Modified:
			pod, ok := ev.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			if h.classify(pod) {
				return
			}
		}
	}
	h.watch.TransportFailed(nil)
}

// classify applies one pod snapshot to the watch and reports whether it is terminal.
func (h *Handle) classify(pod *corev1.Pod) bool {
	cs := taskStatus(pod)
	if cs != nil && cs.State.Waiting != nil && imageErrorReasons[cs.State.Waiting.Reason] {
		reason := cs.State.Waiting.Reason
		if msg := cs.State.Waiting.Message; msg != "" {
			reason += ": " + msg
		}
		h.watch.FailInit(reason)
		return true
	}

	switch pod.Status.Phase {
	case corev1.PodPending, "":
	case corev1.PodRunning:
		h.watch.MarkRunning()
	case corev1.PodSucceeded:
		h.watch.Finish(lifecycle.Succeeded, exitCode(cs, lifecycle.ExitSuccess), h.reason(pod, cs))
	default:
		// Failed, Unknown and any phase added later.
		h.watch.Finish(lifecycle.Failed, exitCode(cs, lifecycle.ExitFailure), h.reason(pod, cs))
	}
	return h.watch.Terminal()
}

func taskStatus(pod *corev1.Pod) *corev1.ContainerStatus {
	for i := range pod.Status.ContainerStatuses {
		if pod.Status.ContainerStatuses[i].Name == ContainerName {
			return &pod.Status.ContainerStatuses[i]
		}
	}
	return nil
}

func exitCode(cs *corev1.ContainerStatus, fallback int) int {
	if cs != nil && cs.State.Terminated != nil {
		return int(cs.State.Terminated.ExitCode)
	}
	return fallback
}

func (h *Handle) reason(pod *corev1.Pod, cs *corev1.ContainerStatus) string {
	if h.expired.Load() {
		return ReasonDeadlineExceeded
	}
	if cs != nil && cs.State.Terminated != nil {
		if r := firstNonEmpty(cs.State.Terminated.Reason, cs.State.Terminated.Message); r != "" {
			return r
		}
	}
	if r := firstNonEmpty(pod.Status.Reason, pod.Status.Message); r != "" {
		return r
	}
	return lifecycle.UnknownReason
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (h *Handle) expireAfter(ttl time.Duration) {
	h.ttlMu.Lock()
	defer h.ttlMu.Unlock()
	h.ttlTimer = time.AfterFunc(ttl, func() {
		if h.watch.Terminal() {
			return
		}
		h.expired.Store(true)
		h.logger.Info("ttl expired, deleting pod", "ttl", ttl)
		if err := h.Delete(context.Background()); err != nil {
			h.logger.Warn("failed to delete expired pod", "error", err)
		}
	})
}

func (h *Handle) stopTTL() {
	h.ttlMu.Lock()
	defer h.ttlMu.Unlock()
	if h.ttlTimer != nil {
		h.ttlTimer.Stop()
	}
}

func (h *Handle) remove(ctx context.Context, grace *int64) error {
	err := h.clientset.CoreV1().Pods(h.namespace).Delete(ctx, h.name, metav1.DeleteOptions{GracePeriodSeconds: grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return env.Constructing("delete pod "+h.name, err)
	}
	return nil
}

// Stop implements env.EnvHandle with the pod's default grace period.
func (h *Handle) Stop(ctx context.Context) error {
	return h.remove(ctx, nil)
}

// Delete implements env.EnvHandle.
func (h *Handle) Delete(ctx context.Context) error {
	var zero int64
	return h.remove(ctx, &zero)
}

// Wait implements env.EnvHandle.
func (h *Handle) Wait(ctx context.Context) env.ExitResult {
	return h.watch.Wait(ctx)
}

// Logs implements env.EnvHandle. Output of both streams arrives merged and is reported
// as stdout.
func (h *Handle) Logs(ctx context.Context) iter.Seq2[env.LogEntry, error] {
	return func(yield func(env.LogEntry, error) bool) {
		if err := h.watch.WaitNonPending(ctx); err != nil {
			return
		}
		if h.watch.Status().InitError != "" {
			return
		}
		stream, err := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.name, &corev1.PodLogOptions{
			Container:  ContainerName,
			Follow:     true,
			Timestamps: true,
		}).Stream(ctx)
		if err != nil {
			if apierrors.IsNotFound(err) || ctx.Err() != nil {
				return
			}
			yield(env.LogEntry{}, err)
			return
		}
		defer stream.Close()

		sc := bufio.NewScanner(stream)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			if !yield(env.ParseLogLine(env.StreamStdout, sc.Text()), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			yield(env.LogEntry{}, err)
		}
	}
}

// Metrics implements env.EnvHandle.
func (h *Handle) Metrics(ctx context.Context, interval time.Duration) iter.Seq2[env.MetricEntry, error] {
	return func(yield func(env.MetricEntry, error) bool) {
		if h.collector == nil {
			return
		}
		if err := h.watch.WaitNonPending(ctx); err != nil {
			return
		}
		if h.watch.Status().InitError != "" {
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
