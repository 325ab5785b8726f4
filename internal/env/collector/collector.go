// Package collector implements the per-instance resource sampling strategies.
//
// Every strategy yields env.MetricEntry values through a lazy sequence that ends when the
// instance is gone. A short-lived instance may legitimately produce no samples at all.
package collector

import (
	"context"
	"iter"
	"time"

	"taskplane/internal/env"
)

// ActiveFunc reports whether the sampled instance may still be alive.
type ActiveFunc func(ctx context.Context) bool

// Collector samples one instance.
type Collector interface {
	Collect(ctx context.Context, interval time.Duration, isActive ActiveFunc) iter.Seq2[env.MetricEntry, error]
}

// Kind selects a strategy from configuration.
type Kind string

const (
	KindNative        Kind = "native"
	KindPoll          Kind = "poll"
	KindMetricsServer Kind = "metrics-server"
	KindPrometheus    Kind = "prometheus"
)

// sleep waits for d or until ctx is done. It reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func normalize(interval time.Duration) time.Duration {
	if interval <= 0 {
		return env.DefaultMetricsInterval
	}
	return interval
}

func always(context.Context) bool { return true }
