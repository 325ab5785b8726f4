package collector

import (
	"context"
	"fmt"
	"iter"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsapi "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"taskplane/internal/env"
)

// DefaultNotFoundRetries bounds how long a strategy waits for the first data point.
const DefaultNotFoundRetries = 10

// MetricsServer polls the metrics.k8s.io API for one pod.
type MetricsServer struct {
	Client    metricsv.Interface
	Namespace string
	Pod       string
	// Container restricts usage to one container; empty sums all of them.
	Container       string
	NotFoundRetries int
}

// NewMetricsServer returns a metrics-server collector for a pod.
func NewMetricsServer(client metricsv.Interface, namespace, pod, container string) *MetricsServer {
	return &MetricsServer{
		Client:          client,
		Namespace:       namespace,
		Pod:             pod,
		Container:       container,
		NotFoundRetries: DefaultNotFoundRetries,
	}
}

// Collect implements Collector.
func (m *MetricsServer) Collect(ctx context.Context, interval time.Duration, isActive ActiveFunc) iter.Seq2[env.MetricEntry, error] {
	interval = normalize(interval)
	if isActive == nil {
		isActive = always
	}
	return func(yield func(env.MetricEntry, error) bool) {
		var (
			last   time.Time
			misses int
		)
		for {
			if !isActive(ctx) {
				return
			}
			pm, err := m.Client.MetricsV1beta1().PodMetricses(m.Namespace).Get(ctx, m.Pod, metav1.GetOptions{})
			switch {
			case apierrors.IsNotFound(err):
				misses++
				if misses > m.NotFoundRetries {
					return
				}
			case err != nil:
				if ctx.Err() != nil || !isActive(ctx) {
					return
				}
				yield(env.MetricEntry{}, fmt.Errorf("pod metrics %s/%s: %w", m.Namespace, m.Pod, err))
				return
			default:
				misses = 0
				ts := pm.Timestamp.Time
				if ts.After(last) {
					last = ts
					if !yield(m.entry(ts, pm.Containers), nil) {
						return
					}
				}
			}
			if !sleep(ctx, interval) {
				return
			}
		}
	}
}

func (m *MetricsServer) entry(ts time.Time, containers []metricsapi.ContainerMetrics) env.MetricEntry {
	var cpuMilli, ramBytes int64
	for _, c := range containers {
		if m.Container != "" && c.Name != m.Container {
			continue
		}
		if q, ok := c.Usage[corev1.ResourceCPU]; ok {
			cpuMilli += q.MilliValue()
		}
		if q, ok := c.Usage[corev1.ResourceMemory]; ok {
			ramBytes += q.Value()
		}
	}
	return env.MetricEntry{
		Time: ts,
		CPU:  env.CPUQuantity(float64(cpuMilli) / 1000),
		RAM:  env.RAMQuantity(uint64(max(ramBytes, 0))),
	}
}
