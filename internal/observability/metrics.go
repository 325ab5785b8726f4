// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "taskplane"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// QueueStats is the view of a run queue reported as gauges.
type QueueStats interface {
	Depth() int
	Running() int
}

// RegisterQueueGauges reports the depth and the running count of q on every collection.
// The returned func unregisters the callback.
func RegisterQueueGauges(q QueueStats) (func() error, error) {
	meter := otel.Meter(meterName)

	depth, err := meter.Int64ObservableGauge(
		"taskplane.queue.depth",
		otelmetric.WithDescription("Runs waiting for a queue slot"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}
	running, err := meter.Int64ObservableGauge(
		"taskplane.queue.running",
		otelmetric.WithDescription("Runs holding a queue slot"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue running gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o otelmetric.Observer) error {
		o.ObserveInt64(depth, int64(q.Depth()))
		o.ObserveInt64(running, int64(q.Running()))
		return nil
	}, depth, running)
	if err != nil {
		return nil, fmt.Errorf("failed to register queue gauges: %w", err)
	}
	return reg.Unregister, nil
}
