package collector

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"taskplane/internal/env"
)

// Default PromQL templates; both receive namespace and pod.
const (
	DefaultCPUQuery = `sum(rate(container_cpu_usage_seconds_total{namespace=%q,pod=%q,container!=""}[1m]))`
	DefaultRAMQuery = `sum(container_memory_working_set_bytes{namespace=%q,pod=%q,container!=""})`
)

// RangeQuerier is the part of the Prometheus HTTP API used here.
type RangeQuerier interface {
	QueryRange(ctx context.Context, query string, r v1.Range, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

// Prometheus reads container usage series for one pod from a Prometheus server.
type Prometheus struct {
	API       RangeQuerier
	CPUQuery  string
	RAMQuery  string
	Namespace string
	Pod       string
	// Lookback is the window queried before the first sample.
	Lookback        time.Duration
	NotFoundRetries int
	Now             func() time.Time
}

// NewPrometheus returns a collector using the default queries.
func NewPrometheus(api RangeQuerier, namespace, pod string) *Prometheus {
	return &Prometheus{
		API:             api,
		CPUQuery:        DefaultCPUQuery,
		RAMQuery:        DefaultRAMQuery,
		Namespace:       namespace,
		Pod:             pod,
		Lookback:        time.Minute,
		NotFoundRetries: DefaultNotFoundRetries,
		Now:             time.Now,
	}
}

// Collect implements Collector. Samples carry the evaluation time reported by the server.
func (p *Prometheus) Collect(ctx context.Context, interval time.Duration, isActive ActiveFunc) iter.Seq2[env.MetricEntry, error] {
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
			active := isActive(ctx)
			end := p.Now()
			start := end.Add(-p.Lookback)
			if !last.IsZero() {
				start = last.Add(interval)
			}
			if !start.After(end) {
				entries, err := p.query(ctx, v1.Range{Start: start, End: end, Step: interval})
				if err != nil {
					if ctx.Err() != nil || !active {
						return
					}
					yield(env.MetricEntry{}, err)
					return
				}
				if len(entries) == 0 && last.IsZero() {
					misses++
					if misses > p.NotFoundRetries {
						return
					}
				}
				for _, e := range entries {
					if !e.Time.After(last) {
						continue
					}
					last = e.Time
					if !yield(e, nil) {
						return
					}
				}
			}
			// One final range is read after the instance stopped, then we are done.
			if !active {
				return
			}
			if !sleep(ctx, interval) {
				return
			}
		}
	}
}

func (p *Prometheus) query(ctx context.Context, r v1.Range) ([]env.MetricEntry, error) {
	cpu, err := p.series(ctx, fmt.Sprintf(p.CPUQuery, p.Namespace, p.Pod), r)
	if err != nil {
		return nil, err
	}
	ram, err := p.series(ctx, fmt.Sprintf(p.RAMQuery, p.Namespace, p.Pod), r)
	if err != nil {
		return nil, err
	}

	byTime := make(map[model.Time]*env.MetricEntry)
	entryAt := func(ts model.Time) *env.MetricEntry {
		e, ok := byTime[ts]
		if !ok {
			e = &env.MetricEntry{Time: ts.Time(), CPU: env.CPUQuantity(0), RAM: env.RAMQuantity(0)}
			byTime[ts] = e
		}
		return e
	}
	for _, s := range cpu {
		entryAt(s.Timestamp).CPU = env.CPUQuantity(float64(s.Value))
	}
	for _, s := range ram {
		entryAt(s.Timestamp).RAM = env.RAMQuantity(uint64(max(float64(s.Value), 0)))
	}

	out := make([]env.MetricEntry, 0, len(byTime))
	for _, e := range byTime {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b env.MetricEntry) int { return a.Time.Compare(b.Time) })
	return out, nil
}

func (p *Prometheus) series(ctx context.Context, query string, r v1.Range) ([]model.SamplePair, error) {
	val, _, err := p.API.QueryRange(ctx, query, r)
	if err != nil {
		return nil, fmt.Errorf("prometheus query %q: %w", query, err)
	}
	if val == nil {
		return nil, nil
	}
	matrix, ok := val.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("prometheus query %q: unexpected result type %s", query, val.Type())
	}
	var out []model.SamplePair
	for _, stream := range matrix {
		out = append(out, stream.Values...)
	}
	return out, nil
}
