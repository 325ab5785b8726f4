package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/docker/docker/api/types/container"

	"taskplane/internal/env"
)

// StatsClient is the slice of the docker client used for stats.
type StatsClient interface {
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
}

// DockerStats reads the daemon's continuous stats stream for one container.
type DockerStats struct {
	Client      StatsClient
	ContainerID string
}

// NewDockerStats returns a native stats collector.
func NewDockerStats(client StatsClient, containerID string) *DockerStats {
	return &DockerStats{Client: client, ContainerID: containerID}
}

// Collect implements Collector. The interval is fixed by the daemon and ignored.
func (d *DockerStats) Collect(ctx context.Context, _ time.Duration, isActive ActiveFunc) iter.Seq2[env.MetricEntry, error] {
	if isActive == nil {
		isActive = always
	}
	return func(yield func(env.MetricEntry, error) bool) {
		if !isActive(ctx) {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		resp, err := d.Client.ContainerStats(ctx, d.ContainerID, true)
		if err != nil {
			if !isActive(ctx) || ctx.Err() != nil {
				return
			}
			yield(env.MetricEntry{}, fmt.Errorf("container stats %s: %w", d.ContainerID, err))
			return
		}
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		var last time.Time
		for {
			var s container.StatsResponse
			if err := dec.Decode(&s); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil || !isActive(ctx) {
					return
				}
				yield(env.MetricEntry{}, fmt.Errorf("decode stats %s: %w", d.ContainerID, err))
				return
			}
			// A stopped container yields one zeroed frame.
			if s.Read.IsZero() || s.PidsStats.Current == 0 {
				return
			}
			if !s.Read.After(last) {
				continue
			}
			last = s.Read
			if !yield(statsEntry(&s), nil) {
				return
			}
		}
	}
}

func statsEntry(s *container.StatsResponse) env.MetricEntry {
	var cores float64
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && sysDelta > 0 {
		cores = cpuDelta / sysDelta * online
	}

	used := s.MemoryStats.Usage
	cache := s.MemoryStats.Stats["inactive_file"]
	if cache == 0 {
		cache = s.MemoryStats.Stats["cache"]
	}
	if cache < used {
		used -= cache
	}

	return env.MetricEntry{
		Time: s.Read,
		CPU:  env.CPUQuantity(cores),
		RAM:  env.RAMQuantity(used),
		Extra: map[string]float64{
			"pids":      float64(s.PidsStats.Current),
			"mem_limit": float64(s.MemoryStats.Limit),
		},
	}
}
