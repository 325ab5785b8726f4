package collector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"taskplane/internal/env"
)

// Poll samples an OS process at a fixed interval.
type Poll struct {
	// PID returns the process to sample; zero means not started yet.
	PID func() int
	Now func() time.Time
}

// NewPoll returns a poll collector for the process returned by pid.
func NewPoll(pid func() int) *Poll {
	return &Poll{PID: pid, Now: time.Now}
}

type cpuReading struct {
	at      time.Time
	seconds float64
}

// Collect implements Collector.
func (p *Poll) Collect(ctx context.Context, interval time.Duration, isActive ActiveFunc) iter.Seq2[env.MetricEntry, error] {
	interval = normalize(interval)
	if isActive == nil {
		isActive = always
	}
	return func(yield func(env.MetricEntry, error) bool) {
		var (
			seen bool
			prev *cpuReading
		)
		for {
			if !isActive(ctx) {
				return
			}
			pid := p.PID()
			if pid > 0 {
				entry, reading, err := p.sample(ctx, int32(pid), prev)
				switch {
				case err == nil:
					seen = true
					prev = reading
					if !yield(entry, nil) {
						return
					}
				case vanished(err):
					// The process is gone: either the instance exited or we lost a race
					// with the exit bookkeeping. Give it one interval to settle.
					if seen || !isActive(ctx) {
						return
					}
					if !sleep(ctx, interval) {
						return
					}
					if !isActive(ctx) {
						return
					}
					yield(env.MetricEntry{}, fmt.Errorf("process %d vanished while instance still active: %w", pid, err))
					return
				default:
					if !isActive(ctx) {
						return
					}
					yield(env.MetricEntry{}, fmt.Errorf("sample process %d: %w", pid, err))
					return
				}
			}
			if !sleep(ctx, interval) {
				return
			}
		}
	}
}

func (p *Poll) sample(ctx context.Context, pid int32, prev *cpuReading) (env.MetricEntry, *cpuReading, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return env.MetricEntry{}, nil, err
	}
	times, err := proc.TimesWithContext(ctx)
	if err != nil {
		return env.MetricEntry{}, nil, err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return env.MetricEntry{}, nil, err
	}

	now := p.Now()
	reading := &cpuReading{at: now, seconds: times.User + times.System}

	var cores float64
	if prev != nil {
		if wall := now.Sub(prev.at).Seconds(); wall > 0 {
			cores = (reading.seconds - prev.seconds) / wall
		}
	} else if created, err := proc.CreateTimeWithContext(ctx); err == nil {
		if wall := now.Sub(time.UnixMilli(created)).Seconds(); wall > 0 {
			cores = reading.seconds / wall
		}
	}
	if cores < 0 {
		cores = 0
	}

	return env.MetricEntry{
		Time:  now,
		CPU:   env.CPUQuantity(cores),
		RAM:   env.RAMQuantity(mem.RSS),
		Extra: map[string]float64{"vms": float64(mem.VMS)},
	}, reading, nil
}

func vanished(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ESRCH)
}
