// Package file keeps run logs and metrics as newline-delimited JSON files laid out as
// <root>/<kind>/<task id>/<run id>.json.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"taskplane/internal/env"
	"taskplane/internal/telemetry"
)

const (
	kindLog    = "log"
	kindMetric = "metric"
)

// Provider implements telemetry.LogProvider and telemetry.MetricProvider on the local
// filesystem.
type Provider struct {
	root   string
	logger *slog.Logger
}

var (
	_ telemetry.LogProvider    = (*Provider)(nil)
	_ telemetry.MetricProvider = (*Provider)(nil)
)

// New returns a provider storing under root.
func New(root string, logger *slog.Logger) (*Provider, error) {
	if root == "" {
		return nil, env.Misconfigured("telemetry.dir", "must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{root: root, logger: logger}, nil
}

func validName(field, v string) error {
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return env.Misconfigured(field, "%q is not a valid path element", v)
	}
	return nil
}

func (p *Provider) taskDir(kind, taskID string) (string, error) {
	if err := validName("task_id", taskID); err != nil {
		return "", err
	}
	return filepath.Join(p.root, kind, taskID), nil
}

func (p *Provider) path(kind string, run telemetry.RunHandle) (string, error) {
	dir, err := p.taskDir(kind, run.TaskID)
	if err != nil {
		return "", err
	}
	if err := validName("run_id", run.RunID); err != nil {
		return "", err
	}
	return filepath.Join(dir, run.RunID+".json"), nil
}

// consume appends every entry of seq to the run file, one JSON document per line.
func consume[T any](ctx context.Context, path string, seq iter.Seq2[T, error]) (n int, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for entry, serr := range seq {
		if serr != nil {
			err = serr
			break
		}
		if err = enc.Encode(entry); err != nil {
			break
		}
		// Flush per line so searches see entries of running instances.
		if err = w.Flush(); err != nil {
			break
		}
		n++
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
	}
	if ferr := w.Flush(); err == nil {
		err = ferr
	}
	return n, err
}

// scan streams the entries of a run file. A missing file is an empty sequence.
func scan[T any](path string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(zero, err)
			return
		}
		defer f.Close()

		dec := json.NewDecoder(bufio.NewReader(f))
		for {
			var entry T
			err := dec.Decode(&entry)
			// A truncated tail is a record still being appended.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				yield(zero, fmt.Errorf("decode %s: %w", path, err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (p *Provider) flush(kind, taskID string) error {
	dir, err := p.taskDir(kind, taskID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// ConsumeLogs implements telemetry.LogProvider.
func (p *Provider) ConsumeLogs(ctx context.Context, run telemetry.RunHandle, seq iter.Seq2[env.LogEntry, error]) error {
	path, err := p.path(kindLog, run)
	if err != nil {
		return err
	}
	n, err := consume(ctx, path, seq)
	p.logger.Debug("logs consumed", "task_id", run.TaskID, "run_id", run.RunID, "entries", n)
	return err
}

// SearchLogs implements telemetry.LogProvider.
func (p *Provider) SearchLogs(ctx context.Context, run telemetry.RunHandle, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.LogEntry], error) {
	path, err := p.path(kindLog, run)
	if err != nil {
		return telemetry.Page[env.LogEntry]{}, err
	}
	match, err := filter.LogMatcher()
	if err != nil {
		return telemetry.Page[env.LogEntry]{}, err
	}
	return telemetry.Paginate(scan[env.LogEntry](path), match, paging)
}

// FlushLogs implements telemetry.LogProvider.
func (p *Provider) FlushLogs(ctx context.Context, taskID string) error {
	return p.flush(kindLog, taskID)
}

// ConsumeMetrics implements telemetry.MetricProvider.
func (p *Provider) ConsumeMetrics(ctx context.Context, run telemetry.RunHandle, seq iter.Seq2[env.MetricEntry, error]) error {
	path, err := p.path(kindMetric, run)
	if err != nil {
		return err
	}
	n, err := consume(ctx, path, seq)
	p.logger.Debug("metrics consumed", "task_id", run.TaskID, "run_id", run.RunID, "samples", n)
	return err
}

// SearchMetrics implements telemetry.MetricProvider.
func (p *Provider) SearchMetrics(ctx context.Context, run telemetry.RunHandle, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.MetricEntry], error) {
	path, err := p.path(kindMetric, run)
	if err != nil {
		return telemetry.Page[env.MetricEntry]{}, err
	}
	return telemetry.Paginate(scan[env.MetricEntry](path), filter.MetricMatcher(), paging)
}

// AggregateMetrics implements telemetry.MetricProvider.
func (p *Provider) AggregateMetrics(ctx context.Context, run telemetry.RunHandle, req telemetry.AggregateRequest) (telemetry.Aggregated, error) {
	path, err := p.path(kindMetric, run)
	if err != nil {
		return nil, err
	}
	return telemetry.Aggregate(scan[env.MetricEntry](path), req)
}

// FlushMetrics implements telemetry.MetricProvider.
func (p *Provider) FlushMetrics(ctx context.Context, taskID string) error {
	return p.flush(kindMetric, taskID)
}
