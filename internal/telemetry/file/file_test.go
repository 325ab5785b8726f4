package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"taskplane/internal/env"
	"taskplane/internal/telemetry"
)

func logs(n int) func(yield func(env.LogEntry, error) bool) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func(yield func(env.LogEntry, error) bool) {
		for i := 0; i < n; i++ {
			e := env.LogEntry{Stream: env.StreamStdout, Time: base.Add(time.Duration(i) * time.Second), Content: "line " + strconv.Itoa(i)}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func newProvider(t *testing.T) (*Provider, string) {
	t.Helper()
	root := t.TempDir()
	p, err := New(root, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, root
}

func TestProvider_LogRoundTripAndPaging(t *testing.T) {
	p, root := newProvider(t)
	ctx := context.Background()
	run := telemetry.RunHandle{TaskID: "task-1", RunID: "run-1"}

	if err := p.ConsumeLogs(ctx, run, logs(5)); err != nil {
		t.Fatalf("ConsumeLogs failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "log", "task-1", "run-1.json")); err != nil {
		t.Fatalf("expected log file: %v", err)
	}

	page, err := p.SearchLogs(ctx, run, telemetry.Filter{}, telemetry.Paging{From: 0, Size: 2})
	if err != nil {
		t.Fatalf("SearchLogs failed: %v", err)
	}
	if len(page.Entries) != 2 || page.Entries[0].Content != "line 0" || page.Next == nil || *page.Next != 3 {
		t.Errorf("unexpected first page %+v", page)
	}
	if !page.Entries[1].Time.Equal(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)) {
		t.Errorf("timestamp not preserved: %v", page.Entries[1].Time)
	}

	last, err := p.SearchLogs(ctx, run, telemetry.Filter{}, telemetry.Paging{From: 4, Size: 2})
	if err != nil {
		t.Fatalf("SearchLogs failed: %v", err)
	}
	if len(last.Entries) != 1 || last.Entries[0].Content != "line 4" || last.Next != nil {
		t.Errorf("unexpected last page %+v", last)
	}
}

func TestProvider_LargeEntryRoundTrip(t *testing.T) {
	p, root := newProvider(t)
	ctx := context.Background()
	run := telemetry.RunHandle{TaskID: "task-1", RunID: "run-1"}

	big := strings.Repeat("x", 5<<20)
	seq := func(yield func(env.LogEntry, error) bool) {
		for _, c := range []string{"first", big, "last"} {
			if !yield(env.LogEntry{Stream: env.StreamStdout, Content: c}, nil) {
				return
			}
		}
	}
	if err := p.ConsumeLogs(ctx, run, seq); err != nil {
		t.Fatalf("ConsumeLogs failed: %v", err)
	}

	page, err := p.SearchLogs(ctx, run, telemetry.Filter{}, telemetry.Paging{})
	if err != nil {
		t.Fatalf("SearchLogs failed: %v", err)
	}
	if len(page.Entries) != 3 || page.Entries[0].Content != "first" ||
		len(page.Entries[1].Content) != len(big) || page.Entries[2].Content != "last" {
		t.Fatalf("unexpected page with %d entries", len(page.Entries))
	}

	// A record cut off mid-write is not yet visible.
	f, err := os.OpenFile(filepath.Join(root, "log", "task-1", "run-1.json"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"stream":"stdout","content":"half`)
	f.Close()

	page, err = p.SearchLogs(ctx, run, telemetry.Filter{}, telemetry.Paging{})
	if err != nil || len(page.Entries) != 3 {
		t.Errorf("SearchLogs with partial tail = %d entries, %v", len(page.Entries), err)
	}
}

func TestProvider_SearchLogsFilters(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	run := telemetry.RunHandle{TaskID: "task-1", RunID: "run-1"}
	p.ConsumeLogs(ctx, run, logs(10))

	from := time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)
	page, err := p.SearchLogs(ctx, run, telemetry.Filter{From: &from, Pattern: "[02468]$"}, telemetry.Paging{})
	if err != nil {
		t.Fatalf("SearchLogs failed: %v", err)
	}
	if len(page.Entries) != 4 || page.Entries[0].Content != "line 2" {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestProvider_MissingRunIsEmpty(t *testing.T) {
	p, _ := newProvider(t)
	page, err := p.SearchMetrics(context.Background(), telemetry.RunHandle{TaskID: "t", RunID: "r"}, telemetry.Filter{}, telemetry.Paging{})
	if err != nil {
		t.Fatalf("SearchMetrics failed: %v", err)
	}
	if len(page.Entries) != 0 || page.Next != nil {
		t.Errorf("expected empty page, got %+v", page)
	}
}

func TestProvider_MetricsAggregateAndFlush(t *testing.T) {
	p, root := newProvider(t)
	ctx := context.Background()
	run := telemetry.RunHandle{TaskID: "task-1", RunID: "run-1"}
	samples := func(yield func(env.MetricEntry, error) bool) {
		for i, cpu := range []string{"1", "2", "3"} {
			if !yield(env.MetricEntry{Time: time.Unix(int64(i), 0), CPU: cpu, RAM: "64Mi"}, nil) {
				return
			}
		}
	}
	if err := p.ConsumeMetrics(ctx, run, samples); err != nil {
		t.Fatalf("ConsumeMetrics failed: %v", err)
	}

	agg, err := p.AggregateMetrics(ctx, run, telemetry.AggregateRequest{Fields: []string{"cpu"}})
	if err != nil {
		t.Fatalf("AggregateMetrics failed: %v", err)
	}
	if agg["cpu"].Avg != "2.000" || agg["cpu"].Std != "0.816" {
		t.Errorf("unexpected aggregate %+v", agg["cpu"])
	}

	if err := p.FlushMetrics(ctx, "task-1"); err != nil {
		t.Fatalf("FlushMetrics failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "metric", "task-1")); !os.IsNotExist(err) {
		t.Errorf("expected task dir removed, got %v", err)
	}
}

func TestProvider_ConsumeReturnsStreamError(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	run := telemetry.RunHandle{TaskID: "task-1", RunID: "run-1"}
	boom := errors.New("stream broke")
	seq := func(yield func(env.LogEntry, error) bool) {
		if yield(env.LogEntry{Content: "kept"}, nil) {
			yield(env.LogEntry{}, boom)
		}
	}

	if err := p.ConsumeLogs(ctx, run, seq); !errors.Is(err, boom) {
		t.Fatalf("expected stream error, got %v", err)
	}
	page, _ := p.SearchLogs(ctx, run, telemetry.Filter{}, telemetry.Paging{})
	if len(page.Entries) != 1 {
		t.Errorf("expected the entry before the error to be kept, got %d", len(page.Entries))
	}
}

func TestProvider_RejectsPathTraversal(t *testing.T) {
	p, _ := newProvider(t)
	err := p.FlushLogs(context.Background(), "../etc")

	var cfgErr *env.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
