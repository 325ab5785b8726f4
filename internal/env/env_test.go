package env

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJoinSteps(t *testing.T) {
	tests := []struct {
		name  string
		steps []TaskStep
		want  string
	}{
		{"empty", nil, ""},
		{"single", []TaskStep{{Script: "echo a"}}, "echo a"},
		{"two", []TaskStep{{Script: "echo a"}, {Script: "echo b"}}, "echo a && echo b"},
		{"skips blank", []TaskStep{{Script: "echo a"}, {Script: "  "}, {Script: "echo b"}}, "echo a && echo b"},
		{"multiline", []TaskStep{{Script: "cd /tmp\nls"}, {Script: "echo b"}}, "(\ncd /tmp\nls\n) && echo b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JoinSteps(tt.steps); got != tt.want {
				t.Errorf("JoinSteps() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewHandleID_ScopedAndUnique(t *testing.T) {
	a := NewHandleID("task-abc")
	b := NewHandleID("task-abc")

	if !strings.HasPrefix(a, "task-abc-") {
		t.Errorf("expected label prefix, got %s", a)
	}
	if a == b {
		t.Errorf("expected unique ids, got %s twice", a)
	}
}

func TestOSInfo_Image(t *testing.T) {
	if got := (OSInfo{Name: "alpine", Version: "3.20"}).Image(); got != "alpine:3.20" {
		t.Errorf("got %s", got)
	}
	if got := (OSInfo{Name: "busybox"}).Image(); got != "busybox" {
		t.Errorf("got %s", got)
	}
}

func TestLimitations_Each(t *testing.T) {
	l := &Limitations{RAM: "64Mi", CPU: "500m", TTL: time.Second}

	var kinds []LimitKind
	l.Each(func(k LimitKind) { kinds = append(kinds, k) })

	want := []LimitKind{LimitRAM, LimitCPU, LimitTTL}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kind %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}

	var nilLimits *Limitations
	nilLimits.Each(func(LimitKind) { t.Error("nil limitations should yield nothing") })
}

func TestLimitations_Validate(t *testing.T) {
	tests := []struct {
		name    string
		limits  *Limitations
		wantErr bool
	}{
		{"nil", nil, false},
		{"empty", &Limitations{}, false},
		{"valid", &Limitations{RAM: "512Mi", ROM: "1Gi", CPU: "0.5", TTL: time.Minute}, false},
		{"bad ram", &Limitations{RAM: "lots"}, true},
		{"negative cpu", &Limitations{CPU: "-1"}, true},
		{"negative ttl", &Limitations{TTL: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Errorf("expected ConfigurationError, got %T", err)
				}
			}
		})
	}
}

func TestLimitations_Quantity(t *testing.T) {
	l := &Limitations{RAM: "64Mi", CPU: "250m"}

	ram, err := l.Quantity(LimitRAM)
	if err != nil {
		t.Fatalf("Quantity(ram) failed: %v", err)
	}
	if ram.Value() != 64*1024*1024 {
		t.Errorf("expected 64Mi in bytes, got %d", ram.Value())
	}

	cpu, err := l.Quantity(LimitCPU)
	if err != nil {
		t.Fatalf("Quantity(cpu) failed: %v", err)
	}
	if cpu.MilliValue() != 250 {
		t.Errorf("expected 250 millicores, got %d", cpu.MilliValue())
	}

	if _, err := l.Quantity(LimitTTL); err == nil {
		t.Error("expected error for ttl quantity")
	}
}

func TestMetricEntry_Fields(t *testing.T) {
	m := MetricEntry{CPU: "500m", RAM: "1Ki", Extra: map[string]float64{"pids": 3}}
	f := m.Fields()

	if f[FieldCPU] != 0.5 {
		t.Errorf("expected cpu 0.5, got %v", f[FieldCPU])
	}
	if f[FieldRAM] != 1024 {
		t.Errorf("expected ram 1024, got %v", f[FieldRAM])
	}
	if f["pids"] != 3 {
		t.Errorf("expected pids 3, got %v", f["pids"])
	}

	if _, ok := (MetricEntry{}).Fields()[FieldCPU]; ok {
		t.Error("empty cpu should not produce a field")
	}
}

func TestErrors_Unwrap(t *testing.T) {
	base := errors.New("boom")
	err := Constructing("create container", base)
	if !errors.Is(err, base) {
		t.Error("expected ConstructionError to unwrap")
	}
	if Constructing("noop", nil) != nil {
		t.Error("expected nil for nil error")
	}
	if !strings.Contains(Misconfigured("queue.max_concurrency", "must be positive").Error(), "queue.max_concurrency") {
		t.Error("expected field name in configuration error")
	}
}

func TestParseLogLine(t *testing.T) {
	e := ParseLogLine(StreamStderr, "2024-05-01T10:00:00.5Z hello world\r")
	if e.Stream != StreamStderr || e.Content != "hello world" {
		t.Errorf("unexpected entry %+v", e)
	}
	if !e.Time.Equal(time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC)) {
		t.Errorf("unexpected time %v", e.Time)
	}

	plain := ParseLogLine(StreamStdout, "no timestamp here")
	if plain.Content != "no timestamp here" || plain.Time.IsZero() {
		t.Errorf("unexpected entry %+v", plain)
	}
}
