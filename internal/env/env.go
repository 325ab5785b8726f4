// Package env defines the environment build/run contracts shared by every backend.
//
// A builder turns an OS image plus a list of steps into a reusable template (the env key).
// A runner launches instances of a template and hands back an EnvHandle that owns exactly
// one backend resource (container, pod or process).
package env

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OSInfo names the base image a template is built from.
type OSInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Image returns the image reference for the OS, e.g. "alpine:3.20".
func (o OSInfo) Image() string {
	if o.Version == "" {
		return o.Name
	}
	return o.Name + ":" + o.Version
}

// TaskStep is one named shell script of a task. Script is always decoded text.
type TaskStep struct {
	Name          string `json:"name"`
	Script        string `json:"script"`
	IgnoreFailure bool   `json:"ignore_failure,omitempty"`
}

// BuildEnvRequest asks a builder for a template.
// Label is stable per task, not per run.
type BuildEnvRequest struct {
	Label string
	OS    OSInfo
	Steps []TaskStep
}

// BuildEnvResult identifies the built template. Script is nil when the steps are baked
// into the template itself.
type BuildEnvResult struct {
	EnvKey string
	Script *string
}

// DeleteEnvRequest removes a template.
type DeleteEnvRequest struct {
	EnvKey string
	Force  bool
}

// RunOptions tune a single launch.
type RunOptions struct {
	// Delete marks the instance for removal once it is terminal and its logs and metrics
	// were read. Runners never remove it themselves; the caller calls EnvHandle.Delete.
	Delete bool
}

// RunEnvRequest launches one instance of a template.
type RunEnvRequest struct {
	Label       string
	EnvKey      string
	Script      *string
	Limitations *Limitations
	Options     RunOptions
}

// ExitResult is the outcome of an instance. Failures are data, never returned as errors.
type ExitResult struct {
	ExitCode int
	// ExitError describes why the instance failed; nil on success.
	ExitError error
	// InitError is set when the instance failed before its process ever ran.
	InitError string
}

// Succeeded reports whether the instance exited cleanly.
func (r ExitResult) Succeeded() bool {
	return r.ExitCode == 0 && r.ExitError == nil && r.InitError == ""
}

// Stream identifies the output stream of a log line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LogEntry is one line of instance output.
type LogEntry struct {
	Stream  Stream    `json:"stream"`
	Time    time.Time `json:"time"`
	Content string    `json:"content"`
}

// MetricEntry is one resource usage sample. CPU and RAM are quantity strings
// (e.g. "250m", "64Mi"); Extra carries backend specific numeric fields.
type MetricEntry struct {
	Time  time.Time          `json:"time"`
	CPU   string             `json:"cpu"`
	RAM   string             `json:"ram"`
	Extra map[string]float64 `json:"extra,omitempty"`
}

// EnvBuilder compiles steps and a base image into a reusable template.
type EnvBuilder interface {
	BuildEnv(ctx context.Context, req BuildEnvRequest) (BuildEnvResult, error)
	DeleteEnv(ctx context.Context, req DeleteEnvRequest) error
}

// EnvRunner launches template instances.
type EnvRunner interface {
	// RunEnv returns once the backend accepted the launch. Failures after that point
	// surface through EnvHandle.Wait.
	RunEnv(ctx context.Context, req RunEnvRequest) (EnvHandle, error)
	GetEnvHandle(ctx context.Context, handleID string) (EnvHandle, error)
	// GetEnvChildrenHandleIDs lists the instances launched with the given origin label.
	GetEnvChildrenHandleIDs(ctx context.Context, label string) ([]string, error)
}

// EnvHandle controls one instance.
type EnvHandle interface {
	ID() string
	// Stop asks the instance to terminate gracefully. Calling it twice is harmless.
	Stop(ctx context.Context) error
	// Delete force-removes the backend resource. Calling it twice is harmless.
	Delete(ctx context.Context) error
	// Wait blocks until the instance is terminal. It never fails; a cancelled context
	// yields a failure result carrying ctx.Err().
	Wait(ctx context.Context) ExitResult
	// Logs streams the instance output. Each call starts a fresh stream.
	Logs(ctx context.Context) iter.Seq2[LogEntry, error]
	// Metrics samples resource usage until the instance exits. Each call starts a fresh stream.
	Metrics(ctx context.Context, interval time.Duration) iter.Seq2[MetricEntry, error]
}

// JoinSteps chains step scripts with && so the first failing step aborts the rest.
// Multi-line scripts are grouped in a subshell.
func JoinSteps(steps []TaskStep) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		script := strings.TrimSpace(s.Script)
		if script == "" {
			continue
		}
		if strings.Contains(script, "\n") {
			script = "(\n" + script + "\n)"
		}
		parts = append(parts, script)
	}
	return strings.Join(parts, " && ")
}

// NewHandleID returns a handle id unique within label.
func NewHandleID(label string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return label + "-" + id[:12]
}

// DefaultMetricsInterval is used when callers pass a non-positive sampling interval.
const DefaultMetricsInterval = time.Second
