// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the server.
package api

import "time"

// EncodingBase64 marks a step script sent base64 encoded.
const EncodingBase64 = "base64"

// OSInfo names the base image of a task.
type OSInfo struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version"`
}

// Step is one named shell script of a task. Encoding is empty for plain text or
// EncodingBase64.
type Step struct {
	Name          string `json:"name" yaml:"name"`
	Script        string `json:"script" yaml:"script"`
	Encoding      string `json:"encoding,omitempty" yaml:"encoding"`
	IgnoreFailure bool   `json:"ignore_failure,omitempty" yaml:"ignore_failure"`
}

// Limitations bounds each run of a task. RAM, ROM and CPU are quantities such as
// "512Mi" or "500m"; TTL is a duration such as "90s".
type Limitations struct {
	RAM string `json:"ram,omitempty" yaml:"ram"`
	ROM string `json:"rom,omitempty" yaml:"rom"`
	CPU string `json:"cpu,omitempty" yaml:"cpu"`
	TTL string `json:"ttl,omitempty" yaml:"ttl"`
}

// TaskRequest is the request body for creating or replacing a task.
type TaskRequest struct {
	Name              string       `json:"name" yaml:"name"`
	OS                OSInfo       `json:"os" yaml:"os"`
	Steps             []Step       `json:"steps" yaml:"steps"`
	Cron              string       `json:"cron" yaml:"cron"`
	Once              bool         `json:"once,omitempty" yaml:"once"`
	Limitations       *Limitations `json:"limitations,omitempty" yaml:"limitations"`
	MaxConcurrentRuns int          `json:"max_concurrent_runs,omitempty" yaml:"max_concurrent_runs"`
	DeleteInstances   bool         `json:"delete_instances,omitempty" yaml:"delete_instances"`
}

// TaskResponse represents a task in API responses.
type TaskResponse struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Label             string       `json:"label"`
	OS                OSInfo       `json:"os"`
	Steps             []Step       `json:"steps"`
	Cron              string       `json:"cron"`
	Once              bool         `json:"once"`
	Limitations       *Limitations `json:"limitations,omitempty"`
	MaxConcurrentRuns int          `json:"max_concurrent_runs,omitempty"`
	DeleteInstances   bool         `json:"delete_instances"`
	EnvKey            string       `json:"env_key,omitempty"`
	Status            string       `json:"status"`
	StatusReason      *string      `json:"status_reason,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// ListTasksResponse is the response body of GET /tasks.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// RunResponse represents a run in API responses.
type RunResponse struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	HandleID   *string    `json:"handle_id,omitempty"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Reason     *string    `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ListRunsResponse is the response body of GET /tasks/{id}/runs.
type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// LogEntry is one line of run output.
type LogEntry struct {
	Stream  string    `json:"stream"`
	Time    time.Time `json:"time"`
	Content string    `json:"content"`
}

// LogsResponse is one page of run logs. Next is the 1-based index of the first entry of
// the following page, absent on the last page.
type LogsResponse struct {
	Entries []LogEntry `json:"entries"`
	Next    *int       `json:"next,omitempty"`
}

// MetricEntry is one resource usage sample.
type MetricEntry struct {
	Time  time.Time          `json:"time"`
	CPU   string             `json:"cpu"`
	RAM   string             `json:"ram"`
	Extra map[string]float64 `json:"extra,omitempty"`
}

// MetricsResponse is one page of run metric samples.
type MetricsResponse struct {
	Entries []MetricEntry `json:"entries"`
	Next    *int          `json:"next,omitempty"`
}

// Stats summarizes one metric field. Values carry three decimals.
type Stats struct {
	Max string `json:"max"`
	Min string `json:"min"`
	Avg string `json:"avg"`
	Cnt string `json:"cnt"`
	Std string `json:"std"`
}

// AggregateResponse maps metric fields to their statistics.
type AggregateResponse struct {
	Fields map[string]Stats `json:"fields"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
