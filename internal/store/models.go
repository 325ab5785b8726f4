// Package store contains the database layer for taskplane.
package store

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"taskplane/internal/env"
)

// TaskStatus tracks the template of a task.
type TaskStatus string

const (
	TaskStatusBuilding    TaskStatus = "building"
	TaskStatusReady       TaskStatus = "ready"
	TaskStatusBuildFailed TaskStatus = "build_failed"
	TaskStatusStopped     TaskStatus = "stopped"
)

// Task is a scheduled sequence of steps run inside an environment built from OS.
type Task struct {
	ID    uuid.UUID
	Name  string
	Label string
	OS    env.OSInfo
	Steps []env.TaskStep
	// Cron is the schedule expression. Once removes the schedule after its first firing.
	Cron        string
	Once        bool
	Limitations *env.Limitations
	// MaxConcurrentRuns caps overlapping runs; zero uses the executor default.
	MaxConcurrentRuns int
	// DeleteInstances removes each instance once it exits.
	DeleteInstances bool
	EnvKey          string
	Script          *string
	Status          TaskStatus
	StatusReason    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LabelFor derives the stable instance label of a task id.
// It is a valid DNS-1123 label and label value.
func LabelFor(id uuid.UUID) string {
	return "task-" + strings.ReplaceAll(id.String(), "-", "")
}

// RunStatus is the state of a single run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// TaskRun is one execution of a task.
type TaskRun struct {
	ID         uuid.UUID
	TaskID     uuid.UUID
	HandleID   *string
	Status     RunStatus
	ExitCode   *int
	Reason     *string
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
}
