// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"taskplane/internal/env"
	"taskplane/internal/executor"
	"taskplane/internal/logger"
	"taskplane/internal/store"
	"taskplane/internal/telemetry"
	"taskplane/pkg/api"
)

// TaskService is the part of the executor the API exposes.
type TaskService interface {
	CreateTask(ctx context.Context, spec executor.TaskSpec) (*store.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error)
	ListTasks(ctx context.Context) ([]store.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, spec executor.TaskSpec) (*store.Task, error)
	StartTask(ctx context.Context, id uuid.UUID) (*store.Task, error)
	StopTask(ctx context.Context, id uuid.UUID) (*store.Task, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
	TriggerTask(ctx context.Context, id uuid.UUID) (*store.TaskRun, error)
	ListRuns(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]store.TaskRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (*store.TaskRun, error)
	SearchLogs(ctx context.Context, runID uuid.UUID, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.LogEntry], error)
	SearchMetrics(ctx context.Context, runID uuid.UUID, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.MetricEntry], error)
	AggregateMetrics(ctx context.Context, runID uuid.UUID, req telemetry.AggregateRequest) (telemetry.Aggregated, error)
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	svc    TaskService
	logger *slog.Logger
}

// New creates a new Handlers instance backed by svc.
func New(svc TaskService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// fail maps a service error onto a status code. Unexpected errors are logged and masked.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *env.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		h.httpError(w, cfgErr.Error(), http.StatusBadRequest)
	case errors.Is(err, executor.ErrTaskNotFound):
		h.httpError(w, "Task not found", http.StatusNotFound)
	case errors.Is(err, executor.ErrRunNotFound):
		h.httpError(w, "Run not found", http.StatusNotFound)
	case errors.Is(err, executor.ErrRunDenied):
		h.httpError(w, err.Error(), http.StatusConflict)
	default:
		logger.FromContext(r.Context(), h.logger).Error("request failed", "path", r.URL.Path, "error", err)
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// pathID parses the {id} path value, answering 400 when it is not a uuid.
func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid ID format", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
