package handlers

import (
	"encoding/json"
	"net/http"

	"taskplane/pkg/api"
)

// CreateTask handles POST /tasks.
// The task is stored right away and its environment builds in the background,
// so the response usually reports the "building" status.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req api.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	spec, err := specFromRequest(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	task, err := h.svc.CreateTask(r.Context(), spec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, toTaskResponse(task))
}

// ListTasks handles GET /tasks.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.ListTasks(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := api.ListTasksResponse{Tasks: make([]api.TaskResponse, 0, len(tasks))}
	for i := range tasks {
		resp.Tasks = append(resp.Tasks, toTaskResponse(&tasks[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetTask handles GET /tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	task, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toTaskResponse(task))
}

// UpdateTask handles PUT /tasks/{id}.
func (h *Handlers) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req api.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	spec, err := specFromRequest(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	task, err := h.svc.UpdateTask(r.Context(), id, spec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toTaskResponse(task))
}

// DeleteTask handles DELETE /tasks/{id}.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteTask(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartTask handles POST /tasks/{id}/start.
func (h *Handlers) StartTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	task, err := h.svc.StartTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toTaskResponse(task))
}

// StopTask handles POST /tasks/{id}/stop.
// Running instances are stopped; the environment is kept for a later start.
func (h *Handlers) StopTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	task, err := h.svc.StopTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toTaskResponse(task))
}
