package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskplane/internal/telemetry"
	"taskplane/pkg/api"
)

const defaultRunsLimit = 20

// TriggerTask handles POST /tasks/{id}/run.
// It answers 409 when the run is not admitted.
func (h *Handlers) TriggerTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	run, err := h.svc.TriggerTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusAccepted, toRunResponse(run))
}

// ListRuns handles GET /tasks/{id}/runs?limit=&offset=.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultRunsLimit)
	if err != nil || limit <= 0 {
		h.httpError(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		h.httpError(w, "Invalid offset", http.StatusBadRequest)
		return
	}

	runs, err := h.svc.ListRuns(r.Context(), id, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := api.ListRunsResponse{Runs: make([]api.RunResponse, 0, len(runs))}
	for i := range runs {
		resp.Runs = append(resp.Runs, toRunResponse(&runs[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetRun handles GET /runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	run, err := h.svc.GetRun(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toRunResponse(run))
}

// RunLogs handles GET /runs/{id}/logs?since=&until=&pattern=&from=&size=.
func (h *Handlers) RunLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	filter, paging, msg := searchParams(r)
	if msg != "" {
		h.httpError(w, msg, http.StatusBadRequest)
		return
	}
	page, err := h.svc.SearchLogs(r.Context(), id, filter, paging)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toLogsResponse(page))
}

// RunMetrics handles GET /runs/{id}/metrics with the same parameters as RunLogs.
// Samples are filtered by time only.
func (h *Handlers) RunMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	filter, paging, msg := searchParams(r)
	if msg != "" {
		h.httpError(w, msg, http.StatusBadRequest)
		return
	}
	page, err := h.svc.SearchMetrics(r.Context(), id, filter, paging)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toMetricsResponse(page))
}

// AggregateMetrics handles GET /runs/{id}/metrics/aggregate?fields=cpu,ram&since=&until=.
func (h *Handlers) AggregateMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	filter, _, msg := searchParams(r)
	if msg != "" {
		h.httpError(w, msg, http.StatusBadRequest)
		return
	}
	req := telemetry.AggregateRequest{Filter: filter}
	for _, raw := range r.URL.Query()["fields"] {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				req.Fields = append(req.Fields, f)
			}
		}
	}

	agg, err := h.svc.AggregateMetrics(r.Context(), id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toAggregateResponse(agg))
}

// searchParams reads the filter and paging query parameters. msg is non-empty when one
// of them is malformed.
func searchParams(r *http.Request) (telemetry.Filter, telemetry.Paging, string) {
	q := r.URL.Query()
	var filter telemetry.Filter
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return filter, telemetry.Paging{}, "Invalid since timestamp"
		}
		filter.From = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return filter, telemetry.Paging{}, "Invalid until timestamp"
		}
		filter.To = &t
	}
	filter.Pattern = q.Get("pattern")

	from, err := intParam(q.Get("from"), 0)
	if err != nil || from < 0 {
		return filter, telemetry.Paging{}, "Invalid from"
	}
	size, err := intParam(q.Get("size"), telemetry.DefaultPageSize)
	if err != nil || size <= 0 {
		return filter, telemetry.Paging{}, "Invalid size"
	}
	return filter, telemetry.Paging{From: from, Size: size}, ""
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
