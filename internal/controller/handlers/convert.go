package handlers

import (
	"encoding/base64"
	"fmt"
	"time"

	"taskplane/internal/env"
	"taskplane/internal/executor"
	"taskplane/internal/store"
	"taskplane/internal/telemetry"
	"taskplane/pkg/api"
)

// specFromRequest decodes step scripts and limits into an executor spec.
func specFromRequest(req api.TaskRequest) (executor.TaskSpec, error) {
	spec := executor.TaskSpec{
		Name:              req.Name,
		OS:                env.OSInfo{Name: req.OS.Name, Version: req.OS.Version},
		Cron:              req.Cron,
		Once:              req.Once,
		MaxConcurrentRuns: req.MaxConcurrentRuns,
		DeleteInstances:   req.DeleteInstances,
	}
	for i, s := range req.Steps {
		script := s.Script
		switch s.Encoding {
		case "":
		case api.EncodingBase64:
			raw, err := base64.StdEncoding.DecodeString(s.Script)
			if err != nil {
				return executor.TaskSpec{}, env.Misconfigured(fmt.Sprintf("steps[%d].script", i), "bad base64: %v", err)
			}
			script = string(raw)
		default:
			return executor.TaskSpec{}, env.Misconfigured(fmt.Sprintf("steps[%d].encoding", i), "unknown encoding %q", s.Encoding)
		}
		spec.Steps = append(spec.Steps, env.TaskStep{Name: s.Name, Script: script, IgnoreFailure: s.IgnoreFailure})
	}
	if l := req.Limitations; l != nil {
		limits := &env.Limitations{RAM: l.RAM, ROM: l.ROM, CPU: l.CPU}
		if l.TTL != "" {
			ttl, err := time.ParseDuration(l.TTL)
			if err != nil {
				return executor.TaskSpec{}, env.Misconfigured("ttl", "%v", err)
			}
			limits.TTL = ttl
		}
		spec.Limitations = limits
	}
	return spec, nil
}

func toTaskResponse(t *store.Task) api.TaskResponse {
	resp := api.TaskResponse{
		ID:                t.ID.String(),
		Name:              t.Name,
		Label:             t.Label,
		OS:                api.OSInfo{Name: t.OS.Name, Version: t.OS.Version},
		Cron:              t.Cron,
		Once:              t.Once,
		MaxConcurrentRuns: t.MaxConcurrentRuns,
		DeleteInstances:   t.DeleteInstances,
		EnvKey:            t.EnvKey,
		Status:            string(t.Status),
		StatusReason:      t.StatusReason,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	resp.Steps = make([]api.Step, 0, len(t.Steps))
	for _, s := range t.Steps {
		resp.Steps = append(resp.Steps, api.Step{Name: s.Name, Script: s.Script, IgnoreFailure: s.IgnoreFailure})
	}
	if l := t.Limitations; l != nil {
		resp.Limitations = &api.Limitations{RAM: l.RAM, ROM: l.ROM, CPU: l.CPU}
		if l.TTL > 0 {
			resp.Limitations.TTL = l.TTL.String()
		}
	}
	return resp
}

func toRunResponse(r *store.TaskRun) api.RunResponse {
	return api.RunResponse{
		ID:         r.ID.String(),
		TaskID:     r.TaskID.String(),
		HandleID:   r.HandleID,
		Status:     string(r.Status),
		ExitCode:   r.ExitCode,
		Reason:     r.Reason,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		CreatedAt:  r.CreatedAt,
	}
}

func toLogsResponse(p telemetry.Page[env.LogEntry]) api.LogsResponse {
	resp := api.LogsResponse{Entries: make([]api.LogEntry, 0, len(p.Entries)), Next: p.Next}
	for _, e := range p.Entries {
		resp.Entries = append(resp.Entries, api.LogEntry{Stream: string(e.Stream), Time: e.Time, Content: e.Content})
	}
	return resp
}

func toMetricsResponse(p telemetry.Page[env.MetricEntry]) api.MetricsResponse {
	resp := api.MetricsResponse{Entries: make([]api.MetricEntry, 0, len(p.Entries)), Next: p.Next}
	for _, e := range p.Entries {
		resp.Entries = append(resp.Entries, api.MetricEntry{Time: e.Time, CPU: e.CPU, RAM: e.RAM, Extra: e.Extra})
	}
	return resp
}

func toAggregateResponse(agg telemetry.Aggregated) api.AggregateResponse {
	resp := api.AggregateResponse{Fields: make(map[string]api.Stats, len(agg))}
	for field, s := range agg {
		resp.Fields[field] = api.Stats{Max: s.Max, Min: s.Min, Avg: s.Avg, Cnt: s.Cnt, Std: s.Std}
	}
	return resp
}
