package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskplane/pkg/api"
)

func TestCreateCommand_FromFile(t *testing.T) {
	resetViper()

	file := filepath.Join(t.TempDir(), "task.yaml")
	os.WriteFile(file, []byte(`
name: nightly
os: {name: alpine, version: "3.20"}
cron: "0 2 * * *"
max_concurrent_runs: 2
steps:
  - name: report
    script: echo report
  - name: notify
    script: "false"
    ignore_failure: true
limitations: {cpu: 500m, ttl: 10m}
`), 0o644)

	var got api.TaskRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected Bearer token, got: %s", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.TaskResponse{ID: "task-1", Name: got.Name, Status: "building"})
	}))
	defer server.Close()

	output := execute(t, server.URL, "create", "-f", file, "--cron", "@hourly")

	if !strings.Contains(output, "Task created") || !strings.Contains(output, "task-1") {
		t.Errorf("unexpected output: %s", output)
	}
	if got.Name != "nightly" || got.OS.Version != "3.20" || got.MaxConcurrentRuns != 2 {
		t.Errorf("request = %+v", got)
	}
	if got.Cron != "@hourly" {
		t.Errorf("flag should override the file cron, got %q", got.Cron)
	}
	if len(got.Steps) != 2 || !got.Steps[1].IgnoreFailure || got.Steps[1].Script != "false" {
		t.Errorf("steps = %+v", got.Steps)
	}
	if got.Limitations == nil || got.Limitations.CPU != "500m" || got.Limitations.TTL != "10m" {
		t.Errorf("limitations = %+v", got.Limitations)
	}
}

func TestCreateCommand_FromFlags(t *testing.T) {
	resetViper()

	var got api.TaskRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.TaskResponse{ID: "task-2", Name: got.Name, Status: "building"})
	}))
	defer server.Close()

	execute(t, server.URL, "create", "--name", "hello", "--os", "alpine:3.20",
		"--step", "echo one", "--step", "echo two", "--cron", "@every 1m", "--once", "--ram", "64Mi")

	if got.Name != "hello" || got.OS != (api.OSInfo{Name: "alpine", Version: "3.20"}) || !got.Once {
		t.Errorf("request = %+v", got)
	}
	if len(got.Steps) != 2 || got.Steps[0].Script != "echo one" || got.Steps[1].Name != "step-2" {
		t.Errorf("steps = %+v", got.Steps)
	}
	if got.Limitations == nil || got.Limitations.RAM != "64Mi" {
		t.Errorf("limitations = %+v", got.Limitations)
	}
}

func TestCreateCommand_MissingFields(t *testing.T) {
	resetViper()

	output := execute(t, "http://127.0.0.1:1", "create", "--step", "true")
	if !strings.Contains(output, "a task name is required") {
		t.Errorf("unexpected output: %s", output)
	}

	resetViper()
	output = execute(t, "http://127.0.0.1:1", "create", "--name", "x")
	if !strings.Contains(output, "at least one step is required") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestCreateCommand_APIError(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "invalid cron: bad expression", Code: "400"})
	}))
	defer server.Close()

	output := execute(t, server.URL, "create", "--name", "x", "--step", "true", "--cron", "nope")
	if !strings.Contains(output, "Error (400): invalid cron: bad expression") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestListCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ListTasksResponse{Tasks: []api.TaskResponse{
			{ID: "t1", Name: "alpha", OS: api.OSInfo{Name: "alpine", Version: "3.20"}, Cron: "@hourly", Status: "ready"},
			{ID: "t2", Name: "beta", OS: api.OSInfo{Name: "busybox"}, Cron: "@daily", Status: "stopped"},
		}})
	}))
	defer server.Close()

	output := execute(t, server.URL, "list")
	for _, want := range []string{"alpha", "alpine:3.20", "busybox", "stopped"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q: %s", want, output)
		}
	}
}

func TestTaskCommands_Lifecycle(t *testing.T) {
	tests := []struct {
		args       []string
		method     string
		path       string
		wantOutput string
	}{
		{[]string{"get", "t1"}, http.MethodGet, "/tasks/t1", "Name:     nightly"},
		{[]string{"start", "t1"}, http.MethodPost, "/tasks/t1/start", "Task t1 started"},
		{[]string{"stop", "t1"}, http.MethodPost, "/tasks/t1/stop", "Task t1 stopped"},
		{[]string{"delete", "t1"}, http.MethodDelete, "/tasks/t1", "Task t1 deleted"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			resetViper()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != tt.method || r.URL.Path != tt.path {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if r.Method == http.MethodDelete {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				json.NewEncoder(w).Encode(api.TaskResponse{
					ID:     "t1",
					Name:   "nightly",
					Steps:  []api.Step{{Name: "a", Script: "echo a"}},
					Status: "ready",
				})
			}))
			defer server.Close()

			output := execute(t, server.URL, tt.args...)
			if !strings.Contains(output, tt.wantOutput) {
				t.Errorf("unexpected output: %s", output)
			}
		})
	}
}

func TestGetCommand_NotFound(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Task not found", Code: "404"})
	}))
	defer server.Close()

	output := execute(t, server.URL, "get", "missing")
	if !strings.Contains(output, "Error (404): Task not found") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestUpdateCommand(t *testing.T) {
	resetViper()

	var got api.TaskRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/tasks/t1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(api.TaskResponse{ID: "t1", Name: got.Name, Status: "building"})
	}))
	defer server.Close()

	output := execute(t, server.URL, "update", "t1", "--name", "renamed", "--step", "echo hi")
	if !strings.Contains(output, "Task updated") || !strings.Contains(output, "building") {
		t.Errorf("unexpected output: %s", output)
	}
	if got.Name != "renamed" || len(got.Steps) != 1 || got.Steps[0].Script != "echo hi" {
		t.Errorf("request = %+v", got)
	}
}
