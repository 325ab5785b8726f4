package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"taskplane/pkg/api"
)

// TaskClient handles API calls to the taskplane server.
type TaskClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewTaskClient creates a new client with the given base URL and token.
func NewTaskClient(baseURL, token string) *TaskClient {
	return &TaskClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			// Deleting a task waits for its instances to be removed.
			Timeout: 90 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends a request and decodes a 2xx JSON body into out, when out is not nil.
func (c *TaskClient) do(method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	httpReq, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(respBody)
		var apiErr api.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// CreateTask sends POST /tasks.
func (c *TaskClient) CreateTask(req api.TaskRequest) (*api.TaskResponse, error) {
	var result api.TaskResponse
	if err := c.do(http.MethodPost, "/tasks", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateTask sends PUT /tasks/{id}.
func (c *TaskClient) UpdateTask(id string, req api.TaskRequest) (*api.TaskResponse, error) {
	var result api.TaskResponse
	if err := c.do(http.MethodPut, "/tasks/"+url.PathEscape(id), nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTasks sends GET /tasks.
func (c *TaskClient) ListTasks() ([]api.TaskResponse, error) {
	var result api.ListTasksResponse
	if err := c.do(http.MethodGet, "/tasks", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Tasks, nil
}

// GetTask sends GET /tasks/{id}.
func (c *TaskClient) GetTask(id string) (*api.TaskResponse, error) {
	var result api.TaskResponse
	if err := c.do(http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteTask sends DELETE /tasks/{id}.
func (c *TaskClient) DeleteTask(id string) error {
	return c.do(http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil, nil)
}

// StartTask sends POST /tasks/{id}/start.
func (c *TaskClient) StartTask(id string) (*api.TaskResponse, error) {
	var result api.TaskResponse
	if err := c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/start", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StopTask sends POST /tasks/{id}/stop.
func (c *TaskClient) StopTask(id string) (*api.TaskResponse, error) {
	var result api.TaskResponse
	if err := c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/stop", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TriggerTask sends POST /tasks/{id}/run to start a run now.
func (c *TaskClient) TriggerTask(id string) (*api.RunResponse, error) {
	var result api.RunResponse
	if err := c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/run", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRuns sends GET /tasks/{id}/runs, newest first.
func (c *TaskClient) ListRuns(taskID string, limit, offset int) ([]api.RunResponse, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	var result api.ListRunsResponse
	if err := c.do(http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/runs", q, nil, &result); err != nil {
		return nil, err
	}
	return result.Runs, nil
}

// GetRun sends GET /runs/{id}.
func (c *TaskClient) GetRun(id string) (*api.RunResponse, error) {
	var result api.RunResponse
	if err := c.do(http.MethodGet, "/runs/"+url.PathEscape(id), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SearchQuery holds the filter and paging parameters of log and metric searches.
type SearchQuery struct {
	Since   string
	Until   string
	Pattern string
	From    int
	Size    int
}

func (s SearchQuery) values() url.Values {
	q := url.Values{}
	if s.Since != "" {
		q.Set("since", s.Since)
	}
	if s.Until != "" {
		q.Set("until", s.Until)
	}
	if s.Pattern != "" {
		q.Set("pattern", s.Pattern)
	}
	if s.From > 0 {
		q.Set("from", fmt.Sprint(s.From))
	}
	if s.Size > 0 {
		q.Set("size", fmt.Sprint(s.Size))
	}
	return q
}

// GetLogs sends GET /runs/{id}/logs.
func (c *TaskClient) GetLogs(runID string, s SearchQuery) (*api.LogsResponse, error) {
	var result api.LogsResponse
	if err := c.do(http.MethodGet, "/runs/"+url.PathEscape(runID)+"/logs", s.values(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMetrics sends GET /runs/{id}/metrics.
func (c *TaskClient) GetMetrics(runID string, s SearchQuery) (*api.MetricsResponse, error) {
	var result api.MetricsResponse
	if err := c.do(http.MethodGet, "/runs/"+url.PathEscape(runID)+"/metrics", s.values(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AggregateMetrics sends GET /runs/{id}/metrics/aggregate.
func (c *TaskClient) AggregateMetrics(runID string, fields []string, s SearchQuery) (*api.AggregateResponse, error) {
	q := s.values()
	for _, f := range fields {
		q.Add("fields", f)
	}
	var result api.AggregateResponse
	if err := c.do(http.MethodGet, "/runs/"+url.PathEscape(runID)+"/metrics/aggregate", q, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
