package taskstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/locusai/locus/internal/debug"
)

// APIError is a non-2xx response from the task API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrLeaseLost
	}
	return nil
}

// Client is a Store backed by the task API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ Store = (*Client)(nil)

// NewClient creates a Client for baseURL. httpClient may be nil.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

func (c *Client) Dispatch(ctx context.Context, workspaceID, agentID, sprintID string) (*Task, error) {
	return c.dispatch(ctx, workspaceID, dispatchRequest{AgentID: agentID, SprintID: sprintID})
}

func (c *Client) DispatchTier(ctx context.Context, workspaceID, agentID, sprintID string, tier int) (*Task, error) {
	return c.dispatch(ctx, workspaceID, dispatchRequest{AgentID: agentID, SprintID: sprintID, Tier: &tier})
}

func (c *Client) dispatch(ctx context.Context, workspaceID string, req dispatchRequest) (*Task, error) {
	var task Task
	status, err := c.do(ctx, http.MethodPost, "/workspaces/"+url.PathEscape(workspaceID)+"/dispatch", req, &task)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, ErrNoTask
	}
	return &task, nil
}

func (c *Client) Renew(ctx context.Context, taskID, agentID string) (*Task, error) {
	var task Task
	if _, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/renew", renewRequest{AgentID: agentID}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) Update(ctx context.Context, taskID string, u Update) (*Task, error) {
	var task Task
	if _, err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), u, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) AddComment(ctx context.Context, taskID string, nc NewComment) (*Comment, error) {
	var comment Comment
	if _, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/comments", nc, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if _, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) ListTasks(ctx context.Context, sprintID string) ([]Task, error) {
	var tasks []Task
	if _, err := c.do(ctx, http.MethodGet, "/sprints/"+url.PathEscape(sprintID)+"/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) ActiveSprint(ctx context.Context, workspaceID string) (*Sprint, error) {
	var s Sprint
	if _, err := c.do(ctx, http.MethodGet, "/workspaces/"+url.PathEscape(workspaceID)+"/sprints/active", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetSprint(ctx context.Context, sprintID string) (*Sprint, error) {
	var s Sprint
	if _, err := c.do(ctx, http.MethodGet, "/sprints/"+url.PathEscape(sprintID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) SaveMindmap(ctx context.Context, sprintID, mindmap string) error {
	_, err := c.do(ctx, http.MethodPut, "/sprints/"+url.PathEscape(sprintID)+"/mindmap", mindmapRequest{Mindmap: mindmap}, nil)
	return err
}

// do sends body as JSON and decodes a 2xx response into out. It returns the
// response status.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	debug.LogKV("taskstore.client", "request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return resp.StatusCode, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}
