package tui

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

	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/timeline"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx response from the node.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, strings.TrimSpace(e.Body))
}

// Client wraps HTTP calls to the Ananta API.
type Client struct {
	baseURL    string
	token      string
	holderID   string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout. token may be empty for
// nodes without bearer tokens.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// SetHolder sets the agent URL used when claiming. Empty lets the node use
// the caller's token subject.
func (c *Client) SetHolder(holder string) {
	c.holderID = holder
}

// ReadModel fetches the dashboard aggregate.
func (c *Client) ReadModel(ctx context.Context) (*models.ReadModel, error) {
	var rm models.ReadModel
	if err := c.get(ctx, "/orchestration/read-model", &rm); err != nil {
		return nil, err
	}
	return &rm, nil
}

// ListTasks fetches tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]TaskItem, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []models.Task
	if err := c.get(ctx, path, &tasks); err != nil {
		return nil, err
	}
	items := make([]TaskItem, len(tasks))
	for i, t := range tasks {
		items[i] = itemFromTask(t)
	}
	return items, nil
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := c.get(ctx, "/tasks/"+url.PathEscape(id), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Timeline fetches the event timeline of a task.
func (c *Client) Timeline(ctx context.Context, id string, errorsOnly bool) ([]timeline.Event, error) {
	path := "/tasks/" + url.PathEscape(id) + "/timeline"
	if errorsOnly {
		path += "?errors_only=true"
	}
	var resp struct {
		Events []timeline.Event `json:"events"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// CreateTask ingests a task and returns its id.
func (c *Client) CreateTask(ctx context.Context, description string) (string, error) {
	var task models.Task
	if err := c.post(ctx, "/tasks", map[string]string{"description": description}, &task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// ClaimTask claims a task for the client's holder.
func (c *Client) ClaimTask(ctx context.Context, id string) (*models.ClaimResult, error) {
	body := map[string]any{}
	if c.holderID != "" {
		body["agent_url"] = c.holderID
	}
	var res models.ClaimResult
	if err := c.post(ctx, "/tasks/"+url.PathEscape(id)+"/claim", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Followup creates a follow-up of a finished task.
func (c *Client) Followup(ctx context.Context, id, description string) (string, error) {
	var task models.Task
	if err := c.post(ctx, "/tasks/"+url.PathEscape(id)+"/followup", map[string]string{"description": description}, &task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// CheckHealth checks if the node is healthy.
func (c *Client) CheckHealth(ctx context.Context) (bool, error) {
	var health struct {
		OK bool `json:"ok"`
	}
	if err := c.get(ctx, "/health", &health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, data, out any) error {
	return c.do(ctx, http.MethodPost, path, data, out)
}

func (c *Client) do(ctx context.Context, method, path string, data, out any) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
