package opsboardsdk

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
)

// Client is a minimal Opsboard HTTP API client bound to one site.
type Client struct {
	BaseURL     string
	SiteID      string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, siteID string) *Client {
	return &Client{
		BaseURL: baseURL,
		SiteID:  siteID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string   `json:"id"`
	SiteID         string   `json:"site_id"`
	UniqueCode     string   `json:"unique_code"`
	TaskType       string   `json:"task_type"`
	KanbanID       string   `json:"kanban_id"`
	KanbanColumnID string   `json:"kanban_column_id"`
	Archived       bool     `json:"archived"`
	ParentTaskID   *string  `json:"parent_task_id,omitempty"`
	Title          string   `json:"title"`
	Positions      []string `json:"positions"`
}

// CreateTaskParams are the fields accepted when creating a task.
type CreateTaskParams struct {
	KanbanID       string   `json:"kanban_id"`
	KanbanColumnID string   `json:"kanban_column_id,omitempty"`
	ParentTaskID   string   `json:"parent_task_id,omitempty"`
	ClientID       string   `json:"client_id,omitempty"`
	Title          string   `json:"title,omitempty"`
	StartDate      string   `json:"start_date,omitempty"`
	DeliveryDate   string   `json:"delivery_date,omitempty"`
	Price          *float64 `json:"price,omitempty"`
	Positions      []string `json:"positions,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task and returns it with its allocated code.
func (c *Client) CreateTask(ctx context.Context, params CreateTaskParams) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.sitePath("tasks"), params, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.sitePath("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListTasks returns tasks on a kanban. An empty kanbanID lists the whole site.
func (c *Client) ListTasks(ctx context.Context, kanbanID string, limit int) ([]Task, error) {
	q := url.Values{}
	if kanbanID != "" {
		q.Set("kanban_id", kanbanID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := c.sitePath("tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// MoveTask moves a task to another column of its kanban.
func (c *Client) MoveTask(ctx context.Context, id, columnID string) (Task, error) {
	var resp Task
	body := map[string]any{"kanban_column_id": columnID}
	err := c.do(ctx, http.MethodPost, c.sitePath("tasks/"+url.PathEscape(id)+"/move"), body, &resp)
	return resp, err
}

// ArchiveTask sets the archived flag.
func (c *Client) ArchiveTask(ctx context.Context, id string, archived bool) (Task, error) {
	var resp Task
	body := map[string]any{"archived": archived}
	err := c.do(ctx, http.MethodPost, c.sitePath("tasks/"+url.PathEscape(id)+"/archive"), body, &resp)
	return resp, err
}

// DeleteTask removes a task together with its history and controls.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.sitePath("tasks/"+url.PathEscape(id)), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sitePath(p string) string {
	site := url.PathEscape(c.SiteID)
	return fmt.Sprintf("v0/sites/%s/%s", site, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
