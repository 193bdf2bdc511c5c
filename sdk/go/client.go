package caseflowsdk

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

// Client is a minimal Caseflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Name           string  `json:"name"`
	Title          string  `json:"title"`
	State          string  `json:"state"`
	Assignee       *string `json:"assignee,omitempty"`
	Classification string  `json:"classification"`
	Jurisdiction   string  `json:"jurisdiction"`
	CaseID         string  `json:"case_id"`
	CaseTypeID     string  `json:"case_type_id"`
	DueDate        string  `json:"due_date"`
	Version        int64   `json:"version"`
}

// Permissions mirrors the evaluated capability set for the caller.
type Permissions struct {
	Read     bool `json:"read"`
	Own      bool `json:"own"`
	Manage   bool `json:"manage"`
	Execute  bool `json:"execute"`
	Cancel   bool `json:"cancel"`
	Refer    bool `json:"refer"`
	Complete bool `json:"complete"`
	Assign   bool `json:"assign"`
	Unassign bool `json:"unassign"`
}

// AnnotatedTask is a task plus the caller's permissions on it.
type AnnotatedTask struct {
	Task        Task        `json:"task"`
	Permissions Permissions `json:"permissions"`
	RoleNames   []string    `json:"role_names,omitempty"`
}

// SearchParameter is one typed search condition.
type SearchParameter struct {
	Key      string   `json:"key"`
	Operator string   `json:"operator"`
	Values   []string `json:"values,omitempty"`
	Value    bool     `json:"value,omitempty"`
}

// SortParameter orders search results.
type SortParameter struct {
	SortBy    string `json:"sort_by"`
	SortOrder string `json:"sort_order,omitempty"`
}

// SearchResult is a search page plus the unpaged match count.
type SearchResult struct {
	Tasks        []AnnotatedTask `json:"tasks"`
	TotalRecords int             `json:"total_records"`
}

// Event represents one audit trail row.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// InitiateOptions carry the caller-supplied fields of a new task.
type InitiateOptions struct {
	TaskType string `json:"task_type"`
	TaskName string `json:"task_name,omitempty"`
	Title    string `json:"title,omitempty"`
	CaseID   string `json:"case_id"`
	DueDate  string `json:"due_date"`
	WorkType string `json:"work_type,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Initiate creates a task. Requires a system credential.
func (c *Client) Initiate(ctx context.Context, taskID string, opts InitiateOptions) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "initiation"), opts, &resp)
	return resp, err
}

// GetTask fetches a task with the caller's permission projection.
func (c *Client) GetTask(ctx context.Context, taskID string) (AnnotatedTask, error) {
	var resp AnnotatedTask
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// Claim assigns the task to the caller.
func (c *Client) Claim(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, c.taskPath(taskID, "claim"), nil, nil)
}

// Assign sets the task's assignee.
func (c *Client) Assign(ctx context.Context, taskID, assignee string) error {
	return c.do(ctx, http.MethodPost, c.taskPath(taskID, "assign"), map[string]any{"assignee": assignee}, nil)
}

// Unclaim releases the task back to the pool.
func (c *Client) Unclaim(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, c.taskPath(taskID, "unclaim"), nil, nil)
}

// Complete completes the task. With assignAndComplete the caller may complete
// a task they do not currently hold.
func (c *Client) Complete(ctx context.Context, taskID string, assignAndComplete bool) error {
	return c.do(ctx, http.MethodPost, c.taskPath(taskID, "complete"), map[string]any{"assign_and_complete": assignAndComplete}, nil)
}

// Cancel cancels the task.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, c.taskPath(taskID, "cancel"), nil, nil)
}

// Terminate deletes a task's lifecycle. Requires a system credential.
func (c *Client) Terminate(ctx context.Context, taskID, reason string) error {
	return c.do(ctx, http.MethodDelete, c.taskPath(taskID, ""), map[string]any{"terminate_reason": reason}, nil)
}

// Search runs the visibility-filtered search.
func (c *Client) Search(ctx context.Context, params []SearchParameter, sorts []SortParameter, firstResult, maxResults int) (SearchResult, error) {
	endpoint := fmt.Sprintf("v1/task?first_result=%d&max_results=%d", firstResult, maxResults)
	body := map[string]any{}
	if len(params) > 0 {
		body["search_parameters"] = params
	}
	if len(sorts) > 0 {
		body["sorting_parameters"] = sorts
	}
	var resp SearchResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SearchForCompletable lists a case's open tasks the caller could complete.
func (c *Client) SearchForCompletable(ctx context.Context, caseID, caseType string) ([]AnnotatedTask, error) {
	var resp struct {
		Tasks []AnnotatedTask `json:"tasks"`
	}
	err := c.do(ctx, http.MethodPost, "v1/task/search-for-completable", map[string]any{
		"case_id":   caseID,
		"case_type": caseType,
	}, &resp)
	return resp.Tasks, err
}

// Events returns a task's audit trail, newest first.
func (c *Client) Events(ctx context.Context, taskID string, limit int) ([]Event, error) {
	endpoint := c.taskPath(taskID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// MarkToReconfigure stamps the open tasks of the named cases for a later
// reconfiguration. Requires a system credential.
func (c *Client) MarkToReconfigure(ctx context.Context, caseIDs []string) error {
	return c.do(ctx, http.MethodPost, "v1/task/operation", map[string]any{
		"operation": "MARK_TO_RECONFIGURE",
		"case_ids":  caseIDs,
	}, nil)
}

// ExecuteReconfigure re-seeds the role rows of marked tasks. Requires a
// system credential.
func (c *Client) ExecuteReconfigure(ctx context.Context, caseIDs []string, markedBefore string) error {
	body := map[string]any{
		"operation": "EXECUTE_RECONFIGURE",
		"case_ids":  caseIDs,
	}
	if markedBefore != "" {
		body["marked_before"] = markedBefore
	}
	return c.do(ctx, http.MethodPost, "v1/task/operation", body, nil)
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

func (c *Client) taskPath(taskID, p string) string {
	base := "v1/task/" + url.PathEscape(taskID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
