// Package clients holds the HTTP collaborators the core depends on. The
// engine consumes the interfaces; tests substitute in-memory fakes.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caseflow/internal/domain"
)

// RoleSource resolves role assignments. Assignments are request-scoped and
// re-fetched per call; grants can change between requests, so nothing here
// is ever cached.
type RoleSource interface {
	// ActorAssignments returns every grant the actor currently holds.
	ActorAssignments(ctx context.Context, actorID string) ([]domain.RoleAssignment, error)
	// CaseAssignments returns every grant scoped to a case, used by the
	// auto-assigner to find candidate assignees.
	CaseAssignments(ctx context.Context, caseID string) ([]domain.RoleAssignment, error)
}

// CaseData looks up case metadata at task initiation.
type CaseData interface {
	Case(ctx context.Context, caseID string) (domain.CaseDetails, error)
}

// Rules fetches the ordered permission seed for a new or reconfigured task.
type Rules interface {
	TaskRoles(ctx context.Context, taskType string, details domain.CaseDetails) ([]domain.TaskRoleResource, error)
}

// Mirror is the legacy workflow engine's mirrored task state. It is a
// write-through cache, never authoritative; delivery failures are logged by
// the caller and never fail the primary transition.
type Mirror interface {
	RecordTransition(ctx context.Context, task domain.Task, action string) error
	DeleteHistory(ctx context.Context, taskID string) error
}

// APIError wraps a collaborator's non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("collaborator error: status=%d body=%s", e.StatusCode, e.Body)
}

type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string, timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c httpClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
