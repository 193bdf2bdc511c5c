package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"caseflow/internal/domain"
)

// HTTPMirror writes committed transitions through to the legacy workflow
// engine's task variables. The store remains the sole source of truth.
type HTTPMirror struct {
	httpClient
}

func NewMirror(baseURL string, timeout time.Duration) *HTTPMirror {
	return &HTTPMirror{newHTTPClient(baseURL, timeout)}
}

type mirrorTransition struct {
	Action   string    `json:"action"`
	State    string    `json:"state"`
	Assignee *string   `json:"assignee,omitempty"`
	Task     mirrorRef `json:"task"`
}

type mirrorRef struct {
	ID     string `json:"id"`
	CaseID string `json:"case_id"`
	Type   string `json:"type"`
}

func (s *HTTPMirror) RecordTransition(ctx context.Context, task domain.Task, action string) error {
	body := mirrorTransition{
		Action:   action,
		State:    string(task.State),
		Assignee: task.Assignee,
		Task:     mirrorRef{ID: task.ID, CaseID: task.CaseID, Type: task.Type},
	}
	endpoint := fmt.Sprintf("tasks/%s/transitions", url.PathEscape(task.ID))
	return s.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (s *HTTPMirror) DeleteHistory(ctx context.Context, taskID string) error {
	endpoint := fmt.Sprintf("tasks/%s/history", url.PathEscape(taskID))
	return s.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// NopMirror is used when no workflow engine is configured.
type NopMirror struct{}

func (NopMirror) RecordTransition(context.Context, domain.Task, string) error { return nil }
func (NopMirror) DeleteHistory(context.Context, string) error                 { return nil }

var (
	_ Mirror     = NopMirror{}
	_ Mirror     = (*HTTPMirror)(nil)
	_ RoleSource = (*HTTPRoleSource)(nil)
	_ CaseData   = (*HTTPCaseData)(nil)
	_ Rules      = (*HTTPRules)(nil)
)
