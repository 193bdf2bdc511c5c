package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"caseflow/internal/domain"
)

// HTTPRules talks to the external rules/decision service, which maps a task
// type plus case attributes to an ordered list of permission seed rows. The
// rows are plain data; no rule engine runs inside this core.
type HTTPRules struct {
	httpClient
}

func NewRules(baseURL string, timeout time.Duration) *HTTPRules {
	return &HTTPRules{newHTTPClient(baseURL, timeout)}
}

type taskRolesRequest struct {
	TaskType       string                `json:"task_type"`
	Jurisdiction   string                `json:"jurisdiction"`
	CaseTypeID     string                `json:"case_type_id"`
	CaseCategory   string                `json:"case_category,omitempty"`
	Classification domain.Classification `json:"classification"`
}

type taskRolesResponse struct {
	TaskRoles []domain.TaskRoleResource `json:"task_roles"`
}

func (s *HTTPRules) TaskRoles(ctx context.Context, taskType string, details domain.CaseDetails) ([]domain.TaskRoleResource, error) {
	req := taskRolesRequest{
		TaskType:       taskType,
		Jurisdiction:   details.Jurisdiction,
		CaseTypeID:     details.CaseTypeID,
		CaseCategory:   details.CaseCategory,
		Classification: details.Classification,
	}
	var resp taskRolesResponse
	if err := s.do(ctx, http.MethodPost, "task-roles", req, &resp); err != nil {
		return nil, fmt.Errorf("task roles for type %s: %w", taskType, err)
	}
	return resp.TaskRoles, nil
}
