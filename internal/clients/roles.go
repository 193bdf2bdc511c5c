package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"caseflow/internal/domain"
)

// HTTPRoleSource talks to the external role-assignment service.
type HTTPRoleSource struct {
	httpClient
}

func NewRoleSource(baseURL string, timeout time.Duration) *HTTPRoleSource {
	return &HTTPRoleSource{newHTTPClient(baseURL, timeout)}
}

type roleAssignmentsResponse struct {
	RoleAssignments []domain.RoleAssignment `json:"roleAssignments"`
}

func (s *HTTPRoleSource) ActorAssignments(ctx context.Context, actorID string) ([]domain.RoleAssignment, error) {
	var resp roleAssignmentsResponse
	endpoint := fmt.Sprintf("role-assignments?actorId=%s", url.QueryEscape(actorID))
	if err := s.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("role assignments for actor %s: %w", actorID, err)
	}
	return resp.RoleAssignments, nil
}

func (s *HTTPRoleSource) CaseAssignments(ctx context.Context, caseID string) ([]domain.RoleAssignment, error) {
	var resp roleAssignmentsResponse
	endpoint := fmt.Sprintf("role-assignments?caseId=%s", url.QueryEscape(caseID))
	if err := s.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("role assignments for case %s: %w", caseID, err)
	}
	return resp.RoleAssignments, nil
}
