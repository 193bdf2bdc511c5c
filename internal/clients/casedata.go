package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"caseflow/internal/domain"
)

// HTTPCaseData talks to the external case-data service.
type HTTPCaseData struct {
	httpClient
}

func NewCaseData(baseURL string, timeout time.Duration) *HTTPCaseData {
	return &HTTPCaseData{newHTTPClient(baseURL, timeout)}
}

func (s *HTTPCaseData) Case(ctx context.Context, caseID string) (domain.CaseDetails, error) {
	var details domain.CaseDetails
	endpoint := fmt.Sprintf("cases/%s", url.PathEscape(caseID))
	if err := s.do(ctx, http.MethodGet, endpoint, nil, &details); err != nil {
		return domain.CaseDetails{}, fmt.Errorf("case %s: %w", caseID, err)
	}
	if details.CaseID == "" {
		details.CaseID = caseID
	}
	if details.Classification == "" {
		details.Classification = domain.ClassificationPublic
	}
	return details, nil
}
