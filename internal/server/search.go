package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/repo"
)

func registerSearch(api huma.API, eng engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "search-tasks",
		Method:      http.MethodPost,
		Path:        "/task",
		Summary:     "Search tasks visible to the caller",
	}, func(ctx context.Context, input *struct {
		FirstResult int `query:"first_result" default:"0"`
		MaxResults  int `query:"max_results" default:"50"`
		Body        struct {
			SearchParameters  []repo.Predicate `json:"search_parameters,omitempty"`
			SortingParameters []repo.SortSpec  `json:"sorting_parameters,omitempty"`
		}
	}) (*struct {
		Body struct {
			Tasks        []domain.AnnotatedTask `json:"tasks"`
			TotalRecords int                    `json:"total_records"`
		}
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		page := engine.Page{FirstResult: input.FirstResult, MaxResults: input.MaxResults}
		tasks, total, err := eng.Search(ctx, actorID, input.Body.SearchParameters, input.Body.SortingParameters, page)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Tasks        []domain.AnnotatedTask `json:"tasks"`
				TotalRecords int                    `json:"total_records"`
			}
		}{}
		if tasks == nil {
			tasks = []domain.AnnotatedTask{}
		}
		resp.Body.Tasks = tasks
		resp.Body.TotalRecords = total
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-for-completable",
		Method:      http.MethodPost,
		Path:        "/task/search-for-completable",
		Summary:     "List a case's open tasks the caller could complete",
	}, func(ctx context.Context, input *struct {
		Body struct {
			CaseID   string `json:"case_id" minLength:"1"`
			CaseType string `json:"case_type,omitempty"`
		}
	}) (*struct {
		Body struct {
			Tasks []domain.AnnotatedTask `json:"tasks"`
		}
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		tasks, err := eng.SearchForCompletable(ctx, actorID, input.Body.CaseID, input.Body.CaseType)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Tasks []domain.AnnotatedTask `json:"tasks"`
			}
		}{}
		if tasks == nil {
			tasks = []domain.AnnotatedTask{}
		}
		resp.Body.Tasks = tasks
		return resp, nil
	})
}
