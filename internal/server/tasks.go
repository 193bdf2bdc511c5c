package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/repo"
)

func registerTasks(api huma.API, eng engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "initiate-task",
		Method:        http.MethodPost,
		Path:          "/task/{id}/initiation",
		Summary:       "Initiate a task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id" maxLength:"128"`
		Body struct {
			TaskType string `json:"task_type" minLength:"1"`
			TaskName string `json:"task_name,omitempty"`
			Title    string `json:"title,omitempty"`
			CaseID   string `json:"case_id" minLength:"1"`
			DueDate  string `json:"due_date" format:"date-time"`
			WorkType string `json:"work_type,omitempty"`
		}
	}) (*struct {
		Body domain.Task
	}, error) {
		actorID, herr := requireSystemScope(ctx)
		if herr != nil {
			return nil, herr
		}
		t, err := eng.Initiate(ctx, engine.InitiateOptions{
			ID:       input.ID,
			Type:     input.Body.TaskType,
			Name:     input.Body.TaskName,
			Title:    input.Body.Title,
			CaseID:   input.Body.CaseID,
			DueDate:  input.Body.DueDate,
			WorkType: input.Body.WorkType,
		}, actorID)
		if err != nil {
			// A replayed initiation races the first; callers retry with
			// backoff rather than treating it as a terminal conflict.
			if errors.Is(err, repo.ErrConflict) {
				return nil, newAPIError(http.StatusServiceUnavailable, "database_conflict", "task already initiated", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "claim-task",
		Method:        http.MethodPost,
		Path:          "/task/{id}/claim",
		Summary:       "Claim a task for the caller",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := eng.Claim(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-task",
		Method:        http.MethodPost,
		Path:          "/task/{id}/assign",
		Summary:       "Assign a task to an actor",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Assignee string `json:"assignee" minLength:"1"`
		}
	}) (*struct{}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := eng.Assign(ctx, input.ID, actorID, input.Body.Assignee); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unclaim-task",
		Method:        http.MethodPost,
		Path:          "/task/{id}/unclaim",
		Summary:       "Release a task back to the pool",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := eng.Unclaim(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "complete-task",
		Method:        http.MethodPost,
		Path:          "/task/{id}/complete",
		Summary:       "Complete a task",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			AssignAndComplete bool `json:"assign_and_complete,omitempty"`
		}
	}) (*struct{}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := eng.Complete(ctx, input.ID, actorID, input.Body.AssignAndComplete); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-task",
		Method:        http.MethodPost,
		Path:          "/task/{id}/cancel",
		Summary:       "Cancel a task",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := eng.Cancel(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "terminate-task",
		Method:        http.MethodDelete,
		Path:          "/task/{id}",
		Summary:       "Terminate a task",
		Description:   "Internal cleanup for system callers; bypasses role verification.",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			TerminateReason string `json:"terminate_reason" enum:"completed,cancelled,deleted"`
		}
	}) (*struct{}, error) {
		actorID, herr := requireSystemScope(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := eng.Terminate(ctx, input.ID, input.Body.TerminateReason, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/task/{id}",
		Summary:     "Fetch a task with the caller's permissions",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.AnnotatedTask
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		at, err := eng.GetTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AnnotatedTask
		}{Body: at}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-roles",
		Method:      http.MethodGet,
		Path:        "/task/{id}/roles",
		Summary:     "List the caller's matched roles on a task",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Roles []domain.RoleResult `json:"roles"`
		}
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		roles, err := eng.ListRoles(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Roles []domain.RoleResult `json:"roles"`
			}
		}{}
		if roles == nil {
			roles = []domain.RoleResult{}
		}
		resp.Body.Roles = roles
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-events",
		Method:      http.MethodGet,
		Path:        "/task/{id}/events",
		Summary:     "List a task's audit trail, newest first",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body struct {
			Events []domain.TaskEvent `json:"events"`
		}
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		evts, err := eng.ListEvents(ctx, input.ID, actorID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Events []domain.TaskEvent `json:"events"`
			}
		}{}
		if evts == nil {
			evts = []domain.TaskEvent{}
		}
		resp.Body.Events = evts
		return resp, nil
	})
}
