package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"caseflow/internal/engine"
)

func registerOperations(api huma.API, eng engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-operation",
		Method:      http.MethodPost,
		Path:        "/task/operation",
		Summary:     "Run a bulk maintenance operation",
		Description: "System-only. MARK_TO_RECONFIGURE stamps open tasks for the named cases; EXECUTE_RECONFIGURE re-seeds the role rows of tasks marked before the threshold.",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Operation    string   `json:"operation" enum:"MARK_TO_RECONFIGURE,EXECUTE_RECONFIGURE"`
			CaseIDs      []string `json:"case_ids,omitempty"`
			MarkedBefore string   `json:"marked_before,omitempty" format:"date-time"`
		}
	}) (*struct {
		Body struct {
			Processed int      `json:"processed"`
			Failed    []string `json:"failed,omitempty"`
		}
	}, error) {
		actorID, herr := requireSystemScope(ctx)
		if herr != nil {
			return nil, herr
		}
		if len(input.Body.CaseIDs) == 0 {
			return nil, handleError(&engine.ValidationError{Field: "case_ids", Message: "required"})
		}

		var res engine.BulkResult
		var err error
		switch input.Body.Operation {
		case "MARK_TO_RECONFIGURE":
			res, err = eng.MarkToReconfigure(ctx, input.Body.CaseIDs, actorID)
		case "EXECUTE_RECONFIGURE":
			threshold := time.Now()
			if input.Body.MarkedBefore != "" {
				threshold, err = time.Parse(time.RFC3339, input.Body.MarkedBefore)
				if err != nil {
					return nil, handleError(&engine.ValidationError{Field: "marked_before", Message: "must be RFC3339"})
				}
			}
			res, err = eng.ExecuteReconfigure(ctx, input.Body.CaseIDs, threshold, actorID)
		default:
			return nil, handleError(&engine.ValidationError{Field: "operation", Message: "unknown operation"})
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Processed int      `json:"processed"`
				Failed    []string `json:"failed,omitempty"`
			}
		}{}
		resp.Body.Processed = res.Processed
		resp.Body.Failed = res.Failed
		return resp, nil
	})
}
