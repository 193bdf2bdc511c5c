package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"caseflow/internal/domain"
)

// ErrInvalidQuery marks a malformed search request (unknown field, unknown
// operator, bad sort column). The server surfaces it as a validation error.
var ErrInvalidQuery = errors.New("invalid query")

const (
	OpIn      = "IN"
	OpBoolean = "BOOLEAN"
	OpAfter   = "AFTER"
)

// Predicate is one typed search condition; predicates are ANDed together.
type Predicate struct {
	Field    string   `json:"key"`
	Operator string   `json:"operator" enum:"IN,BOOLEAN,AFTER"`
	Values   []string `json:"values,omitempty"`
	Value    bool     `json:"value,omitempty"`
}

type SortSpec struct {
	Field string `json:"sort_by"`
	Order string `json:"sort_order,omitempty" enum:"asc,desc"`
}

// VisibilityScope is one allowed-scope disjunct derived from a single role
// assignment. A case-scoped grant pins the case id; an attribute-scoped one
// pins whichever attributes the grant carries. MaxClassification caps what
// the scope may see.
type VisibilityScope struct {
	MaxClassification domain.Classification
	CaseID            string
	Jurisdiction      string
	Region            string
	Location          string
	CaseType          string
}

// searchColumns maps predicate fields to columns; camelCase and snake_case
// aliases point at the same column.
var searchColumns = map[string]string{
	"jurisdiction": "jurisdiction",
	"location":     "location",
	"region":       "region",
	"caseId":       "case_id",
	"case_id":      "case_id",
	"state":        "state",
	"workType":     "work_type",
	"work_type":    "work_type",
}

var sortColumns = map[string]string{
	"dueDate":        "due_date",
	"due_date":       "due_date",
	"createdDate":    "created_date",
	"created_date":   "created_date",
	"taskTitle":      "title",
	"task_title":     "title",
	"caseName":       "case_name",
	"case_name":      "case_name",
	"caseId":         "case_id",
	"case_id":        "case_id",
	"caseCategory":   "case_category",
	"case_category":  "case_category",
	"locationName":   "location",
	"location_name":  "location",
	"location":       "location",
	"taskId":         "id",
	"task_id":        "id",
	"state":          "state",
	"jurisdiction":   "jurisdiction",
	"region":         "region",
	"workType":       "work_type",
	"work_type":      "work_type",
	"assignee":       "assignee",
	"classification": "classification",
}

// SortColumn resolves a sort field alias; ok is false for unknown fields.
func SortColumn(field string) (string, bool) {
	col, ok := sortColumns[field]
	return col, ok
}

func classificationLevels(max domain.Classification) []string {
	var levels []string
	for _, c := range []domain.Classification{domain.ClassificationPublic, domain.ClassificationPrivate, domain.ClassificationRestricted} {
		if max.Covers(c) {
			levels = append(levels, string(c))
		}
	}
	return levels
}

func scopeClause(s VisibilityScope, args *[]any) string {
	var parts []string
	if s.CaseID != "" {
		parts = append(parts, "case_id=?")
		*args = append(*args, s.CaseID)
	} else {
		if s.Jurisdiction != "" {
			parts = append(parts, "jurisdiction=?")
			*args = append(*args, s.Jurisdiction)
		}
		if s.CaseType != "" {
			parts = append(parts, "case_type_id=?")
			*args = append(*args, s.CaseType)
		}
		if s.Region != "" {
			parts = append(parts, "region=?")
			*args = append(*args, s.Region)
		}
		if s.Location != "" {
			parts = append(parts, "location=?")
			*args = append(*args, s.Location)
		}
	}
	levels := classificationLevels(s.MaxClassification)
	parts = append(parts, "classification IN ("+placeholders(len(levels))+")")
	for _, l := range levels {
		*args = append(*args, l)
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// SearchTasks returns every task matching the visibility scopes and the
// predicate conjunction, in sort order. Paging and evaluator-dependent
// filters (role category, available-tasks-only ownership) are applied by the
// caller, which also derives the total before slicing the page.
func (r Repo) SearchTasks(ctx context.Context, scopes []VisibilityScope, predicates []Predicate, sorts []SortSpec) ([]domain.Task, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	var clauses []string
	var args []any

	var scopeParts []string
	for _, s := range scopes {
		scopeParts = append(scopeParts, scopeClause(s, &args))
	}
	clauses = append(clauses, "("+strings.Join(scopeParts, " OR ")+")")

	for _, p := range predicates {
		switch p.Operator {
		case OpIn:
			col, ok := searchColumns[p.Field]
			if !ok {
				return nil, fmt.Errorf("%w: unknown search field %q", ErrInvalidQuery, p.Field)
			}
			if len(p.Values) == 0 {
				return nil, fmt.Errorf("%w: field %q requires values", ErrInvalidQuery, p.Field)
			}
			clauses = append(clauses, col+" IN ("+placeholders(len(p.Values))+")")
			for _, v := range p.Values {
				args = append(args, v)
			}
		case OpAfter:
			col, ok := searchColumns[p.Field]
			if !ok && (p.Field == "dueDate" || p.Field == "due_date") {
				col, ok = "due_date", true
			}
			if !ok {
				return nil, fmt.Errorf("%w: unknown search field %q", ErrInvalidQuery, p.Field)
			}
			if len(p.Values) != 1 {
				return nil, fmt.Errorf("%w: field %q requires exactly one value", ErrInvalidQuery, p.Field)
			}
			clauses = append(clauses, col+" > ?")
			args = append(args, p.Values[0])
		case OpBoolean:
			switch p.Field {
			case "availableTasksOnly", "available_tasks_only":
				if p.Value {
					clauses = append(clauses, "(state=? AND assignee IS NULL)")
					args = append(args, string(domain.StateUnassigned))
				}
			default:
				return nil, fmt.Errorf("%w: unknown boolean field %q", ErrInvalidQuery, p.Field)
			}
		default:
			return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, p.Operator)
		}
	}

	order := "due_date ASC, id ASC"
	if len(sorts) > 0 {
		var parts []string
		for _, s := range sorts {
			col, ok := SortColumn(s.Field)
			if !ok {
				return nil, fmt.Errorf("%w: unknown sort field %q", ErrInvalidQuery, s.Field)
			}
			dir := "ASC"
			if strings.EqualFold(s.Order, "desc") {
				dir = "DESC"
			}
			parts = append(parts, col+" "+dir)
		}
		parts = append(parts, "id ASC")
		order = strings.Join(parts, ", ")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ` + order
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
