package engine

import (
	"context"
	"errors"

	"caseflow/internal/access"
	"caseflow/internal/domain"
	"caseflow/internal/repo"
)

// Page is offset pagination. FirstResult must be >= 0 and MaxResults >= 1;
// anything else is a validation error, never a silent clamp.
type Page struct {
	FirstResult int
	MaxResults  int
}

func (p Page) validate() error {
	if p.FirstResult < 0 {
		return &ValidationError{Field: "first_result", Message: "must be zero or greater"}
	}
	if p.MaxResults < 1 {
		return &ValidationError{Field: "max_results", Message: "must be one or greater"}
	}
	return nil
}

// GetTask returns the task with the caller's permission projection. A task
// the caller's assignments cannot see is Forbidden, never NotFound.
func (e Engine) GetTask(ctx context.Context, taskID, actorID string) (domain.AnnotatedTask, error) {
	assignments, err := e.actorAssignments(ctx, actorID)
	if err != nil {
		return domain.AnnotatedTask{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.AnnotatedTask{}, err
	}
	roleRows, err := e.Repo.ListTaskRoles(ctx, taskID)
	if err != nil {
		return domain.AnnotatedTask{}, err
	}
	perms, results := access.Evaluate(e.now(), t, assignments, roleRows)
	if !perms.Read {
		return domain.AnnotatedTask{}, &RoleVerificationError{TaskID: taskID, Action: "read"}
	}
	return domain.AnnotatedTask{Task: t, Permissions: perms, RoleNames: roleNames(results)}, nil
}

// ListRoles returns the caller's matched roles on a task. The list may be
// empty; the task existing is enough once the caller is authenticated.
func (e Engine) ListRoles(ctx context.Context, taskID, actorID string) ([]domain.RoleResult, error) {
	assignments, err := e.actorAssignments(ctx, actorID)
	if err != nil {
		return nil, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	roleRows, err := e.Repo.ListTaskRoles(ctx, taskID)
	if err != nil {
		return nil, err
	}
	_, results := access.Evaluate(e.now(), t, assignments, roleRows)
	return results, nil
}

// ListEvents returns a task's audit trail; the caller must be able to read
// the task.
func (e Engine) ListEvents(ctx context.Context, taskID, actorID string, limit int) ([]domain.TaskEvent, error) {
	if _, err := e.GetTask(ctx, taskID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListTaskEvents(ctx, taskID, limit)
}

// Search runs the visibility-filtered search. The SQL layer narrows rows by
// the scopes derived from the caller's grants; the evaluator then settles
// each survivor's permissions, which also drives the role-category and
// available-tasks-only filters. The total counts every match, independent
// of the page.
func (e Engine) Search(ctx context.Context, actorID string, predicates []repo.Predicate, sorts []repo.SortSpec, page Page) ([]domain.AnnotatedTask, int, error) {
	if err := page.validate(); err != nil {
		return nil, 0, err
	}
	assignments, err := e.actorAssignments(ctx, actorID)
	if err != nil {
		return nil, 0, err
	}

	var sqlPredicates []repo.Predicate
	var roleCategories []string
	availableOnly := false
	for _, p := range predicates {
		switch p.Field {
		case "roleCategory", "role_category":
			if p.Operator != repo.OpIn || len(p.Values) == 0 {
				return nil, 0, &ValidationError{Field: p.Field, Message: "requires IN with values"}
			}
			roleCategories = append(roleCategories, p.Values...)
		case "availableTasksOnly", "available_tasks_only":
			availableOnly = p.Value
			sqlPredicates = append(sqlPredicates, p)
		default:
			sqlPredicates = append(sqlPredicates, p)
		}
	}

	tasks, err := e.Repo.SearchTasks(ctx, e.visibilityScopes(assignments), sqlPredicates, sorts)
	if err != nil {
		if errors.Is(err, repo.ErrInvalidQuery) {
			return nil, 0, &ValidationError{Message: err.Error()}
		}
		return nil, 0, err
	}

	var matched []domain.AnnotatedTask
	now := e.now()
	for _, t := range tasks {
		roleRows, err := e.Repo.ListTaskRoles(ctx, t.ID)
		if err != nil {
			return nil, 0, err
		}
		perms, results := access.Evaluate(now, t, assignments, roleRows)
		if perms.Empty() {
			continue
		}
		if availableOnly && !perms.Own {
			continue
		}
		if len(roleCategories) > 0 && !categoryMatches(results, roleCategories) {
			continue
		}
		matched = append(matched, domain.AnnotatedTask{Task: t, Permissions: perms, RoleNames: roleNames(results)})
	}

	total := len(matched)
	if page.FirstResult >= total {
		return []domain.AnnotatedTask{}, total, nil
	}
	end := page.FirstResult + page.MaxResults
	if end > total {
		end = total
	}
	return matched[page.FirstResult:end], total, nil
}

// SearchForCompletable returns the case's open tasks the caller could
// complete: UNASSIGNED or ASSIGNED, with own or execute granted.
func (e Engine) SearchForCompletable(ctx context.Context, actorID, caseID, caseType string) ([]domain.AnnotatedTask, error) {
	assignments, err := e.actorAssignments(ctx, actorID)
	if err != nil {
		return nil, err
	}
	predicates := []repo.Predicate{
		{Field: "case_id", Operator: repo.OpIn, Values: []string{caseID}},
		{Field: "state", Operator: repo.OpIn, Values: []string{string(domain.StateUnassigned), string(domain.StateAssigned)}},
	}
	tasks, err := e.Repo.SearchTasks(ctx, e.visibilityScopes(assignments), predicates, nil)
	if err != nil {
		return nil, err
	}
	var res []domain.AnnotatedTask
	now := e.now()
	for _, t := range tasks {
		if caseType != "" && t.CaseTypeID != caseType {
			continue
		}
		roleRows, err := e.Repo.ListTaskRoles(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		perms, results := access.Evaluate(now, t, assignments, roleRows)
		if !perms.Own && !perms.Execute {
			continue
		}
		res = append(res, domain.AnnotatedTask{Task: t, Permissions: perms, RoleNames: roleNames(results)})
	}
	return res, nil
}

// visibilityScopes derives the search visibility disjuncts from the
// caller's grants: one scope per additive assignment that is currently
// within its validity window.
func (e Engine) visibilityScopes(assignments []domain.RoleAssignment) []repo.VisibilityScope {
	now := e.now()
	var scopes []repo.VisibilityScope
	for _, ra := range assignments {
		if ra.GrantType == domain.GrantExcluded || !access.ActiveAt(now, ra) {
			continue
		}
		s := repo.VisibilityScope{MaxClassification: ra.Classification}
		switch ra.GrantType {
		case domain.GrantSpecific, domain.GrantChallenged:
			if ra.Attributes.CaseID == "" {
				continue
			}
			s.CaseID = ra.Attributes.CaseID
		default:
			s.Jurisdiction = ra.Attributes.Jurisdiction
			s.CaseType = ra.Attributes.CaseType
			s.Region = ra.Attributes.Region
			s.Location = ra.Attributes.PrimaryLocation
		}
		scopes = append(scopes, s)
	}
	return scopes
}

func roleNames(results []domain.RoleResult) []string {
	seen := map[string]bool{}
	var names []string
	for _, r := range results {
		if !seen[r.RoleName] {
			seen[r.RoleName] = true
			names = append(names, r.RoleName)
		}
	}
	return names
}

func categoryMatches(results []domain.RoleResult, categories []string) bool {
	if len(results) == 0 {
		return false
	}
	// The first matched role's category is the task's surfacing category.
	first := results[0].RoleCategory
	for _, c := range categories {
		if c == first {
			return true
		}
	}
	return false
}
