// Package access evaluates which actions an actor's role assignments allow
// on a single task. Evaluation is a pure function of its inputs; it performs
// no I/O and never mutates the task or the assignments.
package access

import (
	"time"

	"caseflow/internal/domain"
)

// Evaluate matches the actor's role assignments against the task's role
// rows and returns the aggregated permission set plus one RoleResult per
// match. EXCLUDED grants are collected as masks and subtracted after the
// additive union, so an exclusion removes a role row's whole contribution.
//
// An empty result set means the assignments did not satisfy this task's
// scope; callers distinguish that from the actor holding no assignments at
// all, which is an authentication failure rather than an authorisation one.
func Evaluate(now time.Time, task domain.Task, assignments []domain.RoleAssignment, taskRoles []domain.TaskRoleResource) (domain.PermissionSet, []domain.RoleResult) {
	var perms domain.PermissionSet
	var results []domain.RoleResult

	for _, row := range taskRoles {
		var rowResults []domain.RoleResult
		excluded := false
		for _, ra := range assignments {
			if ra.RoleName != row.RoleName {
				continue
			}
			if !ActiveAt(now, ra) {
				continue
			}
			if !ra.Classification.Covers(task.Classification) {
				continue
			}
			if ra.GrantType == domain.GrantExcluded {
				if excludes(task, ra) {
					excluded = true
				}
				continue
			}
			if !scopeMatches(task, ra) {
				continue
			}
			if len(row.RequiredAuthorisations) > 0 && !intersects(ra.Authorisations, row.RequiredAuthorisations) {
				continue
			}
			category := row.RoleCategory
			if category == "" {
				category = ra.RoleCategory
			}
			rowResults = append(rowResults, domain.RoleResult{
				RoleName:       row.RoleName,
				RoleCategory:   category,
				Permissions:    row.Permissions,
				Authorisations: ra.Authorisations,
			})
		}
		if excluded || len(rowResults) == 0 {
			continue
		}
		perms.Union(row.Permissions)
		results = append(results, rowResults...)
	}
	return perms, results
}

// ActiveAt reports whether the grant's validity window [begin, end) covers
// now. A missing end is open; a malformed timestamp invalidates the grant.
func ActiveAt(now time.Time, ra domain.RoleAssignment) bool {
	if ra.BeginTime != "" {
		begin, err := time.Parse(time.RFC3339, ra.BeginTime)
		if err != nil || now.Before(begin) {
			return false
		}
	}
	if ra.EndTime != "" {
		end, err := time.Parse(time.RFC3339, ra.EndTime)
		if err != nil || !now.Before(end) {
			return false
		}
	}
	return true
}

// scopeMatches applies the grant-type scope rules. STANDARD grants compare
// whichever attributes are present, absence being a wildcard; SPECIFIC and
// CHALLENGED grants bind to exactly one case.
func scopeMatches(task domain.Task, ra domain.RoleAssignment) bool {
	switch ra.GrantType {
	case domain.GrantStandard:
		return standardAttrsMatch(task, ra.Attributes)
	case domain.GrantSpecific, domain.GrantChallenged:
		return ra.Attributes.CaseID != "" && ra.Attributes.CaseID == task.CaseID
	default:
		return false
	}
}

// excludes reports whether an EXCLUDED grant's scope covers the task. A
// caseId-scoped exclusion binds to that case; an attribute-scoped one masks
// every task its attributes match.
func excludes(task domain.Task, ra domain.RoleAssignment) bool {
	if ra.Attributes.CaseID != "" {
		return ra.Attributes.CaseID == task.CaseID
	}
	return standardAttrsMatch(task, ra.Attributes)
}

func standardAttrsMatch(task domain.Task, attrs domain.RoleAssignmentAttributes) bool {
	if attrs.Jurisdiction != "" && attrs.Jurisdiction != task.Jurisdiction {
		return false
	}
	if attrs.CaseType != "" && attrs.CaseType != task.CaseTypeID {
		return false
	}
	if attrs.Region != "" && attrs.Region != task.Region {
		return false
	}
	if attrs.PrimaryLocation != "" && attrs.PrimaryLocation != task.Location {
		return false
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
