package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sort"
	"time"

	"caseflow/internal/access"
	"caseflow/internal/clients"
	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Roles  clients.RoleSource
	Cases  clients.CaseData
	Rules  clients.Rules
	Mirror clients.Mirror
	Now    func() time.Time
}

func New(db *sql.DB, roles clients.RoleSource, cases clients.CaseData, rules clients.Rules, mirror clients.Mirror) Engine {
	if mirror == nil {
		mirror = clients.NopMirror{}
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Roles:  roles,
		Cases:  cases,
		Rules:  rules,
		Mirror: mirror,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// actorAssignments fetches the actor's grants, never caching them. An empty
// result is the Unauthorized case of the error taxonomy.
func (e Engine) actorAssignments(ctx context.Context, actorID string) ([]domain.RoleAssignment, error) {
	assignments, err := e.Roles.ActorAssignments(ctx, actorID)
	if err != nil {
		return nil, &DownstreamError{Service: "role-assignment service", Err: err}
	}
	if len(assignments) == 0 {
		return nil, &NoRoleAssignmentsError{ActorID: actorID}
	}
	return assignments, nil
}

// mirrorTransition writes a committed transition through to the workflow
// mirror. The mirror is never authoritative; failure is logged and the
// primary transition stands.
func (e Engine) mirrorTransition(task domain.Task, action string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Mirror.RecordTransition(ctx, task, action); err != nil {
		log.Printf("workflow mirror: record %s for task %s failed: %v", action, task.ID, err)
	}
}

func (e Engine) touch(t *domain.Task, action, actorID string) {
	t.LastUpdatedAction = action
	t.LastUpdatedTimestamp = e.nowString()
	t.LastUpdatedUser = actorID
}

// InitiateOptions carry the caller-supplied fields of a new task; the rest
// comes from the case-data and rules services.
type InitiateOptions struct {
	ID       string
	Type     string
	Name     string
	Title    string
	CaseID   string
	DueDate  string
	WorkType string
}

// Initiate creates a task, seeds its role rows from the rules service and
// runs the auto-assigner. The whole create is one transaction; a task id is
// never left partially initiated.
func (e Engine) Initiate(ctx context.Context, opts InitiateOptions, actorID string) (domain.Task, error) {
	if opts.ID == "" {
		return domain.Task{}, &ValidationError{Field: "task_id", Message: "required"}
	}
	if opts.CaseID == "" {
		return domain.Task{}, &ValidationError{Field: "case_id", Message: "required"}
	}
	if opts.DueDate == "" {
		return domain.Task{}, &ValidationError{Field: "due_date", Message: "required"}
	}
	if _, err := time.Parse(time.RFC3339, opts.DueDate); err != nil {
		return domain.Task{}, &ValidationError{Field: "due_date", Message: "must be RFC3339"}
	}
	if opts.Type == "" {
		return domain.Task{}, &ValidationError{Field: "task_type", Message: "required"}
	}

	details, err := e.Cases.Case(ctx, opts.CaseID)
	if err != nil {
		return domain.Task{}, &DownstreamError{Service: "case-data service", Err: err}
	}
	roleRows, err := e.Rules.TaskRoles(ctx, opts.Type, details)
	if err != nil {
		return domain.Task{}, &DownstreamError{Service: "rules service", Err: err}
	}
	for i := range roleRows {
		roleRows[i].TaskID = opts.ID
	}

	name := opts.Name
	if name == "" {
		name = opts.Type
	}
	t := domain.Task{
		ID:             opts.ID,
		Type:           opts.Type,
		Name:           name,
		Title:          opts.Title,
		State:          domain.StateUnassigned,
		Classification: details.Classification,
		Jurisdiction:   details.Jurisdiction,
		CaseID:         opts.CaseID,
		CaseTypeID:     details.CaseTypeID,
		CaseName:       details.CaseName,
		CaseCategory:   details.CaseCategory,
		WorkType:       opts.WorkType,
		CreatedDate:    e.nowString(),
		DueDate:        opts.DueDate,
	}
	e.touch(&t, "Configure", actorID)

	if assignee := e.autoAssignee(ctx, t, roleRows); assignee != "" {
		t.Assignee = &assignee
		t.State = domain.StateAssigned
		e.touch(&t, "AutoAssign", actorID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTaskRoles(ctx, tx, t.ID, roleRows); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.initiate", t.ID, t.CaseID, actorID, events.EventPayload{
		"state":    t.State,
		"assignee": t.Assignee,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.mirrorTransition(t, "initiate")
	return t, nil
}

// autoAssignee picks the assignee for a fresh task: the auto-assignable role
// row with the lowest assignment priority whose role name is held, with the
// required authorisations, by some actor on the case. Ties on a row break
// to the lowest actor id so the outcome is deterministic.
func (e Engine) autoAssignee(ctx context.Context, t domain.Task, roleRows []domain.TaskRoleResource) string {
	var candidates []domain.TaskRoleResource
	for _, row := range roleRows {
		if row.AutoAssignable {
			candidates = append(candidates, row)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].AssignmentPriority < candidates[j].AssignmentPriority
	})

	caseAssignments, err := e.Roles.CaseAssignments(ctx, t.CaseID)
	if err != nil {
		log.Printf("auto-assign: case assignments for %s failed, leaving task unassigned: %v", t.CaseID, err)
		return ""
	}
	now := e.now()
	for _, row := range candidates {
		best := ""
		for _, ra := range caseAssignments {
			if ra.RoleName != row.RoleName || ra.GrantType == domain.GrantExcluded {
				continue
			}
			perms, _ := access.Evaluate(now, t, []domain.RoleAssignment{ra}, []domain.TaskRoleResource{row})
			if perms.Empty() {
				continue
			}
			if best == "" || ra.ActorID < best {
				best = ra.ActorID
			}
		}
		if best != "" {
			return best
		}
	}
	return ""
}

// decide loads the task and its role rows inside the transaction and runs
// the evaluator against the caller's assignments.
func (e Engine) decide(ctx context.Context, tx *sql.Tx, taskID string, assignments []domain.RoleAssignment) (domain.Task, domain.PermissionSet, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, domain.PermissionSet{}, err
	}
	roleRows, err := e.Repo.ListTaskRolesTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, domain.PermissionSet{}, err
	}
	perms, _ := access.Evaluate(e.now(), t, assignments, roleRows)
	return t, perms, nil
}

// Claim assigns the task to the caller. A claim on a task already held by
// the caller is a no-op; a claim on a task held by anyone else conflicts.
func (e Engine) Claim(ctx context.Context, taskID, actorID string) error {
	assignments, err := e.actorAssignments(ctx, actorID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, perms, err := e.decide(ctx, tx, taskID, assignments)
	if err != nil {
		return err
	}
	if !perms.Own {
		return &RoleVerificationError{TaskID: taskID, Action: "claim"}
	}
	switch t.State {
	case domain.StateAssigned:
		if t.Assignee != nil && *t.Assignee == actorID {
			return nil
		}
		return &ConflictError{Message: "task already claimed by another actor"}
	case domain.StateUnassigned:
	default:
		return &ConflictError{Message: "task cannot be claimed in state " + string(t.State)}
	}

	t.Assignee = &actorID
	t.State = domain.StateAssigned
	e.touch(&t, "Claim", actorID)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.claim", t.ID, t.CaseID, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version++
	e.mirrorTransition(t, "claim")
	return nil
}

// Assign sets the assignee, overwriting any current one. Requires assign or
// manage on the task.
func (e Engine) Assign(ctx context.Context, taskID, actorID, assignee string) error {
	if assignee == "" {
		return &ValidationError{Field: "assignee", Message: "required"}
	}
	assignments, err := e.actorAssignments(ctx, actorID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, perms, err := e.decide(ctx, tx, taskID, assignments)
	if err != nil {
		return err
	}
	if !perms.Assign && !perms.Manage {
		return &RoleVerificationError{TaskID: taskID, Action: "assign"}
	}
	if t.State.Terminal() {
		return &ConflictError{Message: "task cannot be assigned in state " + string(t.State)}
	}

	t.Assignee = &assignee
	t.State = domain.StateAssigned
	e.touch(&t, "Assign", actorID)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.assign", t.ID, t.CaseID, actorID, events.EventPayload{"assignee": assignee}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version++
	e.mirrorTransition(t, "assign")
	return nil
}

// Unclaim releases the task back to UNASSIGNED. The holder needs own;
// releasing someone else's task needs unassign or manage.
func (e Engine) Unclaim(ctx context.Context, taskID, actorID string) error {
	assignments, err := e.actorAssignments(ctx, actorID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, perms, err := e.decide(ctx, tx, taskID, assignments)
	if err != nil {
		return err
	}
	if t.State != domain.StateAssigned {
		if t.State == domain.StateUnassigned {
			return nil
		}
		return &ConflictError{Message: "task cannot be unclaimed in state " + string(t.State)}
	}
	ownTask := t.Assignee != nil && *t.Assignee == actorID
	if ownTask {
		if !perms.Own && !perms.Unassign && !perms.Manage {
			return &RoleVerificationError{TaskID: taskID, Action: "unclaim"}
		}
	} else if !perms.Unassign && !perms.Manage {
		return &RoleVerificationError{TaskID: taskID, Action: "unclaim"}
	}

	t.Assignee = nil
	t.State = domain.StateUnassigned
	e.touch(&t, "Unclaim", actorID)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.unclaim", t.ID, t.CaseID, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version++
	e.mirrorTransition(t, "unclaim")
	return nil
}

// Complete moves the task to COMPLETED. With assignAndComplete the caller
// may complete an unassigned task they could own, or take over and complete
// another actor's task when they hold execute or complete.
func (e Engine) Complete(ctx context.Context, taskID, actorID string, assignAndComplete bool) error {
	assignments, err := e.actorAssignments(ctx, actorID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, perms, err := e.decide(ctx, tx, taskID, assignments)
	if err != nil {
		return err
	}
	switch t.State {
	case domain.StateCompleted:
		return nil
	case domain.StateAssigned:
		holder := t.Assignee != nil && *t.Assignee == actorID
		if holder {
			if !perms.Own && !perms.Execute && !perms.Complete {
				return &RoleVerificationError{TaskID: taskID, Action: "complete"}
			}
		} else if !assignAndComplete || (!perms.Execute && !perms.Complete) {
			return &RoleVerificationError{TaskID: taskID, Action: "complete"}
		}
	case domain.StateUnassigned:
		if !assignAndComplete || !perms.Own {
			return &RoleVerificationError{TaskID: taskID, Action: "complete"}
		}
	default:
		return &ConflictError{Message: "task cannot be completed in state " + string(t.State)}
	}

	t.Assignee = nil
	t.State = domain.StateCompleted
	e.touch(&t, "Complete", actorID)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.complete", t.ID, t.CaseID, actorID, events.EventPayload{"assign_and_complete": assignAndComplete}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version++
	e.mirrorTransition(t, "complete")
	return nil
}

// Cancel moves the task to CANCELLED. Requires cancel or manage.
func (e Engine) Cancel(ctx context.Context, taskID, actorID string) error {
	assignments, err := e.actorAssignments(ctx, actorID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, perms, err := e.decide(ctx, tx, taskID, assignments)
	if err != nil {
		return err
	}
	if !perms.Cancel && !perms.Manage {
		return &RoleVerificationError{TaskID: taskID, Action: "cancel"}
	}
	if t.State == domain.StateCancelled {
		return nil
	}
	if t.State.Terminal() {
		return &ConflictError{Message: "task cannot be cancelled in state " + string(t.State)}
	}

	t.Assignee = nil
	t.State = domain.StateCancelled
	e.touch(&t, "Cancel", actorID)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.cancel", t.ID, t.CaseID, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version++
	e.mirrorTransition(t, "cancel")
	return nil
}

// Terminate is internal cleanup with no role guard; the façade restricts it
// to system callers. It is idempotent and tolerates any current state. The
// mirrored history is deleted on the first termination only.
func (e Engine) Terminate(ctx context.Context, taskID, reason, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.State == domain.StateTerminated {
		return nil
	}

	t.Assignee = nil
	t.State = domain.StateTerminated
	e.touch(&t, "Terminate", actorID)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.terminate", t.ID, t.CaseID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	mctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Mirror.DeleteHistory(mctx, taskID); err != nil {
		log.Printf("workflow mirror: delete history for task %s failed: %v", taskID, err)
	}
	return nil
}

// BulkResult reports a bulk operation: every task is its own transaction
// boundary, so one failure never rolls back or aborts the siblings.
type BulkResult struct {
	Processed int
	Failed    []string
}

// MarkToReconfigure stamps the matching tasks for a later reconfiguration.
func (e Engine) MarkToReconfigure(ctx context.Context, caseIDs []string, actorID string) (BulkResult, error) {
	ids, err := e.Repo.ListTaskIDs(ctx, repo.ReconfigureFilters{
		CaseIDs: caseIDs,
		States:  []string{string(domain.StateUnassigned), string(domain.StateAssigned)},
	})
	if err != nil {
		return BulkResult{}, err
	}
	var res BulkResult
	for _, id := range ids {
		if err := e.markOne(ctx, id, actorID); err != nil {
			log.Printf("mark-to-reconfigure: task %s failed: %v", id, err)
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Processed++
	}
	return res, nil
}

func (e Engine) markOne(ctx context.Context, taskID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}
	mark := e.nowString()
	t.ReconfigureRequestTime = &mark
	e.touch(&t, "MarkToReconfigure", actorID)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.mark-reconfigure", t.ID, t.CaseID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ExecuteReconfigure re-seeds the role rows of tasks marked before the
// threshold, replacing each task's seed wholesale and clearing the mark.
func (e Engine) ExecuteReconfigure(ctx context.Context, caseIDs []string, markedBefore time.Time, actorID string) (BulkResult, error) {
	ids, err := e.Repo.ListTaskIDs(ctx, repo.ReconfigureFilters{
		CaseIDs:      caseIDs,
		MarkedOnly:   true,
		MarkedBefore: markedBefore.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return BulkResult{}, err
	}
	var res BulkResult
	for _, id := range ids {
		if err := e.reconfigureOne(ctx, id, actorID); err != nil {
			log.Printf("execute-reconfigure: task %s failed: %v", id, err)
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Processed++
	}
	return res, nil
}

func (e Engine) reconfigureOne(ctx context.Context, taskID, actorID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	details, err := e.Cases.Case(ctx, t.CaseID)
	if err != nil {
		return &DownstreamError{Service: "case-data service", Err: err}
	}
	roleRows, err := e.Rules.TaskRoles(ctx, t.Type, details)
	if err != nil {
		return &DownstreamError{Service: "rules service", Err: err}
	}
	for i := range roleRows {
		roleRows[i].TaskID = taskID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}
	if err := e.Repo.ReplaceTaskRoles(ctx, tx, taskID, roleRows); err != nil {
		return err
	}
	t.ReconfigureRequestTime = nil
	if t.State == domain.StateUnassigned {
		if assignee := e.autoAssignee(ctx, t, roleRows); assignee != "" {
			t.Assignee = &assignee
			t.State = domain.StateAssigned
		}
	}
	e.touch(&t, "Reconfigure", actorID)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.reconfigure", t.ID, t.CaseID, actorID, events.EventPayload{"roles": len(roleRows)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version++
	e.mirrorTransition(t, "reconfigure")
	return nil
}

// IsNotFound reports whether err is the store's not-found kind.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
