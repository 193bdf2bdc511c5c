package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"caseflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a lost optimistic-version race or a duplicate key.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable marks lock contention; callers retry with backoff.
	ErrUnavailable = errors.New("store unavailable")
)

// translate maps driver failures onto the store's error kinds. The pure-Go
// sqlite driver exposes result codes only through the message text.
func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: tasks.id") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

const taskColumns = `id,type,name,COALESCE(title,''),state,assignee,classification,jurisdiction,case_id,case_type_id,COALESCE(case_name,''),COALESCE(case_category,''),COALESCE(location,''),COALESCE(region,''),COALESCE(work_type,''),created_date,due_date,reconfigure_request_time,COALESCE(last_updated_action,''),COALESCE(last_updated_timestamp,''),COALESCE(last_updated_user,''),version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var assignee, reconfigureAt sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.Name, &t.Title, &t.State, &assignee, &t.Classification,
		&t.Jurisdiction, &t.CaseID, &t.CaseTypeID, &t.CaseName, &t.CaseCategory, &t.Location,
		&t.Region, &t.WorkType, &t.CreatedDate, &t.DueDate, &reconfigureAt,
		&t.LastUpdatedAction, &t.LastUpdatedTimestamp, &t.LastUpdatedUser, &t.Version)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignee.Valid {
		t.Assignee = &assignee.String
	}
	if reconfigureAt.Valid {
		t.ReconfigureRequestTime = &reconfigureAt.String
	}
	return t, nil
}

// InsertTask creates the task row. The primary key enforces that exactly one
// initiation per id ever succeeds.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,type,name,title,state,assignee,classification,jurisdiction,case_id,case_type_id,case_name,case_category,location,region,work_type,created_date,due_date,reconfigure_request_time,last_updated_action,last_updated_timestamp,last_updated_user,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Name, nullable(t.Title), t.State, nullableStringPtr(t.Assignee), t.Classification,
		t.Jurisdiction, t.CaseID, t.CaseTypeID, nullable(t.CaseName), nullable(t.CaseCategory), nullable(t.Location),
		nullable(t.Region), nullable(t.WorkType), t.CreatedDate, t.DueDate, nullableStringPtr(t.ReconfigureRequestTime),
		nullable(t.LastUpdatedAction), nullable(t.LastUpdatedTimestamp), nullable(t.LastUpdatedUser), t.Version)
	return translate(err)
}

// UpdateTask persists the task guarded by its version counter; the write
// succeeds only if nobody committed since the caller read the row.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?, assignee=?, title=?, case_name=?, case_category=?, location=?, region=?, work_type=?, due_date=?, reconfigure_request_time=?, last_updated_action=?, last_updated_timestamp=?, last_updated_user=?, version=version+1 WHERE id=? AND version=?`,
		t.State, nullableStringPtr(t.Assignee), nullable(t.Title), nullable(t.CaseName), nullable(t.CaseCategory),
		nullable(t.Location), nullable(t.Region), nullable(t.WorkType), t.DueDate,
		nullableStringPtr(t.ReconfigureRequestTime), nullable(t.LastUpdatedAction), nullable(t.LastUpdatedTimestamp),
		nullable(t.LastUpdatedUser), t.ID, t.Version)
	if err != nil {
		return translate(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, t.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("%w: task %s version %d superseded", ErrConflict, t.ID, t.Version)
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ReplaceTaskRoles swaps a task's whole permission seed in one shot. Rows are
// never partially mutated.
func (r Repo) ReplaceTaskRoles(ctx context.Context, tx *sql.Tx, taskID string, roles []domain.TaskRoleResource) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_roles WHERE task_id=?`, taskID); err != nil {
		return translate(err)
	}
	return r.insertTaskRoles(ctx, tx, taskID, roles)
}

// InsertTaskRoles writes the permission seed for a freshly initiated task.
func (r Repo) InsertTaskRoles(ctx context.Context, tx *sql.Tx, taskID string, roles []domain.TaskRoleResource) error {
	return r.insertTaskRoles(ctx, tx, taskID, roles)
}

func (r Repo) insertTaskRoles(ctx context.Context, tx *sql.Tx, taskID string, roles []domain.TaskRoleResource) error {
	for _, role := range roles {
		var auths any
		if len(role.RequiredAuthorisations) > 0 {
			data, err := json.Marshal(role.RequiredAuthorisations)
			if err != nil {
				return err
			}
			auths = string(data)
		}
		p := role.Permissions
		_, err := tx.ExecContext(ctx, `INSERT INTO task_roles(task_id,role_name,role_category,read,own,manage,execute,cancel,refer,complete,assign,unassign,required_authorisations,auto_assignable,assignment_priority)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			taskID, role.RoleName, nullable(role.RoleCategory),
			p.Read, p.Own, p.Manage, p.Execute, p.Cancel, p.Refer, p.Complete, p.Assign, p.Unassign,
			auths, role.AutoAssignable, role.AssignmentPriority)
		if err != nil {
			return translate(err)
		}
	}
	return nil
}

const taskRoleColumns = `task_id,role_name,COALESCE(role_category,''),read,own,manage,execute,cancel,refer,complete,assign,unassign,required_authorisations,auto_assignable,assignment_priority`

func scanTaskRoles(rows *sql.Rows) ([]domain.TaskRoleResource, error) {
	defer rows.Close()
	var res []domain.TaskRoleResource
	for rows.Next() {
		var role domain.TaskRoleResource
		var auths sql.NullString
		p := &role.Permissions
		if err := rows.Scan(&role.TaskID, &role.RoleName, &role.RoleCategory,
			&p.Read, &p.Own, &p.Manage, &p.Execute, &p.Cancel, &p.Refer, &p.Complete, &p.Assign, &p.Unassign,
			&auths, &role.AutoAssignable, &role.AssignmentPriority); err != nil {
			return nil, err
		}
		if auths.Valid && auths.String != "" {
			if err := json.Unmarshal([]byte(auths.String), &role.RequiredAuthorisations); err != nil {
				return nil, fmt.Errorf("task %s role %s authorisations: %w", role.TaskID, role.RoleName, err)
			}
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

func (r Repo) ListTaskRoles(ctx context.Context, taskID string) ([]domain.TaskRoleResource, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskRoleColumns+` FROM task_roles WHERE task_id=? ORDER BY assignment_priority ASC, role_name ASC`, taskID)
	if err != nil {
		return nil, err
	}
	return scanTaskRoles(rows)
}

func (r Repo) ListTaskRolesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.TaskRoleResource, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskRoleColumns+` FROM task_roles WHERE task_id=? ORDER BY assignment_priority ASC, role_name ASC`, taskID)
	if err != nil {
		return nil, err
	}
	return scanTaskRoles(rows)
}

// DeleteTask removes the task row; role rows cascade.
func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReconfigureFilters select tasks for the bulk mark/execute operations.
type ReconfigureFilters struct {
	CaseIDs []string
	TaskIDs []string
	States  []string
	// MarkedBefore restricts execute-reconfigure to tasks whose mark is
	// older than the threshold.
	MarkedBefore string
	MarkedOnly   bool
}

// ListTaskIDs resolves a bulk-operation filter to task ids. Each id is then
// transitioned in its own transaction so one failure never rolls back the
// siblings.
func (r Repo) ListTaskIDs(ctx context.Context, f ReconfigureFilters) ([]string, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.CaseIDs) > 0 {
		clauses = append(clauses, "case_id IN ("+placeholders(len(f.CaseIDs))+")")
		for _, v := range f.CaseIDs {
			args = append(args, v)
		}
	}
	if len(f.TaskIDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(f.TaskIDs))+")")
		for _, v := range f.TaskIDs {
			args = append(args, v)
		}
	}
	if len(f.States) > 0 {
		clauses = append(clauses, "state IN ("+placeholders(len(f.States))+")")
		for _, v := range f.States {
			args = append(args, v)
		}
	}
	if f.MarkedOnly {
		clauses = append(clauses, "reconfigure_request_time IS NOT NULL")
	}
	if f.MarkedBefore != "" {
		clauses = append(clauses, "reconfigure_request_time < ?")
		args = append(args, f.MarkedBefore)
	}
	query := `SELECT id FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListTaskEvents returns a task's audit rows, newest first.
func (r Repo) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,task_id,COALESCE(case_id,''),actor_id,payload_json FROM task_events WHERE task_id=? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.CaseID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
