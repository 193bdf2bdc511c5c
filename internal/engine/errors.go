package engine

import "fmt"

// NoRoleAssignmentsError means the actor holds no role assignments at all.
// The façade maps it to 401; it is distinct from holding assignments that
// fail to match a task's scope.
type NoRoleAssignmentsError struct {
	ActorID string
}

func (e *NoRoleAssignmentsError) Error() string {
	return fmt.Sprintf("actor %s has no role assignments", e.ActorID)
}

// RoleVerificationError means the actor's assignments did not grant the
// permission an operation needs. Maps to 403.
type RoleVerificationError struct {
	TaskID string
	Action string
}

func (e *RoleVerificationError) Error() string {
	return fmt.Sprintf("role assignment verification failed for %s on task %s", e.Action, e.TaskID)
}

// ValidationError is a bad request: missing due date, bad pagination,
// unknown enum or sort field. Maps to 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError is a lifecycle conflict detected after the row lock was
// taken, such as a claim on a task already claimed by someone else. Maps
// to 409.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// DownstreamError wraps a collaborator failure. Maps to 500.
type DownstreamError struct {
	Service string
	Err     error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }
