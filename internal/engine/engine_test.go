package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRoles struct {
	byActor map[string][]domain.RoleAssignment
	byCase  map[string][]domain.RoleAssignment
	err     error
}

func (f *fakeRoles) ActorAssignments(_ context.Context, actorID string) ([]domain.RoleAssignment, error) {
	return f.byActor[actorID], f.err
}

func (f *fakeRoles) CaseAssignments(_ context.Context, caseID string) ([]domain.RoleAssignment, error) {
	return f.byCase[caseID], f.err
}

type fakeCases struct {
	cases map[string]domain.CaseDetails
	err   error
}

func (f *fakeCases) Case(_ context.Context, caseID string) (domain.CaseDetails, error) {
	if f.err != nil {
		return domain.CaseDetails{}, f.err
	}
	if c, ok := f.cases[caseID]; ok {
		return c, nil
	}
	return domain.CaseDetails{
		CaseID:         caseID,
		Jurisdiction:   "IA",
		CaseTypeID:     "Asylum",
		CaseName:       "Test Case",
		Classification: domain.ClassificationPublic,
	}, nil
}

type fakeRules struct {
	rows []domain.TaskRoleResource
	err  error
}

func (f *fakeRules) TaskRoles(_ context.Context, _ string, _ domain.CaseDetails) ([]domain.TaskRoleResource, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.TaskRoleResource, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

type recordingMirror struct {
	mu          sync.Mutex
	transitions []string
	deletes     []string
}

func (m *recordingMirror) RecordTransition(_ context.Context, task domain.Task, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, task.ID+":"+action)
	return nil
}

func (m *recordingMirror) DeleteHistory(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, taskID)
	return nil
}

type testEnv struct {
	engine Engine
	roles  *fakeRoles
	rules  *fakeRules
	mirror *recordingMirror
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "caseflow.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	roles := &fakeRoles{byActor: map[string][]domain.RoleAssignment{}, byCase: map[string][]domain.RoleAssignment{}}
	rules := &fakeRules{rows: []domain.TaskRoleResource{
		{RoleName: "tribunal-caseworker", RoleCategory: "LEGAL_OPERATIONS", Permissions: domain.PermissionSet{Read: true, Own: true, Execute: true, Cancel: true, Complete: true}},
		{RoleName: "task-supervisor", RoleCategory: "LEGAL_OPERATIONS", Permissions: domain.PermissionSet{Read: true, Manage: true, Assign: true, Unassign: true, Cancel: true}},
	}}
	mirror := &recordingMirror{}
	e := New(conn, roles, &fakeCases{}, rules, mirror)
	e.Now = func() time.Time { return testNow }
	e.Events.Now = e.Now
	return &testEnv{engine: e, roles: roles, rules: rules, mirror: mirror}
}

func caseworkerGrant(actorID string) domain.RoleAssignment {
	return domain.RoleAssignment{
		ID:             "ra-" + actorID,
		ActorID:        actorID,
		RoleName:       "tribunal-caseworker",
		RoleType:       domain.RoleTypeOrganisation,
		GrantType:      domain.GrantStandard,
		Classification: domain.ClassificationPublic,
		Attributes:     domain.RoleAssignmentAttributes{Jurisdiction: "IA"},
	}
}

func supervisorGrant(actorID string) domain.RoleAssignment {
	ra := caseworkerGrant(actorID)
	ra.RoleName = "task-supervisor"
	return ra
}

func (env *testEnv) grant(actorID string, ras ...domain.RoleAssignment) {
	env.roles.byActor[actorID] = ras
}

func (env *testEnv) initiate(t *testing.T, id, caseID string) domain.Task {
	t.Helper()
	task, err := env.engine.Initiate(context.Background(), InitiateOptions{
		ID:      id,
		Type:    "reviewAppeal",
		Name:    "Review Appeal",
		CaseID:  caseID,
		DueDate: "2025-06-10T16:00:00Z",
	}, "system")
	if err != nil {
		t.Fatalf("initiate %s: %v", id, err)
	}
	return task
}

func assertInvariant(t *testing.T, task domain.Task) {
	t.Helper()
	if (task.Assignee != nil) != (task.State == domain.StateAssigned) {
		t.Fatalf("assignee/state invariant broken: state=%s assignee=%v", task.State, task.Assignee)
	}
}

func TestInitiateValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Initiate(context.Background(), InitiateOptions{ID: "t1", Type: "reviewAppeal", CaseID: "case-1"}, "system")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "due_date" {
		t.Fatalf("want due_date validation error, got %v", err)
	}
}

func TestInitiateCaseLookupFailure(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.Cases = &fakeCases{err: errors.New("boom")}
	_, err := e.Initiate(context.Background(), InitiateOptions{ID: "t1", Type: "reviewAppeal", CaseID: "case-1", DueDate: "2025-06-10T16:00:00Z"}, "system")
	var de *DownstreamError
	if !errors.As(err, &de) {
		t.Fatalf("want downstream error, got %v", err)
	}
}

func TestInitiateDuplicateFailsAndPreservesOriginal(t *testing.T) {
	env := newTestEnv(t)
	first := env.initiate(t, "t1", "case-1")

	_, err := env.engine.Initiate(context.Background(), InitiateOptions{
		ID: "t1", Type: "other", CaseID: "case-2", DueDate: "2025-07-01T00:00:00Z",
	}, "system")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("duplicate initiate: want conflict, got %v", err)
	}

	got, err := env.engine.Repo.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != first.Type || got.CaseID != first.CaseID || got.DueDate != first.DueDate {
		t.Fatalf("original task mutated by failed duplicate: %+v", got)
	}
	// The failed duplicate must not leave role rows behind either.
	roleRows, err := env.engine.Repo.ListTaskRoles(context.Background(), "t1")
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if len(roleRows) != 2 {
		t.Fatalf("want the 2 original role rows, got %d", len(roleRows))
	}
}

func TestInitiateAutoAssignsLowestPriorityThenLowestActor(t *testing.T) {
	env := newTestEnv(t)
	env.rules.rows = []domain.TaskRoleResource{
		{RoleName: "senior-caseworker", Permissions: domain.PermissionSet{Read: true, Own: true}, AutoAssignable: true, AssignmentPriority: 2},
		{RoleName: "tribunal-caseworker", Permissions: domain.PermissionSet{Read: true, Own: true}, AutoAssignable: true, AssignmentPriority: 1},
	}
	env.roles.byCase["case-1"] = []domain.RoleAssignment{
		caseworkerGrant("zara"),
		caseworkerGrant("adam"),
		func() domain.RoleAssignment {
			ra := caseworkerGrant("boss")
			ra.RoleName = "senior-caseworker"
			return ra
		}(),
	}

	task := env.initiate(t, "t1", "case-1")
	assertInvariant(t, task)
	if task.State != domain.StateAssigned {
		t.Fatalf("want ASSIGNED, got %s", task.State)
	}
	if task.Assignee == nil || *task.Assignee != "adam" {
		t.Fatalf("want lowest actor id adam, got %v", task.Assignee)
	}
}

func TestInitiateWithoutCandidatesStaysUnassigned(t *testing.T) {
	env := newTestEnv(t)
	task := env.initiate(t, "t1", "case-1")
	assertInvariant(t, task)
	if task.State != domain.StateUnassigned || task.Assignee != nil {
		t.Fatalf("want UNASSIGNED with no assignee, got %s %v", task.State, task.Assignee)
	}
}

func TestClaimLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	env.grant("alice", caseworkerGrant("alice"))
	env.grant("bob", caseworkerGrant("bob"))
	ctx := context.Background()

	if err := env.engine.Claim(ctx, "t1", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	assertInvariant(t, task)
	if task.Assignee == nil || *task.Assignee != "alice" {
		t.Fatalf("want alice assigned, got %v", task.Assignee)
	}

	// Idempotent for the holder.
	if err := env.engine.Claim(ctx, "t1", "alice"); err != nil {
		t.Fatalf("re-claim by holder: %v", err)
	}

	// Conflict for anyone else, and the assignee never flips.
	err := env.engine.Claim(ctx, "t1", "bob")
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("claim by other: want conflict, got %v", err)
	}
	task, _ = env.engine.Repo.GetTask(ctx, "t1")
	if *task.Assignee != "alice" {
		t.Fatalf("conflicting claim changed assignee to %v", task.Assignee)
	}
}

func TestUnauthorizedVersusForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	ctx := context.Background()

	// No assignments at all: Unauthorized.
	err := env.engine.Claim(ctx, "t1", "ghost")
	var nre *NoRoleAssignmentsError
	if !errors.As(err, &nre) {
		t.Fatalf("want no-role-assignments error, got %v", err)
	}

	// Assignments that do not match the task's jurisdiction: Forbidden,
	// never NotFound for an existing task.
	ra := caseworkerGrant("carol")
	ra.Attributes.Jurisdiction = "CIVIL"
	env.grant("carol", ra)
	err = env.engine.Claim(ctx, "t1", "carol")
	var rve *RoleVerificationError
	if !errors.As(err, &rve) {
		t.Fatalf("want role verification error, got %v", err)
	}
}

func TestSupervisorAssignsButCannotClaim(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	env.grant("sup", supervisorGrant("sup"))
	ctx := context.Background()

	err := env.engine.Claim(ctx, "t1", "sup")
	var rve *RoleVerificationError
	if !errors.As(err, &rve) {
		t.Fatalf("supervisor claim: want forbidden, got %v", err)
	}
	if err := env.engine.Assign(ctx, "t1", "sup", "alice"); err != nil {
		t.Fatalf("supervisor assign: %v", err)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	assertInvariant(t, task)
	if task.Assignee == nil || *task.Assignee != "alice" {
		t.Fatalf("want alice assigned, got %v", task.Assignee)
	}

	// Assign overwrites an existing assignee without an unclaim.
	if err := env.engine.Assign(ctx, "t1", "sup", "bob"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	task, _ = env.engine.Repo.GetTask(ctx, "t1")
	if *task.Assignee != "bob" {
		t.Fatalf("want bob after reassign, got %v", task.Assignee)
	}
}

func TestUnclaim(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	env.grant("alice", caseworkerGrant("alice"))
	env.grant("sup", supervisorGrant("sup"))
	ctx := context.Background()

	if err := env.engine.Claim(ctx, "t1", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// The holder may release their own task.
	if err := env.engine.Unclaim(ctx, "t1", "alice"); err != nil {
		t.Fatalf("unclaim own: %v", err)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	assertInvariant(t, task)
	if task.State != domain.StateUnassigned {
		t.Fatalf("want UNASSIGNED, got %s", task.State)
	}

	// A supervisor may release someone else's; a plain caseworker may not.
	if err := env.engine.Claim(ctx, "t1", "alice"); err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	env.grant("bob", caseworkerGrant("bob"))
	err := env.engine.Unclaim(ctx, "t1", "bob")
	var rve *RoleVerificationError
	if !errors.As(err, &rve) {
		t.Fatalf("unclaim other without manage: want forbidden, got %v", err)
	}
	if err := env.engine.Unclaim(ctx, "t1", "sup"); err != nil {
		t.Fatalf("supervisor unclaim: %v", err)
	}
}

func TestCompleteRequiresAssignmentUnlessFlagged(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	env.grant("alice", caseworkerGrant("alice"))
	ctx := context.Background()

	// Completing an unassigned task without the flag is Forbidden.
	err := env.engine.Complete(ctx, "t1", "alice", false)
	var rve *RoleVerificationError
	if !errors.As(err, &rve) {
		t.Fatalf("complete unassigned: want forbidden, got %v", err)
	}

	// With assign_and_complete and own it goes straight to COMPLETED.
	if err := env.engine.Complete(ctx, "t1", "alice", true); err != nil {
		t.Fatalf("assign and complete: %v", err)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	assertInvariant(t, task)
	if task.State != domain.StateCompleted {
		t.Fatalf("want COMPLETED, got %s", task.State)
	}

	// Completing a completed task is a no-op.
	if err := env.engine.Complete(ctx, "t1", "alice", false); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
}

func TestPrivilegedCompleteOfAnotherActorsTask(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	env.grant("alice", caseworkerGrant("alice"))
	env.grant("svc", caseworkerGrant("svc"))
	ctx := context.Background()

	if err := env.engine.Claim(ctx, "t1", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Without the flag the execute permission alone is not enough.
	err := env.engine.Complete(ctx, "t1", "svc", false)
	var rve *RoleVerificationError
	if !errors.As(err, &rve) {
		t.Fatalf("want forbidden, got %v", err)
	}
	if err := env.engine.Complete(ctx, "t1", "svc", true); err != nil {
		t.Fatalf("privileged complete: %v", err)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	assertInvariant(t, task)
	if task.State != domain.StateCompleted {
		t.Fatalf("want COMPLETED, got %s", task.State)
	}
}

func TestCompletePermissionTakesOverWithFlag(t *testing.T) {
	env := newTestEnv(t)
	env.rules.rows = []domain.TaskRoleResource{
		{RoleName: "tribunal-caseworker", RoleCategory: "LEGAL_OPERATIONS", Permissions: domain.PermissionSet{Read: true, Own: true}},
		{RoleName: "case-officer", RoleCategory: "LEGAL_OPERATIONS", Permissions: domain.PermissionSet{Read: true, Complete: true}},
	}
	env.initiate(t, "t1", "case-1")
	env.grant("alice", caseworkerGrant("alice"))
	officer := caseworkerGrant("omar")
	officer.RoleName = "case-officer"
	env.grant("omar", officer)
	ctx := context.Background()

	if err := env.engine.Claim(ctx, "t1", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Without the flag, complete alone does not take over another actor's task.
	err := env.engine.Complete(ctx, "t1", "omar", false)
	var rve *RoleVerificationError
	if !errors.As(err, &rve) {
		t.Fatalf("want forbidden, got %v", err)
	}
	// With the flag the complete permission suffices; execute is not required.
	if err := env.engine.Complete(ctx, "t1", "omar", true); err != nil {
		t.Fatalf("complete-permission takeover: %v", err)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	assertInvariant(t, task)
	if task.State != domain.StateCompleted {
		t.Fatalf("want COMPLETED, got %s", task.State)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	actors := []string{"a1", "a2", "a3", "a4", "a5"}
	for _, a := range actors {
		env.grant(a, caseworkerGrant(a))
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	claimErrs := make([]error, len(actors))
	for i, a := range actors {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			claimErrs[i] = env.engine.Claim(ctx, "t1", a)
		}(i, a)
	}
	wg.Wait()

	winners := 0
	for i, err := range claimErrs {
		if err == nil {
			winners++
			continue
		}
		var ce *ConflictError
		if !errors.As(err, &ce) && !errors.Is(err, repo.ErrConflict) && !errors.Is(err, repo.ErrUnavailable) {
			t.Fatalf("claim by %s: unexpected error %v", actors[i], err)
		}
	}
	if winners != 1 {
		t.Fatalf("want exactly one successful claim, got %d", winners)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	assertInvariant(t, task)
	if task.Assignee == nil {
		t.Fatalf("no assignee after racing claims")
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	env.grant("alice", caseworkerGrant("alice"))
	ctx := context.Background()

	if err := env.engine.Cancel(ctx, "t1", "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	assertInvariant(t, task)
	if task.State != domain.StateCancelled {
		t.Fatalf("want CANCELLED, got %s", task.State)
	}
	// Cancelling again is a no-op; completing afterwards conflicts.
	if err := env.engine.Cancel(ctx, "t1", "alice"); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	err := env.engine.Complete(ctx, "t1", "alice", true)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("complete after cancel: want conflict, got %v", err)
	}
}

func TestTerminateIdempotentAndDeletesHistoryOnce(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	ctx := context.Background()

	if err := env.engine.Terminate(ctx, "t1", "cancelled", "system"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	assertInvariant(t, task)
	if task.State != domain.StateTerminated {
		t.Fatalf("want TERMINATED, got %s", task.State)
	}
	if err := env.engine.Terminate(ctx, "t1", "cancelled", "system"); err != nil {
		t.Fatalf("repeat terminate: %v", err)
	}
	if len(env.mirror.deletes) != 1 {
		t.Fatalf("mirror history delete should run once, got %d", len(env.mirror.deletes))
	}
	if err := env.engine.Terminate(ctx, "missing", "completed", "system"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("terminate absent: want not found, got %v", err)
	}
}

func TestReconfigureReplacesSeedWholesale(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	ctx := context.Background()

	res, err := env.engine.MarkToReconfigure(ctx, []string{"case-1"}, "system")
	if err != nil || res.Processed != 1 {
		t.Fatalf("mark: %v %+v", err, res)
	}
	task, _ := env.engine.Repo.GetTask(ctx, "t1")
	if task.ReconfigureRequestTime == nil {
		t.Fatalf("mark did not set reconfigure request time")
	}

	env.rules.rows = []domain.TaskRoleResource{
		{RoleName: "hearing-judge", RoleCategory: "JUDICIAL", Permissions: domain.PermissionSet{Read: true, Own: true}},
	}
	res, err = env.engine.ExecuteReconfigure(ctx, []string{"case-1"}, testNow.Add(time.Hour), "system")
	if err != nil || res.Processed != 1 {
		t.Fatalf("execute: %v %+v", err, res)
	}
	roleRows, err := env.engine.Repo.ListTaskRoles(ctx, "t1")
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if len(roleRows) != 1 || roleRows[0].RoleName != "hearing-judge" {
		t.Fatalf("seed not replaced wholesale: %+v", roleRows)
	}
	task, _ = env.engine.Repo.GetTask(ctx, "t1")
	if task.ReconfigureRequestTime != nil {
		t.Fatalf("execute did not clear reconfigure request time")
	}
}

func TestExecuteReconfigureIgnoresUnmarkedTasks(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	res, err := env.engine.ExecuteReconfigure(context.Background(), []string{"case-1"}, testNow.Add(time.Hour), "system")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("unmarked task must not be reconfigured, got %+v", res)
	}
}

func TestMirrorRecordsTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	env.grant("alice", caseworkerGrant("alice"))
	ctx := context.Background()
	if err := env.engine.Claim(ctx, "t1", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	want := []string{"t1:initiate", "t1:claim"}
	if len(env.mirror.transitions) != len(want) {
		t.Fatalf("mirror transitions %v, want %v", env.mirror.transitions, want)
	}
	for i, w := range want {
		if env.mirror.transitions[i] != w {
			t.Fatalf("mirror transitions %v, want %v", env.mirror.transitions, want)
		}
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, "t1", "case-1")
	env.grant("alice", caseworkerGrant("alice"))
	ctx := context.Background()
	if err := env.engine.Claim(ctx, "t1", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	evts, err := env.engine.Repo.ListTaskEvents(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 || evts[0].Type != "task.claim" || evts[1].Type != "task.initiate" {
		t.Fatalf("unexpected audit trail %+v", evts)
	}
}
