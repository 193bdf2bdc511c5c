package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/migrate"
)

type fakeRoles struct {
	byActor map[string][]domain.RoleAssignment
	byCase  map[string][]domain.RoleAssignment
}

func (f *fakeRoles) ActorAssignments(_ context.Context, actorID string) ([]domain.RoleAssignment, error) {
	return f.byActor[actorID], nil
}

func (f *fakeRoles) CaseAssignments(_ context.Context, caseID string) ([]domain.RoleAssignment, error) {
	return f.byCase[caseID], nil
}

type fakeCases struct{}

func (fakeCases) Case(_ context.Context, caseID string) (domain.CaseDetails, error) {
	return domain.CaseDetails{
		CaseID:         caseID,
		Jurisdiction:   "IA",
		CaseTypeID:     "Asylum",
		CaseName:       "Example v Home Office",
		Classification: domain.ClassificationPublic,
	}, nil
}

type fakeRules struct{}

func (fakeRules) TaskRoles(_ context.Context, _ string, _ domain.CaseDetails) ([]domain.TaskRoleResource, error) {
	return []domain.TaskRoleResource{
		{
			RoleName:     "tribunal-caseworker",
			RoleCategory: "LEGAL_OPERATIONS",
			Permissions:  domain.PermissionSet{Read: true, Own: true, Execute: true, Cancel: true, Complete: true},
		},
	}, nil
}

type testServer struct {
	URL    string
	client *http.Client
	roles  *fakeRoles
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

const testSecret = "server-test-secret"

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "caseflow.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	roles := &fakeRoles{
		byActor: map[string][]domain.RoleAssignment{},
		byCase:  map[string][]domain.RoleAssignment{},
	}
	eng := engine.New(conn, roles, fakeCases{}, fakeRules{}, nil)
	handler, err := New(Config{
		Engine:   eng,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		roles:  roles,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func (s *testServer) grant(actorID string, ra domain.RoleAssignment) {
	ra.ActorID = actorID
	s.roles.byActor[actorID] = append(s.roles.byActor[actorID], ra)
}

func caseworkerGrant() domain.RoleAssignment {
	return domain.RoleAssignment{
		RoleName:       "tribunal-caseworker",
		RoleType:       domain.RoleTypeOrganisation,
		GrantType:      domain.GrantStandard,
		Classification: domain.ClassificationPublic,
		Attributes:     domain.RoleAssignmentAttributes{Jurisdiction: "IA"},
	}
}

func userToken(t *testing.T, actorID string, scopes ...string) string {
	t.Helper()
	token, err := signDevToken(testSecret, actorID, actorID+"@example.org", scopes)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope from %s: %v", string(data), err)
	}
	return env
}

func initiateTask(t *testing.T, srv *testServer, taskID, caseID string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/"+taskID+"/initiation", map[string]any{
		"task_type": "reviewAppeal",
		"case_id":   caseID,
		"due_date":  "2026-09-10T16:00:00Z",
	}, bearer(userToken(t, "wa-system", ScopeSystem)))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("initiate status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestMissingCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/task/t1", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestInitiateRequiresSystemScope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := map[string]any{
		"task_type": "reviewAppeal",
		"case_id":   "case-1",
		"due_date":  "2026-09-10T16:00:00Z",
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/t1/initiation", body, bearer(userToken(t, "alice")))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("plain user must not initiate, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/t1/initiation", body, bearer(userToken(t, "wa-system", ScopeSystem)))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("system caller initiate got %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.ID != "t1" || created.State != domain.StateUnassigned {
		t.Fatalf("unexpected created task %+v", created)
	}
}

func TestDuplicateInitiateIsRetryable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	initiateTask(t, srv, "t1", "case-1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/t1/initiation", map[string]any{
		"task_type": "reviewAppeal",
		"case_id":   "case-1",
		"due_date":  "2026-09-10T16:00:00Z",
	}, bearer(userToken(t, "wa-system", ScopeSystem)))
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("duplicate initiate wants 503, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "database_conflict" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestUnauthorizedVersusForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	initiateTask(t, srv, "t1", "case-1")

	// No assignments at all: 401.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/t1/claim", nil, bearer(userToken(t, "ghost")))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("zero assignments want 401, got %d: %s", res.StatusCode, string(data))
	}

	// Assignments that do not reach the task: 403 with the verification code.
	ra := caseworkerGrant()
	ra.Attributes.Jurisdiction = "CIVIL"
	srv.grant("carol", ra)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/t1/claim", nil, bearer(userToken(t, "carol")))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unmatched assignments want 403, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "role_assignment_verification" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestClaimConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	initiateTask(t, srv, "t1", "case-1")
	srv.grant("alice", caseworkerGrant())
	srv.grant("bob", caseworkerGrant())

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/t1/claim", nil, bearer(userToken(t, "alice")))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("first claim got %d: %s", res.StatusCode, string(data))
	}
	// Re-claim by the holder is a no-op.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/t1/claim", nil, bearer(userToken(t, "alice")))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("repeat claim got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/t1/claim", nil, bearer(userToken(t, "bob")))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("competing claim wants 409, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "conflict" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestSearchPaginationValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.grant("alice", caseworkerGrant())

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task?first_result=-1", map[string]any{}, bearer(userToken(t, "alice")))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Details["field"] != "first_result" {
		t.Fatalf("violation must name the parameter, got %+v", env.Error)
	}
}

func TestSearchReturnsTotalAndEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	initiateTask(t, srv, "t1", "case-1")
	initiateTask(t, srv, "t2", "case-1")
	srv.grant("alice", caseworkerGrant())

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task?max_results=1", map[string]any{
		"sorting_parameters": []map[string]any{{"sort_by": "taskId"}},
	}, bearer(userToken(t, "alice")))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search got %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Tasks        []domain.AnnotatedTask `json:"tasks"`
		TotalRecords int                    `json:"total_records"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal search: %v", err)
	}
	if body.TotalRecords != 2 || len(body.Tasks) != 1 || body.Tasks[0].Task.ID != "t1" {
		t.Fatalf("unexpected page %+v", body)
	}
}

func TestTerminateMissingTask(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/task/nope", map[string]any{
		"terminate_reason": "cancelled",
	}, bearer(userToken(t, "wa-system", ScopeSystem)))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	initiateTask(t, srv, "t1", "case-1")
	srv.grant("alice", caseworkerGrant())

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login got %d: %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("no token in %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/task/t1", nil, bearer(login.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get with minted token got %d: %s", res.StatusCode, string(data))
	}
	var at domain.AnnotatedTask
	if err := json.Unmarshal(data, &at); err != nil {
		t.Fatalf("unmarshal annotated task: %v", err)
	}
	if at.Task.ID != "t1" || !at.Permissions.Read {
		t.Fatalf("unexpected annotated task %+v", at)
	}
}

func TestOperationRequiresSystemScope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := map[string]any{
		"operation": "MARK_TO_RECONFIGURE",
		"case_ids":  []string{"case-1"},
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/operation", body, bearer(userToken(t, "alice")))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("plain user operation wants 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/task/operation", body, bearer(userToken(t, "wa-system", ScopeSystem)))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("system operation got %d: %s", res.StatusCode, string(data))
	}
}
