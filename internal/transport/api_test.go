package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/internal/authz"
	"github.com/pitabwire/tasquencer/internal/definition"
	"github.com/pitabwire/tasquencer/internal/idempotency"
	"github.com/pitabwire/tasquencer/internal/workflow"
	"github.com/pitabwire/tasquencer/internal/workitem"
	"github.com/pitabwire/tasquencer/model"
)

var apiEpoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type apiServer struct {
	router http.Handler
	authz  *authz.Service
	clock  *clockwork.FakeClock
}

// headerAuth trusts X-Test-User as the token subject.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any{"sub": user})))
	})
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	clock := clockwork.NewFakeClockAt(apiEpoch)

	f, err := definition.NewLoader().LoadFile("testdata/intake.yaml")
	require.NoError(t, err)
	registry := definition.NewRegistry(definition.Flatten([]model.DefinitionFile{f}))

	recorder := audit.NewRecorder(audit.NewMemoryStore(), audit.WithClock(clock))
	engine := workflow.NewEngine(registry, workflow.NewMemoryStore(), recorder, clock, nil)
	az := authz.NewService(authz.NewMemoryStore(), authz.WithClock(clock))

	deps := testDeps()
	deps.Authenticate = headerAuth
	deps.Engine = engine
	deps.Dispatcher = workitem.NewDispatcher(engine, az)
	deps.Authz = az
	deps.Recorder = recorder
	deps.Idempotency = idempotency.NewMemoryStore(clock)

	return &apiServer{router: NewRouter(deps), authz: az, clock: clock}
}

func (s *apiServer) grant(t *testing.T, userID string, scopes ...string) {
	t.Helper()
	ctx := context.Background()
	role, err := s.authz.CreateRole(ctx, "role-"+userID, scopes)
	require.NoError(t, err)
	_, err = s.authz.AssignRoleToUser(ctx, role.ID, userID, nil)
	require.NoError(t, err)
}

func (s *apiServer) do(t *testing.T, user, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

// queueItem returns the single item in user's work queue.
func (s *apiServer) queueItem(t *testing.T, user, task string) model.WorkItem {
	t.Helper()
	w := s.do(t, user, "GET", "/v1/work-items", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[model.Page[model.WorkItem]](t, w)
	require.Len(t, page.Items, 1)
	require.Equal(t, task, page.Items[0].TaskName)
	return page.Items[0]
}

func (s *apiServer) finish(t *testing.T, user string, wi model.WorkItem, payload map[string]any) {
	t.Helper()
	w := s.do(t, user, "POST", "/v1/work-items/"+wi.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, user, "POST", "/v1/work-items/"+wi.ID+"/complete", map[string]any{"payload": payload})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAPI_RequestIntakeLifecycle(t *testing.T) {
	s := newAPIServer(t)
	s.grant(t, "alice", "staff:write", "workflow:start", "workflow:admin")
	s.grant(t, "bob", "staff:review")

	w := s.do(t, "alice", "POST", "/v1/workflows/request_intake", map[string]any{"version": "v1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inst := decode[model.WorkflowInstance](t, w)
	assert.Equal(t, model.WorkflowInitialized, inst.State, "no task has started yet")

	w = s.do(t, "mallory", "GET", "/v1/work-items", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	submit := s.queueItem(t, "alice", "submitRequest")

	w = s.do(t, "alice", "POST", "/v1/work-items/"+submit.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "alice", "POST", "/v1/work-items/"+submit.ID+"/complete",
		map[string]any{"payload": map[string]any{"confirmed": "yes"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrValidationError, errorCode(t, w))

	w = s.do(t, "alice", "POST", "/v1/work-items/"+submit.ID+"/complete",
		map[string]any{"payload": map[string]any{"confirmed": true}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	review := s.queueItem(t, "bob", "intakeReview")
	w = s.do(t, "alice", "GET", "/v1/work-items/"+review.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, "bob", "GET", "/v1/work-items/"+review.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[workitem.Detail](t, w)
	assert.Equal(t, inst.ID, detail.Workflow.ID)

	s.finish(t, "bob", review, map[string]any{"decision": "approved"})
	s.finish(t, "alice", s.queueItem(t, "alice", "assignOwner"), map[string]any{"ownerId": "u-42"})

	w = s.do(t, "alice", "GET", "/v1/workflows/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	final := decode[model.WorkflowInstance](t, w)
	assert.Equal(t, model.WorkflowCompleted, final.State)
	assert.Equal(t, []string{"submitRequest", "intakeReview", "assignOwner"}, final.RealizedPath)

	w = s.do(t, "alice", "GET", "/v1/workflows/"+inst.ID+"/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{
		"submitRequest": model.TaskDisabled,
		"intakeReview":  model.TaskDisabled,
		"assignOwner":   model.TaskDisabled,
	}, decode[map[string]string](t, w), "each completion opens a fresh disabled generation")

	w = s.do(t, "alice", "GET", "/v1/workflows/"+inst.ID+"/tasks/intakeReview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		Items []model.Task `json:"items"`
	}](t, w)
	require.Len(t, history.Items, 2)
	assert.Equal(t, model.TaskCompleted, history.Items[0].State)
	assert.Equal(t, 1, history.Items[1].Generation)

	w = s.do(t, "alice", "GET", "/v1/workflows/"+inst.ID+"/conditions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[map[string]int](t, w)["end"])

	w = s.do(t, "alice", "GET", "/v1/traces/"+inst.TraceID+"/spans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	spans := decode[struct {
		Items []model.Span `json:"items"`
	}](t, w)
	assert.NotEmpty(t, spans.Items)

	w = s.do(t, "alice", "GET", "/v1/spans?resource_type=workflow&resource_id="+inst.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	s.clock.Advance(time.Minute)
	w = s.do(t, "alice", "GET", "/v1/traces/"+inst.TraceID+"/workflows/"+inst.ID+"/state", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decode[model.WorkflowStateSnapshot](t, w)
	assert.Equal(t, model.WorkflowCompleted, snap.WorkflowState)
	assert.Equal(t, 1, snap.Conditions["end"])

	w = s.do(t, "alice", "GET", "/v1/traces/"+inst.TraceID+"/workflows/"+inst.ID+"/state?at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_IdempotentClaim(t *testing.T) {
	s := newAPIServer(t)
	s.grant(t, "alice", "staff:write", "workflow:start")

	w := s.do(t, "alice", "POST", "/v1/workflows/request_intake", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	item := s.queueItem(t, "alice", "submitRequest")
	path := "/v1/work-items/" + item.ID + "/claim"

	first := s.do(t, "alice", "POST", path, nil, IdempotencyHeader, "claim-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get("X-Idempotency-Replayed"))

	second := s.do(t, "alice", "POST", path, nil, IdempotencyHeader, "claim-1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	conflict := s.do(t, "alice", "POST", path, map[string]any{"x": 1}, IdempotencyHeader, "claim-1")
	assert.Equal(t, http.StatusConflict, conflict.Code)
	assert.Equal(t, model.ErrConflict, errorCode(t, conflict))
}

func TestAPI_SplitSelectionAndTaskAbort(t *testing.T) {
	s := newAPIServer(t)
	s.grant(t, "alice", "staff:*", "workflow:*")

	w := s.do(t, "alice", "POST", "/v1/workflows/request_intake", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	inst := decode[model.WorkflowInstance](t, w)

	s.finish(t, "alice", s.queueItem(t, "alice", "submitRequest"), map[string]any{"confirmed": true})
	review := s.queueItem(t, "alice", "intakeReview")
	w = s.do(t, "alice", "POST", "/v1/work-items/"+review.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "alice", "POST", "/v1/work-items/"+review.ID+"/complete", map[string]any{
		"payload":   map[string]any{"decision": "approved"},
		"selection": []string{"approved", "end"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrInvalidSplitSelection, errorCode(t, w))

	w = s.do(t, "alice", "POST", "/v1/workflows/"+inst.ID+"/tasks/intakeReview/zero/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "alice", "POST", "/v1/workflows/"+inst.ID+"/tasks/intakeReview/0/fail", map[string]any{"reason": "stuck"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.TaskFailed, decode[model.Task](t, w).State)

	w = s.do(t, "alice", "GET", "/v1/workflows/"+inst.ID, nil)
	assert.Equal(t, model.WorkflowFailed, decode[model.WorkflowInstance](t, w).State)

	w = s.do(t, "alice", "POST", "/v1/workflows/"+inst.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code, "terminating a finished workflow is a no-op")
}

func TestAPI_Errors(t *testing.T) {
	s := newAPIServer(t)
	s.grant(t, "alice", "workflow:*")

	tests := []struct {
		name     string
		user     string
		method   string
		path     string
		body     any
		status   int
		wantCode string
	}{
		{"no credentials", "", "GET", "/v1/workflows", nil, 401, model.ErrUnauthorized},
		{"unknown definition", "alice", "POST", "/v1/workflows/nope", nil, 404, model.ErrDefinitionNotFound},
		{"unknown workflow", "alice", "GET", "/v1/workflows/missing", nil, 404, model.ErrNotFound},
		{"unknown work item", "alice", "POST", "/v1/work-items/missing/claim", nil, 404, model.ErrNotFound},
		{"unknown trace", "alice", "GET", "/v1/traces/missing", nil, 404, model.ErrNotFound},
		{"span search without filter", "alice", "GET", "/v1/spans", nil, 400, model.ErrBadRequest},
		{"bad span range", "alice", "GET", "/v1/spans?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil, 400, model.ErrBadRequest},
		{"reason too long", "alice", "POST", "/v1/workflows/x/cancel", map[string]any{"reason": string(make([]byte, 2000))}, 422, model.ErrValidationError},
		{"initialize without start scope", "mallory", "POST", "/v1/workflows/request_intake", nil, 403, model.ErrForbidden},
		{"cancel without admin scope", "mallory", "POST", "/v1/workflows/x/cancel", nil, 403, model.ErrForbidden},
		{"task abort without admin scope", "mallory", "POST", "/v1/workflows/x/tasks/review/0/fail", nil, 403, model.ErrForbidden},
		{"trace list without admin scope", "mallory", "GET", "/v1/traces", nil, 403, model.ErrForbidden},
		{"span search without admin scope", "mallory", "GET", "/v1/spans?resource_type=workflow&resource_id=x", nil, 403, model.ErrForbidden},
		{"scope users without admin scope", "mallory", "GET", "/v1/auth/scopes/staff:write/users", nil, 403, model.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.user, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}
}

func TestAPI_AuthScopes(t *testing.T) {
	s := newAPIServer(t)
	s.grant(t, "alice", "staff:write", "staff:review", "workflow:admin")
	s.grant(t, "bob", "staff:review")

	w := s.do(t, "alice", "GET", "/v1/auth/me/scopes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[struct {
		UserID string   `json:"user_id"`
		Scopes []string `json:"scopes"`
	}](t, w)
	assert.Equal(t, "alice", me.UserID)
	assert.Equal(t, []string{"staff:review", "staff:write", "workflow:admin"}, me.Scopes)

	w = s.do(t, "alice", "GET", "/v1/auth/scopes/staff:review/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode[struct {
		UserIDs []string `json:"user_ids"`
	}](t, w)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users.UserIDs)
}
