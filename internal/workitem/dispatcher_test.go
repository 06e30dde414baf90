package workitem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/internal/authz"
	"github.com/pitabwire/tasquencer/internal/definition"
	"github.com/pitabwire/tasquencer/internal/workflow"
	"github.com/pitabwire/tasquencer/model"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	engine     *workflow.Engine
	authz      *authz.Service
	dispatcher *Dispatcher
	clock      *clockwork.FakeClock
}

func newHarness(t *testing.T, policy QueuePolicy) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)

	f, err := definition.NewLoader().LoadFile("testdata/intake.yaml")
	require.NoError(t, err)
	registry := definition.NewRegistry(definition.Flatten([]model.DefinitionFile{f}))

	recorder := audit.NewRecorder(audit.NewMemoryStore(), audit.WithClock(clock))
	engine := workflow.NewEngine(registry, workflow.NewMemoryStore(), recorder, clock, nil)
	az := authz.NewService(authz.NewMemoryStore(), authz.WithClock(clock))

	return &harness{
		engine:     engine,
		authz:      az,
		dispatcher: NewDispatcher(engine, az, WithQueuePolicy(policy)),
		clock:      clock,
	}
}

// grant gives userID a role holding scopes, optionally expiring.
func (h *harness) grant(t *testing.T, userID string, expiresAt *time.Time, scopes ...string) {
	t.Helper()
	ctx := context.Background()
	role, err := h.authz.CreateRole(ctx, "role-"+userID, scopes)
	require.NoError(t, err)
	_, err = h.authz.AssignRoleToUser(ctx, role.ID, userID, expiresAt)
	require.NoError(t, err)
}

func (h *harness) queue(t *testing.T, userID string) []model.WorkItem {
	t.Helper()
	page, err := h.dispatcher.ListWorkQueue(context.Background(), userID, QueueFilters{})
	require.NoError(t, err)
	return page.Items
}

func TestDispatcher_RequestIntakeEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueueForbid)
	h.grant(t, "alice", nil, "staff:write")
	h.grant(t, "bob", nil, "staff:review")

	inst, err := h.engine.Initialize(ctx, "request_intake", "v1", nil)
	require.NoError(t, err)

	// submitRequest needs staff:write.
	assert.Empty(t, h.queue(t, "bob"))
	items := h.queue(t, "alice")
	require.Len(t, items, 1)
	submit := items[0]
	assert.Equal(t, "submitRequest", submit.TaskName)

	_, err = h.dispatcher.Claim(ctx, submit.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, h.queue(t, "alice"), "claimed items leave the queue")

	_, err = h.dispatcher.Start(ctx, submit.ID, "alice")
	require.NoError(t, err)

	_, err = h.dispatcher.Complete(ctx, submit.ID, "alice", map[string]any{"confirmed": "yes"}, nil)
	require.True(t, model.IsCode(err, model.ErrValidationError), "err = %v", err)
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	require.NotEmpty(t, env.Details)
	assert.Equal(t, "/confirmed", env.Details[0].Field)

	_, err = h.dispatcher.Complete(ctx, submit.ID, "alice", map[string]any{"confirmed": true}, nil)
	require.NoError(t, err)

	review := h.queue(t, "bob")
	require.Len(t, review, 1)
	assert.Equal(t, "intakeReview", review[0].TaskName)

	_, err = h.dispatcher.Start(ctx, review[0].ID, "alice")
	assert.True(t, model.IsCode(err, model.ErrForbidden), "alice lacks staff:review: err = %v", err)

	_, err = h.dispatcher.Start(ctx, review[0].ID, "bob")
	require.NoError(t, err)
	_, err = h.dispatcher.Complete(ctx, review[0].ID, "bob", map[string]any{"decision": "approved"}, nil)
	require.NoError(t, err)

	assign := h.queue(t, "alice")
	require.Len(t, assign, 1)
	assert.Equal(t, "assignOwner", assign[0].TaskName)
	_, err = h.dispatcher.Start(ctx, assign[0].ID, "alice")
	require.NoError(t, err)
	_, err = h.dispatcher.Complete(ctx, assign[0].ID, "alice", map[string]any{"ownerId": "u-42"}, nil)
	require.NoError(t, err)

	final, err := h.engine.GetWorkflow(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, final.State)
	assert.Equal(t, []string{"submitRequest", "intakeReview", "assignOwner"}, final.RealizedPath)
}

func TestDispatcher_RejectedReviewEndsWorkflow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueueForbid)
	h.grant(t, "alice", nil, "staff:*")

	inst, err := h.engine.Initialize(ctx, "request_intake", "", nil)
	require.NoError(t, err)

	for _, step := range []struct {
		task string
		body map[string]any
	}{
		{"submitRequest", map[string]any{"confirmed": true}},
		{"intakeReview", map[string]any{"decision": "rejected"}},
	} {
		items := h.queue(t, "alice")
		require.Len(t, items, 1)
		require.Equal(t, step.task, items[0].TaskName)
		_, err := h.dispatcher.Start(ctx, items[0].ID, "alice")
		require.NoError(t, err)
		_, err = h.dispatcher.Complete(ctx, items[0].ID, "alice", step.body, nil)
		require.NoError(t, err)
	}

	final, err := h.engine.GetWorkflow(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, final.State)
	assert.Empty(t, h.queue(t, "alice"))
}

func TestDispatcher_NoScopeQueuePolicy(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		policy  QueuePolicy
		wantErr bool
	}{
		{QueueForbid, true},
		{QueueEmpty, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			h := newHarness(t, tt.policy)
			_, err := h.engine.Initialize(ctx, "request_intake", "", nil)
			require.NoError(t, err)

			page, err := h.dispatcher.ListWorkQueue(ctx, "mallory", QueueFilters{})
			if tt.wantErr {
				assert.True(t, model.IsCode(err, model.ErrForbidden), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, page.Items)
			assert.Equal(t, 0, page.Total)
		})
	}
}

func TestDispatcher_QueueScopeFilterNotHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueueForbid)
	h.grant(t, "alice", nil, "staff:write")

	_, err := h.dispatcher.ListWorkQueue(ctx, "alice", QueueFilters{Scope: "staff:review"})
	assert.True(t, model.IsCode(err, model.ErrForbidden), "err = %v", err)

	page, err := h.dispatcher.ListWorkQueue(ctx, "alice", QueueFilters{Scope: "staff:write", Phase: "intake"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestDispatcher_ScopeExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueueForbid)
	expires := epoch.Add(time.Hour)
	h.grant(t, "alice", &expires, "staff:write")

	_, err := h.engine.Initialize(ctx, "request_intake", "", nil)
	require.NoError(t, err)
	items := h.queue(t, "alice")
	require.Len(t, items, 1)

	detail, err := h.dispatcher.Get(ctx, "alice", items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "request_intake", detail.Workflow.Name)
	assert.Equal(t, detail.Workflow.ID, detail.Workflow.RootID)

	h.clock.Advance(2 * time.Hour)

	_, err = h.dispatcher.Get(ctx, "alice", items[0].ID)
	assert.True(t, model.IsCode(err, model.ErrForbidden), "expired scope: err = %v", err)
	_, err = h.dispatcher.Claim(ctx, items[0].ID, "alice")
	assert.True(t, model.IsCode(err, model.ErrForbidden), "expired scope: err = %v", err)
	_, err = h.dispatcher.ListWorkQueue(ctx, "alice", QueueFilters{})
	assert.True(t, model.IsCode(err, model.ErrForbidden), "expired scope: err = %v", err)

	wi, err := h.engine.GetWorkItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Nil(t, wi.Claim)
}

func TestDispatcher_ClaimRace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueueForbid)
	h.grant(t, "alice", nil, "staff:write")
	h.grant(t, "carol", nil, "staff:write")

	_, err := h.engine.Initialize(ctx, "request_intake", "", nil)
	require.NoError(t, err)
	items := h.queue(t, "alice")
	require.Len(t, items, 1)

	_, err = h.dispatcher.Claim(ctx, items[0].ID, "alice")
	require.NoError(t, err)
	_, err = h.dispatcher.Claim(ctx, items[0].ID, "carol")
	assert.True(t, model.IsCode(err, model.ErrAlreadyClaimed), "err = %v", err)

	_, err = h.dispatcher.Release(ctx, items[0].ID, "alice")
	require.NoError(t, err)
	_, err = h.dispatcher.Claim(ctx, items[0].ID, "carol")
	require.NoError(t, err)
}

func TestDispatcher_CompleteRequiresStarted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueueForbid)
	h.grant(t, "alice", nil, "staff:write")

	_, err := h.engine.Initialize(ctx, "request_intake", "", nil)
	require.NoError(t, err)
	items := h.queue(t, "alice")
	require.Len(t, items, 1)

	_, err = h.dispatcher.Complete(ctx, items[0].ID, "alice", map[string]any{"confirmed": true}, nil)
	assert.True(t, model.IsCode(err, model.ErrInvalidTransition), "err = %v", err)
}

func TestDispatcher_CancelAndFail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueueForbid)
	h.grant(t, "alice", nil, "staff:write")

	inst, err := h.engine.Initialize(ctx, "request_intake", "", nil)
	require.NoError(t, err)
	items := h.queue(t, "alice")
	require.Len(t, items, 1)

	_, err = h.dispatcher.Cancel(ctx, items[0].ID, "mallory", "nope")
	assert.True(t, model.IsCode(err, model.ErrForbidden), "err = %v", err)

	failed, err := h.dispatcher.Fail(ctx, items[0].ID, "alice", "duplicate")
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemFailed, failed.State)

	final, err := h.engine.GetWorkflow(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, final.State)

	_, err = h.dispatcher.Cancel(ctx, items[0].ID, "alice", "late")
	assert.True(t, model.IsCode(err, model.ErrInvalidTransition), "err = %v", err)
}

func TestDispatcher_AbortRequiresClaimant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueueForbid)
	h.grant(t, "alice", nil, "staff:write")
	h.grant(t, "bob", nil, "staff:write")

	inst, err := h.engine.Initialize(ctx, "request_intake", "", nil)
	require.NoError(t, err)
	items := h.queue(t, "alice")
	require.Len(t, items, 1)
	_, err = h.dispatcher.Claim(ctx, items[0].ID, "alice")
	require.NoError(t, err)

	_, err = h.dispatcher.Fail(ctx, items[0].ID, "bob", "not mine")
	assert.True(t, model.IsCode(err, model.ErrForbidden), "err = %v", err)
	_, err = h.dispatcher.Cancel(ctx, items[0].ID, "bob", "not mine")
	assert.True(t, model.IsCode(err, model.ErrForbidden), "err = %v", err)

	live, err := h.engine.GetWorkflow(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, model.IsTerminalWorkflowState(live.State))

	canceled, err := h.dispatcher.Cancel(ctx, items[0].ID, "alice", "withdrawn")
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemCanceled, canceled.State)
}

func TestDispatcher_GetUnknown(t *testing.T) {
	h := newHarness(t, QueueForbid)
	_, err := h.dispatcher.Get(context.Background(), "alice", "missing")
	assert.True(t, model.IsCode(err, model.ErrNotFound), "err = %v", err)
}
