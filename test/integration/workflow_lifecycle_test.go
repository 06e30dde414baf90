package integration

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/pitabwire/tasquencer/internal/authz"
	"github.com/pitabwire/tasquencer/internal/workflow"
	"github.com/pitabwire/tasquencer/model"
)

// initialize starts a workflow and returns the instance.
func (h *TestHarness) initialize(t *testing.T, name, token string, payload map[string]any) model.WorkflowInstance {
	t.Helper()
	var inst model.WorkflowInstance
	h.AssertJSON(t, h.POST("/v1/workflows/"+name, map[string]any{"payload": payload}, token), http.StatusCreated, &inst)
	return inst
}

// nextItem returns the first item in the caller's work queue for task.
func (h *TestHarness) nextItem(t *testing.T, token, task string) model.WorkItem {
	t.Helper()
	var page model.Page[model.WorkItem]
	h.AssertJSON(t, h.GET("/v1/work-items", token), http.StatusOK, &page)
	for _, wi := range page.Items {
		if wi.TaskName == task {
			return wi
		}
	}
	t.Fatalf("no %s work item in queue: %s", task, FormatJSON(page))
	return model.WorkItem{}
}

// perform starts and completes a work item.
func (h *TestHarness) perform(t *testing.T, token string, wi model.WorkItem, payload map[string]any) model.WorkItem {
	t.Helper()
	h.AssertStatus(t, h.POST("/v1/work-items/"+wi.ID+"/start", nil, token), http.StatusOK)

	var done model.WorkItem
	h.AssertJSON(t, h.POST("/v1/work-items/"+wi.ID+"/complete", map[string]any{"payload": payload}, token), http.StatusOK, &done)
	return done
}

// seedUsers assigns existing roles to users.
func seedUsers(users map[string][]string) authz.Seed {
	return authz.Seed{Users: users}
}

func (h *TestHarness) workflow(t *testing.T, id, token string) model.WorkflowInstance {
	t.Helper()
	var inst model.WorkflowInstance
	h.AssertJSON(t, h.GET("/v1/workflows/"+id, token), http.StatusOK, &inst)
	return inst
}

func TestWorkflow_FullApprovalLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.TokenFor(UserRequester)
	reviewer := h.TokenFor(UserReviewer)

	inst := h.initialize(t, "request_intake", requester, map[string]any{"title": "New monitor"})
	if inst.State != model.WorkflowInitialized {
		t.Errorf("state = %q, want %q", inst.State, model.WorkflowInitialized)
	}

	done := h.perform(t, requester, h.nextItem(t, requester, "submitRequest"), map[string]any{"confirmed": true})
	if done.State != model.WorkItemCompleted {
		t.Errorf("work item state = %q, want completed", done.State)
	}
	if got := h.workflow(t, inst.ID, requester).State; got != model.WorkflowStarted {
		t.Errorf("state after first task = %q, want started", got)
	}

	h.perform(t, reviewer, h.nextItem(t, reviewer, "intakeReview"), map[string]any{"decision": "approved"})
	h.perform(t, requester, h.nextItem(t, requester, "assignOwner"), map[string]any{"ownerId": "u-42"})

	final := h.workflow(t, inst.ID, requester)
	if final.State != model.WorkflowCompleted {
		t.Fatalf("final state = %q, want completed", final.State)
	}
	if final.Payload["ownerId"] != "u-42" || final.Payload["title"] != "New monitor" {
		t.Errorf("payload did not accumulate across tasks: %s", FormatJSON(final.Payload))
	}
	want := []string{"submitRequest", "intakeReview", "assignOwner"}
	if len(final.RealizedPath) != len(want) {
		t.Fatalf("realized path = %v, want %v", final.RealizedPath, want)
	}
	for i := range want {
		if final.RealizedPath[i] != want[i] {
			t.Errorf("realized path = %v, want %v", final.RealizedPath, want)
		}
	}
}

func TestWorkflow_RejectionPath(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.TokenFor(UserRequester)
	reviewer := h.TokenFor(UserReviewer)

	inst := h.initialize(t, "request_intake", requester, nil)
	h.perform(t, requester, h.nextItem(t, requester, "submitRequest"), map[string]any{"confirmed": true})
	h.perform(t, reviewer, h.nextItem(t, reviewer, "intakeReview"), map[string]any{"decision": "rejected"})

	final := h.workflow(t, inst.ID, requester)
	if final.State != model.WorkflowCompleted {
		t.Errorf("state = %q, want completed", final.State)
	}
	for _, task := range final.RealizedPath {
		if task == "assignOwner" {
			t.Errorf("rejected request still reached assignOwner: %v", final.RealizedPath)
		}
	}

	var page model.Page[model.WorkItem]
	h.AssertJSON(t, h.GET("/v1/work-items?workflow=request_intake", requester), http.StatusOK, &page)
	if len(page.Items) != 0 {
		t.Errorf("queue should be empty after rejection: %s", FormatJSON(page))
	}
}

func TestWorkflow_InvalidTransition(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.TokenFor(UserRequester)

	h.initialize(t, "request_intake", requester, nil)
	wi := h.nextItem(t, requester, "submitRequest")

	resp := h.POST("/v1/work-items/"+wi.ID+"/complete", map[string]any{"payload": map[string]any{"confirmed": true}}, requester)
	h.AssertStatus(t, resp, http.StatusConflict)

	resp = h.POST("/v1/work-items/"+wi.ID+"/release", nil, requester)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("release of unclaimed item = %d, want 409", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrInvalidTransition {
		t.Errorf("code = %q, want %q", code, model.ErrInvalidTransition)
	}
}

func TestWorkflow_ClaimContention(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.TokenFor(UserRequester)
	other := h.TokenFor("user-requester-2")
	if err := h.Authz.ApplySeed(context.Background(), seedUsers(map[string][]string{"user-requester-2": {"requester"}})); err != nil {
		t.Fatalf("seed: %v", err)
	}

	h.initialize(t, "request_intake", requester, nil)
	wi := h.nextItem(t, requester, "submitRequest")

	h.AssertStatus(t, h.POST("/v1/work-items/"+wi.ID+"/claim", nil, requester), http.StatusOK)

	resp := h.POST("/v1/work-items/"+wi.ID+"/claim", nil, other)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second claim = %d, want 409", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrAlreadyClaimed {
		t.Errorf("code = %q, want %q", code, model.ErrAlreadyClaimed)
	}

	// Claimed items leave everyone's queue.
	var page model.Page[model.WorkItem]
	h.AssertJSON(t, h.GET("/v1/work-items", other), http.StatusOK, &page)
	if len(page.Items) != 0 {
		t.Errorf("claimed item still queued: %s", FormatJSON(page))
	}

	h.AssertStatus(t, h.POST("/v1/work-items/"+wi.ID+"/release", nil, requester), http.StatusOK)
	h.nextItem(t, other, "submitRequest")
}

func TestWorkflow_PayloadValidation(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.TokenFor(UserRequester)

	h.initialize(t, "request_intake", requester, nil)
	wi := h.nextItem(t, requester, "submitRequest")
	h.AssertStatus(t, h.POST("/v1/work-items/"+wi.ID+"/start", nil, requester), http.StatusOK)

	resp := h.POST("/v1/work-items/"+wi.ID+"/complete", map[string]any{"payload": map[string]any{}}, requester)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrValidationError {
		t.Errorf("code = %q, want %q", code, model.ErrValidationError)
	}
}

func TestWorkflow_InsufficientScopeForTask(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.TokenFor(UserRequester)
	reviewer := h.TokenFor(UserReviewer)

	h.initialize(t, "request_intake", requester, nil)
	wi := h.nextItem(t, requester, "submitRequest")

	for _, action := range []string{"claim", "start"} {
		resp := h.POST("/v1/work-items/"+wi.ID+"/"+action, nil, reviewer)
		h.AssertStatus(t, resp, http.StatusForbidden)
	}
	h.AssertStatus(t, h.GET("/v1/work-items/"+wi.ID, reviewer), http.StatusForbidden)
}

func TestWorkflow_UserWithoutScopes(t *testing.T) {
	t.Run("forbid", func(t *testing.T) {
		h := NewTestHarness(t)
		resp := h.GET("/v1/work-items", h.TokenFor(UserNobody))
		h.AssertStatus(t, resp, http.StatusForbidden)
	})

	t.Run("empty", func(t *testing.T) {
		h := NewTestHarness(t, WithQueuePolicy("empty"))
		var page model.Page[model.WorkItem]
		h.AssertJSON(t, h.GET("/v1/work-items", h.TokenFor(UserNobody)), http.StatusOK, &page)
		if len(page.Items) != 0 {
			t.Errorf("items = %d, want 0", len(page.Items))
		}
	})
}

func TestWorkflow_WorkflowNotFound(t *testing.T) {
	h := NewTestHarness(t)
	token := h.TokenFor(UserRequester)

	resp := h.GET("/v1/workflows/does-not-exist", token)
	h.AssertStatus(t, resp, http.StatusNotFound)

	resp = h.POST("/v1/workflows/no_such_definition", nil, token)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrDefinitionNotFound {
		t.Errorf("code = %q, want %q", code, model.ErrDefinitionNotFound)
	}
}

func TestWorkflow_CancelActiveWorkflow(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.TokenFor(UserRequester)

	inst := h.initialize(t, "request_intake", requester, nil)
	wi := h.nextItem(t, requester, "submitRequest")

	var canceled model.WorkflowInstance
	h.AssertStatus(t, h.POST("/v1/workflows/"+inst.ID+"/cancel", map[string]any{"reason": "duplicate"}, requester), http.StatusForbidden)
	h.AssertJSON(t, h.POST("/v1/workflows/"+inst.ID+"/cancel", map[string]any{"reason": "duplicate"}, h.TokenFor(UserOps)), http.StatusOK, &canceled)
	if canceled.State != model.WorkflowCanceled {
		t.Errorf("state = %q, want canceled", canceled.State)
	}

	var item struct {
		State string `json:"state"`
	}
	h.AssertJSON(t, h.GET("/v1/work-items/"+wi.ID, requester), http.StatusOK, &item)
	if item.State != model.WorkItemCanceled {
		t.Errorf("open work item state = %q, want canceled", item.State)
	}

	resp := h.POST("/v1/work-items/"+wi.ID+"/start", nil, requester)
	h.AssertStatus(t, resp, http.StatusConflict)
}

func TestWorkflow_CompositeAndSystemTask(t *testing.T) {
	var provisioned atomic.Int32
	h := NewTestHarness(t, WithHandler("provision_accounts", workflow.HandlerFunc(
		func(_ context.Context, in workflow.HandlerInput) (workflow.HandlerResult, error) {
			provisioned.Add(1)
			return workflow.HandlerResult{Payload: map[string]any{"account": "acc-" + in.Workflow.ID[:8]}}, nil
		})))
	hr := h.TokenFor(UserHR)
	it := h.TokenFor(UserIT)

	inst := h.initialize(t, "onboarding", hr, map[string]any{"employee": "Ada"})

	var children struct {
		Items []model.WorkflowInstance `json:"items"`
	}
	h.AssertJSON(t, h.GET("/v1/workflows/"+inst.ID+"/children", hr), http.StatusOK, &children)
	if len(children.Items) != 1 {
		t.Fatalf("children = %d, want 1", len(children.Items))
	}
	child := children.Items[0]
	if child.Name != "equipment" || child.ParentID != inst.ID {
		t.Errorf("child = %s", FormatJSON(child))
	}

	order := h.nextItem(t, it, "orderLaptop")
	if order.WorkflowID != child.ID {
		t.Errorf("orderLaptop belongs to %s, want child %s", order.WorkflowID, child.ID)
	}

	var detail struct {
		Workflow struct {
			RootID   string `json:"root_id"`
			ParentID string `json:"parent_id"`
		} `json:"workflow"`
	}
	h.AssertJSON(t, h.GET("/v1/work-items/"+order.ID, it), http.StatusOK, &detail)
	if detail.Workflow.RootID != inst.ID || detail.Workflow.ParentID != inst.ID {
		t.Errorf("linkage = %+v, want root and parent %s", detail.Workflow, inst.ID)
	}

	h.perform(t, it, order, map[string]any{"model": "X1 Carbon"})

	if got := h.workflow(t, child.ID, hr).State; got != model.WorkflowCompleted {
		t.Errorf("child state = %q, want completed", got)
	}
	if provisioned.Load() != 1 {
		t.Errorf("provision_accounts ran %d times, want 1", provisioned.Load())
	}

	h.perform(t, hr, h.nextItem(t, hr, "welcome"), nil)

	final := h.workflow(t, inst.ID, hr)
	if final.State != model.WorkflowCompleted {
		t.Fatalf("state = %q, want completed", final.State)
	}
	if _, ok := final.Payload["account"]; !ok {
		t.Errorf("handler payload not merged: %s", FormatJSON(final.Payload))
	}
}

func TestWorkflow_TraceAndReplay(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.TokenFor(UserRequester)
	ops := h.TokenFor(UserOps)

	inst := h.initialize(t, "request_intake", requester, nil)
	h.perform(t, requester, h.nextItem(t, requester, "submitRequest"), map[string]any{"confirmed": true})

	h.AssertStatus(t, h.GET("/v1/traces/"+inst.TraceID, requester), http.StatusForbidden)

	var summary model.TraceSummary
	h.AssertJSON(t, h.GET("/v1/traces/"+inst.TraceID, ops), http.StatusOK, &summary)
	if summary.TraceID != inst.TraceID {
		t.Errorf("trace id = %q, want %q", summary.TraceID, inst.TraceID)
	}

	var spans struct {
		Items []model.Span `json:"items"`
	}
	h.AssertJSON(t, h.GET("/v1/traces/"+inst.TraceID+"/spans", ops), http.StatusOK, &spans)
	if len(spans.Items) == 0 {
		t.Fatal("no spans recorded")
	}

	var snap model.WorkflowStateSnapshot
	h.AssertJSON(t, h.GET("/v1/traces/"+inst.TraceID+"/workflows/"+inst.ID+"/state", ops), http.StatusOK, &snap)
	if snap.WorkflowState != model.WorkflowStarted {
		t.Errorf("replayed state = %q, want started", snap.WorkflowState)
	}
	if snap.Conditions["submitted"] != 1 {
		t.Errorf("replayed marking = %v, want submitted=1", snap.Conditions)
	}
}

func TestWorkflow_IdempotentComplete(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	requester := h.TokenFor(UserRequester)

	h.initialize(t, "request_intake", requester, nil)
	wi := h.nextItem(t, requester, "submitRequest")
	h.AssertStatus(t, h.POST("/v1/work-items/"+wi.ID+"/start", nil, requester), http.StatusOK)

	body := map[string]any{"payload": map[string]any{"confirmed": true}}
	headers := map[string]string{"X-Idempotency-Key": "complete-" + wi.ID}

	first := h.POSTWithHeaders("/v1/work-items/"+wi.ID+"/complete", body, requester, headers)
	h.AssertStatus(t, first, http.StatusOK)
	first.Body.Close()

	second := h.POSTWithHeaders("/v1/work-items/"+wi.ID+"/complete", body, requester, headers)
	h.AssertStatus(t, second, http.StatusOK)
	if second.Header.Get("X-Idempotency-Replayed") != "true" {
		t.Error("retry was not replayed from the idempotency store")
	}
	second.Body.Close()

	if h.IdempotencyStore.Len() != 1 {
		t.Errorf("stored responses = %d, want 1", h.IdempotencyStore.Len())
	}
}
