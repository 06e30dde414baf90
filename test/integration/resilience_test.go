package integration

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/tasquencer/internal/workflow"
	"github.com/pitabwire/tasquencer/model"
)

// ==========================================================================
// System Task Handler Tests
// ==========================================================================

func TestResilience_SystemTaskCompletesInline(t *testing.T) {
	h := NewTestHarness(t, WithHandler("sync_ledger", workflow.HandlerFunc(
		func(context.Context, workflow.HandlerInput) (workflow.HandlerResult, error) {
			return workflow.HandlerResult{Payload: map[string]any{"synced": true}}, nil
		})))

	inst := h.initialize(t, "ledger_sync", h.TokenFor(UserRequester), nil)
	if inst.State != model.WorkflowCompleted {
		t.Errorf("state = %q, want completed", inst.State)
	}
	if inst.Payload["synced"] != true {
		t.Errorf("payload = %s", FormatJSON(inst.Payload))
	}
}

func TestResilience_FailingHandlerFailsWorkflow(t *testing.T) {
	h := NewTestHarness(t, WithHandler("sync_ledger", workflow.HandlerFunc(
		func(context.Context, workflow.HandlerInput) (workflow.HandlerResult, error) {
			return workflow.HandlerResult{}, errors.New("ledger unavailable")
		})))

	inst := h.initialize(t, "ledger_sync", h.TokenFor(UserRequester), nil)
	if inst.State != model.WorkflowFailed {
		t.Errorf("state = %q, want failed", inst.State)
	}

	var history struct {
		Items []model.Task `json:"items"`
	}
	h.AssertJSON(t, h.GET("/v1/workflows/"+inst.ID+"/tasks/sync", h.TokenFor(UserRequester)), http.StatusOK, &history)
	if len(history.Items) == 0 || history.Items[0].State != model.TaskFailed {
		t.Errorf("sync history = %s, want first generation failed", FormatJSON(history.Items))
	}
}

func TestResilience_UnregisteredHandlerFailsWorkflow(t *testing.T) {
	h := NewTestHarness(t)

	inst := h.initialize(t, "ledger_sync", h.TokenFor(UserRequester), nil)
	if inst.State != model.WorkflowFailed {
		t.Errorf("state = %q, want failed", inst.State)
	}
}

// ==========================================================================
// Circuit Breaker Tests
// ==========================================================================

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	h := NewTestHarness(t,
		WithHandler("sync_ledger", workflow.HandlerFunc(
			func(context.Context, workflow.HandlerInput) (workflow.HandlerResult, error) {
				calls.Add(1)
				return workflow.HandlerResult{}, errors.New("ledger unavailable")
			})),
		WithHandlerBreaker(workflow.BreakerSettings{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			OpenTimeout:      time.Minute,
		}),
	)
	token := h.TokenFor(UserRequester)

	for range 4 {
		inst := h.initialize(t, "ledger_sync", token, nil)
		if inst.State != model.WorkflowFailed {
			t.Errorf("state = %q, want failed", inst.State)
		}
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2 before the breaker opened", got)
	}
}

func TestResilience_CircuitBreakerDisabledByDefault(t *testing.T) {
	var calls atomic.Int32
	h := NewTestHarness(t, WithHandler("sync_ledger", workflow.HandlerFunc(
		func(context.Context, workflow.HandlerInput) (workflow.HandlerResult, error) {
			calls.Add(1)
			return workflow.HandlerResult{}, errors.New("ledger unavailable")
		})))
	token := h.TokenFor(UserRequester)

	for range 5 {
		h.initialize(t, "ledger_sync", token, nil)
	}
	if got := calls.Load(); got != 5 {
		t.Errorf("handler ran %d times, want 5", got)
	}
}

// ==========================================================================
// Timeout Tests
// ==========================================================================

func TestResilience_HandlerTimeout_BoundsSystemTask(t *testing.T) {
	observed := make(chan error, 1)
	h := NewTestHarness(t,
		WithHandlerTimeout(200*time.Millisecond),
		WithHandler("sync_ledger", workflow.HandlerFunc(
			func(ctx context.Context, _ workflow.HandlerInput) (workflow.HandlerResult, error) {
				select {
				case <-ctx.Done():
					observed <- ctx.Err()
					return workflow.HandlerResult{}, ctx.Err()
				case <-time.After(5 * time.Second):
					observed <- nil
					return workflow.HandlerResult{}, nil
				}
			})),
	)

	resp := h.POST("/v1/workflows/ledger_sync", nil, h.TokenFor(UserRequester))
	resp.Body.Close()

	select {
	case err := <-observed:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("handler context error = %v, want deadline exceeded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never returned")
	}
}

func TestResilience_FastRequest_NoTimeout(t *testing.T) {
	h := NewTestHarness(t, WithHandlerTimeout(10*time.Second))
	token := h.TokenFor(UserRequester)

	resp := h.POST("/v1/workflows/request_intake", nil, token)
	h.AssertStatus(t, resp, http.StatusCreated)
}
