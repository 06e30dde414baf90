package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/model"
)

// createWorkItem records the work item produced for a task generation.
func (o *op) createWorkItem(inst *model.WorkflowInstance, td *model.TaskDefinition, t model.Task, state string) (model.WorkItem, error) {
	sc := instanceSpanContext(inst)
	if t.SpanID != "" {
		sc = sc.Child(t.SpanID, td.Name)
	}
	wi := model.WorkItem{
		ID:             uuid.NewString(),
		WorkflowID:     inst.ID,
		WorkflowName:   inst.Name,
		RootID:         inst.RootID,
		TaskName:       td.Name,
		TaskGeneration: t.Generation,
		OfferType:      td.Offer.Type,
		RequiredScope:  td.Offer.Scope,
		Phase:          td.Phase,
		State:          state,
		CreatedAt:      o.now,
		UpdatedAt:      o.now,
	}
	if wi.OfferType == "" {
		wi.OfferType = model.OfferSystem
	}
	span := o.batch.StartSpan(sc, audit.Operation{
		Name:     "workItem " + td.Name,
		Type:     model.SpanTypeWorkItem,
		Resource: model.ResourceRef{Type: "workItem", ID: wi.ID, Name: td.Name},
		Attributes: map[string]any{
			audit.AttrWorkflowID: inst.ID,
			audit.AttrWorkItemID: wi.ID,
			audit.AttrGeneration: t.Generation,
		},
	})
	wi.SpanID = span.SpanID

	if err := o.tx.InsertWorkItem(o.ctx, wi); err != nil {
		return model.WorkItem{}, err
	}
	o.recordWorkItemState(inst, &wi)
	return wi, nil
}

// setWorkItemState writes a new work item state and closes its span once
// the state is terminal.
func (o *op) setWorkItemState(inst *model.WorkflowInstance, wi *model.WorkItem, state, reason string) error {
	wi.State = state
	wi.Reason = reason
	wi.UpdatedAt = o.now
	if err := o.tx.UpdateWorkItem(o.ctx, *wi); err != nil {
		return err
	}
	if model.IsTerminalWorkItemState(state) {
		o.batch.EndSpan(wi.SpanID, spanState(state), reasonError(reason))
	}
	o.recordWorkItemState(inst, wi)
	return nil
}

// closeWorkItems moves every open work item of a task generation to state.
func (o *op) closeWorkItems(inst *model.WorkflowInstance, t model.Task, state, reason string) error {
	items, err := o.tx.WorkItemsForTask(o.ctx, inst.ID, t.Name, t.Generation)
	if err != nil {
		return err
	}
	for i := range items {
		if model.IsTerminalWorkItemState(items[i].State) {
			continue
		}
		if err := o.setWorkItemState(inst, &items[i], state, reason); err != nil {
			return err
		}
	}
	return nil
}

// onWorkItem runs fn for a work item under its root lock. The item is
// reloaded inside the transaction.
func (e *Engine) onWorkItem(ctx context.Context, name, id string, fn func(o *op, wi model.WorkItem) error) error {
	var rootID string
	err := e.store.View(ctx, func(tx Tx) error {
		wi, err := tx.GetWorkItem(ctx, id)
		if err != nil {
			return err
		}
		rootID = wi.RootID
		return nil
	})
	if err != nil {
		return err
	}
	attrs := []attribute.KeyValue{observability.AttrWorkItemID.String(id)}
	return e.execute(ctx, name, rootID, true, attrs, func(o *op) error {
		wi, err := o.tx.GetWorkItem(o.ctx, id)
		if err != nil {
			return err
		}
		observability.Annotate(o.ctx, observability.WorkItemAttrs(&wi)...)
		return fn(o, wi)
	})
}

// workItemTask loads the live task generation a work item belongs to.
func (o *op) workItemTask(wi model.WorkItem) (model.WorkflowInstance, *model.WorkflowDefinition, *model.TaskDefinition, model.Task, error) {
	return o.currentTask(wi.WorkflowID, wi.TaskName, wi.TaskGeneration)
}

func openForClaim(wi model.WorkItem) error {
	if wi.OfferType != model.OfferHuman {
		return model.NewInvalidTransitionError(fmt.Sprintf("work item %s is not offered to people", wi.ID))
	}
	if wi.State != model.WorkItemInitialized {
		return model.NewInvalidTransitionError(fmt.Sprintf("work item %s is %s, not initialized", wi.ID, wi.State))
	}
	return nil
}

// ClaimWorkItem reserves an initialized work item for userID. Claiming an
// item already held by the same user is a no-op.
func (e *Engine) ClaimWorkItem(ctx context.Context, id, userID string) (model.WorkItem, error) {
	var out model.WorkItem
	err := e.onWorkItem(ctx, "claim_work_item", id, func(o *op, wi model.WorkItem) error {
		if err := openForClaim(wi); err != nil {
			return err
		}
		if wi.Claim != nil {
			if wi.Claim.UserID != userID {
				return model.NewAlreadyClaimedError(id)
			}
			out = wi
			return nil
		}
		wi.Claim = &model.Claim{UserID: userID, ClaimedAt: o.now}
		wi.UpdatedAt = o.now
		if err := o.tx.UpdateWorkItem(o.ctx, wi); err != nil {
			return err
		}
		out = wi
		return nil
	})
	return out, err
}

// ReleaseWorkItem drops userID's claim on an initialized work item.
func (e *Engine) ReleaseWorkItem(ctx context.Context, id, userID string) (model.WorkItem, error) {
	var out model.WorkItem
	err := e.onWorkItem(ctx, "release_work_item", id, func(o *op, wi model.WorkItem) error {
		if err := openForClaim(wi); err != nil {
			return err
		}
		if wi.Claim == nil {
			return model.NewInvalidTransitionError(fmt.Sprintf("work item %s is not claimed", id))
		}
		if wi.Claim.UserID != userID {
			return model.NewForbiddenError(fmt.Sprintf("work item %s is claimed by another user", id))
		}
		wi.Claim = nil
		wi.UpdatedAt = o.now
		if err := o.tx.UpdateWorkItem(o.ctx, wi); err != nil {
			return err
		}
		out = wi
		return nil
	})
	return out, err
}

// StartWorkItem fires the task behind an initialized work item. An
// unclaimed item is claimed for userID first.
func (e *Engine) StartWorkItem(ctx context.Context, id, userID string) (model.WorkItem, error) {
	var out model.WorkItem
	err := e.onWorkItem(ctx, "start_work_item", id, func(o *op, wi model.WorkItem) error {
		if err := openForClaim(wi); err != nil {
			return err
		}
		if wi.Claim != nil && wi.Claim.UserID != userID {
			return model.NewAlreadyClaimedError(id)
		}
		inst, def, td, t, err := o.workItemTask(wi)
		if err != nil {
			return err
		}
		if t.State != model.TaskEnabled {
			return model.NewInvalidTransitionError(fmt.Sprintf("task %s is %s, not enabled", t.Name, t.State))
		}
		if wi.Claim == nil {
			wi.Claim = &model.Claim{UserID: userID, ClaimedAt: o.now}
			wi.UpdatedAt = o.now
			if err := o.tx.UpdateWorkItem(o.ctx, wi); err != nil {
				return err
			}
		}
		if err := o.fire(&inst, def, td, t); err != nil {
			return err
		}
		out, err = o.tx.GetWorkItem(o.ctx, id)
		return err
	})
	return out, err
}

// CompleteWorkItem records the result payload and completes the task. A
// nil selection is derived from the task routes.
func (e *Engine) CompleteWorkItem(ctx context.Context, id, userID string, payload map[string]any, selection []string) (model.WorkItem, error) {
	var out model.WorkItem
	err := e.onWorkItem(ctx, "complete_work_item", id, func(o *op, wi model.WorkItem) error {
		if wi.State != model.WorkItemStarted {
			return model.NewInvalidTransitionError(fmt.Sprintf("work item %s is %s, not started", id, wi.State))
		}
		if wi.Claim != nil && wi.Claim.UserID != userID {
			return model.NewForbiddenError(fmt.Sprintf("work item %s is claimed by another user", id))
		}
		inst, def, td, t, err := o.workItemTask(wi)
		if err != nil {
			return err
		}
		wi.Payload = clonePayload(payload)
		wi.UpdatedAt = o.now
		if err := o.tx.UpdateWorkItem(o.ctx, wi); err != nil {
			return err
		}
		if err := o.complete(&inst, def, td, t, selection, clonePayload(payload)); err != nil {
			return err
		}
		out, err = o.tx.GetWorkItem(o.ctx, id)
		return err
	})
	return out, err
}

// FailWorkItem fails the task behind an open work item. A claimed item can
// only be failed by its claimant.
func (e *Engine) FailWorkItem(ctx context.Context, id, userID, reason string) (model.WorkItem, error) {
	return e.abortWorkItem(ctx, "fail_work_item", id, userID, model.TaskFailed, reason)
}

// CancelWorkItem cancels the task behind an open work item. A claimed item
// can only be canceled by its claimant.
func (e *Engine) CancelWorkItem(ctx context.Context, id, userID, reason string) (model.WorkItem, error) {
	return e.abortWorkItem(ctx, "cancel_work_item", id, userID, model.TaskCanceled, reason)
}

func (e *Engine) abortWorkItem(ctx context.Context, name, id, userID, state, reason string) (model.WorkItem, error) {
	var out model.WorkItem
	err := e.onWorkItem(ctx, name, id, func(o *op, wi model.WorkItem) error {
		if model.IsTerminalWorkItemState(wi.State) {
			return model.NewInvalidTransitionError(fmt.Sprintf("work item %s is %s", id, wi.State))
		}
		if wi.Claim != nil && wi.Claim.UserID != userID {
			return model.NewForbiddenError(fmt.Sprintf("work item %s is claimed by another user", id))
		}
		inst, def, td, t, err := o.workItemTask(wi)
		if err != nil {
			return err
		}
		if err := o.abort(&inst, def, td, t, state, reason, false); err != nil {
			return err
		}
		out, err = o.tx.GetWorkItem(o.ctx, id)
		return err
	})
	return out, err
}

// GetWorkItem returns one work item.
func (e *Engine) GetWorkItem(ctx context.Context, id string) (model.WorkItem, error) {
	var out model.WorkItem
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.GetWorkItem(ctx, id)
		return err
	})
	return out, err
}

// ListWorkItems returns a page of work items matching f. A non-positive
// limit uses the default page size.
func (e *Engine) ListWorkItems(ctx context.Context, f model.WorkItemFilters) (model.Page[model.WorkItem], error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	var out model.Page[model.WorkItem]
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListWorkItems(ctx, f)
		return err
	})
	return out, err
}
