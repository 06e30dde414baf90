package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/tasquencer/model"
)

// SnapshotWorkflowState rebuilds the state of a workflow instance as of at
// and persists it, so later reconstructions can start from it.
func (r *Recorder) SnapshotWorkflowState(ctx context.Context, traceID, workflowID string, at time.Time) (model.WorkflowStateSnapshot, error) {
	snap, err := r.GetWorkflowStateAtTime(ctx, traceID, workflowID, at)
	if err != nil {
		r.metrics.RecordAuditSnapshot("error")
		return model.WorkflowStateSnapshot{}, err
	}
	snap.ID = uuid.NewString()
	if err := r.store.InsertSnapshot(ctx, snap); err != nil {
		r.metrics.RecordAuditSnapshot("error")
		return model.WorkflowStateSnapshot{}, fmt.Errorf("audit: persist snapshot: %w", err)
	}
	r.metrics.RecordAuditSnapshot("success")
	return snap, nil
}

// GetWorkflowStateAtTime rebuilds the state of a workflow instance as of at
// by replaying transition spans on top of the latest snapshot taken at or
// before at. It does not persist anything.
func (r *Recorder) GetWorkflowStateAtTime(ctx context.Context, traceID, workflowID string, at time.Time) (model.WorkflowStateSnapshot, error) {
	base, found, err := r.store.LatestSnapshot(ctx, traceID, workflowID, at)
	if err != nil {
		return model.WorkflowStateSnapshot{}, fmt.Errorf("audit: latest snapshot: %w", err)
	}
	if !found {
		base = emptySnapshot(traceID, workflowID)
	}

	spans, err := r.store.ReplaySpans(ctx, traceID, workflowID, base.LastSequence, at)
	if err != nil {
		return model.WorkflowStateSnapshot{}, fmt.Errorf("audit: replay spans: %w", err)
	}
	if !found && len(spans) == 0 {
		return model.WorkflowStateSnapshot{}, model.NewEntityNotFoundError(
			"workflow state", traceID+"/"+workflowID)
	}

	for _, sp := range spans {
		applyTransition(&base, sp)
	}
	base.ID = ""
	base.At = at.UTC()
	return base, nil
}

func emptySnapshot(traceID, workflowID string) model.WorkflowStateSnapshot {
	return model.WorkflowStateSnapshot{
		TraceID:    traceID,
		WorkflowID: workflowID,
		Conditions: make(map[string]int),
		Tasks:      make(map[string]model.TaskSnapshot),
		WorkItems:  make(map[string]string),
	}
}

// applyTransition folds one span into snap. Spans that are not transitions
// only advance the sequence.
func applyTransition(snap *model.WorkflowStateSnapshot, sp model.Span) {
	if sp.Sequence > snap.LastSequence {
		snap.LastSequence = sp.Sequence
	}
	attrs := sp.Attributes
	if isTrue, _ := attrs[AttrTransition].(bool); !isTrue {
		return
	}
	if attrString(attrs, AttrWorkflowID) != snap.WorkflowID {
		return
	}

	switch attrString(attrs, AttrType) {
	case model.SpanTypeWorkflow:
		snap.WorkflowState = attrString(attrs, AttrState)
	case model.SpanTypeCondition:
		snap.Conditions[attrString(attrs, AttrName)] = attrInt(attrs, AttrMarking)
	case model.SpanTypeTask:
		name := attrString(attrs, AttrName)
		gen := attrInt(attrs, AttrGeneration)
		if cur, ok := snap.Tasks[name]; ok && cur.Generation > gen {
			return
		}
		snap.Tasks[name] = model.TaskSnapshot{Generation: gen, State: attrString(attrs, AttrState)}
	case model.SpanTypeWorkItem:
		snap.WorkItems[attrString(attrs, AttrWorkItemID)] = attrString(attrs, AttrState)
	}
}

func attrString(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

// attrInt reads an integer attribute that may have passed through JSON.
func attrInt(attrs map[string]any, key string) int {
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
