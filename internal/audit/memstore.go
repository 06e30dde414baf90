package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/tasquencer/model"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	spans     []model.Span
	index     map[string]int
	sequence  int64
	snapshots []model.WorkflowStateSnapshot
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

// InsertSpans appends spans and assigns sequence numbers.
func (s *MemoryStore) InsertSpans(_ context.Context, spans []model.Span) ([]model.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sp := range spans {
		if _, exists := s.index[sp.SpanID]; exists {
			return nil, model.NewConflictError("span " + sp.SpanID + " already recorded")
		}
	}
	out := make([]model.Span, len(spans))
	for i, sp := range spans {
		s.sequence++
		sp.Sequence = s.sequence
		s.index[sp.SpanID] = len(s.spans)
		s.spans = append(s.spans, sp)
		out[i] = sp
	}
	return out, nil
}

// EndSpan closes a started span.
func (s *MemoryStore) EndSpan(_ context.Context, end SpanEnd) (model.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[end.SpanID]
	if !ok {
		return model.Span{}, model.NewEntityNotFoundError("span", end.SpanID)
	}
	sp := &s.spans[i]
	if sp.EndedAt != nil {
		return model.Span{}, model.NewInvalidTransitionError("span " + end.SpanID + " has already ended")
	}
	applyEnd(sp, end)
	return *sp, nil
}

// applyEnd sets the end fields of sp.
func applyEnd(sp *model.Span, end SpanEnd) {
	endedAt := end.EndedAt
	d := endedAt.Sub(sp.StartedAt)
	if d < 0 {
		d = 0
	}
	sp.EndedAt = &endedAt
	sp.Duration = &d
	sp.State = end.State
	sp.Error = end.Error
}

// GetSpan returns a span by ID.
func (s *MemoryStore) GetSpan(_ context.Context, spanID string) (model.Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[spanID]
	if !ok {
		return model.Span{}, model.NewEntityNotFoundError("span", spanID)
	}
	return s.spans[i], nil
}

func (s *MemoryStore) filter(keep func(model.Span) bool) []model.Span {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Span{}
	for _, sp := range s.spans {
		if keep(sp) {
			out = append(out, sp)
		}
	}
	return out
}

// SpansByTrace returns all spans of a trace.
func (s *MemoryStore) SpansByTrace(_ context.Context, traceID string) ([]model.Span, error) {
	return s.filter(func(sp model.Span) bool { return sp.TraceID == traceID }), nil
}

// ChildSpans returns the direct children of a span.
func (s *MemoryStore) ChildSpans(_ context.Context, parentSpanID string) ([]model.Span, error) {
	return s.filter(func(sp model.Span) bool { return sp.ParentSpanID == parentSpanID }), nil
}

// SpansByResource returns spans describing one resource.
func (s *MemoryStore) SpansByResource(_ context.Context, resourceType, resourceID string) ([]model.Span, error) {
	return s.filter(func(sp model.Span) bool {
		return sp.Resource.Type == resourceType && sp.Resource.ID == resourceID
	}), nil
}

// SpansByTimeRange returns spans started in [from, to).
func (s *MemoryStore) SpansByTimeRange(_ context.Context, from, to time.Time) ([]model.Span, error) {
	return s.filter(func(sp model.Span) bool {
		return !sp.StartedAt.Before(from) && sp.StartedAt.Before(to)
	}), nil
}

// ReplaySpans returns the replayable spans of one workflow.
func (s *MemoryStore) ReplaySpans(_ context.Context, traceID, workflowID string, afterSequence int64, at time.Time) ([]model.Span, error) {
	return s.filter(func(sp model.Span) bool {
		return sp.TraceID == traceID &&
			sp.Sequence > afterSequence &&
			!sp.StartedAt.After(at) &&
			attrString(sp.Attributes, AttrWorkflowID) == workflowID
	}), nil
}

// RecentTraces summarizes the most recently started root spans.
func (s *MemoryStore) RecentTraces(_ context.Context, limit int) ([]model.TraceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	var roots []model.Span
	for _, sp := range s.spans {
		counts[sp.TraceID]++
		if sp.ParentSpanID == "" {
			roots = append(roots, sp)
		}
	}
	sort.SliceStable(roots, func(i, j int) bool {
		return roots[i].StartedAt.After(roots[j].StartedAt)
	})
	if limit > 0 && len(roots) > limit {
		roots = roots[:limit]
	}
	out := make([]model.TraceSummary, 0, len(roots))
	for _, r := range roots {
		out = append(out, summarize(r, counts[r.TraceID]))
	}
	return out, nil
}

// OpenSpans returns spans of spanType that have not ended.
func (s *MemoryStore) OpenSpans(_ context.Context, spanType string) ([]model.Span, error) {
	return s.filter(func(sp model.Span) bool {
		return sp.Type == spanType && sp.EndedAt == nil
	}), nil
}

// InsertSnapshot persists a snapshot.
func (s *MemoryStore) InsertSnapshot(_ context.Context, snap model.WorkflowStateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, cloneSnapshot(snap))
	return nil
}

// LatestSnapshot returns the most recent snapshot taken at or before at.
func (s *MemoryStore) LatestSnapshot(_ context.Context, traceID, workflowID string, at time.Time) (model.WorkflowStateSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.WorkflowStateSnapshot
	for i := range s.snapshots {
		snap := &s.snapshots[i]
		if snap.TraceID != traceID || snap.WorkflowID != workflowID || snap.At.After(at) {
			continue
		}
		if best == nil || snap.LastSequence > best.LastSequence {
			best = snap
		}
	}
	if best == nil {
		return model.WorkflowStateSnapshot{}, false, nil
	}
	return cloneSnapshot(*best), true, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

func summarize(root model.Span, count int) model.TraceSummary {
	return model.TraceSummary{
		TraceID:    root.TraceID,
		RootSpanID: root.SpanID,
		Operation:  root.Operation,
		Resource:   root.Resource,
		State:      root.State,
		StartedAt:  root.StartedAt,
		EndedAt:    root.EndedAt,
		SpanCount:  count,
	}
}

func cloneSnapshot(s model.WorkflowStateSnapshot) model.WorkflowStateSnapshot {
	out := s
	out.Conditions = make(map[string]int, len(s.Conditions))
	for k, v := range s.Conditions {
		out.Conditions[k] = v
	}
	out.Tasks = make(map[string]model.TaskSnapshot, len(s.Tasks))
	for k, v := range s.Tasks {
		out.Tasks[k] = v
	}
	out.WorkItems = make(map[string]string, len(s.WorkItems))
	for k, v := range s.WorkItems {
		out.WorkItems[k] = v
	}
	return out
}
