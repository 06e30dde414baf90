// Package audit records hierarchical spans for workflow activity and
// reconstructs point-in-time workflow state from them.
package audit

import (
	"context"
	"time"

	"github.com/pitabwire/tasquencer/model"
)

// SpanEnd is a deferred end of a span that was persisted earlier.
type SpanEnd struct {
	SpanID  string
	State   string
	EndedAt time.Time
	Error   string
}

// Store persists spans and snapshots. Spans are append-only: only the end
// fields change after insertion.
type Store interface {
	// InsertSpans appends spans in order, assigning each a sequence number
	// greater than any assigned before. The returned slice carries the
	// assigned sequences.
	InsertSpans(ctx context.Context, spans []model.Span) ([]model.Span, error)

	// EndSpan sets the end time, duration, state and error of a started
	// span. Ending a span twice is INVALID_TRANSITION.
	EndSpan(ctx context.Context, end SpanEnd) (model.Span, error)

	// GetSpan returns a span by ID.
	GetSpan(ctx context.Context, spanID string) (model.Span, error)

	// SpansByTrace returns all spans of a trace ordered by sequence.
	SpansByTrace(ctx context.Context, traceID string) ([]model.Span, error)

	// ChildSpans returns the direct children of a span ordered by sequence.
	ChildSpans(ctx context.Context, parentSpanID string) ([]model.Span, error)

	// SpansByResource returns spans describing one resource.
	SpansByResource(ctx context.Context, resourceType, resourceID string) ([]model.Span, error)

	// SpansByTimeRange returns spans started in [from, to).
	SpansByTimeRange(ctx context.Context, from, to time.Time) ([]model.Span, error)

	// ReplaySpans returns the spans of one workflow within a trace with a
	// sequence above afterSequence and a start time at or before at,
	// ordered by sequence.
	ReplaySpans(ctx context.Context, traceID, workflowID string, afterSequence int64, at time.Time) ([]model.Span, error)

	// RecentTraces summarizes the most recently started root spans.
	RecentTraces(ctx context.Context, limit int) ([]model.TraceSummary, error)

	// OpenSpans returns spans of spanType that have not ended.
	OpenSpans(ctx context.Context, spanType string) ([]model.Span, error)

	// InsertSnapshot persists a workflow state snapshot.
	InsertSnapshot(ctx context.Context, snap model.WorkflowStateSnapshot) error

	// LatestSnapshot returns the most recent snapshot taken at or before at.
	LatestSnapshot(ctx context.Context, traceID, workflowID string, at time.Time) (model.WorkflowStateSnapshot, bool, error)

	// HealthCheck verifies store connectivity.
	HealthCheck(ctx context.Context) error
}
