package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/model"
)

// Attribute keys understood by state replay.
const (
	AttrType       = "type"
	AttrTransition = "transition"
	AttrWorkflowID = "workflow_id"
	AttrName       = "name"
	AttrGeneration = "generation"
	AttrState      = "state"
	AttrMarking    = "marking"
	AttrWorkItemID = "work_item_id"
)

const defaultRecentLimit = 50

// Operation describes a span to open.
type Operation struct {
	Name       string
	Type       string
	Resource   model.ResourceRef
	Attributes map[string]any
}

// Recorder appends spans and answers trace queries. It never reads or
// mutates engine state.
type Recorder struct {
	store       Store
	clock       clockwork.Clock
	logger      *zap.Logger
	metrics     *observability.Metrics
	mirror      bool
	recentLimit int
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithLogger sets the recorder logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithMetrics records flush counts and durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithOTelMirror adds every persisted span as an event on the active
// OpenTelemetry span.
func WithOTelMirror(enabled bool) Option {
	return func(r *Recorder) { r.mirror = enabled }
}

// WithRecentTraceLimit sets the default ListRecentTraces page size.
func WithRecentTraceLimit(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.recentLimit = n
		}
	}
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:       store,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
		recentLimit: defaultRecentLimit,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Clock returns the recorder clock.
func (r *Recorder) Clock() clockwork.Clock {
	return r.clock
}

// HealthCheck reports store availability.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// StartSpan persists a started span immediately. The span context is used
// as given.
func (r *Recorder) StartSpan(ctx context.Context, sc model.SpanContext, op Operation) (model.Span, error) {
	sp := newSpan(sc, op, r.clock.Now().UTC())
	out, err := r.store.InsertSpans(ctx, []model.Span{sp})
	if err != nil {
		return model.Span{}, fmt.Errorf("audit: start span: %w", err)
	}
	r.mirrorSpans(ctx, out)
	return out[0], nil
}

// EndSpan sets the end time, duration and final state of a span.
func (r *Recorder) EndSpan(ctx context.Context, spanID, state string, cause error) (model.Span, error) {
	if err := validEndState(state); err != nil {
		return model.Span{}, err
	}
	end := SpanEnd{SpanID: spanID, State: state, EndedAt: r.clock.Now().UTC()}
	if cause != nil {
		end.Error = cause.Error()
	}
	return r.store.EndSpan(ctx, end)
}

// NewBatch starts a buffer of span starts and ends for one operation.
func (r *Recorder) NewBatch() *Batch {
	return &Batch{clock: r.clock, index: make(map[string]int)}
}

// Flush persists a batch. Spans started in the batch are inserted first,
// then ends of spans persisted by earlier batches are applied.
func (r *Recorder) Flush(ctx context.Context, b *Batch) error {
	if b == nil || b.Empty() {
		return nil
	}
	start := time.Now()

	inserted, err := r.store.InsertSpans(ctx, b.spans)
	if err != nil {
		return fmt.Errorf("audit: flush spans: %w", err)
	}
	for _, end := range b.ends {
		if _, err := r.store.EndSpan(ctx, end); err != nil {
			return fmt.Errorf("audit: flush span end %s: %w", end.SpanID, err)
		}
	}

	types := make([]string, len(inserted))
	for i, sp := range inserted {
		types[i] = sp.Type
	}
	r.metrics.RecordAuditFlush(types, time.Since(start))
	r.mirrorSpans(ctx, inserted)
	r.logger.Debug("audit batch flushed",
		zap.Int("spans", len(inserted)),
		zap.Int("ends", len(b.ends)),
	)
	b.reset()
	return nil
}

func (r *Recorder) mirrorSpans(ctx context.Context, spans []model.Span) {
	if !r.mirror {
		return
	}
	for _, sp := range spans {
		observability.RecordAuditEvent(ctx, sp)
	}
}

// Batch buffers span activity inside an engine transaction. It is
// discarded when the transaction rolls back. A Batch is not safe for
// concurrent use.
type Batch struct {
	clock clockwork.Clock
	spans []model.Span
	index map[string]int
	ends  []SpanEnd
}

// StartSpan buffers a started span and returns it.
func (b *Batch) StartSpan(sc model.SpanContext, op Operation) model.Span {
	sp := newSpan(sc, op, b.clock.Now().UTC())
	b.index[sp.SpanID] = len(b.spans)
	b.spans = append(b.spans, sp)
	return sp
}

// EndSpan buffers the end of a span started in this or an earlier batch.
func (b *Batch) EndSpan(spanID, state string, cause error) {
	if spanID == "" {
		return
	}
	end := SpanEnd{SpanID: spanID, State: state, EndedAt: b.clock.Now().UTC()}
	if cause != nil {
		end.Error = cause.Error()
	}
	if i, ok := b.index[spanID]; ok {
		if b.spans[i].EndedAt == nil {
			applyEnd(&b.spans[i], end)
		}
		return
	}
	b.ends = append(b.ends, end)
}

// Transition buffers an instantaneous span recording a state change.
// Replay reads these spans to rebuild workflow state.
func (b *Batch) Transition(sc model.SpanContext, op Operation) model.Span {
	if op.Attributes == nil {
		op.Attributes = make(map[string]any)
	}
	op.Attributes[AttrTransition] = true
	sp := b.StartSpan(sc, op)
	b.EndSpan(sp.SpanID, model.SpanCompleted, nil)
	return b.spans[b.index[sp.SpanID]]
}

// Empty reports whether the batch holds nothing to flush.
func (b *Batch) Empty() bool {
	return len(b.spans) == 0 && len(b.ends) == 0
}

// Spans returns the buffered spans.
func (b *Batch) Spans() []model.Span {
	return b.spans
}

func (b *Batch) reset() {
	b.spans = nil
	b.ends = nil
	b.index = make(map[string]int)
}

func newSpan(sc model.SpanContext, op Operation, now time.Time) model.Span {
	attrs := make(map[string]any, len(op.Attributes)+1)
	for k, v := range op.Attributes {
		attrs[k] = v
	}
	attrs[AttrType] = op.Type

	path := make([]string, len(sc.Path))
	copy(path, sc.Path)
	return model.Span{
		SpanID:       uuid.NewString(),
		TraceID:      sc.TraceID,
		ParentSpanID: sc.ParentSpanID,
		Operation:    op.Name,
		Type:         op.Type,
		State:        model.SpanStarted,
		StartedAt:    now,
		Depth:        sc.Depth,
		Path:         path,
		Resource:     op.Resource,
		Attributes:   attrs,
	}
}

func validEndState(state string) error {
	switch state {
	case model.SpanCompleted, model.SpanFailed, model.SpanCanceled:
		return nil
	}
	return model.NewBadRequestError(fmt.Sprintf("invalid span end state %q", state))
}

// --- Queries ---

// GetSpan returns one span.
func (r *Recorder) GetSpan(ctx context.Context, spanID string) (model.Span, error) {
	return r.store.GetSpan(ctx, spanID)
}

// GetTrace summarizes a trace by its root span.
func (r *Recorder) GetTrace(ctx context.Context, traceID string) (model.TraceSummary, error) {
	spans, err := r.store.SpansByTrace(ctx, traceID)
	if err != nil {
		return model.TraceSummary{}, fmt.Errorf("audit: trace spans: %w", err)
	}
	if len(spans) == 0 {
		return model.TraceSummary{}, model.NewEntityNotFoundError("trace", traceID)
	}
	root := spans[0]
	for _, sp := range spans {
		if sp.ParentSpanID == "" {
			root = sp
			break
		}
	}
	return summarize(root, len(spans)), nil
}

// GetTraceSpans returns every span of a trace in sequence order.
func (r *Recorder) GetTraceSpans(ctx context.Context, traceID string) ([]model.Span, error) {
	spans, err := r.store.SpansByTrace(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("audit: trace spans: %w", err)
	}
	if len(spans) == 0 {
		return nil, model.NewEntityNotFoundError("trace", traceID)
	}
	return spans, nil
}

// GetChildSpans returns the direct children of a span.
func (r *Recorder) GetChildSpans(ctx context.Context, parentSpanID string) ([]model.Span, error) {
	return r.store.ChildSpans(ctx, parentSpanID)
}

// GetSpansByResource returns spans describing one resource.
func (r *Recorder) GetSpansByResource(ctx context.Context, resourceType, resourceID string) ([]model.Span, error) {
	if resourceType == "" || resourceID == "" {
		return nil, model.NewBadRequestError("resource type and id are required")
	}
	return r.store.SpansByResource(ctx, resourceType, resourceID)
}

// GetSpansByTimeRange returns spans started in [from, to).
func (r *Recorder) GetSpansByTimeRange(ctx context.Context, from, to time.Time) ([]model.Span, error) {
	if !from.Before(to) {
		return nil, model.NewBadRequestError("time range start must be before its end")
	}
	return r.store.SpansByTimeRange(ctx, from, to)
}

// ListRecentTraces summarizes the most recent traces, newest first. A
// non-positive limit uses the configured default.
func (r *Recorder) ListRecentTraces(ctx context.Context, limit int) ([]model.TraceSummary, error) {
	if limit <= 0 {
		limit = r.recentLimit
	}
	return r.store.RecentTraces(ctx, limit)
}
