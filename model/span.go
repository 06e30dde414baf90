package model

import "time"

// Span types, also used as the "type" attribute discriminator.
const (
	SpanTypeWorkflow  = "workflow"
	SpanTypeTask      = "task"
	SpanTypeCondition = "condition"
	SpanTypeWorkItem  = "workItem"
	SpanTypeActivity  = "activity"
	SpanTypeCustom    = "custom"
)

// Span states.
const (
	SpanStarted   = "started"
	SpanCompleted = "completed"
	SpanFailed    = "failed"
	SpanCanceled  = "canceled"
)

// SpanContext is propagated by callers; the recorder never derives it.
type SpanContext struct {
	TraceID      string   `json:"trace_id"`
	ParentSpanID string   `json:"parent_span_id,omitempty"`
	Depth        int      `json:"depth"`
	Path         []string `json:"path"`
}

// Child returns the context for a span nested under parentSpanID.
func (sc SpanContext) Child(parentSpanID, name string) SpanContext {
	path := make([]string, len(sc.Path), len(sc.Path)+1)
	copy(path, sc.Path)
	return SpanContext{
		TraceID:      sc.TraceID,
		ParentSpanID: parentSpanID,
		Depth:        sc.Depth + 1,
		Path:         append(path, name),
	}
}

// ResourceRef links a span to the entity it describes.
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Span is an append-only audit record. Only EndedAt, Duration, State and
// Error change after insertion.
type Span struct {
	SpanID       string         `json:"span_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Operation    string         `json:"operation"`
	Type         string         `json:"type"`
	State        string         `json:"state"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Duration     *time.Duration `json:"duration,omitempty"`
	Depth        int            `json:"depth"`
	Path         []string       `json:"path"`
	Resource     ResourceRef    `json:"resource"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Error        string         `json:"error,omitempty"`
	Sequence     int64          `json:"sequence"`
}

// TraceSummary describes one trace for recent-trace listings.
type TraceSummary struct {
	TraceID    string      `json:"trace_id"`
	RootSpanID string      `json:"root_span_id"`
	Operation  string      `json:"operation"`
	Resource   ResourceRef `json:"resource"`
	State      string      `json:"state"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
	SpanCount  int         `json:"span_count"`
}

// TaskSnapshot is a task's state at a point in time.
type TaskSnapshot struct {
	Generation int    `json:"generation"`
	State      string `json:"state"`
}

// WorkflowStateSnapshot is a point-in-time view of one instance,
// reconstructed from spans.
type WorkflowStateSnapshot struct {
	ID            string                  `json:"id"`
	TraceID       string                  `json:"trace_id"`
	WorkflowID    string                  `json:"workflow_id"`
	At            time.Time               `json:"at"`
	WorkflowState string                  `json:"workflow_state"`
	Conditions    map[string]int          `json:"conditions"`
	Tasks         map[string]TaskSnapshot `json:"tasks"`
	WorkItems     map[string]string       `json:"work_items"`
	LastSequence  int64                   `json:"last_sequence"`
}
