package model

import "time"

// Workflow instance states.
const (
	WorkflowInitialized = "initialized"
	WorkflowStarted     = "started"
	WorkflowCompleted   = "completed"
	WorkflowFailed      = "failed"
	WorkflowCanceled    = "canceled"
)

// Task states.
const (
	TaskDisabled  = "disabled"
	TaskEnabled   = "enabled"
	TaskStarted   = "started"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

// Work item states.
const (
	WorkItemInitialized = "initialized"
	WorkItemStarted     = "started"
	WorkItemCompleted   = "completed"
	WorkItemFailed      = "failed"
	WorkItemCanceled    = "canceled"
)

// IsTerminalWorkflowState reports whether no further transitions are allowed.
func IsTerminalWorkflowState(s string) bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCanceled
}

// IsActiveTaskState reports whether a task still holds or awaits work.
func IsActiveTaskState(s string) bool {
	return s == TaskEnabled || s == TaskStarted
}

// IsTerminalWorkItemState reports whether a work item can no longer be acted on.
func IsTerminalWorkItemState(s string) bool {
	return s == WorkItemCompleted || s == WorkItemFailed || s == WorkItemCanceled
}

// TaskRef identifies one generation of a task inside an instance.
type TaskRef struct {
	Name       string `json:"name"`
	Generation int    `json:"generation"`
}

// WorkflowInstance is one execution of a workflow definition. Nested
// instances link to their parent by ParentID and ParentTask; ExecutionPath
// lists ancestor instance IDs, root first.
type WorkflowInstance struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	ParentID      string         `json:"parent_id,omitempty"`
	ParentTask    *TaskRef       `json:"parent_task,omitempty"`
	RootID        string         `json:"root_id"`
	ExecutionPath []string       `json:"execution_path"`
	State         string         `json:"state"`
	RealizedPath  []string       `json:"realized_path"`
	Payload       map[string]any `json:"payload,omitempty"`
	TraceID       string         `json:"trace_id"`
	SpanID        string         `json:"span_id"`
	Reason        string         `json:"reason,omitempty"`
	Revision      int            `json:"revision"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// IsRoot reports whether the instance has no parent.
func (w *WorkflowInstance) IsRoot() bool {
	return w.ParentID == ""
}

// Condition is a place inside an instance holding a token count.
type Condition struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Marking    int       `json:"marking"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Task is one generation of a transition inside an instance. Records of
// earlier generations are never modified once they leave the active states.
type Task struct {
	WorkflowID      string     `json:"workflow_id"`
	Name            string     `json:"name"`
	Generation      int        `json:"generation"`
	State           string     `json:"state"`
	ConsumedFrom    []string   `json:"consumed_from,omitempty"`
	ChildWorkflowID string     `json:"child_workflow_id,omitempty"`
	SpanID          string     `json:"span_id,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	EnabledAt       *time.Time `json:"enabled_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Ref returns the task's (name, generation) reference.
func (t *Task) Ref() TaskRef {
	return TaskRef{Name: t.Name, Generation: t.Generation}
}

// Claim records who holds a work item.
type Claim struct {
	UserID    string    `json:"user_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// WorkItem is the externally actionable unit produced for a task
// generation. (ID, TaskName, TaskGeneration) is stable and may be used as
// a join key by external metadata tables.
type WorkItem struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	WorkflowName   string         `json:"workflow_name"`
	RootID         string         `json:"root_id"`
	TaskName       string         `json:"task_name"`
	TaskGeneration int            `json:"task_generation"`
	OfferType      string         `json:"offer_type"`
	RequiredScope  string         `json:"required_scope,omitempty"`
	Phase          string         `json:"phase,omitempty"`
	State          string         `json:"state"`
	Claim          *Claim         `json:"claim,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	SpanID         string         `json:"span_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// WorkflowFilters narrows instance listings.
type WorkflowFilters struct {
	Name     string
	State    string
	ParentID string
	RootOnly bool
	Offset   int
	Limit    int
}

// WorkItemFilters narrows work item listings. Scopes, when non-nil,
// restricts results to items whose RequiredScope is held.
type WorkItemFilters struct {
	WorkflowID   string
	WorkflowName string
	State        string
	Phase        string
	Scope        string
	Unclaimed    bool
	Scopes       ScopeSet
	Offset       int
	Limit        int
}

// Page is a paginated result.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}
