// Package workitem exposes authorization-checked work item operations and
// the per-user work queue on top of the workflow engine.
package workitem

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/internal/payload"
	"github.com/pitabwire/tasquencer/model"
)

// QueuePolicy decides what a user without any matching scope sees when
// listing the work queue.
type QueuePolicy string

const (
	// QueueForbid rejects the listing with FORBIDDEN.
	QueueForbid QueuePolicy = "forbid"
	// QueueEmpty returns an empty page.
	QueueEmpty QueuePolicy = "empty"
)

const defaultQueuePageSize = 20

// Engine is the subset of the workflow engine the dispatcher drives.
type Engine interface {
	GetWorkflow(ctx context.Context, id string) (model.WorkflowInstance, error)
	DefinitionFor(ctx context.Context, instanceID string) (*model.WorkflowDefinition, error)
	GetWorkItem(ctx context.Context, id string) (model.WorkItem, error)
	ListWorkItems(ctx context.Context, f model.WorkItemFilters) (model.Page[model.WorkItem], error)
	ClaimWorkItem(ctx context.Context, id, userID string) (model.WorkItem, error)
	ReleaseWorkItem(ctx context.Context, id, userID string) (model.WorkItem, error)
	StartWorkItem(ctx context.Context, id, userID string) (model.WorkItem, error)
	CompleteWorkItem(ctx context.Context, id, userID string, payload map[string]any, selection []string) (model.WorkItem, error)
	FailWorkItem(ctx context.Context, id, userID, reason string) (model.WorkItem, error)
	CancelWorkItem(ctx context.Context, id, userID, reason string) (model.WorkItem, error)
}

// Authorizer resolves a user's effective scopes.
type Authorizer interface {
	GetUserScopes(ctx context.Context, userID string) (model.ScopeSet, error)
	RequireScope(ctx context.Context, userID, scope string) error
}

// QueueFilters narrows a work queue listing.
type QueueFilters struct {
	Phase        string
	Scope        string
	WorkflowName string
	Offset       int
	Limit        int
}

// WorkflowLink describes the instance a work item belongs to.
type WorkflowLink struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	State         string   `json:"state"`
	ParentID      string   `json:"parent_id,omitempty"`
	RootID        string   `json:"root_id"`
	ExecutionPath []string `json:"execution_path"`
}

// Detail is a work item with its workflow linkage.
type Detail struct {
	model.WorkItem
	Workflow WorkflowLink `json:"workflow"`
}

// Dispatcher checks authorization on every call and delegates state
// changes to the engine. Scopes are never cached across calls here; the
// resolver's own cache bounds staleness.
type Dispatcher struct {
	engine  Engine
	authz   Authorizer
	schemas *payload.Cache
	policy  QueuePolicy
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueuePolicy sets the no-scope queue behaviour.
func WithQueuePolicy(p QueuePolicy) Option {
	return func(d *Dispatcher) {
		if p != "" {
			d.policy = p
		}
	}
}

// WithSchemaCache shares a compiled schema cache.
func WithSchemaCache(c *payload.Cache) Option {
	return func(d *Dispatcher) { d.schemas = c }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records denied operations.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a Dispatcher with the forbid queue policy.
func NewDispatcher(engine Engine, authz Authorizer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:  engine,
		authz:   authz,
		schemas: payload.NewCache(),
		policy:  QueueForbid,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ListWorkQueue returns the initialized, unclaimed work items whose scope
// the user holds.
func (d *Dispatcher) ListWorkQueue(ctx context.Context, userID string, f QueueFilters) (model.Page[model.WorkItem], error) {
	if f.Limit <= 0 {
		f.Limit = defaultQueuePageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	scopes, err := d.authz.GetUserScopes(ctx, userID)
	if err != nil {
		return model.Page[model.WorkItem]{}, err
	}
	if len(scopes) == 0 {
		return d.noAccess(userID, f, fmt.Sprintf("user %s has no scopes", userID))
	}
	if f.Scope != "" && !scopes.Has(f.Scope) {
		return d.noAccess(userID, f, fmt.Sprintf("user %s does not have scope %s", userID, f.Scope))
	}

	return d.engine.ListWorkItems(ctx, model.WorkItemFilters{
		WorkflowName: f.WorkflowName,
		State:        model.WorkItemInitialized,
		Phase:        f.Phase,
		Scope:        f.Scope,
		Unclaimed:    true,
		Scopes:       scopes,
		Offset:       f.Offset,
		Limit:        f.Limit,
	})
}

func (d *Dispatcher) noAccess(userID string, f QueueFilters, msg string) (model.Page[model.WorkItem], error) {
	d.metrics.RecordWorkItemDenied("list")
	if d.policy == QueueEmpty {
		d.logger.Debug("work queue hidden", zap.String("user_id", userID), zap.String("scope", f.Scope))
		return model.Page[model.WorkItem]{Items: []model.WorkItem{}, Offset: f.Offset, Limit: f.Limit}, nil
	}
	d.logger.Warn("work queue denied", zap.String("user_id", userID), zap.String("scope", f.Scope))
	return model.Page[model.WorkItem]{}, model.NewForbiddenError(msg)
}

// authorized loads a work item and checks the caller holds its scope.
func (d *Dispatcher) authorized(ctx context.Context, operation, userID, id string) (model.WorkItem, error) {
	wi, err := d.engine.GetWorkItem(ctx, id)
	if err != nil {
		return model.WorkItem{}, err
	}
	if wi.RequiredScope == "" {
		return wi, nil
	}
	if err := d.authz.RequireScope(ctx, userID, wi.RequiredScope); err != nil {
		if model.IsCode(err, model.ErrForbidden) {
			d.metrics.RecordWorkItemDenied(operation)
			d.logger.Warn("work item access denied",
				zap.String("operation", operation),
				zap.String("user_id", userID),
				zap.String("work_item_id", id),
				zap.String("scope", wi.RequiredScope),
			)
		}
		return model.WorkItem{}, err
	}
	return wi, nil
}

// Get returns a work item with its workflow linkage.
func (d *Dispatcher) Get(ctx context.Context, userID, id string) (Detail, error) {
	wi, err := d.authorized(ctx, "get", userID, id)
	if err != nil {
		return Detail{}, err
	}
	inst, err := d.engine.GetWorkflow(ctx, wi.WorkflowID)
	if err != nil {
		return Detail{}, err
	}
	path := inst.ExecutionPath
	if path == nil {
		path = []string{}
	}
	return Detail{
		WorkItem: wi,
		Workflow: WorkflowLink{
			ID:            inst.ID,
			Name:          inst.Name,
			Version:       inst.Version,
			State:         inst.State,
			ParentID:      inst.ParentID,
			RootID:        inst.RootID,
			ExecutionPath: path,
		},
	}, nil
}

// Claim reserves an initialized work item for the caller.
func (d *Dispatcher) Claim(ctx context.Context, id, userID string) (model.WorkItem, error) {
	if _, err := d.authorized(ctx, "claim", userID, id); err != nil {
		return model.WorkItem{}, err
	}
	return d.engine.ClaimWorkItem(ctx, id, userID)
}

// Release drops the caller's claim.
func (d *Dispatcher) Release(ctx context.Context, id, userID string) (model.WorkItem, error) {
	if _, err := d.authorized(ctx, "release", userID, id); err != nil {
		return model.WorkItem{}, err
	}
	return d.engine.ReleaseWorkItem(ctx, id, userID)
}

// Start fires the task behind a work item, claiming it for the caller if
// it is unclaimed.
func (d *Dispatcher) Start(ctx context.Context, id, userID string) (model.WorkItem, error) {
	if _, err := d.authorized(ctx, "start", userID, id); err != nil {
		return model.WorkItem{}, err
	}
	return d.engine.StartWorkItem(ctx, id, userID)
}

// Complete validates payload against the task schema and completes the
// task. A nil selection is derived from the task routes.
func (d *Dispatcher) Complete(ctx context.Context, id, userID string, body map[string]any, selection []string) (model.WorkItem, error) {
	wi, err := d.authorized(ctx, "complete", userID, id)
	if err != nil {
		return model.WorkItem{}, err
	}
	if wi.State != model.WorkItemStarted {
		return model.WorkItem{}, model.NewInvalidTransitionError(
			fmt.Sprintf("work item %s is %s, not started", id, wi.State))
	}

	def, err := d.engine.DefinitionFor(ctx, wi.WorkflowID)
	if err != nil {
		return model.WorkItem{}, err
	}
	td, ok := def.Task(wi.TaskName)
	if !ok {
		return model.WorkItem{}, model.NewEntityNotFoundError("task", wi.TaskName)
	}
	schema, err := d.schemas.For(def, td)
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("workitem: compile schema: %w", err)
	}
	if err := schema.Validate(body); err != nil {
		d.logger.Debug("work item payload rejected",
			zap.String("work_item_id", id),
			zap.Any("payload", observability.RedactBody(body, nil)),
			zap.Error(err),
		)
		return model.WorkItem{}, err
	}

	out, err := d.engine.CompleteWorkItem(ctx, id, userID, body, selection)
	if err != nil {
		return model.WorkItem{}, err
	}
	d.logger.Info("work item completed",
		append(observability.WorkItemFields(&out), zap.String("user_id", userID))...,
	)
	return out, nil
}

// Fail fails the task behind a work item. Only the claimant may fail a
// claimed item.
func (d *Dispatcher) Fail(ctx context.Context, id, userID, reason string) (model.WorkItem, error) {
	if _, err := d.authorized(ctx, "fail", userID, id); err != nil {
		return model.WorkItem{}, err
	}
	return d.engine.FailWorkItem(ctx, id, userID, reason)
}

// Cancel cancels the task behind a work item. Only the claimant may cancel
// a claimed item.
func (d *Dispatcher) Cancel(ctx context.Context, id, userID, reason string) (model.WorkItem, error) {
	if _, err := d.authorized(ctx, "cancel", userID, id); err != nil {
		return model.WorkItem{}, err
	}
	return d.engine.CancelWorkItem(ctx, id, userID, reason)
}
