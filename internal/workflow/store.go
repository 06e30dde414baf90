// Package workflow is the marking and firing engine. It owns instance,
// condition, task and work item state and runs every mutation inside a
// single store transaction.
package workflow

import (
	"context"

	"github.com/pitabwire/tasquencer/model"
)

// Store opens transactions over engine state.
type Store interface {
	// RunInTx runs fn in one atomic transaction. Any error returned by fn
	// rolls back every write made through tx.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a read-only view of committed state.
	View(ctx context.Context, fn func(tx Tx) error) error

	HealthCheck(ctx context.Context) error
}

// Tx reads and writes engine records inside a transaction. Getters return
// NOT_FOUND envelopes for missing rows.
type Tx interface {
	// LockRoot serializes writers of one workflow tree.
	LockRoot(ctx context.Context, rootID string) error

	InsertInstance(ctx context.Context, inst model.WorkflowInstance) error
	// UpdateInstance writes inst if its Revision matches the stored one and
	// increments inst.Revision. A mismatch returns CONFLICT.
	UpdateInstance(ctx context.Context, inst *model.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)
	ListInstances(ctx context.Context, filters model.WorkflowFilters) (model.Page[model.WorkflowInstance], error)
	Children(ctx context.Context, parentID string) ([]model.WorkflowInstance, error)

	PutCondition(ctx context.Context, c model.Condition) error
	GetCondition(ctx context.Context, workflowID, name string) (model.Condition, error)
	Conditions(ctx context.Context, workflowID string) ([]model.Condition, error)

	InsertTask(ctx context.Context, t model.Task) error
	UpdateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, workflowID, name string, generation int) (model.Task, error)
	// LatestTask returns the highest generation of a task.
	LatestTask(ctx context.Context, workflowID, name string) (model.Task, error)
	// TaskHistory returns every generation of a task, oldest first.
	TaskHistory(ctx context.Context, workflowID, name string) ([]model.Task, error)

	InsertWorkItem(ctx context.Context, wi model.WorkItem) error
	UpdateWorkItem(ctx context.Context, wi model.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (model.WorkItem, error)
	WorkItemsForTask(ctx context.Context, workflowID, name string, generation int) ([]model.WorkItem, error)
	WorkItemsForWorkflow(ctx context.Context, workflowID string) ([]model.WorkItem, error)
	ListWorkItems(ctx context.Context, filters model.WorkItemFilters) (model.Page[model.WorkItem], error)
}
