package workflow

import (
	"context"

	"github.com/pitabwire/tasquencer/model"
)

// GetWorkflow returns one instance.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (model.WorkflowInstance, error) {
	var out model.WorkflowInstance
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.GetInstance(ctx, id)
		return err
	})
	return out, err
}

// ListWorkflows returns a page of instances, newest first.
func (e *Engine) ListWorkflows(ctx context.Context, f model.WorkflowFilters) (model.Page[model.WorkflowInstance], error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	var out model.Page[model.WorkflowInstance]
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListInstances(ctx, f)
		return err
	})
	return out, err
}

// TaskStates maps every task of an instance to the state of its latest
// generation. A disabled generation opened by a cancel or fail reports the
// aborted state until the task is enabled again.
func (e *Engine) TaskStates(ctx context.Context, id string) (map[string]string, error) {
	var out map[string]string
	err := e.store.View(ctx, func(tx Tx) error {
		inst, err := tx.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		def, err := e.registry.Get(inst.Name, inst.Version)
		if err != nil {
			return err
		}
		out = make(map[string]string, len(def.Tasks))
		for _, td := range def.Tasks {
			t, err := tx.LatestTask(ctx, id, td.Name)
			if err != nil {
				return err
			}
			out[td.Name] = t.State
			if t.State != model.TaskDisabled || t.Generation == 0 {
				continue
			}
			prev, err := tx.GetTask(ctx, id, td.Name, t.Generation-1)
			if err != nil {
				return err
			}
			if prev.State == model.TaskCanceled || prev.State == model.TaskFailed {
				out[td.Name] = prev.State
			}
		}
		return nil
	})
	return out, err
}

// GetTask returns one task generation.
func (e *Engine) GetTask(ctx context.Context, id, name string, generation int) (model.Task, error) {
	var out model.Task
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.GetTask(ctx, id, name, generation)
		return err
	})
	return out, err
}

// LatestTask returns the newest generation of a task.
func (e *Engine) LatestTask(ctx context.Context, id, name string) (model.Task, error) {
	var out model.Task
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.LatestTask(ctx, id, name)
		return err
	})
	return out, err
}

// TaskHistory returns every generation of a task, oldest first.
func (e *Engine) TaskHistory(ctx context.Context, id, name string) ([]model.Task, error) {
	var out []model.Task
	err := e.store.View(ctx, func(tx Tx) error {
		if _, err := tx.GetInstance(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.TaskHistory(ctx, id, name)
		if err == nil && len(out) == 0 {
			return model.NewEntityNotFoundError("task", name)
		}
		return err
	})
	return out, err
}

// Conditions returns the markings of an instance, by condition name.
func (e *Engine) Conditions(ctx context.Context, id string) (map[string]int, error) {
	var out map[string]int
	err := e.store.View(ctx, func(tx Tx) error {
		if _, err := tx.GetInstance(ctx, id); err != nil {
			return err
		}
		conds, err := tx.Conditions(ctx, id)
		if err != nil {
			return err
		}
		out = make(map[string]int, len(conds))
		for _, c := range conds {
			out[c.Name] = c.Marking
		}
		return nil
	})
	return out, err
}

// Children returns the direct child instances of an instance.
func (e *Engine) Children(ctx context.Context, id string) ([]model.WorkflowInstance, error) {
	var out []model.WorkflowInstance
	err := e.store.View(ctx, func(tx Tx) error {
		if _, err := tx.GetInstance(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.Children(ctx, id)
		return err
	})
	return out, err
}

// WorkItems returns every work item of an instance.
func (e *Engine) WorkItems(ctx context.Context, id string) ([]model.WorkItem, error) {
	var out []model.WorkItem
	err := e.store.View(ctx, func(tx Tx) error {
		if _, err := tx.GetInstance(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.WorkItemsForWorkflow(ctx, id)
		return err
	})
	return out, err
}
