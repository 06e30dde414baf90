package workflow

import (
	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/model"
)

// instanceSpanContext is the context for spans nested directly under an
// instance's workflow span. Workflow spans sit at even depths and their
// tasks, conditions and work items one level below.
func instanceSpanContext(inst *model.WorkflowInstance) model.SpanContext {
	path := make([]string, 0, len(inst.ExecutionPath)+1)
	path = append(path, inst.ExecutionPath...)
	return model.SpanContext{
		TraceID:      inst.TraceID,
		ParentSpanID: inst.SpanID,
		Depth:        2*len(inst.ExecutionPath) + 1,
		Path:         append(path, inst.ID),
	}
}

func taskResource(inst *model.WorkflowInstance, t *model.Task) model.ResourceRef {
	return model.ResourceRef{Type: "task", ID: inst.ID + "/" + t.Name, Name: t.Name}
}

func (o *op) recordWorkflowState(inst *model.WorkflowInstance) {
	o.batch.Transition(instanceSpanContext(inst), audit.Operation{
		Name:     "workflow." + inst.State,
		Type:     model.SpanTypeWorkflow,
		Resource: model.ResourceRef{Type: "workflow", ID: inst.ID, Name: inst.Name},
		Attributes: map[string]any{
			audit.AttrWorkflowID: inst.ID,
			audit.AttrState:      inst.State,
		},
	})
}

func (o *op) recordMarking(inst *model.WorkflowInstance, cond string, marking, delta int) {
	o.batch.Transition(instanceSpanContext(inst), audit.Operation{
		Name:     "condition.mark",
		Type:     model.SpanTypeCondition,
		Resource: model.ResourceRef{Type: "condition", ID: inst.ID + "/" + cond, Name: cond},
		Attributes: map[string]any{
			audit.AttrWorkflowID: inst.ID,
			audit.AttrName:       cond,
			audit.AttrMarking:    marking,
			"delta":              delta,
		},
	})
}

func (o *op) recordTaskState(inst *model.WorkflowInstance, t *model.Task) {
	o.batch.Transition(instanceSpanContext(inst), audit.Operation{
		Name:     "task." + t.State,
		Type:     model.SpanTypeTask,
		Resource: taskResource(inst, t),
		Attributes: map[string]any{
			audit.AttrWorkflowID: inst.ID,
			audit.AttrName:       t.Name,
			audit.AttrGeneration: t.Generation,
			audit.AttrState:      t.State,
		},
	})
	wf, name, state := inst.Name, t.Name, t.State
	o.after = append(o.after, func() { o.e.metrics.RecordTaskTransition(wf, name, state) })
}

func (o *op) recordWorkItemState(inst *model.WorkflowInstance, wi *model.WorkItem) {
	o.batch.Transition(instanceSpanContext(inst), audit.Operation{
		Name:     "workItem." + wi.State,
		Type:     model.SpanTypeWorkItem,
		Resource: model.ResourceRef{Type: "workItem", ID: wi.ID, Name: wi.TaskName},
		Attributes: map[string]any{
			audit.AttrWorkflowID: inst.ID,
			audit.AttrWorkItemID: wi.ID,
			audit.AttrName:       wi.TaskName,
			audit.AttrGeneration: wi.TaskGeneration,
			audit.AttrState:      wi.State,
		},
	})
	name, state := wi.TaskName, wi.State
	o.after = append(o.after, func() { o.e.metrics.RecordWorkItemTransition(name, state) })
}
