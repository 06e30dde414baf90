package workflow

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/internal/definition"
	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/model"
)

// createInstance inserts an instance with its conditions and generation-0
// tasks, then marks the start condition. parent and parentTask are nil for
// root instances.
func (o *op) createInstance(def *model.WorkflowDefinition, payload map[string]any, parent *model.WorkflowInstance, parentTask *model.Task, id string) (model.WorkflowInstance, error) {
	if id == "" {
		id = uuid.NewString()
	}
	inst := model.WorkflowInstance{
		ID:        id,
		Name:      def.Name,
		Version:   def.Version,
		RootID:    id,
		State:     model.WorkflowInitialized,
		Payload:   payload,
		CreatedAt: o.now,
		UpdatedAt: o.now,
	}
	sc := model.SpanContext{TraceID: audit.NewTraceID()}
	if parent != nil {
		inst.ParentID = parent.ID
		inst.ParentTask = &model.TaskRef{Name: parentTask.Name, Generation: parentTask.Generation}
		inst.RootID = parent.RootID
		inst.ExecutionPath = append(append([]string(nil), parent.ExecutionPath...), parent.ID)
		sc = instanceSpanContext(parent).Child(parentTask.SpanID, parentTask.Name)
	}
	inst.TraceID = sc.TraceID

	span := o.batch.StartSpan(sc, audit.Operation{
		Name:       "workflow " + def.Name,
		Type:       model.SpanTypeWorkflow,
		Resource:   model.ResourceRef{Type: "workflow", ID: id, Name: def.Name},
		Attributes: map[string]any{audit.AttrWorkflowID: id, "version": def.Version},
	})
	inst.SpanID = span.SpanID

	if err := o.tx.InsertInstance(o.ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	o.defs[id] = def
	o.recordWorkflowState(&inst)

	for _, c := range def.Conditions {
		cond := model.Condition{WorkflowID: id, Name: c.Name, UpdatedAt: o.now}
		if err := o.tx.PutCondition(o.ctx, cond); err != nil {
			return model.WorkflowInstance{}, err
		}
		o.recordMarking(&inst, c.Name, 0, 0)
	}
	for _, td := range def.Tasks {
		t := model.Task{
			WorkflowID: id,
			Name:       td.Name,
			State:      model.TaskDisabled,
			CreatedAt:  o.now,
			UpdatedAt:  o.now,
		}
		if err := o.tx.InsertTask(o.ctx, t); err != nil {
			return model.WorkflowInstance{}, err
		}
		o.recordTaskState(&inst, &t)
	}

	name := def.Name
	o.after = append(o.after, func() { o.e.metrics.RecordWorkflowInitialized(name) })

	if err := o.mark(&inst, def, def.StartCondition, 1); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

// mark adds delta tokens to a condition and re-evaluates every task that
// consumes it. A marking may never become negative.
func (o *op) mark(inst *model.WorkflowInstance, def *model.WorkflowDefinition, cond string, delta int) error {
	c, err := o.tx.GetCondition(o.ctx, inst.ID, cond)
	if err != nil {
		return err
	}
	next := c.Marking + delta
	if next < 0 {
		return fmt.Errorf("workflow: marking of condition %q in instance %s would become %d", cond, inst.ID, next)
	}
	c.Marking = next
	c.UpdatedAt = o.now
	if err := o.tx.PutCondition(o.ctx, c); err != nil {
		return err
	}
	o.recordMarking(inst, cond, next, delta)

	for _, td := range def.TasksConsuming(cond) {
		if err := o.evaluate(inst, def, td); err != nil {
			return err
		}
	}
	return nil
}

func (o *op) inputMarkings(inst *model.WorkflowInstance, td *model.TaskDefinition) (map[string]int, error) {
	m := make(map[string]int, len(td.Inputs))
	for _, in := range td.Inputs {
		c, err := o.tx.GetCondition(o.ctx, inst.ID, in)
		if err != nil {
			return nil, err
		}
		m[in] = c.Marking
	}
	return m, nil
}

// joinSatisfied applies the join rule. XOR accepts any marked input; the
// first declared one is consumed.
func joinSatisfied(td *model.TaskDefinition, markings map[string]int) bool {
	marked := 0
	for _, in := range td.Inputs {
		if markings[in] > 0 {
			marked++
		}
	}
	if td.JoinType() == model.JoinAND {
		return marked == len(td.Inputs)
	}
	return marked > 0
}

// consumedInputs returns the conditions a firing takes one token from.
func consumedInputs(td *model.TaskDefinition, markings map[string]int) []string {
	var out []string
	for _, in := range td.Inputs {
		switch td.JoinType() {
		case model.JoinAND:
			out = append(out, in)
		case model.JoinOR:
			if markings[in] > 0 {
				out = append(out, in)
			}
		case model.JoinXOR:
			if markings[in] > 0 {
				return []string{in}
			}
		}
	}
	return out
}

// evaluate moves the latest generation of a task between disabled and
// enabled to match its join. Started tasks are left alone.
func (o *op) evaluate(inst *model.WorkflowInstance, def *model.WorkflowDefinition, td *model.TaskDefinition) error {
	if o.closing[inst.ID] {
		return nil
	}
	t, err := o.tx.LatestTask(o.ctx, inst.ID, td.Name)
	if err != nil {
		return err
	}
	if t.State != model.TaskDisabled && t.State != model.TaskEnabled {
		return nil
	}
	markings, err := o.inputMarkings(inst, td)
	if err != nil {
		return err
	}
	enabled := joinSatisfied(td, markings)

	switch {
	case t.State == model.TaskDisabled && enabled:
		return o.enable(inst, def, td, t)
	case t.State == model.TaskEnabled && !enabled:
		return o.disable(inst, td, t)
	}
	return nil
}

func (o *op) enable(inst *model.WorkflowInstance, def *model.WorkflowDefinition, td *model.TaskDefinition, t model.Task) error {
	now := o.now
	t.State = model.TaskEnabled
	t.EnabledAt = &now
	t.UpdatedAt = now
	if err := o.tx.UpdateTask(o.ctx, t); err != nil {
		return err
	}
	o.recordTaskState(inst, &t)

	if td.IsHuman() {
		_, err := o.createWorkItem(inst, td, t, model.WorkItemInitialized)
		return err
	}
	o.pending = append(o.pending, taskAddr{workflowID: inst.ID, name: td.Name})
	return nil
}

// disable withdraws an enabled task whose tokens were taken by another
// task, canceling the work items it offered.
func (o *op) disable(inst *model.WorkflowInstance, td *model.TaskDefinition, t model.Task) error {
	t.State = model.TaskDisabled
	t.EnabledAt = nil
	t.UpdatedAt = o.now
	if err := o.tx.UpdateTask(o.ctx, t); err != nil {
		return err
	}
	o.recordTaskState(inst, &t)
	return o.closeWorkItems(inst, t, model.WorkItemCanceled, "task disabled")
}

// drain fires tasks queued for automatic execution until the queue is
// empty or the chain limit is reached.
func (o *op) drain() error {
	for len(o.pending) > 0 {
		next := o.pending[0]
		o.pending = o.pending[1:]
		if o.closing[next.workflowID] {
			continue
		}
		inst, err := o.tx.GetInstance(o.ctx, next.workflowID)
		if err != nil {
			return err
		}
		if model.IsTerminalWorkflowState(inst.State) {
			continue
		}
		t, err := o.tx.LatestTask(o.ctx, inst.ID, next.name)
		if err != nil {
			return err
		}
		if t.State != model.TaskEnabled {
			continue
		}

		o.steps++
		if o.steps > o.e.chainLimit {
			o.e.metrics.RecordChainLimitExceeded(inst.Name)
			return model.NewChainLimitError(o.e.chainLimit)
		}
		def, err := o.definition(&inst)
		if err != nil {
			return err
		}
		td, _ := def.Task(next.name)
		if err := o.fire(&inst, def, td, t); err != nil {
			return err
		}
	}
	return nil
}

// fire consumes input tokens and starts the task. Human work items move to
// started, composite tasks spawn their child instance and system tasks run
// their handler and complete or fail immediately.
func (o *op) fire(inst *model.WorkflowInstance, def *model.WorkflowDefinition, td *model.TaskDefinition, t model.Task) error {
	markings, err := o.inputMarkings(inst, td)
	if err != nil {
		return err
	}
	if !joinSatisfied(td, markings) {
		return model.NewInvalidTransitionError(fmt.Sprintf("task %s is not enabled", td.Name))
	}
	consume := consumedInputs(td, markings)

	span := o.batch.StartSpan(instanceSpanContext(inst), audit.Operation{
		Name:     "task " + td.Name,
		Type:     model.SpanTypeTask,
		Resource: taskResource(inst, &t),
		Attributes: map[string]any{
			audit.AttrWorkflowID: inst.ID,
			audit.AttrName:       td.Name,
			audit.AttrGeneration: t.Generation,
		},
	})
	now := o.now
	t.State = model.TaskStarted
	t.StartedAt = &now
	t.UpdatedAt = now
	t.ConsumedFrom = consume
	t.SpanID = span.SpanID
	if err := o.tx.UpdateTask(o.ctx, t); err != nil {
		return err
	}
	o.recordTaskState(inst, &t)

	for _, cond := range consume {
		if err := o.mark(inst, def, cond, -1); err != nil {
			return err
		}
	}
	if err := o.markStarted(inst.ID); err != nil {
		return err
	}

	switch {
	case td.IsComposite():
		return o.startChild(inst, td, t)
	case td.IsHuman():
		items, err := o.tx.WorkItemsForTask(o.ctx, inst.ID, td.Name, t.Generation)
		if err != nil {
			return err
		}
		for _, wi := range items {
			if wi.State == model.WorkItemInitialized {
				if err := o.setWorkItemState(inst, &wi, model.WorkItemStarted, ""); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return o.runHandler(inst, def, td, t)
	}
}

// markStarted moves an initialized instance to started on its first firing.
func (o *op) markStarted(id string) error {
	inst, err := o.tx.GetInstance(o.ctx, id)
	if err != nil {
		return err
	}
	if inst.State != model.WorkflowInitialized {
		return nil
	}
	inst.State = model.WorkflowStarted
	inst.UpdatedAt = o.now
	if err := o.tx.UpdateInstance(o.ctx, &inst); err != nil {
		return err
	}
	o.recordWorkflowState(&inst)
	return nil
}

func (o *op) startChild(parent *model.WorkflowInstance, td *model.TaskDefinition, t model.Task) error {
	ref := td.SubWorkflow
	childDef, err := o.e.registry.Get(ref.Name, ref.Version)
	if err != nil {
		return err
	}
	current, err := o.tx.GetInstance(o.ctx, parent.ID)
	if err != nil {
		return err
	}
	child, err := o.createInstance(childDef, clonePayload(current.Payload), &current, &t, "")
	if err != nil {
		return err
	}
	t.ChildWorkflowID = child.ID
	return o.tx.UpdateTask(o.ctx, t)
}

// runHandler executes a system task. A handler error, a missing handler or
// an open circuit breaker fails the task.
func (o *op) runHandler(inst *model.WorkflowInstance, def *model.WorkflowDefinition, td *model.TaskDefinition, t model.Task) error {
	wi, err := o.createWorkItem(inst, td, t, model.WorkItemStarted)
	if err != nil {
		return err
	}

	current, err := o.tx.GetInstance(o.ctx, inst.ID)
	if err != nil {
		return err
	}
	result, herr := o.invoke(td, HandlerInput{Workflow: current, Task: t, Payload: clonePayload(current.Payload)})
	if herr != nil {
		o.e.logger.Warn("system task failed",
			append(observability.WorkflowFields(inst),
				zap.String("task", td.Name),
				zap.Int("generation", t.Generation),
				zap.Error(herr),
			)...,
		)
		if err := o.setWorkItemState(inst, &wi, model.WorkItemFailed, herr.Error()); err != nil {
			return err
		}
		return o.abort(inst, def, td, t, model.TaskFailed, herr.Error(), false)
	}

	wi.Payload = clonePayload(result.Payload)
	if err := o.setWorkItemState(inst, &wi, model.WorkItemCompleted, ""); err != nil {
		return err
	}
	t, err = o.tx.GetTask(o.ctx, inst.ID, td.Name, t.Generation)
	if err != nil {
		return err
	}
	return o.complete(inst, def, td, t, result.Outputs, result.Payload)
}

func (o *op) invoke(td *model.TaskDefinition, in HandlerInput) (HandlerResult, error) {
	name := td.Offer.Handler
	if name == "" {
		return HandlerResult{}, nil
	}
	h, ok := o.e.handlers.Get(name)
	if !ok {
		return HandlerResult{}, fmt.Errorf("handler %q is not registered", name)
	}
	cb := o.e.breakers.get(name)
	if cb != nil {
		if err := cb.Allow(); err != nil {
			return HandlerResult{}, fmt.Errorf("handler %q: %w", name, err)
		}
	}
	res, err := h.Handle(o.ctx, in)
	if cb != nil {
		if err != nil {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
	}
	return res, err
}

// complete finishes a started task, marks the selected outputs, opens the
// next generation and checks whether the instance is done.
func (o *op) complete(inst *model.WorkflowInstance, def *model.WorkflowDefinition, td *model.TaskDefinition, t model.Task, selection []string, payload map[string]any) error {
	if t.State != model.TaskStarted {
		return model.NewInvalidTransitionError(fmt.Sprintf("task %s is %s, not started", td.Name, t.State))
	}
	outputs, err := selectOutputs(td, selection, payload)
	if err != nil {
		return err
	}

	now := o.now
	t.State = model.TaskCompleted
	t.EndedAt = &now
	t.UpdatedAt = now
	if err := o.tx.UpdateTask(o.ctx, t); err != nil {
		return err
	}
	o.batch.EndSpan(t.SpanID, model.SpanCompleted, nil)
	o.recordTaskState(inst, &t)
	if t.StartedAt != nil {
		d, wf, name := now.Sub(*t.StartedAt), inst.Name, td.Name
		o.after = append(o.after, func() { o.e.metrics.RecordTaskDuration(wf, name, d) })
	}

	if err := o.closeWorkItems(inst, t, model.WorkItemCompleted, ""); err != nil {
		return err
	}

	current, err := o.tx.GetInstance(o.ctx, inst.ID)
	if err != nil {
		return err
	}
	current.RealizedPath = append(current.RealizedPath, td.Name)
	if len(payload) > 0 {
		if current.Payload == nil {
			current.Payload = make(map[string]any, len(payload))
		}
		for k, v := range payload {
			current.Payload[k] = v
		}
	}
	current.UpdatedAt = now
	if err := o.tx.UpdateInstance(o.ctx, &current); err != nil {
		return err
	}

	if err := o.nextGeneration(inst, t); err != nil {
		return err
	}
	for _, out := range outputs {
		if err := o.mark(inst, def, out, 1); err != nil {
			return err
		}
	}
	if err := o.evaluate(inst, def, td); err != nil {
		return err
	}
	return o.checkCompletion(inst.ID)
}

// selectOutputs applies split cardinality. A nil selection is derived from
// the task routes; an explicit selection is validated as given.
func selectOutputs(td *model.TaskDefinition, selection []string, payload map[string]any) ([]string, error) {
	split := td.SplitType()
	if split == model.SplitAND {
		return td.Outputs, nil
	}
	if selection == nil {
		selection = routeOutputs(td, payload, split == model.SplitXOR)
	}

	if split == model.SplitXOR && len(selection) != 1 {
		return nil, model.NewInvalidSplitSelectionError(fmt.Sprintf(
			"task %s has an XOR split and needs exactly one output, got %d", td.Name, len(selection)))
	}
	if len(selection) == 0 {
		return nil, model.NewInvalidSplitSelectionError(fmt.Sprintf(
			"task %s has an OR split and needs at least one output", td.Name))
	}
	seen := make(map[string]bool, len(selection))
	for _, s := range selection {
		if !td.HasOutput(s) {
			return nil, model.NewInvalidSplitSelectionError(fmt.Sprintf(
				"%q is not an output of task %s", s, td.Name))
		}
		if seen[s] {
			return nil, model.NewInvalidSplitSelectionError(fmt.Sprintf(
				"output %q selected more than once", s))
		}
		seen[s] = true
	}
	return selection, nil
}

// routeOutputs returns the route targets matching payload, or only the
// first one when first is set. Duplicate targets are collapsed.
func routeOutputs(td *model.TaskDefinition, payload map[string]any, first bool) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, r := range td.Routes {
		rule, err := definition.ParseRule(r.When)
		if err != nil || !rule.Match(payload) || seen[r.To] {
			continue
		}
		seen[r.To] = true
		out = append(out, r.To)
		if first {
			break
		}
	}
	return out
}

func (o *op) nextGeneration(inst *model.WorkflowInstance, t model.Task) error {
	next := model.Task{
		WorkflowID: t.WorkflowID,
		Name:       t.Name,
		Generation: t.Generation + 1,
		State:      model.TaskDisabled,
		CreatedAt:  o.now,
		UpdatedAt:  o.now,
	}
	if err := o.tx.InsertTask(o.ctx, next); err != nil {
		return err
	}
	o.recordTaskState(inst, &next)
	return nil
}

// abort cancels or fails an enabled or started task. No outputs are marked.
// Outside a workflow-wide cascade an enabled task gives up the tokens that
// enabled it, a new generation is opened and a failure fails the instance.
func (o *op) abort(inst *model.WorkflowInstance, def *model.WorkflowDefinition, td *model.TaskDefinition, t model.Task, state, reason string, cascade bool) error {
	if !model.IsActiveTaskState(t.State) {
		return model.NewInvalidTransitionError(fmt.Sprintf("task %s is %s and cannot be %s", td.Name, t.State, state))
	}
	wasEnabled := t.State == model.TaskEnabled

	var markings map[string]int
	if wasEnabled && !cascade {
		var err error
		if markings, err = o.inputMarkings(inst, td); err != nil {
			return err
		}
	}

	now := o.now
	t.State = state
	t.Reason = reason
	t.EndedAt = &now
	t.UpdatedAt = now
	if err := o.tx.UpdateTask(o.ctx, t); err != nil {
		return err
	}
	if t.SpanID != "" {
		o.batch.EndSpan(t.SpanID, spanState(state), reasonError(reason))
	}
	o.recordTaskState(inst, &t)

	itemState := model.WorkItemCanceled
	if state == model.TaskFailed {
		itemState = model.WorkItemFailed
	}
	if err := o.closeWorkItems(inst, t, itemState, reason); err != nil {
		return err
	}
	if t.ChildWorkflowID != "" {
		if err := o.terminate(t.ChildWorkflowID, model.WorkflowCanceled, "parent task "+state); err != nil {
			return fmt.Errorf("workflow: cancel child %s: %w", t.ChildWorkflowID, err)
		}
	}
	if cascade {
		return nil
	}

	if wasEnabled {
		for _, cond := range consumedInputs(td, markings) {
			if err := o.mark(inst, def, cond, -1); err != nil {
				return err
			}
		}
	}
	if err := o.nextGeneration(inst, t); err != nil {
		return err
	}
	if state == model.TaskFailed {
		return o.terminate(inst.ID, model.WorkflowFailed, fmt.Sprintf("task %s failed: %s", td.Name, reason))
	}
	if err := o.evaluate(inst, def, td); err != nil {
		return err
	}
	return o.checkCompletion(inst.ID)
}

// terminate cancels or fails an instance: descendants first, then active
// tasks and open work items. Terminal instances are left unchanged.
func (o *op) terminate(id, state, reason string) error {
	inst, err := o.tx.GetInstance(o.ctx, id)
	if err != nil {
		return err
	}
	if model.IsTerminalWorkflowState(inst.State) || o.closing[id] {
		return nil
	}
	o.closing[id] = true
	def, err := o.definition(&inst)
	if err != nil {
		return err
	}

	children, err := o.tx.Children(o.ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := o.terminate(child.ID, model.WorkflowCanceled, "parent workflow "+state); err != nil {
			return fmt.Errorf("workflow: cancel child %s: %w", child.ID, err)
		}
	}

	for i := range def.Tasks {
		td := &def.Tasks[i]
		t, err := o.tx.LatestTask(o.ctx, id, td.Name)
		if err != nil {
			return err
		}
		if model.IsActiveTaskState(t.State) {
			if err := o.abort(&inst, def, td, t, model.TaskCanceled, reason, true); err != nil {
				return err
			}
		}
	}

	items, err := o.tx.WorkItemsForWorkflow(o.ctx, id)
	if err != nil {
		return err
	}
	for _, wi := range items {
		if !model.IsTerminalWorkItemState(wi.State) {
			if err := o.setWorkItemState(&inst, &wi, model.WorkItemCanceled, reason); err != nil {
				return err
			}
		}
	}

	if err := o.finish(id, state, reason); err != nil {
		return err
	}

	if state == model.WorkflowFailed && inst.ParentID != "" && !o.closing[inst.ParentID] {
		return o.failParentTask(&inst, reason)
	}
	return nil
}

// checkCompletion completes an instance whose end condition is marked and
// which has no enabled or started task.
func (o *op) checkCompletion(id string) error {
	if o.closing[id] {
		return nil
	}
	inst, err := o.tx.GetInstance(o.ctx, id)
	if err != nil {
		return err
	}
	if model.IsTerminalWorkflowState(inst.State) {
		return nil
	}
	def, err := o.definition(&inst)
	if err != nil {
		return err
	}
	end, err := o.tx.GetCondition(o.ctx, id, def.EndCondition)
	if err != nil {
		return err
	}
	if end.Marking == 0 {
		return nil
	}
	for _, td := range def.Tasks {
		t, err := o.tx.LatestTask(o.ctx, id, td.Name)
		if err != nil {
			return err
		}
		if model.IsActiveTaskState(t.State) {
			return nil
		}
	}

	o.closing[id] = true
	if err := o.finish(id, model.WorkflowCompleted, ""); err != nil {
		return err
	}
	if inst.ParentID != "" {
		return o.completeParentTask(&inst)
	}
	return nil
}

// finish writes the final instance state and closes its span.
func (o *op) finish(id, state, reason string) error {
	inst, err := o.tx.GetInstance(o.ctx, id)
	if err != nil {
		return err
	}
	now := o.now
	inst.State = state
	inst.Reason = reason
	inst.EndedAt = &now
	inst.UpdatedAt = now
	if err := o.tx.UpdateInstance(o.ctx, &inst); err != nil {
		return err
	}
	o.batch.EndSpan(inst.SpanID, spanState(state), reasonError(reason))
	o.recordWorkflowState(&inst)

	name := inst.Name
	fields := append(observability.WorkflowFields(&inst), zap.String("state", state))
	o.after = append(o.after, func() {
		o.e.metrics.RecordWorkflowFinished(name, state)
		o.e.logger.Info("workflow finished", fields...)
	})
	return nil
}

// completeParentTask completes the composite task that spawned child,
// routing on the child payload. A selection error fails the parent task.
func (o *op) completeParentTask(child *model.WorkflowInstance) error {
	parent, err := o.tx.GetInstance(o.ctx, child.ParentID)
	if err != nil {
		return err
	}
	if model.IsTerminalWorkflowState(parent.State) || child.ParentTask == nil {
		return nil
	}
	def, err := o.definition(&parent)
	if err != nil {
		return err
	}
	td, ok := def.Task(child.ParentTask.Name)
	if !ok {
		return model.NewEntityNotFoundError("task", child.ParentTask.Name)
	}
	t, err := o.tx.GetTask(o.ctx, parent.ID, td.Name, child.ParentTask.Generation)
	if err != nil {
		return err
	}
	if t.State != model.TaskStarted {
		return nil
	}

	done, err := o.tx.GetInstance(o.ctx, child.ID)
	if err != nil {
		return err
	}
	if _, err := selectOutputs(td, nil, done.Payload); err != nil {
		return o.abort(&parent, def, td, t, model.TaskFailed, err.Error(), false)
	}
	return o.complete(&parent, def, td, t, nil, done.Payload)
}

// failParentTask fails the composite task that spawned a failed child.
func (o *op) failParentTask(child *model.WorkflowInstance, reason string) error {
	parent, err := o.tx.GetInstance(o.ctx, child.ParentID)
	if err != nil {
		return err
	}
	if model.IsTerminalWorkflowState(parent.State) || child.ParentTask == nil {
		return nil
	}
	def, err := o.definition(&parent)
	if err != nil {
		return err
	}
	td, ok := def.Task(child.ParentTask.Name)
	if !ok {
		return model.NewEntityNotFoundError("task", child.ParentTask.Name)
	}
	t, err := o.tx.GetTask(o.ctx, parent.ID, td.Name, child.ParentTask.Generation)
	if err != nil {
		return err
	}
	if !model.IsActiveTaskState(t.State) {
		return nil
	}
	return o.abort(&parent, def, td, t, model.TaskFailed, fmt.Sprintf("child workflow %s failed: %s", child.ID, reason), false)
}

func spanState(state string) string {
	switch state {
	case model.TaskFailed:
		return model.SpanFailed
	case model.TaskCanceled:
		return model.SpanCanceled
	}
	return model.SpanCompleted
}

func reasonError(reason string) error {
	if reason == "" {
		return nil
	}
	return fmt.Errorf("%s", reason)
}
