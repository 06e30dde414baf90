package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/internal/definition"
	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/model"
)

const (
	defaultChainLimit = 100
	defaultPageSize   = 20
)

// Engine manages workflow instances and enforces firing semantics. Every
// mutating operation holds the root instance lock for its whole workflow
// tree and runs inside one store transaction; audit spans are flushed only
// after the transaction commits.
type Engine struct {
	registry   *definition.Registry
	store      Store
	recorder   *audit.Recorder
	clock      clockwork.Clock
	handlers   *HandlerRegistry
	breakers   *breakers
	logger     *zap.Logger
	metrics    *observability.Metrics
	chainLimit int
	locks      *keyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records instance, task and work item transitions.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithChainLimit bounds how many tasks one operation may fire
// automatically.
func WithChainLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chainLimit = n
		}
	}
}

// WithHandlerBreakers wraps every system task handler in a circuit breaker.
func WithHandlerBreakers(s BreakerSettings) Option {
	return func(e *Engine) { e.breakers = newBreakers(s, e.clock) }
}

// NewEngine creates a workflow engine. A nil clock uses the wall clock and a
// nil handler registry treats every named handler as unregistered.
func NewEngine(
	registry *definition.Registry,
	store Store,
	recorder *audit.Recorder,
	clock clockwork.Clock,
	handlers *HandlerRegistry,
	opts ...Option,
) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	e := &Engine{
		registry:   registry,
		store:      store,
		recorder:   recorder,
		clock:      clock,
		handlers:   handlers,
		logger:     zap.NewNop(),
		chainLimit: defaultChainLimit,
		locks:      newKeyedMutex(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// HealthCheck reports store availability.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.store.HealthCheck(ctx)
}

// --- Operation plumbing ---

// op is the state of one mutating engine operation.
type op struct {
	e       *Engine
	ctx     context.Context
	tx      Tx
	batch   *audit.Batch
	now     time.Time
	defs    map[string]*model.WorkflowDefinition
	closing map[string]bool
	pending []taskAddr
	steps   int
	after   []func()
}

type taskAddr struct {
	workflowID string
	name       string
}

// execute runs fn under the root lock and in one transaction, then drains
// the automatic firing queue and flushes audit spans after commit.
func (e *Engine) execute(ctx context.Context, name, rootID string, lockRow bool, attrs []attribute.KeyValue, fn func(o *op) error) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+name, attrs...)
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(rootID)
	defer unlock()

	var (
		batch *audit.Batch
		after []func()
	)
	err = e.store.RunInTx(ctx, func(tx Tx) error {
		if lockRow {
			if err := tx.LockRoot(ctx, rootID); err != nil {
				return err
			}
		}
		o := &op{
			e:       e,
			ctx:     ctx,
			tx:      tx,
			batch:   e.recorder.NewBatch(),
			now:     e.clock.Now().UTC(),
			defs:    make(map[string]*model.WorkflowDefinition),
			closing: make(map[string]bool),
		}
		if err := fn(o); err != nil {
			return err
		}
		if err := o.drain(); err != nil {
			return err
		}
		batch, after = o.batch, o.after
		return nil
	})
	if err != nil {
		e.logFailure(name, rootID, err)
		return err
	}

	if ferr := e.recorder.Flush(ctx, batch); ferr != nil {
		e.logger.Error("audit flush failed",
			zap.String("operation", name),
			zap.String("root_id", rootID),
			zap.Error(ferr),
		)
	}
	for _, f := range after {
		f()
	}
	return nil
}

func (e *Engine) logFailure(name, rootID string, err error) {
	fields := []zap.Field{zap.String("operation", name), zap.String("root_id", rootID), zap.Error(err)}
	switch model.CodeOf(err) {
	case "", model.ErrInternalError:
		e.logger.Error("workflow operation failed", fields...)
	default:
		e.logger.Warn("workflow operation rejected", fields...)
	}
}

// rootOf returns the root instance ID of a workflow tree.
func (e *Engine) rootOf(ctx context.Context, instanceID string) (string, error) {
	var root string
	err := e.store.View(ctx, func(tx Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		root = inst.RootID
		return nil
	})
	return root, err
}

// onInstance runs fn for an existing instance under its root lock.
func (e *Engine) onInstance(ctx context.Context, name, instanceID string, attrs []attribute.KeyValue, fn func(o *op) error) error {
	rootID, err := e.rootOf(ctx, instanceID)
	if err != nil {
		return err
	}
	attrs = append(attrs,
		observability.AttrWorkflowID.String(instanceID),
		observability.AttrRootID.String(rootID),
	)
	return e.execute(ctx, name, rootID, true, attrs, fn)
}

// --- Public operations ---

// Initialize creates a root instance of the named definition, marks its
// start condition and fires any automatically executed tasks. An empty
// version selects the latest registered version.
func (e *Engine) Initialize(ctx context.Context, name, version string, payload map[string]any) (model.WorkflowInstance, error) {
	def, err := e.registry.Get(name, version)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	rootID := uuid.NewString()
	attrs := []attribute.KeyValue{
		observability.AttrWorkflowName.String(name),
		observability.AttrWorkflowID.String(rootID),
		observability.AttrRootID.String(rootID),
	}
	err = e.execute(ctx, "initialize", rootID, false, attrs, func(o *op) error {
		_, err := o.createInstance(def, clonePayload(payload), nil, nil, rootID)
		return err
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	inst, err := e.GetWorkflow(ctx, rootID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	e.logger.Info("workflow initialized", observability.WorkflowFields(&inst)...)
	return inst, nil
}

// EvaluateEnablement re-evaluates the join of a task's latest generation
// and fires it if it becomes enabled and executes automatically.
func (e *Engine) EvaluateEnablement(ctx context.Context, instanceID, taskName string) (model.Task, error) {
	var out model.Task
	attrs := []attribute.KeyValue{observability.AttrTaskName.String(taskName)}
	err := e.onInstance(ctx, "evaluate", instanceID, attrs, func(o *op) error {
		inst, def, err := o.liveInstance(instanceID)
		if err != nil {
			return err
		}
		td, ok := def.Task(taskName)
		if !ok {
			return model.NewEntityNotFoundError("task", taskName)
		}
		if err := o.evaluate(&inst, def, td); err != nil {
			return err
		}
		if err := o.drain(); err != nil {
			return err
		}
		out, err = o.tx.LatestTask(o.ctx, instanceID, taskName)
		return err
	})
	return out, err
}

// FireTask starts an enabled task generation, consuming its input tokens.
func (e *Engine) FireTask(ctx context.Context, instanceID, taskName string, generation int) (model.Task, error) {
	var out model.Task
	err := e.onInstance(ctx, "fire", instanceID, taskAttrs(taskName, generation), func(o *op) error {
		inst, def, td, t, err := o.currentTask(instanceID, taskName, generation)
		if err != nil {
			return err
		}
		if t.State != model.TaskEnabled {
			return model.NewInvalidTransitionError(fmt.Sprintf("task %s is %s, not enabled", taskName, t.State))
		}
		if err := o.fire(&inst, def, td, t); err != nil {
			return err
		}
		out, err = o.tx.GetTask(o.ctx, instanceID, taskName, generation)
		return err
	})
	return out, err
}

// CompleteTask completes a started task generation and marks its outputs.
// selection is required for OR and XOR splits unless the task routes can
// derive it from payload; it is ignored for AND splits.
func (e *Engine) CompleteTask(ctx context.Context, instanceID, taskName string, generation int, selection []string, payload map[string]any) (model.Task, error) {
	var out model.Task
	err := e.onInstance(ctx, "complete", instanceID, taskAttrs(taskName, generation), func(o *op) error {
		inst, def, td, t, err := o.currentTask(instanceID, taskName, generation)
		if err != nil {
			return err
		}
		if err := o.complete(&inst, def, td, t, selection, clonePayload(payload)); err != nil {
			return err
		}
		out, err = o.tx.GetTask(o.ctx, instanceID, taskName, generation)
		return err
	})
	return out, err
}

// CancelTask cancels an enabled or started task generation.
func (e *Engine) CancelTask(ctx context.Context, instanceID, taskName string, generation int, reason string) (model.Task, error) {
	return e.abortTask(ctx, "cancel_task", instanceID, taskName, generation, model.TaskCanceled, reason)
}

// FailTask fails an enabled or started task generation, which fails its
// workflow instance.
func (e *Engine) FailTask(ctx context.Context, instanceID, taskName string, generation int, reason string) (model.Task, error) {
	return e.abortTask(ctx, "fail_task", instanceID, taskName, generation, model.TaskFailed, reason)
}

func (e *Engine) abortTask(ctx context.Context, name, instanceID, taskName string, generation int, state, reason string) (model.Task, error) {
	var out model.Task
	err := e.onInstance(ctx, name, instanceID, taskAttrs(taskName, generation), func(o *op) error {
		inst, def, td, t, err := o.currentTask(instanceID, taskName, generation)
		if err != nil {
			return err
		}
		if err := o.abort(&inst, def, td, t, state, reason, false); err != nil {
			return err
		}
		out, err = o.tx.GetTask(o.ctx, instanceID, taskName, generation)
		return err
	})
	return out, err
}

// CancelWorkflow cancels an instance, its active tasks and work items, and
// every descendant instance. Canceling a terminal instance is a no-op.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, reason string) (model.WorkflowInstance, error) {
	return e.terminate(ctx, "cancel_workflow", instanceID, model.WorkflowCanceled, reason)
}

// FailWorkflow is CancelWorkflow with the final state failed. A failed
// child instance fails the composite task that spawned it.
func (e *Engine) FailWorkflow(ctx context.Context, instanceID, reason string) (model.WorkflowInstance, error) {
	return e.terminate(ctx, "fail_workflow", instanceID, model.WorkflowFailed, reason)
}

func (e *Engine) terminate(ctx context.Context, name, instanceID, state, reason string) (model.WorkflowInstance, error) {
	err := e.onInstance(ctx, name, instanceID, nil, func(o *op) error {
		return o.terminate(instanceID, state, reason)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.GetWorkflow(ctx, instanceID)
}

// DefinitionFor returns the definition an instance runs.
func (e *Engine) DefinitionFor(ctx context.Context, instanceID string) (*model.WorkflowDefinition, error) {
	inst, err := e.GetWorkflow(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return e.registry.Get(inst.Name, inst.Version)
}

func taskAttrs(name string, generation int) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrTaskName.String(name),
		observability.AttrTaskGeneration.Int(generation),
	}
}

// --- Lookups inside an operation ---

func (o *op) definition(inst *model.WorkflowInstance) (*model.WorkflowDefinition, error) {
	if d, ok := o.defs[inst.ID]; ok {
		return d, nil
	}
	d, err := o.e.registry.Get(inst.Name, inst.Version)
	if err != nil {
		return nil, err
	}
	o.defs[inst.ID] = d
	return d, nil
}

// liveInstance loads a non-terminal instance and its definition.
func (o *op) liveInstance(id string) (model.WorkflowInstance, *model.WorkflowDefinition, error) {
	inst, err := o.tx.GetInstance(o.ctx, id)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}
	if model.IsTerminalWorkflowState(inst.State) {
		return model.WorkflowInstance{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("workflow instance %s is %s", id, inst.State))
	}
	def, err := o.definition(&inst)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}
	return inst, def, nil
}

// currentTask loads a task generation and rejects generations that are no
// longer the latest.
func (o *op) currentTask(instanceID, name string, generation int) (model.WorkflowInstance, *model.WorkflowDefinition, *model.TaskDefinition, model.Task, error) {
	inst, def, err := o.liveInstance(instanceID)
	if err != nil {
		return model.WorkflowInstance{}, nil, nil, model.Task{}, err
	}
	td, ok := def.Task(name)
	if !ok {
		return model.WorkflowInstance{}, nil, nil, model.Task{}, model.NewEntityNotFoundError("task", name)
	}
	t, err := o.tx.GetTask(o.ctx, instanceID, name, generation)
	if err != nil {
		return model.WorkflowInstance{}, nil, nil, model.Task{}, err
	}
	latest, err := o.tx.LatestTask(o.ctx, instanceID, name)
	if err != nil {
		return model.WorkflowInstance{}, nil, nil, model.Task{}, err
	}
	if latest.Generation != t.Generation {
		return model.WorkflowInstance{}, nil, nil, model.Task{}, model.NewInvalidTransitionError(
			fmt.Sprintf("task %s generation %d is no longer current (latest %d)", name, generation, latest.Generation))
	}
	return inst, def, td, t, nil
}
