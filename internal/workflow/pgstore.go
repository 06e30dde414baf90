package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tasquencer/model"
)

//go:embed schema.sql
var schemaSQL string

// PgStore is a PostgreSQL-backed Store using pgx/v5. Each engine operation
// runs in one SQL transaction and locks its root instance row.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the workflow tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// RunInTx runs fn in a read-write transaction.
func (s *PgStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (s *PgStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockRoot(ctx context.Context, rootID string) error {
	var id string
	err := t.tx.QueryRow(ctx, `SELECT id FROM workflow_instances WHERE id = $1 FOR UPDATE`, rootID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewEntityNotFoundError("workflow instance", rootID)
	}
	if err != nil {
		return fmt.Errorf("lock root instance: %w", err)
	}
	return nil
}

// --- Instances ---

const instanceColumns = `id, name, version, parent_id, parent_task, root_id, execution_path,
	state, realized_path, payload, trace_id, span_id, reason, revision,
	created_at, updated_at, ended_at`

func (t *pgTx) InsertInstance(ctx context.Context, inst model.WorkflowInstance) error {
	parentTask, payload, err := marshalInstance(inst)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		inst.ID, inst.Name, inst.Version, inst.ParentID, parentTask, inst.RootID, nonNil(inst.ExecutionPath),
		inst.State, nonNil(inst.RealizedPath), payload, inst.TraceID, inst.SpanID, inst.Reason, inst.Revision,
		inst.CreatedAt, inst.UpdatedAt, inst.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	_, payload, err := marshalInstance(*inst)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_instances SET
			state = $1,
			realized_path = $2,
			payload = $3,
			span_id = $4,
			reason = $5,
			revision = $6,
			updated_at = $7,
			ended_at = $8
		WHERE id = $9 AND revision = $10`,
		inst.State, nonNil(inst.RealizedPath), payload, inst.SpanID, inst.Reason, inst.Revision+1,
		inst.UpdatedAt, inst.EndedAt,
		inst.ID, inst.Revision,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q revision conflict (expected %d)", inst.ID, inst.Revision),
		)
	}
	inst.Revision++
	return nil
}

func marshalInstance(inst model.WorkflowInstance) (parentTask, payload []byte, err error) {
	if inst.ParentTask != nil {
		if parentTask, err = json.Marshal(inst.ParentTask); err != nil {
			return nil, nil, fmt.Errorf("marshal parent task: %w", err)
		}
	}
	if inst.Payload != nil {
		if payload, err = json.Marshal(inst.Payload); err != nil {
			return nil, nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	return parentTask, payload, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var (
		inst                model.WorkflowInstance
		parentTask, payload []byte
	)
	err := row.Scan(
		&inst.ID, &inst.Name, &inst.Version, &inst.ParentID, &parentTask, &inst.RootID, &inst.ExecutionPath,
		&inst.State, &inst.RealizedPath, &payload, &inst.TraceID, &inst.SpanID, &inst.Reason, &inst.Revision,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.EndedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if parentTask != nil {
		inst.ParentTask = &model.TaskRef{}
		if err := json.Unmarshal(parentTask, inst.ParentTask); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal parent task: %w", err)
		}
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &inst.Payload); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return inst, nil
}

func (t *pgTx) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(t.tx.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewEntityNotFoundError("workflow instance", id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

func (t *pgTx) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	out := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (t *pgTx) ListInstances(ctx context.Context, f model.WorkflowFilters) (model.Page[model.WorkflowInstance], error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Name != "" {
		add("name = $%d", f.Name)
	}
	if f.State != "" {
		add("state = $%d", f.State)
	}
	if f.ParentID != "" {
		add("parent_id = $%d", f.ParentID)
	}
	if f.RootOnly {
		where = append(where, "parent_id = ''")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM workflow_instances`+cond, args...).Scan(&total); err != nil {
		return model.Page[model.WorkflowInstance]{}, fmt.Errorf("count workflow instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances` + cond + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	items, err := t.queryInstances(ctx, query, args...)
	if err != nil {
		return model.Page[model.WorkflowInstance]{}, err
	}
	return model.Page[model.WorkflowInstance]{Items: items, Total: total, Offset: f.Offset, Limit: f.Limit}, nil
}

func (t *pgTx) Children(ctx context.Context, parentID string) ([]model.WorkflowInstance, error) {
	return t.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE parent_id = $1 ORDER BY created_at`, parentID)
}

// --- Conditions ---

func (t *pgTx) PutCondition(ctx context.Context, c model.Condition) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_conditions (workflow_id, name, marking, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, name) DO UPDATE SET marking = EXCLUDED.marking, updated_at = EXCLUDED.updated_at`,
		c.WorkflowID, c.Name, c.Marking, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put condition %s: %w", c.Name, err)
	}
	return nil
}

func (t *pgTx) GetCondition(ctx context.Context, workflowID, name string) (model.Condition, error) {
	c := model.Condition{WorkflowID: workflowID, Name: name}
	err := t.tx.QueryRow(ctx,
		`SELECT marking, updated_at FROM workflow_conditions WHERE workflow_id = $1 AND name = $2`,
		workflowID, name,
	).Scan(&c.Marking, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Condition{}, model.NewEntityNotFoundError("condition", workflowID+"/"+name)
	}
	if err != nil {
		return model.Condition{}, fmt.Errorf("query condition: %w", err)
	}
	return c, nil
}

func (t *pgTx) Conditions(ctx context.Context, workflowID string) ([]model.Condition, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT workflow_id, name, marking, updated_at FROM workflow_conditions WHERE workflow_id = $1 ORDER BY name`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("query conditions: %w", err)
	}
	defer rows.Close()

	out := []model.Condition{}
	for rows.Next() {
		var c model.Condition
		if err := rows.Scan(&c.WorkflowID, &c.Name, &c.Marking, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Tasks ---

const taskColumns = `workflow_id, name, generation, state, consumed_from, child_workflow_id,
	span_id, reason, created_at, updated_at, enabled_at, started_at, ended_at`

func scanTask(row pgx.Row) (model.Task, error) {
	var tk model.Task
	err := row.Scan(
		&tk.WorkflowID, &tk.Name, &tk.Generation, &tk.State, &tk.ConsumedFrom, &tk.ChildWorkflowID,
		&tk.SpanID, &tk.Reason, &tk.CreatedAt, &tk.UpdatedAt, &tk.EnabledAt, &tk.StartedAt, &tk.EndedAt,
	)
	return tk, err
}

func (t *pgTx) InsertTask(ctx context.Context, tk model.Task) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tk.WorkflowID, tk.Name, tk.Generation, tk.State, nonNil(tk.ConsumedFrom), tk.ChildWorkflowID,
		tk.SpanID, tk.Reason, tk.CreatedAt, tk.UpdatedAt, tk.EnabledAt, tk.StartedAt, tk.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task %s/%d: %w", tk.Name, tk.Generation, err)
	}
	return nil
}

func (t *pgTx) UpdateTask(ctx context.Context, tk model.Task) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_tasks SET
			state = $1, consumed_from = $2, child_workflow_id = $3, span_id = $4, reason = $5,
			updated_at = $6, enabled_at = $7, started_at = $8, ended_at = $9
		WHERE workflow_id = $10 AND name = $11 AND generation = $12`,
		tk.State, nonNil(tk.ConsumedFrom), tk.ChildWorkflowID, tk.SpanID, tk.Reason,
		tk.UpdatedAt, tk.EnabledAt, tk.StartedAt, tk.EndedAt,
		tk.WorkflowID, tk.Name, tk.Generation,
	)
	if err != nil {
		return fmt.Errorf("update task %s/%d: %w", tk.Name, tk.Generation, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewEntityNotFoundError("task", fmt.Sprintf("%s/%s/%d", tk.WorkflowID, tk.Name, tk.Generation))
	}
	return nil
}

func (t *pgTx) GetTask(ctx context.Context, workflowID, name string, generation int) (model.Task, error) {
	tk, err := scanTask(t.tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM workflow_tasks WHERE workflow_id = $1 AND name = $2 AND generation = $3`,
		workflowID, name, generation))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, model.NewEntityNotFoundError("task", fmt.Sprintf("%s/%s/%d", workflowID, name, generation))
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("query task: %w", err)
	}
	return tk, nil
}

func (t *pgTx) LatestTask(ctx context.Context, workflowID, name string) (model.Task, error) {
	tk, err := scanTask(t.tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM workflow_tasks WHERE workflow_id = $1 AND name = $2
		 ORDER BY generation DESC LIMIT 1`,
		workflowID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, model.NewEntityNotFoundError("task", workflowID+"/"+name)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("query latest task: %w", err)
	}
	return tk, nil
}

func (t *pgTx) TaskHistory(ctx context.Context, workflowID, name string) ([]model.Task, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+taskColumns+` FROM workflow_tasks WHERE workflow_id = $1 AND name = $2 ORDER BY generation`,
		workflowID, name)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	out := []model.Task{}
	for rows.Next() {
		tk, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

// --- Work items ---

const workItemColumns = `id, workflow_id, workflow_name, root_id, task_name, task_generation,
	offer_type, required_scope, phase, state, claimed_by, claimed_at, payload, reason, span_id,
	created_at, updated_at`

func workItemArgs(wi model.WorkItem) ([]any, error) {
	var payload []byte
	if wi.Payload != nil {
		var err error
		if payload, err = json.Marshal(wi.Payload); err != nil {
			return nil, fmt.Errorf("marshal work item payload: %w", err)
		}
	}
	var (
		claimedBy *string
		claimedAt *time.Time
	)
	if wi.Claim != nil {
		claimedBy, claimedAt = &wi.Claim.UserID, &wi.Claim.ClaimedAt
	}
	return []any{
		wi.ID, wi.WorkflowID, wi.WorkflowName, wi.RootID, wi.TaskName, wi.TaskGeneration,
		wi.OfferType, wi.RequiredScope, wi.Phase, wi.State, claimedBy, claimedAt, payload, wi.Reason, wi.SpanID,
		wi.CreatedAt, wi.UpdatedAt,
	}, nil
}

func scanWorkItem(row pgx.Row) (model.WorkItem, error) {
	var (
		wi        model.WorkItem
		claimedBy *string
		claimedAt *time.Time
		payload   []byte
	)
	err := row.Scan(
		&wi.ID, &wi.WorkflowID, &wi.WorkflowName, &wi.RootID, &wi.TaskName, &wi.TaskGeneration,
		&wi.OfferType, &wi.RequiredScope, &wi.Phase, &wi.State, &claimedBy, &claimedAt, &payload, &wi.Reason, &wi.SpanID,
		&wi.CreatedAt, &wi.UpdatedAt,
	)
	if err != nil {
		return model.WorkItem{}, err
	}
	if claimedBy != nil && claimedAt != nil {
		wi.Claim = &model.Claim{UserID: *claimedBy, ClaimedAt: *claimedAt}
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &wi.Payload); err != nil {
			return model.WorkItem{}, fmt.Errorf("unmarshal work item payload: %w", err)
		}
	}
	return wi, nil
}

func (t *pgTx) InsertWorkItem(ctx context.Context, wi model.WorkItem) error {
	args, err := workItemArgs(wi)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_work_items (`+workItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`, args...)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateWorkItem(ctx context.Context, wi model.WorkItem) error {
	args, err := workItemArgs(wi)
	if err != nil {
		return err
	}
	// Only the lifecycle columns change after insert.
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_work_items SET
			state = $2, claimed_by = $3, claimed_at = $4, payload = $5, reason = $6, span_id = $7,
			updated_at = $8
		WHERE id = $1`,
		args[0], args[9], args[10], args[11], args[12], args[13], args[14], args[16])
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewEntityNotFoundError("work item", wi.ID)
	}
	return nil
}

func (t *pgTx) GetWorkItem(ctx context.Context, id string) (model.WorkItem, error) {
	wi, err := scanWorkItem(t.tx.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM workflow_work_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkItem{}, model.NewEntityNotFoundError("work item", id)
	}
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("query work item: %w", err)
	}
	return wi, nil
}

func (t *pgTx) queryWorkItems(ctx context.Context, where string, args ...any) ([]model.WorkItem, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+workItemColumns+` FROM workflow_work_items WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()

	out := []model.WorkItem{}
	for rows.Next() {
		wi, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

func (t *pgTx) WorkItemsForTask(ctx context.Context, workflowID, name string, generation int) ([]model.WorkItem, error) {
	return t.queryWorkItems(ctx, `workflow_id = $1 AND task_name = $2 AND task_generation = $3`,
		workflowID, name, generation)
}

func (t *pgTx) WorkItemsForWorkflow(ctx context.Context, workflowID string) ([]model.WorkItem, error) {
	return t.queryWorkItems(ctx, `workflow_id = $1`, workflowID)
}

// ListWorkItems narrows rows in SQL, then applies scope matching (which
// supports wildcards) and pagination in Go.
func (t *pgTx) ListWorkItems(ctx context.Context, f model.WorkItemFilters) (model.Page[model.WorkItem], error) {
	where := []string{"TRUE"}
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.WorkflowID != "" {
		add("workflow_id = $%d", f.WorkflowID)
	}
	if f.WorkflowName != "" {
		add("workflow_name = $%d", f.WorkflowName)
	}
	if f.State != "" {
		add("state = $%d", f.State)
	}
	if f.Phase != "" {
		add("phase = $%d", f.Phase)
	}
	if f.Scope != "" {
		add("required_scope = $%d", f.Scope)
	}
	if f.Unclaimed {
		where = append(where, "claimed_by IS NULL")
	}
	rows, err := t.queryWorkItems(ctx, strings.Join(where, " AND "), args...)
	if err != nil {
		return model.Page[model.WorkItem]{}, err
	}
	matched := rows[:0]
	for _, wi := range rows {
		if matchWorkItem(wi, f) {
			matched = append(matched, wi)
		}
	}
	return paginate(matched, f.Offset, f.Limit), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
