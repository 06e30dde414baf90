package audit

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tasquencer/model"
)

//go:embed schema.sql
var schemaSQL string

// PgStore is a PostgreSQL-backed Store using pgx/v5. Sequence numbers come
// from a BIGSERIAL column.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL audit store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the audit tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// InsertSpans appends spans in one transaction.
func (s *PgStore) InsertSpans(ctx context.Context, spans []model.Span) ([]model.Span, error) {
	out := make([]model.Span, len(spans))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, sp := range spans {
			attrs, err := json.Marshal(sp.Attributes)
			if err != nil {
				return fmt.Errorf("marshal span attributes: %w", err)
			}
			var duration *int64
			if sp.Duration != nil {
				d := int64(*sp.Duration)
				duration = &d
			}
			path := sp.Path
			if path == nil {
				path = []string{}
			}
			err = tx.QueryRow(ctx, `
				INSERT INTO audit_spans (
					span_id, trace_id, parent_span_id, operation, type, state,
					started_at, ended_at, duration_ns, depth, path,
					resource_type, resource_id, resource_name, attributes, error
				) VALUES (
					$1, $2, $3, $4, $5, $6,
					$7, $8, $9, $10, $11,
					$12, $13, $14, $15, $16
				) RETURNING sequence`,
				sp.SpanID, sp.TraceID, sp.ParentSpanID, sp.Operation, sp.Type, sp.State,
				sp.StartedAt, sp.EndedAt, duration, sp.Depth, path,
				sp.Resource.Type, sp.Resource.ID, sp.Resource.Name, attrs, sp.Error,
			).Scan(&sp.Sequence)
			if err != nil {
				return fmt.Errorf("insert span %s: %w", sp.SpanID, err)
			}
			out[i] = sp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EndSpan closes a started span.
func (s *PgStore) EndSpan(ctx context.Context, end SpanEnd) (model.Span, error) {
	var out model.Span
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sp, err := scanSpan(tx.QueryRow(ctx,
			`SELECT `+spanColumns+` FROM audit_spans WHERE span_id = $1 FOR UPDATE`, end.SpanID))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewEntityNotFoundError("span", end.SpanID)
		}
		if err != nil {
			return fmt.Errorf("query span: %w", err)
		}
		if sp.EndedAt != nil {
			return model.NewInvalidTransitionError("span " + end.SpanID + " has already ended")
		}
		applyEnd(&sp, end)
		_, err = tx.Exec(ctx, `
			UPDATE audit_spans SET ended_at = $1, duration_ns = $2, state = $3, error = $4
			WHERE span_id = $5`,
			sp.EndedAt, int64(*sp.Duration), sp.State, sp.Error, sp.SpanID,
		)
		if err != nil {
			return fmt.Errorf("end span: %w", err)
		}
		out = sp
		return nil
	})
	return out, err
}

const spanColumns = `sequence, span_id, trace_id, parent_span_id, operation, type, state,
	started_at, ended_at, duration_ns, depth, path,
	resource_type, resource_id, resource_name, attributes, error`

func scanSpan(row pgx.Row) (model.Span, error) {
	var (
		sp       model.Span
		duration *int64
		attrs    []byte
	)
	err := row.Scan(
		&sp.Sequence, &sp.SpanID, &sp.TraceID, &sp.ParentSpanID, &sp.Operation, &sp.Type, &sp.State,
		&sp.StartedAt, &sp.EndedAt, &duration, &sp.Depth, &sp.Path,
		&sp.Resource.Type, &sp.Resource.ID, &sp.Resource.Name, &attrs, &sp.Error,
	)
	if err != nil {
		return model.Span{}, err
	}
	if duration != nil {
		d := time.Duration(*duration)
		sp.Duration = &d
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &sp.Attributes); err != nil {
			return model.Span{}, fmt.Errorf("unmarshal span attributes: %w", err)
		}
	}
	return sp, nil
}

func (s *PgStore) querySpans(ctx context.Context, where string, args ...any) ([]model.Span, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+spanColumns+` FROM audit_spans WHERE `+where+` ORDER BY sequence`, args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	out := []model.Span{}
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// GetSpan returns a span by ID.
func (s *PgStore) GetSpan(ctx context.Context, spanID string) (model.Span, error) {
	sp, err := scanSpan(s.pool.QueryRow(ctx, `SELECT `+spanColumns+` FROM audit_spans WHERE span_id = $1`, spanID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Span{}, model.NewEntityNotFoundError("span", spanID)
	}
	if err != nil {
		return model.Span{}, fmt.Errorf("query span: %w", err)
	}
	return sp, nil
}

// SpansByTrace returns all spans of a trace.
func (s *PgStore) SpansByTrace(ctx context.Context, traceID string) ([]model.Span, error) {
	return s.querySpans(ctx, `trace_id = $1`, traceID)
}

// ChildSpans returns the direct children of a span.
func (s *PgStore) ChildSpans(ctx context.Context, parentSpanID string) ([]model.Span, error) {
	return s.querySpans(ctx, `parent_span_id = $1`, parentSpanID)
}

// SpansByResource returns spans describing one resource.
func (s *PgStore) SpansByResource(ctx context.Context, resourceType, resourceID string) ([]model.Span, error) {
	return s.querySpans(ctx, `resource_type = $1 AND resource_id = $2`, resourceType, resourceID)
}

// SpansByTimeRange returns spans started in [from, to).
func (s *PgStore) SpansByTimeRange(ctx context.Context, from, to time.Time) ([]model.Span, error) {
	return s.querySpans(ctx, `started_at >= $1 AND started_at < $2`, from, to)
}

// ReplaySpans returns the replayable spans of one workflow.
func (s *PgStore) ReplaySpans(ctx context.Context, traceID, workflowID string, afterSequence int64, at time.Time) ([]model.Span, error) {
	return s.querySpans(ctx,
		`trace_id = $1 AND attributes->>'workflow_id' = $2 AND sequence > $3 AND started_at <= $4`,
		traceID, workflowID, afterSequence, at)
}

// RecentTraces summarizes the most recently started root spans.
func (s *PgStore) RecentTraces(ctx context.Context, limit int) ([]model.TraceSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.trace_id, r.span_id, r.operation, r.resource_type, r.resource_id, r.resource_name,
		       r.state, r.started_at, r.ended_at,
		       (SELECT count(*) FROM audit_spans c WHERE c.trace_id = r.trace_id)
		FROM audit_spans r
		WHERE r.parent_span_id = ''
		ORDER BY r.started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent traces: %w", err)
	}
	defer rows.Close()

	out := []model.TraceSummary{}
	for rows.Next() {
		var t model.TraceSummary
		if err := rows.Scan(&t.TraceID, &t.RootSpanID, &t.Operation,
			&t.Resource.Type, &t.Resource.ID, &t.Resource.Name,
			&t.State, &t.StartedAt, &t.EndedAt, &t.SpanCount); err != nil {
			return nil, fmt.Errorf("scan trace summary: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// OpenSpans returns spans of spanType that have not ended.
func (s *PgStore) OpenSpans(ctx context.Context, spanType string) ([]model.Span, error) {
	return s.querySpans(ctx, `type = $1 AND ended_at IS NULL`, spanType)
}

// InsertSnapshot persists a snapshot.
func (s *PgStore) InsertSnapshot(ctx context.Context, snap model.WorkflowStateSnapshot) error {
	conditions, err := json.Marshal(snap.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	tasks, err := json.Marshal(snap.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	items, err := json.Marshal(snap.WorkItems)
	if err != nil {
		return fmt.Errorf("marshal work items: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_snapshots (
			id, trace_id, workflow_id, at, workflow_state,
			conditions, tasks, work_items, last_sequence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.ID, snap.TraceID, snap.WorkflowID, snap.At, snap.WorkflowState,
		conditions, tasks, items, snap.LastSequence,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot taken at or before at.
func (s *PgStore) LatestSnapshot(ctx context.Context, traceID, workflowID string, at time.Time) (model.WorkflowStateSnapshot, bool, error) {
	var (
		snap                       model.WorkflowStateSnapshot
		conditions, tasks, items []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, trace_id, workflow_id, at, workflow_state,
		       conditions, tasks, work_items, last_sequence
		FROM audit_snapshots
		WHERE trace_id = $1 AND workflow_id = $2 AND at <= $3
		ORDER BY last_sequence DESC
		LIMIT 1`,
		traceID, workflowID, at,
	).Scan(&snap.ID, &snap.TraceID, &snap.WorkflowID, &snap.At, &snap.WorkflowState,
		&conditions, &tasks, &items, &snap.LastSequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowStateSnapshot{}, false, nil
	}
	if err != nil {
		return model.WorkflowStateSnapshot{}, false, fmt.Errorf("query snapshot: %w", err)
	}
	if err := json.Unmarshal(conditions, &snap.Conditions); err != nil {
		return model.WorkflowStateSnapshot{}, false, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(tasks, &snap.Tasks); err != nil {
		return model.WorkflowStateSnapshot{}, false, fmt.Errorf("unmarshal tasks: %w", err)
	}
	if err := json.Unmarshal(items, &snap.WorkItems); err != nil {
		return model.WorkflowStateSnapshot{}, false, fmt.Errorf("unmarshal work items: %w", err)
	}
	return snap, true, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
