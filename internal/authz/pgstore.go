package authz

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tasquencer/model"
)

//go:embed schema.sql
var schemaSQL string

// PgStore is a PostgreSQL-backed Store using pgx/v5. Cascades are enforced
// by foreign keys.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL authorization store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the authorization tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate authz schema: %w", err)
	}
	return nil
}

// mapPgError converts unique and foreign key violations into envelopes.
func mapPgError(err error, entity, key string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return model.NewConflictError(fmt.Sprintf("%s %q already exists", entity, key))
		case "23503":
			return model.NewNotFoundError(fmt.Sprintf("%s %q references a missing row", entity, key))
		}
	}
	return err
}

// InsertRole stores a new role.
func (s *PgStore) InsertRole(ctx context.Context, role model.AuthRole) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_roles (id, name, scopes, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		role.ID, role.Name, role.Scopes, role.IsActive, role.CreatedAt,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("insert role: %w", err), "role", role.Name)
	}
	return nil
}

// UpdateRole replaces a role's name, scopes and active flag.
func (s *PgStore) UpdateRole(ctx context.Context, role model.AuthRole) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auth_roles SET name = $1, scopes = $2, is_active = $3
		WHERE id = $4`,
		role.Name, role.Scopes, role.IsActive, role.ID,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("update role: %w", err), "role", role.Name)
	}
	if tag.RowsAffected() == 0 {
		return model.NewEntityNotFoundError("role", role.ID)
	}
	return nil
}

const roleColumns = `id, name, scopes, is_active, created_at`

func scanRole(row pgx.Row) (model.AuthRole, error) {
	var r model.AuthRole
	err := row.Scan(&r.ID, &r.Name, &r.Scopes, &r.IsActive, &r.CreatedAt)
	return r, err
}

// GetRole returns a role by ID.
func (s *PgStore) GetRole(ctx context.Context, id string) (model.AuthRole, error) {
	r, err := scanRole(s.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM auth_roles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AuthRole{}, model.NewEntityNotFoundError("role", id)
	}
	if err != nil {
		return model.AuthRole{}, fmt.Errorf("query role: %w", err)
	}
	return r, nil
}

// FindRoleByName returns a role by name.
func (s *PgStore) FindRoleByName(ctx context.Context, name string) (model.AuthRole, error) {
	r, err := scanRole(s.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM auth_roles WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AuthRole{}, model.NewEntityNotFoundError("role", name)
	}
	if err != nil {
		return model.AuthRole{}, fmt.Errorf("query role: %w", err)
	}
	return r, nil
}

// ListRoles returns all roles ordered by name.
func (s *PgStore) ListRoles(ctx context.Context) ([]model.AuthRole, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roleColumns+` FROM auth_roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var out []model.AuthRole
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRole removes a role; assignments cascade.
func (s *PgStore) DeleteRole(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewEntityNotFoundError("role", id)
	}
	return nil
}

// InsertGroup stores a new group.
func (s *PgStore) InsertGroup(ctx context.Context, group model.AuthGroup) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_groups (id, name, created_at) VALUES ($1, $2, $3)`,
		group.ID, group.Name, group.CreatedAt,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("insert group: %w", err), "group", group.Name)
	}
	return nil
}

func (s *PgStore) queryGroup(ctx context.Context, where string, arg string) (model.AuthGroup, error) {
	var g model.AuthGroup
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at FROM auth_groups WHERE `+where+` = $1`, arg).
		Scan(&g.ID, &g.Name, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AuthGroup{}, model.NewEntityNotFoundError("group", arg)
	}
	if err != nil {
		return model.AuthGroup{}, fmt.Errorf("query group: %w", err)
	}
	return g, nil
}

// GetGroup returns a group by ID.
func (s *PgStore) GetGroup(ctx context.Context, id string) (model.AuthGroup, error) {
	return s.queryGroup(ctx, "id", id)
}

// FindGroupByName returns a group by name.
func (s *PgStore) FindGroupByName(ctx context.Context, name string) (model.AuthGroup, error) {
	return s.queryGroup(ctx, "name", name)
}

// ListGroups returns all groups ordered by name.
func (s *PgStore) ListGroups(ctx context.Context) ([]model.AuthGroup, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at FROM auth_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []model.AuthGroup
	for rows.Next() {
		var g model.AuthGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGroup removes a group; memberships and assignments cascade.
func (s *PgStore) DeleteGroup(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewEntityNotFoundError("group", id)
	}
	return nil
}

// PutMembership inserts or replaces a membership.
func (s *PgStore) PutMembership(ctx context.Context, m model.GroupMembership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_group_memberships (group_id, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, user_id)
		DO UPDATE SET expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`,
		m.GroupID, m.UserID, m.ExpiresAt, m.CreatedAt,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("upsert membership: %w", err), "group", m.GroupID)
	}
	return nil
}

// DeleteMembership removes a membership.
func (s *PgStore) DeleteMembership(ctx context.Context, groupID, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM auth_group_memberships WHERE group_id = $1 AND user_id = $2`,
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewEntityNotFoundError("membership", membershipKey(groupID, userID))
	}
	return nil
}

func (s *PgStore) queryMemberships(ctx context.Context, where, arg, order string) ([]model.GroupMembership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_id, user_id, expires_at, created_at
		FROM auth_group_memberships WHERE `+where+` = $1 ORDER BY `+order, arg)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var out []model.GroupMembership
	for rows.Next() {
		var m model.GroupMembership
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.ExpiresAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MembershipsForUser returns every membership of a user.
func (s *PgStore) MembershipsForUser(ctx context.Context, userID string) ([]model.GroupMembership, error) {
	return s.queryMemberships(ctx, "user_id", userID, "group_id")
}

// MembershipsForGroup returns every membership of a group.
func (s *PgStore) MembershipsForGroup(ctx context.Context, groupID string) ([]model.GroupMembership, error) {
	return s.queryMemberships(ctx, "group_id", groupID, "user_id")
}

// InsertAssignment stores a role assignment.
func (s *PgStore) InsertAssignment(ctx context.Context, a model.RoleAssignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_role_assignments (id, role_id, user_id, group_id, expires_at, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)`,
		a.ID, a.RoleID, a.UserID, a.GroupID, a.ExpiresAt, a.CreatedAt,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("insert assignment: %w", err), "assignment", a.ID)
	}
	return nil
}

const assignmentColumns = `id, role_id, COALESCE(user_id, ''), COALESCE(group_id, ''), expires_at, created_at`

func scanAssignment(row pgx.Row) (model.RoleAssignment, error) {
	var a model.RoleAssignment
	err := row.Scan(&a.ID, &a.RoleID, &a.UserID, &a.GroupID, &a.ExpiresAt, &a.CreatedAt)
	return a, err
}

// GetAssignment returns an assignment by ID.
func (s *PgStore) GetAssignment(ctx context.Context, id string) (model.RoleAssignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM auth_role_assignments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RoleAssignment{}, model.NewEntityNotFoundError("assignment", id)
	}
	if err != nil {
		return model.RoleAssignment{}, fmt.Errorf("query assignment: %w", err)
	}
	return a, nil
}

// SetAssignmentExpiry changes an assignment's expiry.
func (s *PgStore) SetAssignmentExpiry(ctx context.Context, id string, expiresAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE auth_role_assignments SET expires_at = $1 WHERE id = $2`, expiresAt, id)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewEntityNotFoundError("assignment", id)
	}
	return nil
}

// DeleteAssignment removes an assignment.
func (s *PgStore) DeleteAssignment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_role_assignments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewEntityNotFoundError("assignment", id)
	}
	return nil
}

func (s *PgStore) queryAssignments(ctx context.Context, where string, args ...any) ([]model.RoleAssignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM auth_role_assignments WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []model.RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AssignmentsForUser returns the direct assignments of a user.
func (s *PgStore) AssignmentsForUser(ctx context.Context, userID string) ([]model.RoleAssignment, error) {
	return s.queryAssignments(ctx, "user_id = $1", userID)
}

// AssignmentsForGroups returns the assignments of any of the given groups.
func (s *PgStore) AssignmentsForGroups(ctx context.Context, groupIDs []string) ([]model.RoleAssignment, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	return s.queryAssignments(ctx, "group_id = ANY($1)", groupIDs)
}

// AssignmentsForRole returns every assignment of a role.
func (s *PgStore) AssignmentsForRole(ctx context.Context, roleID string) ([]model.RoleAssignment, error) {
	return s.queryAssignments(ctx, "role_id = $1", roleID)
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
