// Package authz resolves user scopes from direct and group-derived role
// assignments, honoring expiry, and manages the role/group tables.
package authz

import (
	"context"
	"time"

	"github.com/pitabwire/tasquencer/model"
)

// Store persists roles, groups, memberships and assignments. Implementations
// return NOT_FOUND envelopes for missing rows and CONFLICT envelopes for
// duplicate role or group names. Deletes cascade.
type Store interface {
	InsertRole(ctx context.Context, role model.AuthRole) error
	UpdateRole(ctx context.Context, role model.AuthRole) error
	GetRole(ctx context.Context, id string) (model.AuthRole, error)
	FindRoleByName(ctx context.Context, name string) (model.AuthRole, error)
	ListRoles(ctx context.Context) ([]model.AuthRole, error)
	DeleteRole(ctx context.Context, id string) error

	InsertGroup(ctx context.Context, group model.AuthGroup) error
	GetGroup(ctx context.Context, id string) (model.AuthGroup, error)
	FindGroupByName(ctx context.Context, name string) (model.AuthGroup, error)
	ListGroups(ctx context.Context) ([]model.AuthGroup, error)
	DeleteGroup(ctx context.Context, id string) error

	// PutMembership inserts or replaces the (group, user) membership.
	PutMembership(ctx context.Context, m model.GroupMembership) error
	DeleteMembership(ctx context.Context, groupID, userID string) error
	MembershipsForUser(ctx context.Context, userID string) ([]model.GroupMembership, error)
	MembershipsForGroup(ctx context.Context, groupID string) ([]model.GroupMembership, error)

	InsertAssignment(ctx context.Context, a model.RoleAssignment) error
	GetAssignment(ctx context.Context, id string) (model.RoleAssignment, error)
	SetAssignmentExpiry(ctx context.Context, id string, expiresAt *time.Time) error
	DeleteAssignment(ctx context.Context, id string) error
	AssignmentsForUser(ctx context.Context, userID string) ([]model.RoleAssignment, error)
	AssignmentsForGroups(ctx context.Context, groupIDs []string) ([]model.RoleAssignment, error)
	AssignmentsForRole(ctx context.Context, roleID string) ([]model.RoleAssignment, error)

	HealthCheck(ctx context.Context) error
}
