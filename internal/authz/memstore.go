package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/tasquencer/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[string]model.AuthRole
	groups      map[string]model.AuthGroup
	memberships map[string]model.GroupMembership // key: groupID + "/" + userID
	assignments map[string]model.RoleAssignment
}

// NewMemoryStore creates an empty in-memory authorization store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[string]model.AuthRole),
		groups:      make(map[string]model.AuthGroup),
		memberships: make(map[string]model.GroupMembership),
		assignments: make(map[string]model.RoleAssignment),
	}
}

func membershipKey(groupID, userID string) string {
	return groupID + "/" + userID
}

// InsertRole stores a new role. Names are unique.
func (s *MemoryStore) InsertRole(_ context.Context, role model.AuthRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.roles[role.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("role %q already exists", role.ID))
	}
	for _, r := range s.roles {
		if r.Name == role.Name {
			return model.NewConflictError(fmt.Sprintf("role name %q is already taken", role.Name))
		}
	}
	role.Scopes = append([]string(nil), role.Scopes...)
	s.roles[role.ID] = role
	return nil
}

// UpdateRole replaces an existing role's name, scopes and active flag.
func (s *MemoryStore) UpdateRole(_ context.Context, role model.AuthRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.roles[role.ID]
	if !exists {
		return model.NewEntityNotFoundError("role", role.ID)
	}
	for id, r := range s.roles {
		if id != role.ID && r.Name == role.Name {
			return model.NewConflictError(fmt.Sprintf("role name %q is already taken", role.Name))
		}
	}
	role.CreatedAt = existing.CreatedAt
	role.Scopes = append([]string(nil), role.Scopes...)
	s.roles[role.ID] = role
	return nil
}

// GetRole returns a role by ID.
func (s *MemoryStore) GetRole(_ context.Context, id string) (model.AuthRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roles[id]
	if !ok {
		return model.AuthRole{}, model.NewEntityNotFoundError("role", id)
	}
	return r, nil
}

// FindRoleByName returns a role by its unique name.
func (s *MemoryStore) FindRoleByName(_ context.Context, name string) (model.AuthRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return model.AuthRole{}, model.NewEntityNotFoundError("role", name)
}

// ListRoles returns all roles ordered by name.
func (s *MemoryStore) ListRoles(_ context.Context) ([]model.AuthRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AuthRole, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteRole removes a role and every assignment of it.
func (s *MemoryStore) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[id]; !ok {
		return model.NewEntityNotFoundError("role", id)
	}
	delete(s.roles, id)
	for aid, a := range s.assignments {
		if a.RoleID == id {
			delete(s.assignments, aid)
		}
	}
	return nil
}

// InsertGroup stores a new group. Names are unique.
func (s *MemoryStore) InsertGroup(_ context.Context, group model.AuthGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[group.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("group %q already exists", group.ID))
	}
	for _, g := range s.groups {
		if g.Name == group.Name {
			return model.NewConflictError(fmt.Sprintf("group name %q is already taken", group.Name))
		}
	}
	s.groups[group.ID] = group
	return nil
}

// GetGroup returns a group by ID.
func (s *MemoryStore) GetGroup(_ context.Context, id string) (model.AuthGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return model.AuthGroup{}, model.NewEntityNotFoundError("group", id)
	}
	return g, nil
}

// FindGroupByName returns a group by its unique name.
func (s *MemoryStore) FindGroupByName(_ context.Context, name string) (model.AuthGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.groups {
		if g.Name == name {
			return g, nil
		}
	}
	return model.AuthGroup{}, model.NewEntityNotFoundError("group", name)
}

// ListGroups returns all groups ordered by name.
func (s *MemoryStore) ListGroups(_ context.Context) ([]model.AuthGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AuthGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteGroup removes a group, its memberships and its role assignments.
func (s *MemoryStore) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[id]; !ok {
		return model.NewEntityNotFoundError("group", id)
	}
	delete(s.groups, id)
	for k, m := range s.memberships {
		if m.GroupID == id {
			delete(s.memberships, k)
		}
	}
	for aid, a := range s.assignments {
		if a.GroupID == id {
			delete(s.assignments, aid)
		}
	}
	return nil
}

// PutMembership inserts or replaces a membership. The group must exist.
func (s *MemoryStore) PutMembership(_ context.Context, m model.GroupMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[m.GroupID]; !ok {
		return model.NewEntityNotFoundError("group", m.GroupID)
	}
	s.memberships[membershipKey(m.GroupID, m.UserID)] = m
	return nil
}

// DeleteMembership removes a membership.
func (s *MemoryStore) DeleteMembership(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := membershipKey(groupID, userID)
	if _, ok := s.memberships[key]; !ok {
		return model.NewEntityNotFoundError("membership", key)
	}
	delete(s.memberships, key)
	return nil
}

// MembershipsForUser returns every membership of a user, expired or not.
func (s *MemoryStore) MembershipsForUser(_ context.Context, userID string) ([]model.GroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.GroupMembership
	for _, m := range s.memberships {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// MembershipsForGroup returns every membership of a group, expired or not.
func (s *MemoryStore) MembershipsForGroup(_ context.Context, groupID string) ([]model.GroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.GroupMembership
	for _, m := range s.memberships {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// InsertAssignment stores a role assignment. The role and, for group
// assignments, the group must exist.
func (s *MemoryStore) InsertAssignment(_ context.Context, a model.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assignments[a.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("assignment %q already exists", a.ID))
	}
	if _, ok := s.roles[a.RoleID]; !ok {
		return model.NewEntityNotFoundError("role", a.RoleID)
	}
	if a.GroupID != "" {
		if _, ok := s.groups[a.GroupID]; !ok {
			return model.NewEntityNotFoundError("group", a.GroupID)
		}
	}
	s.assignments[a.ID] = a
	return nil
}

// GetAssignment returns an assignment by ID.
func (s *MemoryStore) GetAssignment(_ context.Context, id string) (model.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[id]
	if !ok {
		return model.RoleAssignment{}, model.NewEntityNotFoundError("assignment", id)
	}
	return a, nil
}

// SetAssignmentExpiry changes an assignment's expiry.
func (s *MemoryStore) SetAssignmentExpiry(_ context.Context, id string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return model.NewEntityNotFoundError("assignment", id)
	}
	a.ExpiresAt = expiresAt
	s.assignments[id] = a
	return nil
}

// DeleteAssignment removes an assignment.
func (s *MemoryStore) DeleteAssignment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assignments[id]; !ok {
		return model.NewEntityNotFoundError("assignment", id)
	}
	delete(s.assignments, id)
	return nil
}

// AssignmentsForUser returns the direct assignments of a user.
func (s *MemoryStore) AssignmentsForUser(_ context.Context, userID string) ([]model.RoleAssignment, error) {
	return s.filterAssignments(func(a model.RoleAssignment) bool { return a.UserID == userID }), nil
}

// AssignmentsForGroups returns the assignments of any of the given groups.
func (s *MemoryStore) AssignmentsForGroups(_ context.Context, groupIDs []string) ([]model.RoleAssignment, error) {
	set := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		set[id] = true
	}
	return s.filterAssignments(func(a model.RoleAssignment) bool { return a.GroupID != "" && set[a.GroupID] }), nil
}

// AssignmentsForRole returns every assignment of a role.
func (s *MemoryStore) AssignmentsForRole(_ context.Context, roleID string) ([]model.RoleAssignment, error) {
	return s.filterAssignments(func(a model.RoleAssignment) bool { return a.RoleID == roleID }), nil
}

func (s *MemoryStore) filterAssignments(keep func(model.RoleAssignment) bool) []model.RoleAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RoleAssignment
	for _, a := range s.assignments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
