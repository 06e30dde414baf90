package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/model"
)

// Service answers scope questions and applies role/group mutations. All
// expiry comparisons use the injected clock.
type Service struct {
	store   Store
	clock   clockwork.Clock
	cache   *scopeCache
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithCacheTTL enables the per-user scope cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cache = newScopeCache(nil, ttl)
		}
	}
}

// WithLogger sets the logger used for mutations.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cache != nil {
		s.cache.clock = s.clock
	}
	return s
}

// Clock returns the service clock.
func (s *Service) Clock() clockwork.Clock {
	return s.clock
}

// GetUserScopes returns the union of scopes of active roles assigned to the
// user directly or through a current group membership. Expired grants are
// ignored as of the clock's now.
func (s *Service) GetUserScopes(ctx context.Context, userID string) (model.ScopeSet, error) {
	if scopes, ok := s.cache.get(userID); ok {
		s.metrics.RecordScopeCacheHit()
		return scopes, nil
	}
	if s.cache != nil {
		s.metrics.RecordScopeCacheMiss()
	}
	epoch := s.cache.begin()

	now := s.clock.Now()
	var until time.Time
	track := func(exp *time.Time) {
		if exp != nil && (until.IsZero() || exp.Before(until)) {
			until = *exp
		}
	}

	direct, err := s.store.AssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("authz: user assignments: %w", err)
	}

	memberships, err := s.store.MembershipsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("authz: user memberships: %w", err)
	}
	var groupIDs []string
	groupExpiry := make(map[string]*time.Time)
	for _, m := range memberships {
		if model.ActiveAt(m.ExpiresAt, now) {
			groupIDs = append(groupIDs, m.GroupID)
			groupExpiry[m.GroupID] = m.ExpiresAt
		}
	}

	var viaGroups []model.RoleAssignment
	if len(groupIDs) > 0 {
		viaGroups, err = s.store.AssignmentsForGroups(ctx, groupIDs)
		if err != nil {
			return nil, fmt.Errorf("authz: group assignments: %w", err)
		}
	}

	roles := make(map[string]model.AuthRole)
	scopes := make(model.ScopeSet)
	grant := func(a model.RoleAssignment) error {
		if !model.ActiveAt(a.ExpiresAt, now) {
			return nil
		}
		role, ok := roles[a.RoleID]
		if !ok {
			r, err := s.store.GetRole(ctx, a.RoleID)
			if model.IsCode(err, model.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("authz: role %s: %w", a.RoleID, err)
			}
			role = r
			roles[a.RoleID] = r
		}
		if !role.IsActive {
			return nil
		}
		track(a.ExpiresAt)
		if a.GroupID != "" {
			track(groupExpiry[a.GroupID])
		}
		for _, sc := range role.Scopes {
			scopes[sc] = true
		}
		return nil
	}

	for _, a := range direct {
		if err := grant(a); err != nil {
			return nil, err
		}
	}
	for _, a := range viaGroups {
		if err := grant(a); err != nil {
			return nil, err
		}
	}

	s.cache.put(epoch, userID, scopes, until)
	return scopes, nil
}

// HasScope reports whether the user currently holds scope.
func (s *Service) HasScope(ctx context.Context, userID, scope string) (bool, error) {
	scopes, err := s.GetUserScopes(ctx, userID)
	if err != nil {
		return false, err
	}
	return scopes.Has(scope), nil
}

// RequireScope returns a FORBIDDEN envelope naming the scope when the user
// does not hold it.
func (s *Service) RequireScope(ctx context.Context, userID, scope string) error {
	ok, err := s.HasScope(ctx, userID, scope)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewMissingScopeError(userID, scope)
	}
	return nil
}

// GetUsersWithScope returns, sorted, every user currently holding scope
// through a direct or group-derived assignment of an active role.
func (s *Service) GetUsersWithScope(ctx context.Context, scope string) ([]string, error) {
	now := s.clock.Now()

	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: list roles: %w", err)
	}

	users := make(map[string]bool)
	members := make(map[string][]model.GroupMembership)
	for _, role := range roles {
		if !role.IsActive || !model.NewScopeSet(role.Scopes...).Has(scope) {
			continue
		}
		assignments, err := s.store.AssignmentsForRole(ctx, role.ID)
		if err != nil {
			return nil, fmt.Errorf("authz: role assignments: %w", err)
		}
		for _, a := range assignments {
			if !model.ActiveAt(a.ExpiresAt, now) {
				continue
			}
			if a.UserID != "" {
				users[a.UserID] = true
				continue
			}
			ms, ok := members[a.GroupID]
			if !ok {
				ms, err = s.store.MembershipsForGroup(ctx, a.GroupID)
				if err != nil {
					return nil, fmt.Errorf("authz: group members: %w", err)
				}
				members[a.GroupID] = ms
			}
			for _, m := range ms {
				if model.ActiveAt(m.ExpiresAt, now) {
					users[m.UserID] = true
				}
			}
		}
	}

	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// CreateRole creates an active role. Names are unique.
func (s *Service) CreateRole(ctx context.Context, name string, scopes []string) (model.AuthRole, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.AuthRole{}, model.NewBadRequestError("role name is required")
	}
	role := model.AuthRole{
		ID:        uuid.New().String(),
		Name:      name,
		Scopes:    dedupe(scopes),
		IsActive:  true,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.InsertRole(ctx, role); err != nil {
		return model.AuthRole{}, err
	}
	s.logger.Info("role created", zap.String("role_id", role.ID), zap.String("name", name))
	return role, nil
}

// UpdateRole replaces a role's scopes and active flag.
func (s *Service) UpdateRole(ctx context.Context, roleID string, scopes []string, active bool) (model.AuthRole, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return model.AuthRole{}, err
	}
	role.Scopes = dedupe(scopes)
	role.IsActive = active
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return model.AuthRole{}, err
	}
	s.cache.invalidateAll()
	s.logger.Info("role updated", zap.String("role_id", roleID), zap.Bool("active", active))
	return role, nil
}

// DeleteRole removes a role and every assignment of it.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.cache.invalidateAll()
	s.logger.Info("role deleted", zap.String("role_id", roleID))
	return nil
}

// CreateGroup creates a group. Names are unique.
func (s *Service) CreateGroup(ctx context.Context, name string) (model.AuthGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.AuthGroup{}, model.NewBadRequestError("group name is required")
	}
	group := model.AuthGroup{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.InsertGroup(ctx, group); err != nil {
		return model.AuthGroup{}, err
	}
	s.logger.Info("group created", zap.String("group_id", group.ID), zap.String("name", name))
	return group, nil
}

// DeleteGroup removes a group with its memberships and role assignments.
func (s *Service) DeleteGroup(ctx context.Context, groupID string) error {
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	s.cache.invalidateAll()
	s.logger.Info("group deleted", zap.String("group_id", groupID))
	return nil
}

// AddMember adds userID to a group until expiresAt (nil for no expiry). A
// current membership is a CONFLICT; an expired one is replaced.
func (s *Service) AddMember(ctx context.Context, groupID, userID string, expiresAt *time.Time) (model.GroupMembership, error) {
	if userID == "" {
		return model.GroupMembership{}, model.NewBadRequestError("user id is required")
	}
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return model.GroupMembership{}, err
	}
	now := s.clock.Now()
	existing, err := s.store.MembershipsForUser(ctx, userID)
	if err != nil {
		return model.GroupMembership{}, fmt.Errorf("authz: user memberships: %w", err)
	}
	for _, m := range existing {
		if m.GroupID == groupID && model.ActiveAt(m.ExpiresAt, now) {
			return model.GroupMembership{}, model.NewConflictError(
				fmt.Sprintf("user %s is already a member of group %s", userID, groupID))
		}
	}

	m := model.GroupMembership{GroupID: groupID, UserID: userID, ExpiresAt: expiresAt, CreatedAt: now.UTC()}
	if err := s.store.PutMembership(ctx, m); err != nil {
		return model.GroupMembership{}, err
	}
	s.cache.invalidate(userID)
	s.logger.Info("group member added", zap.String("group_id", groupID), zap.String("user_id", userID))
	return m, nil
}

// RemoveMember removes userID from a group.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := s.store.DeleteMembership(ctx, groupID, userID); err != nil {
		return err
	}
	s.cache.invalidate(userID)
	return nil
}

// ExpireMembership ends a membership as of now, keeping the record.
func (s *Service) ExpireMembership(ctx context.Context, groupID, userID string) error {
	ms, err := s.store.MembershipsForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("authz: user memberships: %w", err)
	}
	for _, m := range ms {
		if m.GroupID == groupID {
			now := s.clock.Now().UTC()
			m.ExpiresAt = &now
			if err := s.store.PutMembership(ctx, m); err != nil {
				return err
			}
			s.cache.invalidate(userID)
			return nil
		}
	}
	return model.NewEntityNotFoundError("membership", membershipKey(groupID, userID))
}

// AssignRoleToUser grants a role directly to a user.
func (s *Service) AssignRoleToUser(ctx context.Context, roleID, userID string, expiresAt *time.Time) (model.RoleAssignment, error) {
	if userID == "" {
		return model.RoleAssignment{}, model.NewBadRequestError("user id is required")
	}
	existing, err := s.store.AssignmentsForUser(ctx, userID)
	if err != nil {
		return model.RoleAssignment{}, fmt.Errorf("authz: user assignments: %w", err)
	}
	a, err := s.assign(ctx, model.RoleAssignment{RoleID: roleID, UserID: userID, ExpiresAt: expiresAt}, existing)
	if err != nil {
		return model.RoleAssignment{}, err
	}
	s.cache.invalidate(userID)
	return a, nil
}

// AssignRoleToGroup grants a role to every current member of a group.
func (s *Service) AssignRoleToGroup(ctx context.Context, roleID, groupID string, expiresAt *time.Time) (model.RoleAssignment, error) {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return model.RoleAssignment{}, err
	}
	existing, err := s.store.AssignmentsForGroups(ctx, []string{groupID})
	if err != nil {
		return model.RoleAssignment{}, fmt.Errorf("authz: group assignments: %w", err)
	}
	a, err := s.assign(ctx, model.RoleAssignment{RoleID: roleID, GroupID: groupID, ExpiresAt: expiresAt}, existing)
	if err != nil {
		return model.RoleAssignment{}, err
	}
	s.cache.invalidateAll()
	return a, nil
}

func (s *Service) assign(ctx context.Context, a model.RoleAssignment, existing []model.RoleAssignment) (model.RoleAssignment, error) {
	if _, err := s.store.GetRole(ctx, a.RoleID); err != nil {
		return model.RoleAssignment{}, err
	}
	now := s.clock.Now()
	for _, e := range existing {
		if e.RoleID == a.RoleID && model.ActiveAt(e.ExpiresAt, now) {
			return model.RoleAssignment{}, model.NewConflictError(
				fmt.Sprintf("role %s is already assigned (assignment %s)", a.RoleID, e.ID))
		}
	}
	a.ID = uuid.New().String()
	a.CreatedAt = now.UTC()
	if err := s.store.InsertAssignment(ctx, a); err != nil {
		return model.RoleAssignment{}, err
	}
	s.logger.Info("role assigned",
		zap.String("assignment_id", a.ID),
		zap.String("role_id", a.RoleID),
		zap.String("user_id", a.UserID),
		zap.String("group_id", a.GroupID),
	)
	return a, nil
}

// Unassign deletes an assignment.
func (s *Service) Unassign(ctx context.Context, assignmentID string) error {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAssignment(ctx, assignmentID); err != nil {
		return err
	}
	s.invalidateFor(a)
	return nil
}

// ExpireAssignment ends an assignment as of now, keeping the record.
func (s *Service) ExpireAssignment(ctx context.Context, assignmentID string) error {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if err := s.store.SetAssignmentExpiry(ctx, assignmentID, &now); err != nil {
		return err
	}
	s.invalidateFor(a)
	return nil
}

func (s *Service) invalidateFor(a model.RoleAssignment) {
	if a.UserID != "" {
		s.cache.invalidate(a.UserID)
		return
	}
	s.cache.invalidateAll()
}

// HealthCheck reports store availability.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
