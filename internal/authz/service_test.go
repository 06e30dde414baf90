package authz

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pitabwire/tasquencer/model"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewService(NewMemoryStore(), opts...), clock
}

func mustRole(t *testing.T, s *Service, name string, scopes ...string) model.AuthRole {
	t.Helper()
	r, err := s.CreateRole(context.Background(), name, scopes)
	if err != nil {
		t.Fatalf("CreateRole(%s) error = %v", name, err)
	}
	return r
}

func TestService_GetUserScopes_direct_and_group(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	staff := mustRole(t, s, "staff", "staff:write")
	reviewer := mustRole(t, s, "reviewer", "staff:review", "staff:write")
	group, err := s.CreateGroup(ctx, "reviewers")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	if _, err := s.AssignRoleToUser(ctx, staff.ID, "u1", nil); err != nil {
		t.Fatalf("AssignRoleToUser() error = %v", err)
	}
	if _, err := s.AssignRoleToGroup(ctx, reviewer.ID, group.ID, nil); err != nil {
		t.Fatalf("AssignRoleToGroup() error = %v", err)
	}
	if _, err := s.AddMember(ctx, group.ID, "u1", nil); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	scopes, err := s.GetUserScopes(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserScopes() error = %v", err)
	}
	want := []string{"staff:review", "staff:write"}
	if got := scopes.Sorted(); !reflect.DeepEqual(got, want) {
		t.Errorf("scopes = %v, want %v", got, want)
	}

	none, err := s.GetUserScopes(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUserScopes(nobody) error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("nobody scopes = %v, want empty", none.Sorted())
	}
}

func TestService_inactive_role_grants_nothing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	role := mustRole(t, s, "staff", "staff:write")
	if _, err := s.AssignRoleToUser(ctx, role.ID, "u1", nil); err != nil {
		t.Fatalf("AssignRoleToUser() error = %v", err)
	}
	if _, err := s.UpdateRole(ctx, role.ID, role.Scopes, false); err != nil {
		t.Fatalf("UpdateRole() error = %v", err)
	}

	if err := s.RequireScope(ctx, "u1", "staff:write"); !model.IsCode(err, model.ErrForbidden) {
		t.Fatalf("RequireScope() error = %v, want FORBIDDEN", err)
	}
}

func TestService_scope_expiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestService(t, WithCacheTTL(time.Hour))

	role := mustRole(t, s, "staff", "staff:write")
	expires := epoch.Add(10 * time.Minute)
	if _, err := s.AssignRoleToUser(ctx, role.ID, "u1", &expires); err != nil {
		t.Fatalf("AssignRoleToUser() error = %v", err)
	}

	if err := s.RequireScope(ctx, "u1", "staff:write"); err != nil {
		t.Fatalf("RequireScope() before expiry error = %v", err)
	}

	clock.Advance(11 * time.Minute)

	err := s.RequireScope(ctx, "u1", "staff:write")
	if !model.IsCode(err, model.ErrForbidden) {
		t.Fatalf("RequireScope() after expiry error = %v, want FORBIDDEN", err)
	}
	if err.Error() != "FORBIDDEN: user u1 does not have scope staff:write" {
		t.Errorf("error message = %q", err.Error())
	}
}

func TestService_past_expiry_excluded(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	role := mustRole(t, s, "staff", "staff:write")
	past := epoch.Add(-time.Minute)
	if _, err := s.AssignRoleToUser(ctx, role.ID, "u1", &past); err != nil {
		t.Fatalf("AssignRoleToUser() error = %v", err)
	}
	scopes, err := s.GetUserScopes(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserScopes() error = %v", err)
	}
	if scopes.Has("staff:write") {
		t.Error("expired assignment should be excluded")
	}
}

func TestService_membership_expiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestService(t)

	role := mustRole(t, s, "reviewer", "staff:review")
	group, _ := s.CreateGroup(ctx, "reviewers")
	if _, err := s.AssignRoleToGroup(ctx, role.ID, group.ID, nil); err != nil {
		t.Fatalf("AssignRoleToGroup() error = %v", err)
	}
	until := epoch.Add(time.Hour)
	if _, err := s.AddMember(ctx, group.ID, "u2", &until); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	if ok, _ := s.HasScope(ctx, "u2", "staff:review"); !ok {
		t.Fatal("u2 should hold staff:review while a member")
	}
	clock.Advance(2 * time.Hour)
	if ok, _ := s.HasScope(ctx, "u2", "staff:review"); ok {
		t.Fatal("u2 should lose staff:review after membership expiry")
	}

	// An expired membership may be renewed.
	if _, err := s.AddMember(ctx, group.ID, "u2", nil); err != nil {
		t.Fatalf("AddMember() renewal error = %v", err)
	}
	if ok, _ := s.HasScope(ctx, "u2", "staff:review"); !ok {
		t.Fatal("renewed membership should grant staff:review")
	}
}

func TestService_cache_invalidated_on_mutation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, WithCacheTTL(time.Hour))

	role := mustRole(t, s, "staff", "staff:write")
	if ok, _ := s.HasScope(ctx, "u1", "staff:write"); ok {
		t.Fatal("u1 should start without scopes")
	}
	a, err := s.AssignRoleToUser(ctx, role.ID, "u1", nil)
	if err != nil {
		t.Fatalf("AssignRoleToUser() error = %v", err)
	}
	if ok, _ := s.HasScope(ctx, "u1", "staff:write"); !ok {
		t.Fatal("assignment should be visible despite cached empty set")
	}
	if err := s.ExpireAssignment(ctx, a.ID); err != nil {
		t.Fatalf("ExpireAssignment() error = %v", err)
	}
	if ok, _ := s.HasScope(ctx, "u1", "staff:write"); ok {
		t.Fatal("expired assignment should be dropped from the cache")
	}
}

// revokingStore runs revoke once, after the first user-assignment read it
// serves, so the read result predates the revocation.
type revokingStore struct {
	Store
	revoke func()
}

func (r *revokingStore) AssignmentsForUser(ctx context.Context, userID string) ([]model.RoleAssignment, error) {
	out, err := r.Store.AssignmentsForUser(ctx, userID)
	if fn := r.revoke; fn != nil {
		r.revoke = nil
		fn()
	}
	return out, err
}

func TestService_cache_drops_resolution_racing_revocation(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	store := &revokingStore{Store: NewMemoryStore()}
	s := NewService(store, WithClock(clock), WithCacheTTL(time.Hour))

	role := mustRole(t, s, "staff", "staff:write")
	a, err := s.AssignRoleToUser(ctx, role.ID, "alice", nil)
	if err != nil {
		t.Fatalf("AssignRoleToUser() error = %v", err)
	}

	store.revoke = func() {
		if err := s.Unassign(ctx, a.ID); err != nil {
			t.Errorf("Unassign() error = %v", err)
		}
	}
	// The in-flight resolution still sees the old grant.
	if ok, _ := s.HasScope(ctx, "alice", "staff:write"); !ok {
		t.Fatal("resolution started before revocation should see the grant")
	}
	if err := s.RequireScope(ctx, "alice", "staff:write"); !model.IsCode(err, model.ErrForbidden) {
		t.Fatalf("RequireScope() after revocation error = %v, want FORBIDDEN", err)
	}
}

func TestService_cached_scopes_are_copies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, WithCacheTTL(time.Hour))

	role := mustRole(t, s, "staff", "staff:write")
	if _, err := s.AssignRoleToUser(ctx, role.ID, "u1", nil); err != nil {
		t.Fatalf("AssignRoleToUser() error = %v", err)
	}
	first, _ := s.GetUserScopes(ctx, "u1")
	first["admin:*"] = true
	delete(first, "staff:write")

	second, _ := s.GetUserScopes(ctx, "u1")
	if want := []string{"staff:write"}; !reflect.DeepEqual(second.Sorted(), want) {
		t.Errorf("cached scopes = %v, want %v", second.Sorted(), want)
	}
}

func TestService_GetUsersWithScope(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	staff := mustRole(t, s, "staff", "staff:write")
	admin := mustRole(t, s, "admin", "staff:*")
	group, _ := s.CreateGroup(ctx, "admins")

	_, _ = s.AssignRoleToUser(ctx, staff.ID, "u1", nil)
	past := epoch.Add(-time.Second)
	_, _ = s.AssignRoleToUser(ctx, staff.ID, "u9", &past)
	_, _ = s.AssignRoleToGroup(ctx, admin.ID, group.ID, nil)
	_, _ = s.AddMember(ctx, group.ID, "u4", nil)
	_, _ = s.AddMember(ctx, group.ID, "u5", &past)

	users, err := s.GetUsersWithScope(ctx, "staff:write")
	if err != nil {
		t.Fatalf("GetUsersWithScope() error = %v", err)
	}
	if want := []string{"u1", "u4"}; !reflect.DeepEqual(users, want) {
		t.Errorf("users = %v, want %v", users, want)
	}
}

func TestService_uniqueness_and_references(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	role := mustRole(t, s, "staff", "staff:write")
	if _, err := s.CreateRole(ctx, "staff", nil); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("duplicate role error = %v, want CONFLICT", err)
	}
	if _, err := s.CreateGroup(ctx, "g"); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if _, err := s.CreateGroup(ctx, "g"); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("duplicate group error = %v, want CONFLICT", err)
	}
	if _, err := s.AssignRoleToUser(ctx, "missing-role", "u1", nil); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("assign missing role error = %v, want NOT_FOUND", err)
	}
	if _, err := s.AssignRoleToGroup(ctx, role.ID, "missing-group", nil); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("assign to missing group error = %v, want NOT_FOUND", err)
	}
	if _, err := s.AddMember(ctx, "missing-group", "u1", nil); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("add to missing group error = %v, want NOT_FOUND", err)
	}
	if _, err := s.AssignRoleToUser(ctx, role.ID, "u1", nil); err != nil {
		t.Fatalf("AssignRoleToUser() error = %v", err)
	}
	if _, err := s.AssignRoleToUser(ctx, role.ID, "u1", nil); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("duplicate assignment error = %v, want CONFLICT", err)
	}
}

func TestService_delete_cascades(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	store := s.store

	role := mustRole(t, s, "reviewer", "staff:review")
	group, _ := s.CreateGroup(ctx, "reviewers")
	_, _ = s.AssignRoleToGroup(ctx, role.ID, group.ID, nil)
	_, _ = s.AssignRoleToUser(ctx, role.ID, "u1", nil)
	_, _ = s.AddMember(ctx, group.ID, "u2", nil)

	if err := s.DeleteGroup(ctx, group.ID); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	if ms, _ := store.MembershipsForUser(ctx, "u2"); len(ms) != 0 {
		t.Errorf("memberships after group delete = %v", ms)
	}
	if as, _ := store.AssignmentsForRole(ctx, role.ID); len(as) != 1 {
		t.Errorf("assignments after group delete = %d, want 1 (direct)", len(as))
	}

	if err := s.DeleteRole(ctx, role.ID); err != nil {
		t.Fatalf("DeleteRole() error = %v", err)
	}
	if as, _ := store.AssignmentsForUser(ctx, "u1"); len(as) != 0 {
		t.Errorf("assignments after role delete = %v", as)
	}
	if ok, _ := s.HasScope(ctx, "u1", "staff:review"); ok {
		t.Error("deleted role should grant nothing")
	}
}

func TestService_Unassign(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	role := mustRole(t, s, "staff", "staff:write")
	a, _ := s.AssignRoleToUser(ctx, role.ID, "u1", nil)
	if err := s.Unassign(ctx, a.ID); err != nil {
		t.Fatalf("Unassign() error = %v", err)
	}
	if err := s.Unassign(ctx, a.ID); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("second Unassign() error = %v, want NOT_FOUND", err)
	}
}

func TestService_ApplySeed_idempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	seed, err := LoadSeed("testdata/seed.yaml")
	if err != nil {
		t.Fatalf("LoadSeed() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.ApplySeed(ctx, seed); err != nil {
			t.Fatalf("ApplySeed() pass %d error = %v", i, err)
		}
	}

	roles, _ := s.store.ListRoles(ctx)
	if len(roles) != 3 {
		t.Errorf("roles = %d, want 3", len(roles))
	}
	if ok, _ := s.HasScope(ctx, "u1", "staff:write"); !ok {
		t.Error("u1 should hold staff:write")
	}
	if ok, _ := s.HasScope(ctx, "u3", "staff:review"); !ok {
		t.Error("u3 should hold staff:review via reviewers")
	}
	if ok, _ := s.HasScope(ctx, "root", "anything:at:all"); !ok {
		t.Error("root should hold every scope via *")
	}
	if as, _ := s.store.AssignmentsForUser(ctx, "u1"); len(as) != 1 {
		t.Errorf("u1 assignments = %d, want 1 after re-seeding", len(as))
	}
}

func TestLoadSeed_missing_file(t *testing.T) {
	if _, err := LoadSeed("testdata/nope.yaml"); err == nil {
		t.Fatal("LoadSeed() with missing file should fail")
	}
}
