package authz

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tasquencer/model"
)

// Seed is the YAML bootstrap file for the role and group tables.
//
//	roles:
//	  staff: [staff:write]
//	groups:
//	  reviewers:
//	    roles: [reviewer]
//	    members: [u2]
//	users:
//	  u1: [staff]
type Seed struct {
	Roles  map[string][]string  `yaml:"roles"`
	Groups map[string]SeedGroup `yaml:"groups"`
	Users  map[string][]string  `yaml:"users"`
}

// SeedGroup lists a group's roles and members.
type SeedGroup struct {
	Roles   []string `yaml:"roles"`
	Members []string `yaml:"members"`
}

// LoadSeed reads a seed file from disk.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("authz: reading seed file %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("authz: parsing seed file %s: %w", path, err)
	}
	return seed, nil
}

// ApplySeed creates or updates the seeded roles, groups, memberships and
// assignments. Running it twice leaves the tables unchanged.
func (s *Service) ApplySeed(ctx context.Context, seed Seed) error {
	roleIDs := make(map[string]string, len(seed.Roles))
	for _, name := range sortedKeys(seed.Roles) {
		scopes := seed.Roles[name]
		role, err := s.store.FindRoleByName(ctx, name)
		switch {
		case err == nil:
			role, err = s.UpdateRole(ctx, role.ID, scopes, true)
		case model.IsCode(err, model.ErrNotFound):
			role, err = s.CreateRole(ctx, name, scopes)
		}
		if err != nil {
			return fmt.Errorf("authz: seeding role %s: %w", name, err)
		}
		roleIDs[name] = role.ID
	}

	roleID := func(name string) (string, error) {
		if id, ok := roleIDs[name]; ok {
			return id, nil
		}
		role, err := s.store.FindRoleByName(ctx, name)
		if err != nil {
			return "", err
		}
		return role.ID, nil
	}

	for _, name := range sortedKeys(seed.Groups) {
		seeded := seed.Groups[name]
		group, err := s.store.FindGroupByName(ctx, name)
		if model.IsCode(err, model.ErrNotFound) {
			group, err = s.CreateGroup(ctx, name)
		}
		if err != nil {
			return fmt.Errorf("authz: seeding group %s: %w", name, err)
		}
		for _, r := range seeded.Roles {
			id, err := roleID(r)
			if err != nil {
				return fmt.Errorf("authz: group %s role %s: %w", name, r, err)
			}
			if _, err := s.AssignRoleToGroup(ctx, id, group.ID, nil); ignoreConflict(err) != nil {
				return fmt.Errorf("authz: group %s role %s: %w", name, r, err)
			}
		}
		for _, u := range seeded.Members {
			if _, err := s.AddMember(ctx, group.ID, u, nil); ignoreConflict(err) != nil {
				return fmt.Errorf("authz: group %s member %s: %w", name, u, err)
			}
		}
	}

	for _, user := range sortedKeys(seed.Users) {
		for _, r := range seed.Users[user] {
			id, err := roleID(r)
			if err != nil {
				return fmt.Errorf("authz: user %s role %s: %w", user, r, err)
			}
			if _, err := s.AssignRoleToUser(ctx, id, user, nil); ignoreConflict(err) != nil {
				return fmt.Errorf("authz: user %s role %s: %w", user, r, err)
			}
		}
	}
	return nil
}

func ignoreConflict(err error) error {
	if model.IsCode(err, model.ErrConflict) {
		return nil
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
