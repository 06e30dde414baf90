package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/tasquencer/model"
)

// snapshot is an immutable collection of definitions indexed by
// "name@version", plus the most recently registered version per name.
type snapshot struct {
	byKey    map[string]*model.WorkflowDefinition
	latest   map[string]string
	order    []string
	checksum string
}

// Registry is a read-optimized, thread-safe store of workflow definitions.
// Reads are lock-free; writers serialize on a mutex and publish a new
// snapshot.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions. Later entries
// for the same name@version replace earlier ones.
func NewRegistry(defs []model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Versions are ordered by registration order;
// the last registered version of a name is its latest.
func (r *Registry) Replace(defs []model.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &snapshot{
		byKey:  make(map[string]*model.WorkflowDefinition, len(defs)),
		latest: make(map[string]string),
	}
	for i := range defs {
		s.add(defs[i])
	}
	s.checksum = s.computeChecksum()
	r.snap.Store(s)
}

// Register adds one definition programmatically, keeping everything already
// registered. Re-registering the same name@version is a CONFLICT.
func (r *Registry) Register(def model.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current()
	if _, exists := cur.byKey[def.Key()]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow definition %s is already registered", def.Key()))
	}

	s := &snapshot{
		byKey:  make(map[string]*model.WorkflowDefinition, len(cur.byKey)+1),
		latest: make(map[string]string, len(cur.latest)+1),
		order:  append([]string(nil), cur.order...),
	}
	for k, v := range cur.byKey {
		s.byKey[k] = v
	}
	for k, v := range cur.latest {
		s.latest[k] = v
	}
	s.add(def)
	s.checksum = s.computeChecksum()
	r.snap.Store(s)
	return nil
}

func (s *snapshot) add(def model.WorkflowDefinition) {
	d := def
	key := d.Key()
	if _, exists := s.byKey[key]; !exists {
		s.order = append(s.order, key)
	}
	s.byKey[key] = &d
	s.latest[d.Name] = d.Version
}

func (s *snapshot) computeChecksum() string {
	parts := make([]string, 0, len(s.byKey))
	for key, d := range s.byKey {
		data, _ := json.Marshal(d)
		parts = append(parts, fmt.Sprintf("%s=%x", key, sha256.Sum256(data)))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}

func (r *Registry) current() *snapshot {
	s := r.snap.Load()
	if s == nil {
		return &snapshot{byKey: map[string]*model.WorkflowDefinition{}, latest: map[string]string{}}
	}
	return s
}

// Get returns the definition for name and version. An empty version
// resolves to the latest registered version. The returned definition must be
// treated as read-only.
func (r *Registry) Get(name, version string) (*model.WorkflowDefinition, error) {
	s := r.current()
	if version == "" {
		v, ok := s.latest[name]
		if !ok {
			return nil, model.NewDefinitionNotFoundError(name, "")
		}
		version = v
	}
	d, ok := s.byKey[model.DefinitionKey(name, version)]
	if !ok {
		return nil, model.NewDefinitionNotFoundError(name, version)
	}
	return d, nil
}

// Latest returns the latest registered version of name.
func (r *Registry) Latest(name string) (*model.WorkflowDefinition, error) {
	return r.Get(name, "")
}

// Versions returns the registered versions of name in registration order.
func (r *Registry) Versions(name string) []string {
	s := r.current()
	var out []string
	for _, key := range s.order {
		if d := s.byKey[key]; d.Name == name {
			out = append(out, d.Version)
		}
	}
	return out
}

// All returns every registered definition in registration order.
func (r *Registry) All() []*model.WorkflowDefinition {
	s := r.current()
	out := make([]*model.WorkflowDefinition, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.byKey[key])
	}
	return out
}

// Checksum returns the combined checksum of all registered definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
