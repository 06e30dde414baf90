package workflow

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/pitabwire/tasquencer/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
// Transactions buffer their writes, which are applied only when the
// transaction function returns nil. The store lock is held per read and for
// the commit; writers on the same root are serialized through LockRoot.
type MemoryStore struct {
	mu         sync.RWMutex
	roots      *keyedMutex
	instances  map[string]model.WorkflowInstance
	conditions map[condKey]model.Condition
	tasks      map[taskKey]model.Task
	workItems  map[string]model.WorkItem
}

type condKey struct {
	workflowID, name string
}

type taskKey struct {
	workflowID, name string
	generation       int
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roots:      newKeyedMutex(),
		instances:  make(map[string]model.WorkflowInstance),
		conditions: make(map[condKey]model.Condition),
		tasks:      make(map[taskKey]model.Task),
		workItems:  make(map[string]model.WorkItem),
	}
}

// RunInTx runs fn and commits its writes on success. Root locks taken by
// the transaction are released after the commit.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := s.begin(false, &s.mu)
	defer tx.releaseRoots()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.instances.commit()
	tx.conditions.commit()
	tx.tasks.commit()
	tx.workItems.commit()
	return nil
}

// View runs fn against committed state.
func (s *MemoryStore) View(_ context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.begin(true, nil))
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// begin opens a transaction. A nil lock means the caller already holds the
// store lock for the transaction's lifetime.
func (s *MemoryStore) begin(readOnly bool, lock *sync.RWMutex) *memTx {
	return &memTx{
		readOnly:   readOnly,
		roots:      s.roots,
		held:       make(map[string]func()),
		instances:  newTable(lock, s.instances, cloneInstance),
		conditions: newTable(lock, s.conditions, func(c model.Condition) model.Condition { return c }),
		tasks:      newTable(lock, s.tasks, cloneTask),
		workItems:  newTable(lock, s.workItems, cloneWorkItem),
	}
}

// table overlays buffered writes on a committed map.
type table[K comparable, V any] struct {
	lock  *sync.RWMutex
	base  map[K]V
	dirty map[K]V
	clone func(V) V
}

func newTable[K comparable, V any](lock *sync.RWMutex, base map[K]V, clone func(V) V) *table[K, V] {
	return &table[K, V]{lock: lock, base: base, dirty: make(map[K]V), clone: clone}
}

func (t *table[K, V]) rlock() func() {
	if t.lock == nil {
		return func() {}
	}
	t.lock.RLock()
	return t.lock.RUnlock
}

func (t *table[K, V]) get(k K) (V, bool) {
	if v, ok := t.dirty[k]; ok {
		return t.clone(v), true
	}
	defer t.rlock()()
	v, ok := t.base[k]
	if !ok {
		return v, false
	}
	return t.clone(v), true
}

func (t *table[K, V]) put(k K, v V) {
	t.dirty[k] = t.clone(v)
}

func (t *table[K, V]) scan(keep func(V) bool) []V {
	defer t.rlock()()
	var out []V
	for k, v := range t.base {
		if d, ok := t.dirty[k]; ok {
			v = d
		}
		if keep(v) {
			out = append(out, t.clone(v))
		}
	}
	for k, v := range t.dirty {
		if _, ok := t.base[k]; ok {
			continue
		}
		if keep(v) {
			out = append(out, t.clone(v))
		}
	}
	return out
}

func (t *table[K, V]) commit() {
	maps.Copy(t.base, t.dirty)
}

type memTx struct {
	readOnly   bool
	roots      *keyedMutex
	held       map[string]func()
	instances  *table[string, model.WorkflowInstance]
	conditions *table[condKey, model.Condition]
	tasks      *table[taskKey, model.Task]
	workItems  *table[string, model.WorkItem]
}

var errReadOnly = fmt.Errorf("workflow: write in read-only transaction")

func (tx *memTx) writable() error {
	if tx.readOnly {
		return errReadOnly
	}
	return nil
}

// LockRoot holds rootID's lock until the transaction ends.
func (tx *memTx) LockRoot(_ context.Context, rootID string) error {
	if tx.readOnly {
		return nil
	}
	if _, ok := tx.held[rootID]; !ok {
		tx.held[rootID] = tx.roots.Lock(rootID)
	}
	return nil
}

func (tx *memTx) releaseRoots() {
	for id, unlock := range tx.held {
		unlock()
		delete(tx.held, id)
	}
}

func (tx *memTx) InsertInstance(_ context.Context, inst model.WorkflowInstance) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, exists := tx.instances.get(inst.ID); exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	tx.instances.put(inst.ID, inst)
	return nil
}

func (tx *memTx) UpdateInstance(_ context.Context, inst *model.WorkflowInstance) error {
	if err := tx.writable(); err != nil {
		return err
	}
	existing, ok := tx.instances.get(inst.ID)
	if !ok {
		return model.NewEntityNotFoundError("workflow instance", inst.ID)
	}
	if existing.Revision != inst.Revision {
		return model.NewConflictError(fmt.Sprintf(
			"workflow instance %q revision conflict (expected %d, got %d)", inst.ID, inst.Revision, existing.Revision))
	}
	inst.Revision++
	tx.instances.put(inst.ID, *inst)
	return nil
}

func (tx *memTx) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	inst, ok := tx.instances.get(id)
	if !ok {
		return model.WorkflowInstance{}, model.NewEntityNotFoundError("workflow instance", id)
	}
	return inst, nil
}

func (tx *memTx) ListInstances(_ context.Context, f model.WorkflowFilters) (model.Page[model.WorkflowInstance], error) {
	items := tx.instances.scan(func(w model.WorkflowInstance) bool {
		if f.Name != "" && w.Name != f.Name {
			return false
		}
		if f.State != "" && w.State != f.State {
			return false
		}
		if f.ParentID != "" && w.ParentID != f.ParentID {
			return false
		}
		if f.RootOnly && !w.IsRoot() {
			return false
		}
		return true
	})
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return paginate(items, f.Offset, f.Limit), nil
}

func (tx *memTx) Children(_ context.Context, parentID string) ([]model.WorkflowInstance, error) {
	out := tx.instances.scan(func(w model.WorkflowInstance) bool { return w.ParentID == parentID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) PutCondition(_ context.Context, c model.Condition) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.conditions.put(condKey{c.WorkflowID, c.Name}, c)
	return nil
}

func (tx *memTx) GetCondition(_ context.Context, workflowID, name string) (model.Condition, error) {
	c, ok := tx.conditions.get(condKey{workflowID, name})
	if !ok {
		return model.Condition{}, model.NewEntityNotFoundError("condition", workflowID+"/"+name)
	}
	return c, nil
}

func (tx *memTx) Conditions(_ context.Context, workflowID string) ([]model.Condition, error) {
	out := tx.conditions.scan(func(c model.Condition) bool { return c.WorkflowID == workflowID })
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (tx *memTx) InsertTask(_ context.Context, t model.Task) error {
	if err := tx.writable(); err != nil {
		return err
	}
	k := taskKey{t.WorkflowID, t.Name, t.Generation}
	if _, exists := tx.tasks.get(k); exists {
		return model.NewConflictError(fmt.Sprintf("task %s generation %d already exists", t.Name, t.Generation))
	}
	tx.tasks.put(k, t)
	return nil
}

func (tx *memTx) UpdateTask(_ context.Context, t model.Task) error {
	if err := tx.writable(); err != nil {
		return err
	}
	k := taskKey{t.WorkflowID, t.Name, t.Generation}
	if _, ok := tx.tasks.get(k); !ok {
		return model.NewEntityNotFoundError("task", fmt.Sprintf("%s/%s/%d", t.WorkflowID, t.Name, t.Generation))
	}
	tx.tasks.put(k, t)
	return nil
}

func (tx *memTx) GetTask(_ context.Context, workflowID, name string, generation int) (model.Task, error) {
	t, ok := tx.tasks.get(taskKey{workflowID, name, generation})
	if !ok {
		return model.Task{}, model.NewEntityNotFoundError("task", fmt.Sprintf("%s/%s/%d", workflowID, name, generation))
	}
	return t, nil
}

func (tx *memTx) LatestTask(ctx context.Context, workflowID, name string) (model.Task, error) {
	history, _ := tx.TaskHistory(ctx, workflowID, name)
	if len(history) == 0 {
		return model.Task{}, model.NewEntityNotFoundError("task", workflowID+"/"+name)
	}
	return history[len(history)-1], nil
}

func (tx *memTx) TaskHistory(_ context.Context, workflowID, name string) ([]model.Task, error) {
	out := tx.tasks.scan(func(t model.Task) bool { return t.WorkflowID == workflowID && t.Name == name })
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (tx *memTx) InsertWorkItem(_ context.Context, wi model.WorkItem) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, exists := tx.workItems.get(wi.ID); exists {
		return model.NewConflictError(fmt.Sprintf("work item %q already exists", wi.ID))
	}
	tx.workItems.put(wi.ID, wi)
	return nil
}

func (tx *memTx) UpdateWorkItem(_ context.Context, wi model.WorkItem) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.workItems.get(wi.ID); !ok {
		return model.NewEntityNotFoundError("work item", wi.ID)
	}
	tx.workItems.put(wi.ID, wi)
	return nil
}

func (tx *memTx) GetWorkItem(_ context.Context, id string) (model.WorkItem, error) {
	wi, ok := tx.workItems.get(id)
	if !ok {
		return model.WorkItem{}, model.NewEntityNotFoundError("work item", id)
	}
	return wi, nil
}

func (tx *memTx) WorkItemsForTask(_ context.Context, workflowID, name string, generation int) ([]model.WorkItem, error) {
	out := tx.workItems.scan(func(wi model.WorkItem) bool {
		return wi.WorkflowID == workflowID && wi.TaskName == name && wi.TaskGeneration == generation
	})
	sortWorkItems(out)
	return out, nil
}

func (tx *memTx) WorkItemsForWorkflow(_ context.Context, workflowID string) ([]model.WorkItem, error) {
	out := tx.workItems.scan(func(wi model.WorkItem) bool { return wi.WorkflowID == workflowID })
	sortWorkItems(out)
	return out, nil
}

func (tx *memTx) ListWorkItems(_ context.Context, f model.WorkItemFilters) (model.Page[model.WorkItem], error) {
	items := tx.workItems.scan(func(wi model.WorkItem) bool { return matchWorkItem(wi, f) })
	sortWorkItems(items)
	return paginate(items, f.Offset, f.Limit), nil
}

// matchWorkItem applies every work item filter. Stores that cannot express
// scope matching in their query language call it on fetched rows.
func matchWorkItem(wi model.WorkItem, f model.WorkItemFilters) bool {
	switch {
	case f.WorkflowID != "" && wi.WorkflowID != f.WorkflowID:
		return false
	case f.WorkflowName != "" && wi.WorkflowName != f.WorkflowName:
		return false
	case f.State != "" && wi.State != f.State:
		return false
	case f.Phase != "" && wi.Phase != f.Phase:
		return false
	case f.Scope != "" && wi.RequiredScope != f.Scope:
		return false
	case f.Unclaimed && wi.Claim != nil:
		return false
	case f.Scopes != nil && (wi.RequiredScope == "" || !f.Scopes.Has(wi.RequiredScope)):
		return false
	}
	return true
}

func sortWorkItems(items []model.WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func paginate[T any](items []T, offset, limit int) model.Page[T] {
	total := len(items)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	page := items[offset:end]
	if page == nil {
		page = []T{}
	}
	return model.Page[T]{Items: page, Total: total, Offset: offset, Limit: limit}
}

func cloneInstance(w model.WorkflowInstance) model.WorkflowInstance {
	w.ExecutionPath = append([]string(nil), w.ExecutionPath...)
	w.RealizedPath = append([]string(nil), w.RealizedPath...)
	w.Payload = clonePayload(w.Payload)
	if w.ParentTask != nil {
		ref := *w.ParentTask
		w.ParentTask = &ref
	}
	if w.EndedAt != nil {
		t := *w.EndedAt
		w.EndedAt = &t
	}
	return w
}

func cloneTask(t model.Task) model.Task {
	t.ConsumedFrom = append([]string(nil), t.ConsumedFrom...)
	return t
}

func cloneWorkItem(wi model.WorkItem) model.WorkItem {
	wi.Payload = clonePayload(wi.Payload)
	if wi.Claim != nil {
		c := *wi.Claim
		wi.Claim = &c
	}
	return wi
}

// clonePayload deep-copies nested maps and slices of a JSON-like payload.
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return clonePayload(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	}
	return v
}
