package authz

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pitabwire/tasquencer/model"
)

type cacheEntry struct {
	scopes  model.ScopeSet
	expires time.Time
}

// scopeCache memoizes resolved scope sets per user. An entry never outlives
// the earliest expiry among the grants that produced it. Every invalidation
// bumps epoch; a resolution that started under an older epoch is not stored.
type scopeCache struct {
	clock clockwork.Clock
	ttl   time.Duration
	mu    sync.RWMutex
	epoch uint64
	cache map[string]cacheEntry
}

func newScopeCache(clock clockwork.Clock, ttl time.Duration) *scopeCache {
	return &scopeCache{
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

func (c *scopeCache) get(userID string) (model.ScopeSet, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cache[userID]
	if !ok || !c.clock.Now().Before(entry.expires) {
		return nil, false
	}
	return entry.scopes.Clone(), true
}

// begin returns the epoch a store read starts under.
func (c *scopeCache) begin() uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// put stores scopes until now+ttl or until, whichever comes first. A zero
// until means no grant expires. The write is dropped when an invalidation
// happened after begin returned epoch.
func (c *scopeCache) put(epoch uint64, userID string, scopes model.ScopeSet, until time.Time) {
	if c == nil {
		return
	}
	expires := c.clock.Now().Add(c.ttl)
	if !until.IsZero() && until.Before(expires) {
		expires = until
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.cache[userID] = cacheEntry{scopes: scopes.Clone(), expires: expires}
}

func (c *scopeCache) invalidate(userID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.epoch++
	delete(c.cache, userID)
	c.mu.Unlock()
}

func (c *scopeCache) invalidateAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.epoch++
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}
