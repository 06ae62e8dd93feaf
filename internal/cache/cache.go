// Package cache memoizes resolved contexts. Entries are keyed by
// (user, level, context id) and carry an epoch stamp so that an
// invalidation racing a concurrent populate always wins: a populate
// that began before the invalidation carries a stale epoch and is
// silently discarded.
//
// The cache also maintains a reverse dependency index, built lazily
// as resolutions occur: resolving a TASK registers it as a dependent
// of its BRANCH, PROJECT and GLOBAL ancestors, so invalidating any
// ancestor can also drop every descendant's resolved view.
//
// Eviction is bounded LRU. Exceeding capacity silently evicts the
// least-recently-used resolved entry; resolved views are cheap to
// recompute, so this trades latency, never correctness. Eviction and
// TTL expiry also drop the entry's dependency edges (the next resolve
// re-registers them), keeping the index proportional to what is
// cached. Invalidation keeps edges: a recently invalidated dependent
// may be mid-repopulate, and a write to its ancestor must still bump
// its epoch. Epoch counters are monotonic and never removed —
// clearing one would let a stale in-flight populate land after the
// key is invalidated and re-resolved.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/stratahq/strata/internal/hierarchy"
)

// Key addresses one resolved view.
type Key struct {
	UserID string
	Level  hierarchy.Level
	ID     string
}

// NewKey builds a Key from a scope and context coordinates.
func NewKey(scope hierarchy.Scope, level hierarchy.Level, id string) Key {
	return Key{UserID: scope.UserID, Level: level, ID: id}
}

type entry struct {
	key      Key
	resolved *hierarchy.ResolvedContext
	epoch    uint64
	expires  time.Time
	elem     *list.Element
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	entries    map[Key]*entry
	lru        *list.List // front = most recently used; values are Keys
	epochs     map[Key]uint64
	dependents map[Key]map[Key]struct{}
	ancestors  map[Key]map[Key]struct{} // reverse of dependents, for edge pruning
}

const (
	// DefaultCapacity bounds the number of resolved entries.
	DefaultCapacity = 1024
	// DefaultTTL bounds entry staleness even without writes.
	DefaultTTL = 15 * time.Minute
)

// New creates a Cache. Non-positive capacity or ttl fall back to the
// defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		capacity:   capacity,
		defaultTTL: ttl,
		entries:    make(map[Key]*entry),
		lru:        list.New(),
		epochs:     make(map[Key]uint64),
		dependents: make(map[Key]map[Key]struct{}),
		ancestors:  make(map[Key]map[Key]struct{}),
	}
}

// GetResolved returns a copy of the cached resolved view, or false on
// miss. Expired entries are removed, not returned.
func (c *Cache) GetResolved(key Key) (*hierarchy.ResolvedContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.evictLocked(key)
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return e.resolved.Clone(), true
}

// Epoch returns the current epoch for a key. Callers read it before
// resolving and pass it back to PutResolved; any invalidation in
// between bumps the epoch and voids the populate.
func (c *Cache) Epoch(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[key]
}

// PutResolved stores a resolved view if the key's epoch is still the
// one observed at resolution start. A ttl of 0 uses the cache
// default.
func (c *Cache) PutResolved(key Key, resolved *hierarchy.ResolvedContext, epoch uint64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epochs[key] != epoch {
		// Invalidated while resolving; the populate is stale.
		return
	}
	if existing, ok := c.entries[key]; ok {
		existing.resolved = resolved.Clone()
		existing.epoch = epoch
		existing.expires = time.Now().Add(ttl)
		c.lru.MoveToFront(existing.elem)
		return
	}
	e := &entry{
		key:      key,
		resolved: resolved.Clone(),
		epoch:    epoch,
		expires:  time.Now().Add(ttl),
	}
	e.elem = c.lru.PushFront(key)
	c.entries[key] = e

	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.evictLocked(oldest.Value.(Key))
	}
}

// RegisterDependency records that dependent's resolved view includes
// ancestor's data, so invalidating ancestor must also invalidate
// dependent.
func (c *Cache) RegisterDependency(ancestor, dependent Key) {
	if ancestor == dependent {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.dependents[ancestor]
	if !ok {
		set = make(map[Key]struct{})
		c.dependents[ancestor] = set
	}
	set[dependent] = struct{}{}

	back, ok := c.ancestors[dependent]
	if !ok {
		back = make(map[Key]struct{})
		c.ancestors[dependent] = back
	}
	back[ancestor] = struct{}{}
}

// InvalidateContext drops the resolved entry for exactly this key and
// bumps its epoch so in-flight populates are discarded.
func (c *Cache) InvalidateContext(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateOneLocked(key)
}

// InvalidateInheritance drops the resolved entries for this key and
// every registered descendant, transitively. Called after any write
// that changes what descendants would inherit.
func (c *Cache) InvalidateInheritance(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[Key]struct{}{}
	var walk func(k Key)
	walk = func(k Key) {
		if _, done := seen[k]; done {
			return
		}
		seen[k] = struct{}{}
		c.invalidateOneLocked(k)
		for dep := range c.dependents[k] {
			walk(dep)
		}
	}
	walk(key)
}

// Len returns the number of cached resolved entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) invalidateOneLocked(key Key) {
	c.epochs[key]++
	c.removeLocked(key)
}

func (c *Cache) removeLocked(key Key) {
	if e, ok := c.entries[key]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, key)
	}
}

// evictLocked removes an entry for capacity or age reasons and prunes
// its dependency edges. Invalidation paths must not call this: their
// edges have to survive so a following ancestor write still bumps the
// dependent's epoch while it repopulates.
func (c *Cache) evictLocked(key Key) {
	c.removeLocked(key)
	for a := range c.ancestors[key] {
		set := c.dependents[a]
		delete(set, key)
		if len(set) == 0 {
			delete(c.dependents, a)
		}
	}
	delete(c.ancestors, key)
}
