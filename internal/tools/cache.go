package tools

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Snapshot is one generation of the tool cache. It is never modified
// after publication.
type Snapshot struct {
	Generation uint64

	entries    []*entry
	byName     map[string]*Definition
	active     []Definition
	collisions []NameCollision
}

type entry struct {
	integration string
	rank        int
	defs        []Definition
	// lastUsed is shared by every generation holding this entry.
	lastUsed *atomic.Uint64
}

// Definitions returns the active tool set: resident integrations in
// registration order, collisions removed.
func (s *Snapshot) Definitions() []Definition {
	if s == nil {
		return nil
	}
	out := make([]Definition, len(s.active))
	copy(out, s.active)
	return out
}

// Lookup finds an active tool by name.
func (s *Snapshot) Lookup(name string) (Definition, bool) {
	if s == nil {
		return Definition{}, false
	}
	d, ok := s.byName[name]
	if !ok {
		return Definition{}, false
	}
	return *d, true
}

// Integrations lists resident integrations in registration order.
func (s *Snapshot) Integrations() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.integration
	}
	return out
}

// Collisions returns the names dropped while building this generation.
func (s *Snapshot) Collisions() []NameCollision {
	if s == nil {
		return nil
	}
	return append([]NameCollision(nil), s.collisions...)
}

// Len is the number of active tools.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.active)
}

// Cache holds the current Snapshot. Readers load it without locking;
// writers build a new generation and swap it in.
type Cache struct {
	mu   sync.Mutex
	cur  atomic.Pointer[Snapshot]
	size int
	tick atomic.Uint64
}

// NewCache returns an empty cache holding at most size integrations.
// Zero means unbounded.
func NewCache(size int) *Cache {
	c := &Cache{size: size}
	c.cur.Store(&Snapshot{byName: map[string]*Definition{}})
	return c
}

// Snapshot returns the current generation.
func (c *Cache) Snapshot() *Snapshot {
	return c.cur.Load()
}

// Touch marks an integration as recently used.
func (c *Cache) Touch(integration string) {
	for _, e := range c.cur.Load().entries {
		if e.integration == integration {
			e.lastUsed.Store(c.tick.Add(1))
			return
		}
	}
}

// cacheUpdate replaces or removes one integration's definitions.
type cacheUpdate struct {
	integration string
	rank        int
	defs        []Definition
	remove      bool
}

// swapResult describes what a swap did.
type swapResult struct {
	snap    *Snapshot
	evicted []string
}

// SetSize changes the bound and evicts immediately if needed.
func (c *Cache) SetSize(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = n
	return c.swapLocked(nil, nil).evicted
}

// swap applies updates, drops integrations not in keep (when keep is
// non-nil), evicts down to the bound and publishes a new generation.
// All updated integrations share one recency tick, so ties fall back
// to registration order.
func (c *Cache) swap(updates []cacheUpdate, keep map[string]int) swapResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.swapLocked(updates, keep)
}

func (c *Cache) swapLocked(updates []cacheUpdate, keep map[string]int) swapResult {
	prev := c.cur.Load()
	working := make(map[string]*entry, len(prev.entries)+len(updates))
	for _, e := range prev.entries {
		if keep != nil {
			rank, ok := keep[e.integration]
			if !ok {
				continue
			}
			if rank != e.rank {
				e = &entry{integration: e.integration, rank: rank, defs: e.defs, lastUsed: e.lastUsed}
			}
		}
		working[e.integration] = e
	}

	if len(updates) > 0 {
		now := c.tick.Add(1)
		for _, u := range updates {
			if u.remove {
				delete(working, u.integration)
				continue
			}
			used := &atomic.Uint64{}
			used.Store(now)
			working[u.integration] = &entry{integration: u.integration, rank: u.rank, defs: u.defs, lastUsed: used}
		}
	}

	entries := make([]*entry, 0, len(working))
	for _, e := range working {
		entries = append(entries, e)
	}
	var evicted []string
	if c.size > 0 && len(entries) > c.size {
		// Least recent first; on a tie the later registered goes first.
		sort.Slice(entries, func(i, j int) bool {
			ui, uj := entries[i].lastUsed.Load(), entries[j].lastUsed.Load()
			if ui != uj {
				return ui < uj
			}
			return entries[i].rank > entries[j].rank
		})
		n := len(entries) - c.size
		for _, e := range entries[:n] {
			evicted = append(evicted, e.integration)
		}
		entries = entries[n:]
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rank < entries[j].rank })

	next := &Snapshot{
		Generation: prev.Generation + 1,
		entries:    entries,
		byName:     make(map[string]*Definition),
	}
	owner := make(map[string]string)
	for _, e := range entries {
		for _, d := range e.defs {
			if kept, dup := owner[d.Name]; dup {
				next.collisions = append(next.collisions, NameCollision{Tool: d.Name, Kept: kept, Dropped: e.integration})
				continue
			}
			owner[d.Name] = e.integration
			next.active = append(next.active, d)
		}
	}
	for i := range next.active {
		next.byName[next.active[i].Name] = &next.active[i]
	}
	c.cur.Store(next)
	return swapResult{snap: next, evicted: evicted}
}
