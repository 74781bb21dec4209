// Package tlscache provides the per-goroutine validation cache that sits in
// front of the arena. Entries are disposable views: a hit is trusted only
// while its epoch matches the process-wide epoch, which the arena advances
// on every free or quarantine transition.
package tlscache

import (
	"sync"
	"sync/atomic"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
)

// DefaultEntries is the default table size.
const DefaultEntries = 1024

const pageShift = 12

// Epoch is the global invalidation counter shared by every cache.
type Epoch struct {
	v atomic.Uint64
}

// Current returns the current epoch.
func (e *Epoch) Current() uint64 { return e.v.Load() }

// Advance bumps the epoch, staling every cached entry in every cache.
func (e *Epoch) Advance() uint64 { return e.v.Add(1) }

// Entry is a cached arena answer for one address.
type Entry struct {
	Addr       uint64
	UserBase   uint64
	UserSize   uint64
	Generation uint32
	State      lattice.SafetyState

	epoch uint64
	valid bool
}

// Stats counts cache traffic.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
}

// Cache is a direct-mapped table indexed by page number. It is not safe
// for concurrent use; each goroutine owns its own.
type Cache struct {
	entries []Entry
	mask    uint64
	epoch   *Epoch
	stats   Stats
}

// New creates a cache with the given number of entries, rounded up to a
// power of two.
func New(epoch *Epoch, entries int) *Cache {
	n := 1
	for n < entries {
		n <<= 1
	}
	return &Cache{
		entries: make([]Entry, n),
		mask:    uint64(n - 1),
		epoch:   epoch,
	}
}

func (c *Cache) slot(addr uint64) *Entry {
	return &c.entries[(addr>>pageShift)&c.mask]
}

// Lookup returns the entry for addr. A slot holding a different address or
// a stale epoch counts as a miss and is cleared.
func (c *Cache) Lookup(addr uint64) (Entry, bool) {
	e := c.slot(addr)
	if !e.valid {
		c.stats.Misses++
		return Entry{}, false
	}
	if e.Addr != addr || e.epoch != c.epoch.Current() {
		*e = Entry{}
		c.stats.Misses++
		c.stats.Invalidations++
		return Entry{}, false
	}
	c.stats.Hits++
	return *e, true
}

// Insert stores e stamped with the current epoch, replacing whatever the
// slot held.
func (c *Cache) Insert(e Entry) {
	e.epoch = c.epoch.Current()
	e.valid = true
	*c.slot(e.Addr) = e
}

// Invalidate clears every entry that belongs to the allocation at base.
func (c *Cache) Invalidate(base uint64) {
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].UserBase == base {
			c.entries[i] = Entry{}
			c.stats.Invalidations++
		}
	}
}

// InvalidateAll clears the table.
func (c *Cache) InvalidateAll() {
	for i := range c.entries {
		if c.entries[i].valid {
			c.entries[i] = Entry{}
			c.stats.Invalidations++
		}
	}
}

// Stats returns the cache's counters.
func (c *Cache) Stats() Stats { return c.stats }

// Pool hands out caches to goroutines that do not hold a long-lived one.
// Counters of returned caches are folded into the pool totals.
type Pool struct {
	epoch   *Epoch
	entries int
	pool    sync.Pool

	hits, misses, invalidations atomic.Uint64
}

// NewPool creates a pool of caches sharing epoch.
func NewPool(epoch *Epoch, entries int) *Pool {
	if entries <= 0 {
		entries = DefaultEntries
	}
	p := &Pool{epoch: epoch, entries: entries}
	p.pool.New = func() any { return New(epoch, entries) }
	return p
}

// Get borrows a cache.
func (p *Pool) Get() *Cache { return p.pool.Get().(*Cache) }

// Put returns a borrowed cache.
func (p *Pool) Put(c *Cache) {
	p.Absorb(c)
	p.pool.Put(c)
}

// Absorb folds c's counters into the pool totals and resets them.
func (p *Pool) Absorb(c *Cache) {
	p.hits.Add(c.stats.Hits)
	p.misses.Add(c.stats.Misses)
	p.invalidations.Add(c.stats.Invalidations)
	c.stats = Stats{}
}

// Stats returns totals over every cache returned or absorbed so far.
func (p *Pool) Stats() Stats {
	return Stats{
		Hits:          p.hits.Load(),
		Misses:        p.misses.Load(),
		Invalidations: p.invalidations.Load(),
	}
}

// Epoch returns the shared epoch.
func (p *Pool) Epoch() *Epoch { return p.epoch }

// Entries returns the table size used for new caches.
func (p *Pool) Entries() int { return p.entries }
