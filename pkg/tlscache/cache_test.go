package tlscache

import (
	"testing"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(addr uint64) Entry {
	return Entry{Addr: addr, UserBase: addr, UserSize: 64, Generation: 1, State: lattice.Valid}
}

func TestLookup_HitWithoutEpochBump(t *testing.T) {
	var epoch Epoch
	c := New(&epoch, DefaultEntries)

	c.Insert(entry(0x1_0000_0010))
	got, ok := c.Lookup(0x1_0000_0010)
	require.True(t, ok)
	assert.Equal(t, uint64(64), got.UserSize)
	assert.Equal(t, lattice.Valid, got.State)
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestLookup_MissAfterEpochBump(t *testing.T) {
	var epoch Epoch
	c := New(&epoch, DefaultEntries)

	c.Insert(entry(0x1_0000_0010))
	epoch.Advance()

	_, ok := c.Lookup(0x1_0000_0010)
	assert.False(t, ok)
	// the stale slot was cleared, so a second lookup misses on an empty slot
	_, ok = c.Lookup(0x1_0000_0010)
	assert.False(t, ok)
	st := c.Stats()
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, uint64(1), st.Invalidations)
}

func TestLookup_CollisionMisses(t *testing.T) {
	var epoch Epoch
	c := New(&epoch, 4)

	a := uint64(0x1000)
	b := a + 4<<pageShift // same slot in a 4-entry table
	c.Insert(entry(a))
	c.Insert(entry(b))

	_, ok := c.Lookup(a)
	assert.False(t, ok, "insert overwrites on collision")
	_, ok = c.Lookup(b)
	assert.False(t, ok, "mismatching lookup cleared the slot")
}

func TestInvalidate(t *testing.T) {
	var epoch Epoch
	c := New(&epoch, 16)

	base := uint64(0x20000)
	c.Insert(Entry{Addr: base, UserBase: base, UserSize: 9000, State: lattice.Valid})
	c.Insert(Entry{Addr: base + 5000, UserBase: base, UserSize: 9000, State: lattice.Valid})
	c.Insert(entry(0x93000))

	c.Invalidate(base)
	_, ok := c.Lookup(base)
	assert.False(t, ok)
	_, ok = c.Lookup(base + 5000)
	assert.False(t, ok)
	_, ok = c.Lookup(0x93000)
	assert.True(t, ok)

	c.InvalidateAll()
	_, ok = c.Lookup(0x93000)
	assert.False(t, ok)
}

func TestNew_RoundsToPowerOfTwo(t *testing.T) {
	var epoch Epoch
	c := New(&epoch, 1000)
	assert.Len(t, c.entries, 1024)
	assert.Equal(t, uint64(1023), c.mask)
}

func TestPool_SharesEpochAndAggregatesStats(t *testing.T) {
	var epoch Epoch
	p := NewPool(&epoch, 0)
	assert.Equal(t, DefaultEntries, p.Entries())

	c := p.Get()
	c.Insert(entry(0x4000))
	_, _ = c.Lookup(0x4000)
	_, _ = c.Lookup(0x8000)
	p.Put(c)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Same(t, &epoch, p.Epoch())
}
