package arena

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/fingerprint"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEpoch struct{ n atomic.Uint64 }

func (e *countingEpoch) Advance() uint64 { return e.n.Add(1) }

func newTestArena(t *testing.T, mutate ...func(*Options)) (*Arena, *countingEpoch) {
	t.Helper()
	h, err := fingerprint.NewHasher([]byte("arena-test"))
	require.NoError(t, err)
	epoch := &countingEpoch{}
	opts := Options{Hasher: h, Epoch: epoch, Pager: HeapPager{}}
	for _, m := range mutate {
		m(&opts)
	}
	a, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		h.Close()
	})
	return a, epoch
}

func TestClassFor(t *testing.T) {
	cases := map[uint64]uint64{1: 16, 16: 16, 17: 32, 100: 112, 257: 288, 4097: 8192, 32768: 32768}
	for size, want := range cases {
		c, ok := ClassFor(size)
		require.True(t, ok, "size %d", size)
		assert.Equal(t, want, ClassSize(c), "size %d", size)
	}
	_, ok := ClassFor(LargeThreshold + 1)
	assert.False(t, ok)
	assert.Equal(t, 32, NumClasses)
}

func TestAllocate_RecordAndAlignment(t *testing.T) {
	a, _ := newTestArena(t)

	p, err := a.Allocate(100)
	require.NoError(t, err)
	assert.Zero(t, p%16)
	assert.GreaterOrEqual(t, p, uint64(BaseAddress))

	rec, ok := a.Lookup(p)
	require.True(t, ok)
	assert.Equal(t, uint64(100), rec.UserSize)
	assert.Equal(t, uint32(1), rec.Generation)
	assert.Equal(t, lattice.Valid, rec.State)
	assert.False(t, rec.Large)

	_, err = a.Verify(p)
	assert.NoError(t, err)

	b, err := a.Bytes(p)
	require.NoError(t, err)
	assert.Len(t, b, 100)
}

func TestAllocate_Rejections(t *testing.T) {
	a, _ := newTestArena(t)

	_, err := a.Allocate(0)
	assert.ErrorIs(t, err, ErrZeroSize)
	_, err = a.Allocate(MaxAllocSize + 1)
	assert.ErrorIs(t, err, ErrSizeOverflow)
	_, err = a.AllocateZeroed(1<<33, 1<<33)
	assert.ErrorIs(t, err, ErrSizeOverflow)
	_, err = a.AllocateAligned(24, 64)
	assert.ErrorIs(t, err, ErrBadAlignment)
	_, err = a.AllocateAligned(MaxAlign*2, 64)
	assert.ErrorIs(t, err, ErrBadAlignment)
}

func TestFree_DoubleAndForeign(t *testing.T) {
	a, epoch := newTestArena(t)

	p, err := a.Allocate(64)
	require.NoError(t, err)

	res, rec := a.Free(p)
	assert.Equal(t, Freed, res)
	assert.Equal(t, lattice.Quarantined, rec.State)
	assert.Equal(t, uint32(2), rec.Generation, "free bumps the generation")
	assert.Equal(t, uint64(1), epoch.n.Load())

	res, _ = a.Free(p)
	assert.Equal(t, DoubleFree, res)

	res, _ = a.Free(0xdead_beef)
	assert.Equal(t, ForeignFree, res)

	// a slot of a live slab that was never handed out is untracked too
	q, err := a.Allocate(64)
	require.NoError(t, err)
	res, _ = a.Free(q + stride(3))
	assert.Equal(t, ForeignFree, res)

	res, _ = a.Free(q + 8)
	assert.Equal(t, InvalidPointer, res)

	st := a.Stats()
	assert.Equal(t, uint64(1), st.DoubleFrees)
	assert.Equal(t, uint64(2), st.ForeignFrees)
	assert.Equal(t, uint64(1), st.InvalidFrees)
	assert.Equal(t, uint64(1), st.LiveObjects)
}

func TestFree_CanaryOverflowDetectedOnce(t *testing.T) {
	a, _ := newTestArena(t)

	p, err := a.Allocate(256)
	require.NoError(t, err)

	w, err := a.Window(p, 256+4)
	require.NoError(t, err)
	for i := range w {
		w[i] = 'A'
	}

	_, err = a.Verify(p)
	assert.ErrorIs(t, err, ErrCorrupted)

	res, _ := a.Free(p)
	assert.Equal(t, FreedWithCanaryCorruption, res)
	assert.Equal(t, uint64(1), a.Stats().Corruptions)

	res, _ = a.Free(p)
	assert.Equal(t, DoubleFree, res)
	assert.Equal(t, uint64(1), a.Stats().Corruptions)
}

func TestFree_HeaderTamperDetected(t *testing.T) {
	a, _ := newTestArena(t)

	p, err := a.Allocate(48)
	require.NoError(t, err)
	hdr, err := a.Window(p-fingerprint.HeaderSize, fingerprint.HeaderSize)
	require.NoError(t, err)
	hdr[12]++ // size field

	res, _ := a.Free(p)
	assert.Equal(t, FreedWithCanaryCorruption, res)
}

func TestSlotReuse_BumpsGeneration(t *testing.T) {
	a, _ := newTestArena(t, func(o *Options) { o.QuarantineEntries = 1 })

	p1, err := a.Allocate(32)
	require.NoError(t, err)
	res, _ := a.Free(p1)
	require.Equal(t, Freed, res)

	p2, err := a.Allocate(32)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2, "p1 is still quarantined")
	res, _ = a.Free(p2) // pushes p1 out of quarantine
	require.Equal(t, Freed, res)

	rec, ok := a.Lookup(p1)
	require.True(t, ok)
	assert.Equal(t, lattice.Freed, rec.State)
	res, _ = a.Free(p1)
	assert.Equal(t, DoubleFree, res, "recycled but unallocated slot")

	p3, err := a.Allocate(20)
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
	rec, ok = a.Lookup(p3)
	require.True(t, ok)
	assert.Equal(t, uint32(3), rec.Generation)
	assert.Equal(t, uint64(20), rec.UserSize)
}

func TestAllocateZeroed_ClearsRecycledSlot(t *testing.T) {
	a, _ := newTestArena(t, func(o *Options) { o.QuarantineEntries = 1 })

	p, err := a.Allocate(64)
	require.NoError(t, err)
	b, err := a.Bytes(p)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xAA
	}
	a.Free(p)
	q, err := a.Allocate(64)
	require.NoError(t, err)
	a.Free(q)

	z, err := a.AllocateZeroed(8, 8)
	require.NoError(t, err)
	require.Equal(t, p, z)
	b, err = a.Bytes(z)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64), b)
}

func TestLargeObject_Lifecycle(t *testing.T) {
	a, _ := newTestArena(t, func(o *Options) { o.QuarantineEntries = 2 })

	p, err := a.Allocate(100000)
	require.NoError(t, err)
	rec, ok := a.Lookup(p)
	require.True(t, ok)
	assert.True(t, rec.Large)
	assert.Equal(t, uint64(102400), rec.MappedSize)

	inner, ok := a.LookupContaining(p + 70000)
	require.True(t, ok)
	assert.Equal(t, p, inner.Base)
	_, ok = a.LookupContaining(p + 100000)
	assert.False(t, ok, "one past the end is outside")

	res, _ := a.Free(p + 16)
	assert.Equal(t, InvalidPointer, res)
	res, _ = a.Free(p)
	assert.Equal(t, Freed, res)
	assert.Equal(t, uint64(0), a.Stats().LargeObjects)

	rec, ok = a.Lookup(p)
	require.True(t, ok)
	assert.Equal(t, lattice.Freed, rec.State)
	res, _ = a.Free(p)
	assert.Equal(t, DoubleFree, res)

	// push the tombstone out of the quarantine
	for i := 0; i < 3; i++ {
		q, err := a.Allocate(16)
		require.NoError(t, err)
		a.Free(q)
	}
	res, _ = a.Free(p)
	assert.Equal(t, ForeignFree, res)
}

func TestAllocateAligned(t *testing.T) {
	a, _ := newTestArena(t)

	for _, align := range []uint64{1, 8, 16, 64, 4096, 1 << 17} {
		p, err := a.AllocateAligned(align, 100)
		require.NoError(t, err)
		assert.Zero(t, p%max(align, 16), "align %d", align)
		_, err = a.Verify(p)
		assert.NoError(t, err)
		res, _ := a.Free(p)
		assert.Equal(t, Freed, res)
	}
}

func TestRealloc(t *testing.T) {
	a, _ := newTestArena(t)

	t.Run("null allocates", func(t *testing.T) {
		res, err := a.Realloc(0, 40)
		require.NoError(t, err)
		rec, ok := a.Lookup(res.Ptr)
		require.True(t, ok)
		assert.Equal(t, uint64(40), rec.UserSize)
	})

	t.Run("zero frees", func(t *testing.T) {
		p, err := a.Allocate(40)
		require.NoError(t, err)
		res, err := a.Realloc(p, 0)
		require.NoError(t, err)
		assert.Zero(t, res.Ptr)
		assert.Equal(t, Freed, res.Released)
	})

	t.Run("grow copies and frees old", func(t *testing.T) {
		p, err := a.Allocate(10)
		require.NoError(t, err)
		b, _ := a.Bytes(p)
		copy(b, "0123456789")

		res, err := a.Realloc(p, 50000)
		require.NoError(t, err)
		assert.False(t, res.FellBack)
		assert.Equal(t, uint64(10), res.Copied)
		assert.Equal(t, Freed, res.Released)
		nb, err := a.Bytes(res.Ptr)
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(nb[:10]))

		rec, _ := a.Lookup(p)
		assert.Equal(t, lattice.Quarantined, rec.State)
	})

	t.Run("shrink copies prefix", func(t *testing.T) {
		p, err := a.Allocate(64)
		require.NoError(t, err)
		b, _ := a.Bytes(p)
		copy(b, "abcdefgh")
		res, err := a.Realloc(p, 4)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), res.Copied)
		nb, _ := a.Bytes(res.Ptr)
		assert.Equal(t, "abcd", string(nb))
	})

	t.Run("unknown pointer falls back", func(t *testing.T) {
		res, err := a.Realloc(0x7777_0000, 32)
		require.NoError(t, err)
		assert.True(t, res.FellBack)
		assert.Zero(t, res.Copied)
		_, ok := a.Lookup(res.Ptr)
		assert.True(t, ok)
	})

	t.Run("interior pointer copies the tail", func(t *testing.T) {
		p, err := a.Allocate(16)
		require.NoError(t, err)
		b, _ := a.Bytes(p)
		copy(b, "0123456789abcdef")
		res, err := a.Realloc(p+10, 64)
		require.NoError(t, err)
		assert.True(t, res.FellBack)
		assert.Equal(t, uint64(6), res.Copied)
		rec, _ := a.Lookup(p)
		assert.Equal(t, lattice.Valid, rec.State, "owner is left alone")
	})

	st := a.Stats()
	assert.Equal(t, uint64(2), st.ReallocFallbacks)
}

func TestWindow_Bounds(t *testing.T) {
	a, _ := newTestArena(t)
	p, err := a.Allocate(16)
	require.NoError(t, err)

	_, err = a.Window(p, SlabSize)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = a.Window(0x10, 1)
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func TestCopyStoreLoad(t *testing.T) {
	a, _ := newTestArena(t)
	src, err := a.Allocate(32)
	require.NoError(t, err)
	dst, err := a.Allocate(32)
	require.NoError(t, err)

	require.NoError(t, a.Store(src, []byte("membrane")))
	require.NoError(t, a.Copy(dst, src, 8))
	got, err := a.Load(dst, 8)
	require.NoError(t, err)
	assert.Equal(t, "membrane", string(got))

	got[0] = 'X'
	again, _ := a.Load(dst, 1)
	assert.Equal(t, byte('m'), again[0], "Load returns a copy")

	assert.ErrorIs(t, a.Copy(dst, 0x10, 8), ErrNotAllocated)
	assert.ErrorIs(t, a.Store(src, make([]byte, SlabSize)), ErrOutOfRange)
}

func TestConcurrentAllocateFree(t *testing.T) {
	a, _ := newTestArena(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ptrs := make([]uint64, 0, 200)
			for i := 0; i < 200; i++ {
				p, err := a.Allocate(uint64(16 + (i*g)%5000))
				if err != nil {
					t.Errorf("allocate: %v", err)
					return
				}
				ptrs = append(ptrs, p)
			}
			for _, p := range ptrs {
				if res, _ := a.Free(p); res != Freed {
					t.Errorf("free %#x: %s", p, res)
				}
			}
		}(g)
	}
	wg.Wait()

	st := a.Stats()
	assert.Equal(t, uint64(0), st.LiveObjects)
	assert.Equal(t, uint64(0), st.LiveBytes)
	assert.Equal(t, uint64(1600), st.Frees)
	assert.Zero(t, st.Corruptions)
}

func TestClose(t *testing.T) {
	a, _ := newTestArena(t)
	_, err := a.Allocate(70000)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	_, err = a.Allocate(8)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, a.Close())
}
