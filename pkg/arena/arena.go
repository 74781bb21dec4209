// Package arena provides the generational allocation arena: the single
// owner of every allocation the membrane hands out.
//
// Requests up to LargeThreshold live in size-classed slabs whose slots are
// recycled through a bounded quarantine. Every slot carries a generation
// that increases on free and again on reuse, so a stale view of a slot can
// always be told apart from its current occupant. Larger requests get their
// own page-rounded mapping which is released on free; a tombstone stays in
// the quarantine so a repeated free is still recognised.
//
// Addresses are arena-virtual: the arena assigns each slab and large object
// a range in its own address space starting at BaseAddress, aligned to
// SlabSize, and resolves any address to its region in O(1) by masking.
package arena

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/fingerprint"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
)

// BaseAddress is the first address the arena hands out regions from.
const BaseAddress = 0x1_0000_0000

const (
	DefaultQuarantineBytes   = 64 << 20
	DefaultQuarantineEntries = 65536
)

var (
	ErrZeroSize     = errors.New("arena: zero-size allocation")
	ErrSizeOverflow = errors.New("arena: allocation size overflow")
	ErrExhausted    = errors.New("arena: backing memory exhausted")
	ErrBadAlignment = errors.New("arena: alignment must be a power of two up to 1 MiB")
	ErrNotAllocated = errors.New("arena: address is not a live allocation")
	ErrCorrupted    = errors.New("arena: integrity check failed")
	ErrOutOfRange   = errors.New("arena: window exceeds mapping")
	ErrClosed       = errors.New("arena: closed")
)

// FreeResult classifies a free request.
type FreeResult uint8

const (
	Freed FreeResult = iota
	FreedWithCanaryCorruption
	DoubleFree
	ForeignFree
	InvalidPointer
)

func (r FreeResult) String() string {
	switch r {
	case Freed:
		return "freed"
	case FreedWithCanaryCorruption:
		return "freed_with_canary_corruption"
	case DoubleFree:
		return "double_free"
	case ForeignFree:
		return "foreign_free"
	case InvalidPointer:
		return "invalid_pointer"
	default:
		return "unknown"
	}
}

// Released reports whether the allocation was actually released.
func (r FreeResult) Released() bool {
	return r == Freed || r == FreedWithCanaryCorruption
}

// Record describes one allocation.
type Record struct {
	Base       uint64 // user pointer
	UserSize   uint64
	Generation uint32
	Hash       uint64
	MappedSize uint64
	State      lattice.SafetyState
	Large      bool
}

// Contains reports whether addr falls inside the user region.
func (r Record) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.UserSize
}

// Advancer is notified whenever a free or quarantine transition may have
// staled a cached view of an allocation.
type Advancer interface {
	Advance() uint64
}

type localEpoch struct{ v atomic.Uint64 }

func (e *localEpoch) Advance() uint64 { return e.v.Add(1) }

// Options configures an Arena.
type Options struct {
	Hasher            *fingerprint.Hasher
	Epoch             Advancer
	Pager             Pager
	QuarantineBytes   uint64
	QuarantineEntries int
	Logger            *slog.Logger
}

type slotState uint8

const (
	slotFresh slotState = iota
	slotLive
	slotQuarantined
	slotFree
)

type slot struct {
	gen   uint32
	state slotState
	size  uint64
	hash  uint64
}

type slab struct {
	base   uint64
	class  int
	stride uint64
	mem    []byte
	slots  []slot
	fresh  int
}

func (s *slab) userAddr(i int) uint64  { return s.base + uint64(i)*s.stride + fingerprint.HeaderSize }
func (s *slab) headerOff(i int) uint64 { return uint64(i) * s.stride }

// slotAt resolves an exact user pointer to its slot index.
func (s *slab) slotAt(ptr uint64) (int, bool) {
	off := ptr - s.base
	if off < fingerprint.HeaderSize {
		return 0, false
	}
	rel := off - fingerprint.HeaderSize
	if rel%s.stride != 0 {
		return 0, false
	}
	i := rel / s.stride
	if i >= uint64(len(s.slots)) {
		return 0, false
	}
	return int(i), true
}

// slotContaining resolves any address inside a slot's user bytes.
func (s *slab) slotContaining(addr uint64) (int, bool) {
	i := (addr - s.base) / s.stride
	if i >= uint64(len(s.slots)) {
		return 0, false
	}
	sl := &s.slots[i]
	if sl.state == slotFresh {
		return 0, false
	}
	user := s.userAddr(int(i))
	if addr < user || addr-user >= sl.size {
		return 0, false
	}
	return int(i), true
}

func (s *slab) record(i int) Record {
	sl := &s.slots[i]
	st := lattice.Valid
	switch sl.state {
	case slotQuarantined:
		st = lattice.Quarantined
	case slotFree:
		st = lattice.Freed
	}
	return Record{
		Base:       s.userAddr(i),
		UserSize:   sl.size,
		Generation: sl.gen,
		Hash:       sl.hash,
		MappedSize: s.stride,
		State:      st,
	}
}

type largeObject struct {
	vbase  uint64
	user   uint64
	size   uint64
	mapped uint64
	mem    []byte
	gen    uint32
	hash   uint64
	freed  bool
}

func (l *largeObject) headerOff() uint64 { return l.user - fingerprint.HeaderSize - l.vbase }

func (l *largeObject) record() Record {
	st := lattice.Valid
	if l.freed {
		st = lattice.Freed
	}
	return Record{
		Base:       l.user,
		UserSize:   l.size,
		Generation: l.gen,
		Hash:       l.hash,
		MappedSize: l.mapped,
		State:      st,
		Large:      true,
	}
}

type region struct {
	slab  *slab
	large *largeObject
}

type slotRef struct {
	s *slab
	i int
}

type counters struct {
	allocations, frees, corruptions         atomic.Uint64
	doubleFrees, foreignFrees, invalidFrees atomic.Uint64
	reallocs, reallocFallbacks              atomic.Uint64
	liveObjects, liveBytes                  atomic.Uint64
	quarantineEntries, quarantineBytes      atomic.Uint64
	slabs, largeObjects                     atomic.Uint64
}

// Stats is a point-in-time view of the arena counters.
type Stats struct {
	Allocations       uint64 `json:"allocations"`
	Frees             uint64 `json:"frees"`
	Corruptions       uint64 `json:"corruptions"`
	DoubleFrees       uint64 `json:"double_frees"`
	ForeignFrees      uint64 `json:"foreign_frees"`
	InvalidFrees      uint64 `json:"invalid_frees"`
	Reallocs          uint64 `json:"reallocs"`
	ReallocFallbacks  uint64 `json:"realloc_fallbacks"`
	LiveObjects       uint64 `json:"live_objects"`
	LiveBytes         uint64 `json:"live_bytes"`
	QuarantineEntries uint64 `json:"quarantine_entries"`
	QuarantineBytes   uint64 `json:"quarantine_bytes"`
	Slabs             uint64 `json:"slabs"`
	LargeObjects      uint64 `json:"large_objects"`
}

// Arena owns every allocation. The region table is guarded by one mutex
// held only for table updates; counters are atomics.
type Arena struct {
	mu      sync.Mutex
	hasher  *fingerprint.Hasher
	epoch   Advancer
	pager   Pager
	logger  *slog.Logger
	next    uint64
	regions map[uint64]region
	tombs   map[uint64]*largeObject
	current [NumClasses]*slab
	free    [NumClasses][]slotRef
	q       quarantine
	closed  bool
	stats   counters
}

// New creates an arena.
func New(opts Options) (*Arena, error) {
	if opts.Hasher == nil {
		return nil, errors.New("arena: hasher is required")
	}
	if opts.Epoch == nil {
		opts.Epoch = &localEpoch{}
	}
	if opts.Pager == nil {
		opts.Pager = DefaultPager()
	}
	if opts.QuarantineBytes == 0 {
		opts.QuarantineBytes = DefaultQuarantineBytes
	}
	if opts.QuarantineEntries <= 0 {
		opts.QuarantineEntries = DefaultQuarantineEntries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "arena")
	}
	return &Arena{
		hasher:  opts.Hasher,
		epoch:   opts.Epoch,
		pager:   opts.Pager,
		logger:  opts.Logger,
		next:    BaseAddress,
		regions: make(map[uint64]region),
		tombs:   make(map[uint64]*largeObject),
		q: quarantine{
			maxBytes:   opts.QuarantineBytes,
			maxEntries: opts.QuarantineEntries,
		},
	}, nil
}

// Allocate returns a user pointer to size bytes.
func (a *Arena) Allocate(size uint64) (uint64, error) {
	return a.allocate(size, fingerprint.HeaderSize, false)
}

// AllocateZeroed allocates n*size zeroed bytes.
func (a *Arena) AllocateZeroed(n, size uint64) (uint64, error) {
	hi, total := bits.Mul64(n, size)
	if hi != 0 || total > MaxAllocSize {
		return 0, ErrSizeOverflow
	}
	return a.allocate(total, fingerprint.HeaderSize, true)
}

// AllocateAligned allocates size bytes at a multiple of align.
func (a *Arena) AllocateAligned(align, size uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 || align > MaxAlign {
		return 0, ErrBadAlignment
	}
	if align < fingerprint.HeaderSize {
		align = fingerprint.HeaderSize
	}
	return a.allocate(size, align, false)
}

func (a *Arena) allocate(size, align uint64, zero bool) (uint64, error) {
	if size == 0 {
		return 0, ErrZeroSize
	}
	if size > MaxAllocSize {
		return 0, ErrSizeOverflow
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrClosed
	}
	return a.allocLocked(size, align, zero)
}

func (a *Arena) allocLocked(size, align uint64, zero bool) (uint64, error) {
	var (
		ptr uint64
		err error
	)
	if class, ok := ClassFor(size); ok && align <= fingerprint.HeaderSize {
		ptr, err = a.allocSmallLocked(class, size, zero)
	} else {
		ptr, err = a.allocLargeLocked(size, align)
	}
	if err != nil {
		return 0, err
	}
	a.stats.allocations.Add(1)
	a.stats.liveObjects.Add(1)
	a.stats.liveBytes.Add(size)
	return ptr, nil
}

func (a *Arena) reserveLocked(n uint64) uint64 {
	base := a.next
	a.next += alignUp(n, SlabSize)
	return base
}

func (a *Arena) newSlabLocked(class int) (*slab, error) {
	mem, err := a.pager.Map(SlabSize)
	if err != nil {
		return nil, fmt.Errorf("%w: slab for class %d: %w", ErrExhausted, classSizes[class], err)
	}
	st := stride(class)
	s := &slab{
		base:   a.reserveLocked(SlabSize),
		class:  class,
		stride: st,
		mem:    mem,
		slots:  make([]slot, SlabSize/st),
	}
	a.regions[s.base] = region{slab: s}
	a.stats.slabs.Add(1)
	a.logger.Debug("slab mapped", "class", classSizes[class], "base", fmt.Sprintf("%#x", s.base), "slots", len(s.slots))
	return s, nil
}

func (a *Arena) takeSlotLocked(class int) (slotRef, error) {
	if n := len(a.free[class]); n > 0 {
		ref := a.free[class][n-1]
		a.free[class] = a.free[class][:n-1]
		return ref, nil
	}
	s := a.current[class]
	if s == nil || s.fresh == len(s.slots) {
		var err error
		if s, err = a.newSlabLocked(class); err != nil {
			return slotRef{}, err
		}
		a.current[class] = s
	}
	ref := slotRef{s: s, i: s.fresh}
	s.fresh++
	return ref, nil
}

func (a *Arena) allocSmallLocked(class int, size uint64, zero bool) (uint64, error) {
	ref, err := a.takeSlotLocked(class)
	if err != nil {
		return 0, err
	}
	s, i := ref.s, ref.i
	sl := &s.slots[i]
	sl.gen++
	sl.state = slotLive
	sl.size = size

	ptr := s.userAddr(i)
	sl.hash = a.seal(s.mem[s.headerOff(i):], ptr, size, sl.gen, zero)
	return ptr, nil
}

func (a *Arena) allocLargeLocked(size, align uint64) (uint64, error) {
	mapped := alignUp(align+size+fingerprint.CanarySize, PageSize)
	mem, err := a.pager.Map(int(mapped))
	if err != nil {
		return 0, fmt.Errorf("%w: %d byte mapping: %w", ErrExhausted, mapped, err)
	}
	vbase := a.reserveLocked(mapped)
	obj := &largeObject{
		vbase:  vbase,
		user:   alignUp(vbase+fingerprint.HeaderSize, align),
		size:   size,
		mapped: mapped,
		mem:    mem,
		gen:    1,
	}
	obj.hash = a.seal(mem[obj.headerOff():], obj.user, size, obj.gen, false)
	for c := vbase; c < vbase+mapped; c += SlabSize {
		a.regions[c] = region{large: obj}
	}
	a.stats.largeObjects.Add(1)
	return obj.user, nil
}

// seal writes header and canary around the user bytes that start
// HeaderSize into b, and returns the fingerprint hash.
func (a *Arena) seal(b []byte, ptr, size uint64, gen uint32, zero bool) uint64 {
	fp := a.hasher.Make(ptr, size, gen)
	fp.Encode(b)
	if zero {
		clear(b[fingerprint.HeaderSize : fingerprint.HeaderSize+size])
	}
	c := fingerprint.Canary(fp.Hash)
	copy(b[fingerprint.HeaderSize+size:], c[:])
	return fp.Hash
}

// intact checks header and canary of the allocation whose header starts b.
func (a *Arena) intact(b []byte, ptr, size uint64, gen uint32, hash uint64) bool {
	fp, err := fingerprint.Decode(b)
	if err != nil {
		return false
	}
	headerOK := fp.Hash == hash &&
		fp.Generation == gen &&
		uint64(fp.Size) == size &&
		a.hasher.Verify(ptr, fp)
	end := fingerprint.HeaderSize + size
	return headerOK && fingerprint.VerifyCanary(hash, b[end:end+fingerprint.CanarySize])
}

// Free releases the allocation at ptr. Misuse is reported, never fatal.
func (a *Arena) Free(ptr uint64) (FreeResult, Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(ptr)
}

func (a *Arena) freeLocked(ptr uint64) (FreeResult, Record) {
	r, ok := a.regions[ptr&^(SlabSize-1)]
	if !ok {
		if t, ok := a.tombs[ptr]; ok {
			a.stats.doubleFrees.Add(1)
			return DoubleFree, t.record()
		}
		a.stats.foreignFrees.Add(1)
		return ForeignFree, Record{}
	}
	if r.large != nil {
		return a.freeLargeLocked(r.large, ptr)
	}
	return a.freeSmallLocked(r.slab, ptr)
}

func (a *Arena) freeSmallLocked(s *slab, ptr uint64) (FreeResult, Record) {
	i, ok := s.slotAt(ptr)
	if !ok {
		a.stats.invalidFrees.Add(1)
		return InvalidPointer, Record{}
	}
	sl := &s.slots[i]
	switch sl.state {
	case slotFresh:
		a.stats.foreignFrees.Add(1)
		return ForeignFree, Record{}
	case slotQuarantined, slotFree:
		a.stats.doubleFrees.Add(1)
		return DoubleFree, s.record(i)
	}

	ok = a.intact(s.mem[s.headerOff(i):], ptr, sl.size, sl.gen, sl.hash)
	sl.gen++
	sl.state = slotQuarantined
	a.q.push(quarantineEntry{slab: s, index: i, bytes: s.stride})
	a.released(sl.size)
	return a.result(ok), s.record(i)
}

func (a *Arena) freeLargeLocked(obj *largeObject, ptr uint64) (FreeResult, Record) {
	if ptr != obj.user {
		a.stats.invalidFrees.Add(1)
		return InvalidPointer, Record{}
	}
	ok := a.intact(obj.mem[obj.headerOff():], ptr, obj.size, obj.gen, obj.hash)
	for c := obj.vbase; c < obj.vbase+obj.mapped; c += SlabSize {
		delete(a.regions, c)
	}
	if err := a.pager.Unmap(obj.mem); err != nil {
		a.logger.Warn("large object unmap failed", "ptr", fmt.Sprintf("%#x", ptr), "error", err)
	}
	obj.mem = nil
	obj.gen++
	obj.freed = true
	a.tombs[ptr] = obj
	// the mapping is gone; the tombstone only costs an entry
	a.q.push(quarantineEntry{tomb: obj})
	a.stats.largeObjects.Add(^uint64(0))
	a.released(obj.size)
	return a.result(ok), obj.record()
}

func (a *Arena) released(size uint64) {
	a.stats.frees.Add(1)
	a.stats.liveObjects.Add(^uint64(0))
	a.stats.liveBytes.Add(^(size - 1))
	a.epoch.Advance()
	a.drainLocked()
}

func (a *Arena) result(intact bool) FreeResult {
	if intact {
		return Freed
	}
	a.stats.corruptions.Add(1)
	return FreedWithCanaryCorruption
}

// drainLocked recycles the oldest quarantined slots until the quarantine
// is back under its limits.
func (a *Arena) drainLocked() {
	drained := false
	for a.q.over() {
		e := a.q.pop()
		if e.tomb != nil {
			delete(a.tombs, e.tomb.user)
		} else {
			e.slab.slots[e.index].state = slotFree
			a.free[e.slab.class] = append(a.free[e.slab.class], slotRef{s: e.slab, i: e.index})
		}
		drained = true
	}
	a.stats.quarantineEntries.Store(uint64(a.q.len()))
	a.stats.quarantineBytes.Store(a.q.bytes)
	if drained {
		a.epoch.Advance()
	}
}

// ReallocResult reports what Realloc did.
type ReallocResult struct {
	Ptr      uint64
	Copied   uint64
	FellBack bool
	Released FreeResult
}

// Realloc resizes the allocation at ptr. A null ptr allocates; a zero size
// frees and returns a null pointer. When ptr is not the base of a live
// allocation the request falls back to a fresh allocation, copying from the
// containing allocation if ptr points inside one.
func (a *Arena) Realloc(ptr, size uint64) (ReallocResult, error) {
	if ptr == 0 {
		p, err := a.Allocate(size)
		return ReallocResult{Ptr: p}, err
	}
	if size == 0 {
		res, _ := a.Free(ptr)
		return ReallocResult{Released: res}, nil
	}
	if size > MaxAllocSize {
		return ReallocResult{}, ErrSizeOverflow
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ReallocResult{}, ErrClosed
	}

	src, exact := a.sourceLocked(ptr)
	np, err := a.allocLocked(size, fingerprint.HeaderSize, false)
	if err != nil {
		return ReallocResult{}, err
	}
	dst, _ := a.userBytesLocked(np)
	res := ReallocResult{Ptr: np, Copied: uint64(copy(dst, src))}
	a.stats.reallocs.Add(1)
	if exact {
		res.Released, _ = a.freeLocked(ptr)
	} else {
		res.FellBack = true
		a.stats.reallocFallbacks.Add(1)
	}
	return res, nil
}

// sourceLocked returns the live bytes from ptr to the end of its
// allocation, and whether ptr is that allocation's base.
func (a *Arena) sourceLocked(ptr uint64) ([]byte, bool) {
	rec, ok := a.lookupContainingLocked(ptr)
	if !ok || rec.State != lattice.Valid {
		return nil, false
	}
	b, err := a.windowLocked(ptr, rec.Base+rec.UserSize-ptr)
	if err != nil {
		return nil, false
	}
	return b, ptr == rec.Base
}

// Lookup returns the record whose user pointer is exactly ptr, including
// quarantined and freed records that are still tracked.
func (a *Arena) Lookup(ptr uint64) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[ptr&^(SlabSize-1)]
	if !ok {
		if t, ok := a.tombs[ptr]; ok {
			return t.record(), true
		}
		return Record{}, false
	}
	if r.large != nil {
		if ptr != r.large.user {
			return Record{}, false
		}
		return r.large.record(), true
	}
	i, ok := r.slab.slotAt(ptr)
	if !ok || r.slab.slots[i].state == slotFresh {
		return Record{}, false
	}
	return r.slab.record(i), true
}

// LookupContaining resolves an interior address to its allocation.
func (a *Arena) LookupContaining(addr uint64) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lookupContainingLocked(addr)
}

func (a *Arena) lookupContainingLocked(addr uint64) (Record, bool) {
	r, ok := a.regions[addr&^(SlabSize-1)]
	if !ok {
		if t, ok := a.tombs[addr]; ok {
			return t.record(), true
		}
		return Record{}, false
	}
	if r.large != nil {
		rec := r.large.record()
		return rec, rec.Contains(addr)
	}
	i, ok := r.slab.slotContaining(addr)
	if !ok {
		return Record{}, false
	}
	return r.slab.record(i), true
}

// Verify re-checks the header and canary of the live allocation at ptr.
// It returns ErrCorrupted together with the record when either is damaged.
func (a *Arena) Verify(ptr uint64) (Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[ptr&^(SlabSize-1)]
	if !ok {
		return Record{}, ErrNotAllocated
	}
	if r.large != nil {
		obj := r.large
		if ptr != obj.user {
			return Record{}, ErrNotAllocated
		}
		if !a.intact(obj.mem[obj.headerOff():], ptr, obj.size, obj.gen, obj.hash) {
			return obj.record(), ErrCorrupted
		}
		return obj.record(), nil
	}
	s := r.slab
	i, ok := s.slotAt(ptr)
	if !ok || s.slots[i].state != slotLive {
		return Record{}, ErrNotAllocated
	}
	sl := &s.slots[i]
	if !a.intact(s.mem[s.headerOff(i):], ptr, sl.size, sl.gen, sl.hash) {
		return s.record(i), ErrCorrupted
	}
	return s.record(i), nil
}

// Bytes returns the user bytes of the live allocation at ptr. The slice
// aliases arena memory and must not be used after the allocation is freed.
func (a *Arena) Bytes(ptr uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userBytesLocked(ptr)
}

func (a *Arena) userBytesLocked(ptr uint64) ([]byte, error) {
	rec, ok := a.lookupContainingLocked(ptr)
	if !ok || rec.Base != ptr || rec.State != lattice.Valid {
		return nil, ErrNotAllocated
	}
	return a.windowLocked(ptr, rec.UserSize)
}

// Window returns n raw bytes of backing memory starting at addr. It is
// bounded by the mapping, not by the allocation, so it can reach headers
// and canaries; it models a caller's unchecked pointer arithmetic.
func (a *Arena) Window(addr, n uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowLocked(addr, n)
}

func (a *Arena) windowLocked(addr, n uint64) ([]byte, error) {
	r, ok := a.regions[addr&^(SlabSize-1)]
	if !ok {
		return nil, ErrNotAllocated
	}
	var (
		mem []byte
		off uint64
	)
	if r.large != nil {
		mem, off = r.large.mem, addr-r.large.vbase
	} else {
		mem, off = r.slab.mem, addr-r.slab.base
	}
	if off+n < off || off+n > uint64(len(mem)) {
		return nil, ErrOutOfRange
	}
	return mem[off : off+n : off+n], nil
}

// Copy moves n bytes from src to dst. Like Window it is bounded only by
// the mappings; the copy runs under the arena lock so a concurrent free
// cannot unmap either side mid-copy.
func (a *Arena) Copy(dst, src, n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	from, err := a.windowLocked(src, n)
	if err != nil {
		return err
	}
	to, err := a.windowLocked(dst, n)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

// Store writes data at addr.
func (a *Arena) Store(addr uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	to, err := a.windowLocked(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(to, data)
	return nil
}

// Load returns a copy of n bytes at addr.
func (a *Arena) Load(addr, n uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	from, err := a.windowLocked(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), from...), nil
}

// Stats returns the current counters.
func (a *Arena) Stats() Stats {
	c := &a.stats
	return Stats{
		Allocations:       c.allocations.Load(),
		Frees:             c.frees.Load(),
		Corruptions:       c.corruptions.Load(),
		DoubleFrees:       c.doubleFrees.Load(),
		ForeignFrees:      c.foreignFrees.Load(),
		InvalidFrees:      c.invalidFrees.Load(),
		Reallocs:          c.reallocs.Load(),
		ReallocFallbacks:  c.reallocFallbacks.Load(),
		LiveObjects:       c.liveObjects.Load(),
		LiveBytes:         c.liveBytes.Load(),
		QuarantineEntries: c.quarantineEntries.Load(),
		QuarantineBytes:   c.quarantineBytes.Load(),
		Slabs:             c.slabs.Load(),
		LargeObjects:      c.largeObjects.Load(),
	}
}

// Close releases every mapping. Further allocations fail with ErrClosed.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	for base, r := range a.regions {
		switch {
		case r.slab != nil:
			errs = append(errs, a.pager.Unmap(r.slab.mem))
		case r.large.vbase == base:
			errs = append(errs, a.pager.Unmap(r.large.mem))
		}
	}
	clear(a.regions)
	clear(a.tombs)
	return errors.Join(errs...)
}
