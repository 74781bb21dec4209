package membrane

import (
	"fmt"
	"time"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/arena"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/heal"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/monitor"
)

// zeroSize applies the zero-size policy. It returns the size to allocate,
// or done with the result when no allocation should happen.
func (m *Membrane) zeroSize() (size uint64, done bool, err error) {
	switch m.zero {
	case ZeroNull:
		return 0, true, nil
	case ZeroError:
		return 0, true, arena.ErrZeroSize
	default:
		return 1, false, nil
	}
}

func (m *Membrane) allocated(start time.Time, err error) {
	m.kernel.Observe(kernel.FamilyAllocator, kernel.Fast, time.Since(start).Nanoseconds(), err != nil)
}

// Malloc allocates size bytes.
func (m *Membrane) Malloc(size uint64) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if size == 0 {
		n, done, err := m.zeroSize()
		if done {
			return 0, err
		}
		size = n
	}
	start := time.Now()
	p, err := m.arena.Allocate(size)
	m.allocated(start, err)
	if err != nil {
		return 0, fmt.Errorf("malloc(%d): %w", size, err)
	}
	return p, nil
}

// Calloc allocates n*size zeroed bytes. The product is overflow checked.
func (m *Membrane) Calloc(n, size uint64) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if n == 0 || size == 0 {
		z, done, err := m.zeroSize()
		if done {
			return 0, err
		}
		n, size = 1, z
	}
	start := time.Now()
	p, err := m.arena.AllocateZeroed(n, size)
	m.allocated(start, err)
	if err != nil {
		return 0, fmt.Errorf("calloc(%d, %d): %w", n, size, err)
	}
	return p, nil
}

// AlignedAlloc allocates size bytes at a multiple of align.
func (m *Membrane) AlignedAlloc(align, size uint64) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if size == 0 {
		z, done, err := m.zeroSize()
		if done {
			return 0, err
		}
		size = z
	}
	start := time.Now()
	p, err := m.arena.AllocateAligned(align, size)
	m.allocated(start, err)
	if err != nil {
		return 0, fmt.Errorf("aligned_alloc(%d, %d): %w", align, size, err)
	}
	return p, nil
}

// Free releases ptr. Free of null is a no-op. Corruption is logged and
// counted but the free completes. Double, foreign and interior frees never
// touch allocator state; strict mode reports them as errors, hardened
// mode records the repair and returns nil.
func (m *Membrane) Free(ptr uint64) error {
	if ptr == 0 {
		return nil
	}
	if m.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	res, rec := m.arena.Free(ptr)
	m.rec.RecordFree(res)

	var err error
	switch res {
	case arena.FreedWithCanaryCorruption:
		m.kernel.Signal(monitor.ProbeCorruption, monitor.MaxSeverity)
		m.warnf("canary corruption on free",
			"ptr", fmt.Sprintf("%#x", ptr), "size", rec.UserSize, "generation", rec.Generation)
	case arena.DoubleFree:
		m.kernel.Signal(monitor.ProbeDoubleFree, monitor.MaxSeverity)
		err = m.misuse(kernel.ViolationTerminalFree, ErrDoubleFree, ptr)
	case arena.ForeignFree:
		m.kernel.Signal(monitor.ProbeForeignFree, monitor.MaxSeverity)
		err = m.misuse(kernel.ViolationForeignFree, ErrForeignFree, ptr)
	case arena.InvalidPointer:
		m.kernel.Signal(monitor.ProbeForeignFree, monitor.MaxSeverity)
		err = m.misuse(kernel.ViolationForeignFree, ErrInvalidPointer, ptr)
	}
	m.kernel.Observe(kernel.FamilyAllocator, kernel.Fast, time.Since(start).Nanoseconds(), res != arena.Freed)
	return err
}

// misuse resolves an allocator misuse through the policy table.
func (m *Membrane) misuse(v kernel.Violation, sentinel error, ptr uint64) error {
	rule := kernel.Resolve(v, m.Mode())
	switch {
	case rule.Action == kernel.Allow:
		return nil
	case rule.Action == kernel.Repair && m.heal.Enabled():
		m.rec.RecordHeal(m.heal.Apply(heal.Of(rule.Heal)))
		return nil
	default:
		m.warnf("allocator misuse", "violation", v.String(), "ptr", fmt.Sprintf("%#x", ptr), "policy_id", rule.ID)
		return fmt.Errorf("free(%#x): %w", ptr, sentinel)
	}
}

// Realloc resizes ptr. A null ptr allocates; a zero size frees and returns
// null. A ptr that is not a live allocation base still yields a fresh
// allocation, recorded as a ReallocAsMalloc repair when healing is on.
func (m *Membrane) Realloc(ptr, size uint64) (uint64, error) {
	if ptr == 0 {
		return m.Malloc(size)
	}
	if size == 0 {
		return 0, m.Free(ptr)
	}
	if m.closed.Load() {
		return 0, ErrClosed
	}
	start := time.Now()
	res, err := m.arena.Realloc(ptr, size)
	adverse := err != nil || res.FellBack || res.Released == arena.FreedWithCanaryCorruption
	defer func() {
		m.kernel.Observe(kernel.FamilyAllocator, kernel.Fast, time.Since(start).Nanoseconds(), adverse)
	}()
	if err != nil {
		return 0, fmt.Errorf("realloc(%#x, %d): %w", ptr, size, err)
	}
	if res.Released == arena.FreedWithCanaryCorruption {
		m.rec.RecordFree(res.Released)
		m.kernel.Signal(monitor.ProbeCorruption, monitor.MaxSeverity)
		m.warnf("canary corruption on realloc", "ptr", fmt.Sprintf("%#x", ptr))
	}
	if res.FellBack {
		m.kernel.Signal(monitor.ProbeForeignFree, 2)
		if m.Mode().HealingEnabled() {
			m.rec.RecordHeal(m.heal.Apply(heal.Realloc(size)))
		}
	}
	return res.Ptr, nil
}
