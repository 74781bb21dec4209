package membrane

import (
	"fmt"
	"time"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/heal"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/tlscache"
)

// The checked primitives below are what an interposed string or memory
// call does: Decide, apply the verdict, perform the operation on arena
// memory, then Observe.

func (m *Membrane) finish(f kernel.Family, d kernel.Decision, start time.Time) {
	m.kernel.Observe(f, d.Profile, time.Since(start).Nanoseconds(), d.Violation != kernel.ViolationNone)
}

func denied(op string, d kernel.Decision) error {
	return fmt.Errorf("%s: %w: %s", op, ErrDenied, d.Violation)
}

// Memcpy copies n bytes from src to dst. It returns the number of bytes
// actually copied, which is smaller than n when a repair clamped it.
func (m *Membrane) Memcpy(dst, src, n uint64) (copied uint64, err error) {
	m.with(func(c *tlscache.Cache) { copied, err = m.memcpy(c, dst, src, n) })
	return copied, err
}

func (m *Membrane) memcpy(c *tlscache.Cache, dst, src, n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	start := time.Now()
	var srcBound uint64
	rec, ok := m.arena.LookupContaining(src)
	switch {
	case ok && rec.State == lattice.Valid && rec.Contains(src):
		srcBound = rec.Base + rec.UserSize - src
	case ok && rec.State.IsTerminal():
		// A released source is a read of dead memory, judged on its own.
		sd := m.decide(c, kernel.Request{
			Family:         kernel.FamilyStringMemory,
			Addr:           src,
			Size:           n,
			RequiresBounds: true,
			Op:             kernel.OpAccess,
		})
		switch sd.Action {
		case kernel.Deny:
			m.finish(kernel.FamilyStringMemory, sd, start)
			return 0, denied("memcpy", sd)
		case kernel.Repair:
			m.finish(kernel.FamilyStringMemory, sd, start)
			return 0, nil
		}
	}
	d := m.decide(c, kernel.Request{
		Family:         kernel.FamilyStringMemory,
		Addr:           dst,
		Size:           n,
		WriteIntent:    true,
		RequiresBounds: true,
		Op:             kernel.OpCopy,
		Extra:          srcBound,
	})
	defer m.finish(kernel.FamilyStringMemory, d, start)

	switch d.Action {
	case kernel.Deny:
		return 0, denied("memcpy", d)
	case kernel.Repair:
		switch d.Heal.Kind {
		case heal.ClampSize:
			n = d.Heal.Bound
		case heal.ReturnSafeDefault:
			return 0, nil
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := m.arena.Copy(dst, src, n); err != nil {
		return 0, fmt.Errorf("memcpy: %w", err)
	}
	return n, nil
}

// Strcpy writes s and a terminating zero byte at dst. It returns the
// number of string bytes written, excluding the terminator.
func (m *Membrane) Strcpy(dst uint64, s string) (written uint64, err error) {
	m.with(func(c *tlscache.Cache) { written, err = m.strcpy(c, dst, s) })
	return written, err
}

func (m *Membrane) strcpy(c *tlscache.Cache, dst uint64, s string) (uint64, error) {
	start := time.Now()
	n := uint64(len(s))
	d := m.decide(c, kernel.Request{
		Family:         kernel.FamilyStringMemory,
		Addr:           dst,
		Size:           n + 1,
		WriteIntent:    true,
		RequiresBounds: true,
		Op:             kernel.OpString,
		Extra:          n,
	})
	defer m.finish(kernel.FamilyStringMemory, d, start)

	switch d.Action {
	case kernel.Deny:
		return 0, denied("strcpy", d)
	case kernel.Repair:
		switch d.Heal.Kind {
		case heal.TruncateWithNull:
			n = d.Heal.Bound
		case heal.ReturnSafeDefault:
			return 0, nil
		}
	}
	buf := make([]byte, n+1)
	copy(buf, s[:n])
	if err := m.arena.Store(dst, buf); err != nil {
		return 0, fmt.Errorf("strcpy: %w", err)
	}
	return n, nil
}

// Load reads n bytes at addr. A repaired read of released memory returns
// zeros, the safe default, never more than the allocation held.
func (m *Membrane) Load(addr, n uint64) (out []byte, err error) {
	m.with(func(c *tlscache.Cache) { out, err = m.load(c, addr, n) })
	return out, err
}

func (m *Membrane) load(c *tlscache.Cache, addr, n uint64) ([]byte, error) {
	start := time.Now()
	d := m.decide(c, kernel.Request{
		Family:         kernel.FamilyPointerValidation,
		Addr:           addr,
		Size:           n,
		RequiresBounds: true,
		Op:             kernel.OpAccess,
	})
	defer m.finish(kernel.FamilyPointerValidation, d, start)

	switch d.Action {
	case kernel.Deny:
		return nil, denied("load", d)
	case kernel.Repair:
		switch d.Heal.Kind {
		case heal.ClampSize:
			n = d.Heal.Bound
		case heal.ReturnSafeDefault:
			return make([]byte, min(n, m.extent(addr))), nil
		}
	}
	b, err := m.arena.Load(addr, n)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return b, nil
}

// extent is how many bytes of the allocation containing addr lie at or
// past addr, live or released. Unknown addresses have none.
func (m *Membrane) extent(addr uint64) uint64 {
	rec, ok := m.arena.LookupContaining(addr)
	if !ok || !rec.Contains(addr) {
		return 0
	}
	return rec.Base + rec.UserSize - addr
}

// UncheckedStore writes data at addr without consulting the kernel, the
// way a caller's raw pointer arithmetic would. Only the mapping bounds it.
func (m *Membrane) UncheckedStore(addr uint64, data []byte) error {
	return m.arena.Store(addr, data)
}
