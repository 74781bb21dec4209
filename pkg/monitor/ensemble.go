package monitor

import (
	"sync"
	"sync/atomic"
)

// Ensemble owns the accumulator and every monitor. Hot paths only touch
// atomics: Raise, Worst, DominantCause. Cycle is non-blocking; if another
// goroutine is already cycling the call is a no-op.
type Ensemble struct {
	mu       sync.Mutex
	acc      Accumulator
	monitors []Monitor
	sparse   *Sparse
	eproc    *EProcess

	worst  atomic.Uint32
	cycles atomic.Uint64
	skips  atomic.Uint64
}

// NewEnsemble builds the standard monitor set with one e-process per
// family.
func NewEnsemble(families int) *Ensemble {
	e := &Ensemble{
		sparse: NewSparse(),
		eproc:  NewEProcess(families),
	}
	e.monitors = []Monitor{
		NewPersistence(),
		NewDeviation(),
		NewVolatility(),
		NewErgodic(),
		NewCapacity(),
		e.sparse,
		e.eproc,
	}
	return e
}

// Raise records a probe severity for the current cycle.
func (e *Ensemble) Raise(p Probe, sev uint8) { e.acc.Raise(p, sev) }

// EProcess exposes the per-family sequential test.
func (e *Ensemble) EProcess() *EProcess { return e.eproc }

// Cycle drains the accumulator into every monitor. It reports whether it
// ran.
func (e *Ensemble) Cycle() bool {
	if !e.mu.TryLock() {
		e.skips.Add(1)
		return false
	}
	defer e.mu.Unlock()

	sig := e.acc.Drain()
	worst := Calibrating
	for _, m := range e.monitors {
		m.Observe(&sig)
		worst = max(worst, m.Regime())
	}
	e.worst.Store(uint32(worst))
	e.cycles.Add(1)
	return true
}

// Worst is the most severe regime any monitor reported at the last cycle.
func (e *Ensemble) Worst() Regime { return Regime(e.worst.Load()) }

// DominantCause is the sparse monitor's current attribution.
func (e *Ensemble) DominantCause() Cause { return e.sparse.DominantCause() }

// Cycles returns completed and skipped cycle counts.
func (e *Ensemble) Cycles() (ran, skipped uint64) { return e.cycles.Load(), e.skips.Load() }

// Summaries snapshots every monitor. It waits for an in-flight cycle.
func (e *Ensemble) Summaries() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Summary, len(e.monitors))
	for i, m := range e.monitors {
		out[i] = m.Summary()
	}
	return out
}

// Causes snapshots the sparse monitor's intensity estimates.
func (e *Ensemble) Causes() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sparse.Intensities()
}
