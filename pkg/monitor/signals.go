// Package monitor provides the diagnostic ensemble: independent online
// controllers that classify membrane health into ordered regimes from a
// per-cycle vector of probe severities.
//
// Callers raise severities into an Accumulator from any goroutine; once per
// cycle the ensemble drains it into a Signals vector and feeds every
// monitor. Each monitor shares the same skeleton (warm-up, EWMA smoothing,
// a two-threshold ladder) and differs only in the statistic it derives.
package monitor

import "sync/atomic"

// Probe indexes one component of the signal vector.
type Probe uint8

const (
	ProbeRisk Probe = iota
	ProbeLatency
	ProbeCacheMiss
	ProbeCorruption
	ProbeDoubleFree
	ProbeForeignFree
	ProbeBounds
	ProbeDeny
	ProbeRepair
	ProbeFullProfile
	ProbeContention
	ProbeAdverse

	NumProbes = int(iota)
)

var probeNames = [NumProbes]string{
	"risk", "latency", "cache_miss", "corruption", "double_free", "foreign_free",
	"bounds", "deny", "repair", "full_profile", "contention", "adverse",
}

func (p Probe) String() string {
	if int(p) < NumProbes {
		return probeNames[p]
	}
	return "probe?"
}

// MaxSeverity is the largest severity a probe carries.
const MaxSeverity = 3

// Signals is one cycle's severities, each in [0, MaxSeverity].
type Signals [NumProbes]uint8

// Accumulator collects the maximum severity per probe between cycles.
// It is safe for concurrent use.
type Accumulator struct {
	cells [NumProbes]atomic.Uint32
}

// Raise records sev for p if it exceeds what the cycle has seen so far.
func (a *Accumulator) Raise(p Probe, sev uint8) {
	if int(p) >= NumProbes || sev == 0 {
		return
	}
	v := uint32(min(sev, MaxSeverity))
	cell := &a.cells[p]
	for {
		cur := cell.Load()
		if cur >= v || cell.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Drain returns the collected severities and resets them.
func (a *Accumulator) Drain() Signals {
	var s Signals
	for i := range a.cells {
		s[i] = uint8(a.cells[i].Swap(0))
	}
	return s
}
