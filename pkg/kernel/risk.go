package kernel

import (
	"math"
	"sync/atomic"
)

const (
	riskPriorPPM   = 20_000
	riskMinSamples = 32
	riskCadence    = 64
	riskZ          = 3.0
)

// Risk keeps a per-family upper confidence bound on the adverse rate in
// parts per million. The bound is Laplace smoothed with a normal
// approximation margin and recomputed on cadence so readers only load an
// atomic.
type Risk struct {
	calls   atomic.Uint64
	adverse atomic.Uint64
	bound   atomic.Uint32
	cadence uint64
}

func newRisk(cadence uint64) *Risk {
	if cadence == 0 {
		cadence = riskCadence
	}
	r := &Risk{cadence: cadence}
	r.bound.Store(riskPriorPPM)
	return r
}

// Observe records one outcome.
func (r *Risk) Observe(adverse bool) {
	if adverse {
		r.adverse.Add(1)
	}
	n := r.calls.Add(1)
	if n == riskMinSamples || (n > riskMinSamples && n%r.cadence == 0) {
		r.bound.Store(UpperBoundPPM(r.adverse.Load(), n))
	}
}

// BoundPPM is the last computed bound.
func (r *Risk) BoundPPM() uint32 { return r.bound.Load() }

// Counts returns calls and adverse outcomes observed.
func (r *Risk) Counts() (calls, adverse uint64) { return r.calls.Load(), r.adverse.Load() }

// UpperBoundPPM computes p + z*sqrt(p(1-p)/(n+3)) with p = (a+1)/(n+2),
// clamped to [0, 1e6].
func UpperBoundPPM(adverse, calls uint64) uint32 {
	adverse = min(adverse, calls)
	n := float64(calls)
	p := (float64(adverse) + 1) / (n + 2)
	ub := p + riskZ*math.Sqrt(p*(1-p)/(n+3))
	if math.IsNaN(ub) {
		return 1_000_000
	}
	return uint32(min(max(ub, 0), 1) * 1_000_000)
}
