package monitor

import (
	"fmt"
	"sync/atomic"
)

// Cause is a latent explanation the sparse monitor attributes signals to.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseAllocatorMisuse
	CauseBoundsAbuse
	CauseResourcePressure
	CauseCacheChurn
	CausePolicyFriction
)

const numCauses = 5

var causeNames = [...]string{"none", "allocator_misuse", "bounds_abuse", "resource_pressure", "cache_churn", "policy_friction"}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return "cause?"
}

func (c Cause) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Cause) UnmarshalText(b []byte) error {
	for i, n := range causeNames {
		if n == string(b) {
			*c = Cause(i)
			return nil
		}
	}
	return fmt.Errorf("monitor: unknown cause %q", b)
}

// loadings[probe][cause] says how strongly each cause shows up on a probe.
var loadings = [NumProbes][numCauses]float64{
	ProbeRisk:        {0.20, 0.20, 0.20, 0.05, 0.30},
	ProbeLatency:     {0.05, 0.05, 0.70, 0.15, 0.05},
	ProbeCacheMiss:   {0.05, 0.05, 0.20, 0.70, 0.00},
	ProbeCorruption:  {0.20, 0.70, 0.05, 0.00, 0.05},
	ProbeDoubleFree:  {0.85, 0.05, 0.00, 0.05, 0.05},
	ProbeForeignFree: {0.80, 0.10, 0.00, 0.05, 0.05},
	ProbeBounds:      {0.05, 0.80, 0.05, 0.00, 0.10},
	ProbeDeny:        {0.15, 0.15, 0.05, 0.00, 0.65},
	ProbeRepair:      {0.10, 0.20, 0.05, 0.00, 0.65},
	ProbeFullProfile: {0.05, 0.05, 0.35, 0.20, 0.35},
	ProbeContention:  {0.00, 0.00, 0.80, 0.15, 0.05},
	ProbeAdverse:     {0.25, 0.25, 0.10, 0.00, 0.40},
}

const (
	sparseStep    = 0.18
	sparseLambda  = 0.045
	sparseCap     = 4.0
	sparseSupport = 0.05
)

// Sparse runs one projected ISTA step per cycle to keep a non-negative,
// L1-regularised estimate of latent cause intensities. The statistic is
// the smoothed L1 energy of that estimate.
type Sparse struct {
	ladder
	x        [numCauses]float64
	energy   float64
	residual float64
	dominant atomic.Uint32
}

func NewSparse() *Sparse {
	return &Sparse{ladder: ladder{
		name: "sparse", warmup: 64, alpha: 0.05, warn: 0.35, alarm: 1.0,
		labels: [3]string{"diffuse", "focused", "concentrated"},
	}}
}

func (m *Sparse) Observe(s *Signals) {
	a := m.tick()

	var grad [numCauses]float64
	resid := 0.0
	for i, sev := range s {
		y := level(sev) / MaxSeverity
		pred := 0.0
		for j, w := range loadings[i] {
			pred += w * m.x[j]
		}
		pred = min(max(pred, 0), 1.5)
		r := pred - y
		resid += r * r
		for j, w := range loadings[i] {
			grad[j] += w * r
		}
	}

	l1 := 0.0
	best, bestJ := 0.0, -1
	for j := range m.x {
		v := max(m.x[j]-sparseStep*grad[j], 0)
		v = max(v-sparseStep*sparseLambda, 0)
		v = min(v, sparseCap)
		m.x[j] = v
		l1 += v
		if v > best {
			best, bestJ = v, j
		}
	}
	m.residual = ewma(m.residual, resid/float64(NumProbes), a)
	m.energy = ewma(m.energy, l1, a)

	cause := CauseNone
	if bestJ >= 0 && best >= sparseSupport {
		cause = Cause(bestJ + 1)
	}
	m.dominant.Store(uint32(cause))
	m.settle(m.energy)
}

// DominantCause is safe to call concurrently with Observe.
func (m *Sparse) DominantCause() Cause { return Cause(m.dominant.Load()) }

// Intensities returns the current cause estimates keyed by name.
func (m *Sparse) Intensities() map[string]float64 {
	out := make(map[string]float64, numCauses)
	for j, v := range m.x {
		out[Cause(j+1).String()] = v
	}
	return out
}
