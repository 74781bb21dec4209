package kernel

import (
	"math"
	"sync/atomic"
)

const (
	utilityBase       = 100_000
	utilityCostWeight = 8
	utilityAdverse    = 20_000
	maxCostNanos      = 10_000

	defaultRefresh = 32
)

type arm struct {
	pulls   atomic.Uint64
	utility atomic.Int64
}

type familyArms struct {
	arms      [2]arm
	selects   atomic.Uint64
	total     atomic.Uint64
	preferred atomic.Uint32
}

// Bandit is a two-armed UCB bandit per family choosing between the Fast
// and Full profiles. Select is a handful of atomic loads; UCB scores are
// only computed every refresh pulls on the Observe path.
type Bandit struct {
	fams      [NumFamilies]familyArms
	refresh   uint64
	explore   [2]float64 // strict, hardened
	refreshes atomic.Uint64
}

func NewBandit(strictC, hardenedC float64, refresh uint64) *Bandit {
	if refresh == 0 {
		refresh = defaultRefresh
	}
	return &Bandit{refresh: refresh, explore: [2]float64{strictC, hardenedC}}
}

// Utility scores one call outcome. Cost is clamped so a pathological
// measurement cannot push utility negative.
func Utility(costNanos int64, adverse bool) int64 {
	c := min(max(costNanos, 0), maxCostNanos)
	u := utilityBase - utilityCostWeight*c
	if adverse {
		u -= utilityAdverse
	}
	return max(u, 0)
}

// Select returns the profile to serve. The first two calls of a family are
// Fast then Full; any arm still without a pull is tried next; after that
// the cached UCB preference is served.
func (b *Bandit) Select(f Family) Profile {
	fa := &b.fams[f]
	switch trial := fa.selects.Add(1) - 1; trial {
	case 0:
		return Fast
	case 1:
		return Full
	}
	for p := range fa.arms {
		if fa.arms[p].pulls.Load() == 0 {
			return Profile(p)
		}
	}
	return Profile(fa.preferred.Load())
}

// Observe credits one outcome to the arm that served it and refreshes the
// cached preference on cadence.
func (b *Bandit) Observe(f Family, p Profile, mode Mode, costNanos int64, adverse bool) {
	fa := &b.fams[f]
	a := &fa.arms[p&1]
	a.pulls.Add(1)
	a.utility.Add(Utility(costNanos, adverse))
	if n := fa.total.Add(1); n%b.refresh == 0 {
		b.refreshFamily(fa, mode, n)
	}
}

func (b *Bandit) refreshFamily(fa *familyArms, mode Mode, total uint64) {
	c := b.explore[0]
	if mode == Hardened {
		c = b.explore[1]
	}
	lnN := math.Log(float64(total))
	best, bestScore := Fast, math.Inf(-1)
	for p := range fa.arms {
		n := fa.arms[p].pulls.Load()
		if n == 0 {
			best = Profile(p)
			break
		}
		mean := float64(fa.arms[p].utility.Load()) / float64(n)
		score := mean + c*utilityBase*math.Sqrt(lnN/float64(n))
		if score > bestScore {
			best, bestScore = Profile(p), score
		}
	}
	fa.preferred.Store(uint32(best))
	b.refreshes.Add(1)
}

// ArmStats is the read-only view of one arm.
type ArmStats struct {
	Pulls       uint64  `json:"pulls"`
	MeanUtility float64 `json:"mean_utility"`
}

// FamilyStats returns both arms and the cached preference for f.
func (b *Bandit) FamilyStats(f Family) (fast, full ArmStats, preferred Profile) {
	fa := &b.fams[f]
	read := func(a *arm) ArmStats {
		n := a.pulls.Load()
		s := ArmStats{Pulls: n}
		if n > 0 {
			s.MeanUtility = float64(a.utility.Load()) / float64(n)
		}
		return s
	}
	return read(&fa.arms[Fast]), read(&fa.arms[Full]), Profile(fa.preferred.Load())
}
