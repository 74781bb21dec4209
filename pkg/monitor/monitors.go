package monitor

import "math"

// Persistence tracks, per probe, the smoothed rate at which severity
// reaches 2 or more. A probe that keeps firing dominates the statistic.
type Persistence struct {
	ladder
	rate [NumProbes]float64
}

func NewPersistence() *Persistence {
	return &Persistence{ladder: ladder{
		name: "persistence", warmup: 32, alpha: 0.05, warn: 0.25, alarm: 0.5,
		labels: [3]string{"transient", "recurring", "persistent"},
	}}
}

func (m *Persistence) Observe(s *Signals) {
	a := m.tick()
	worst := 0.0
	for i, sev := range s {
		x := 0.0
		if sev >= 2 {
			x = 1
		}
		m.rate[i] = ewma(m.rate[i], x, a)
		worst = max(worst, m.rate[i])
	}
	m.settle(worst)
}

// Deviation bounds how far the recent mean of each probe may drift from
// its long-run mean before the drift is no longer explained by bounded
// martingale increments (Azuma-Hoeffding with increments in [0, 3]).
type Deviation struct {
	ladder
	recent   [NumProbes]float64
	baseline [NumProbes]float64
	radius   float64
}

func NewDeviation() *Deviation {
	const (
		alpha = 0.03
		delta = 0.05
	)
	window := 2/alpha - 1
	return &Deviation{
		ladder: ladder{
			name: "deviation", warmup: 40, alpha: alpha, warn: 0.6, alarm: 1.0,
			labels: [3]string{"within_bound", "drifting", "bound_violated"},
		},
		radius: MaxSeverity * math.Sqrt(2*math.Log(2/delta)/window),
	}
}

func (m *Deviation) Observe(s *Signals) {
	a := m.tick()
	n := float64(m.count)
	worst := 0.0
	for i, sev := range s {
		x := level(sev)
		m.recent[i] = ewma(m.recent[i], x, a)
		m.baseline[i] += (x - m.baseline[i]) / n
		worst = max(worst, math.Abs(m.recent[i]-m.baseline[i]))
	}
	m.settle(worst / m.radius)
}

// Volatility is the smoothed quadratic variation of each probe around its
// own moving mean. Oscillating probes score high even when their mean is
// unremarkable.
type Volatility struct {
	ladder
	mean [NumProbes]float64
	qv   [NumProbes]float64
}

func NewVolatility() *Volatility {
	return &Volatility{ladder: ladder{
		name: "volatility", warmup: 40, alpha: 0.03, warn: 0.5, alarm: 1.5,
		labels: [3]string{"calm", "choppy", "turbulent"},
	}}
}

func (m *Volatility) Observe(s *Signals) {
	a := m.tick()
	worst := 0.0
	for i, sev := range s {
		x := level(sev)
		d := x - m.mean[i]
		m.qv[i] = ewma(m.qv[i], d*d, a)
		m.mean[i] = ewma(m.mean[i], x, a)
		worst = max(worst, m.qv[i])
	}
	m.settle(worst)
}

// Ergodic compares a fast and a slow time average per probe. A persistent
// gap means the process is not mixing: the recent past does not look like
// the long run.
type Ergodic struct {
	ladder
	fast, slow [NumProbes]float64
	gap        float64
}

const (
	ergodicFast = 0.15
	ergodicSlow = 0.01
)

func NewErgodic() *Ergodic {
	return &Ergodic{ladder: ladder{
		name: "ergodic", warmup: 60, alpha: 0.03, warn: 0.30, alarm: 0.80,
		labels: [3]string{"mixing", "slow_mixing", "non_ergodic"},
	}}
}

func (m *Ergodic) Observe(s *Signals) {
	a := m.tick()
	warm := 2 / (float64(m.count) + 1)
	fa, sa := ergodicFast, ergodicSlow
	if m.count <= m.warmup {
		fa, sa = max(fa, warm), max(sa, warm)
	}
	worst := 0.0
	for i, sev := range s {
		x := level(sev)
		m.fast[i] = ewma(m.fast[i], x, fa)
		m.slow[i] = ewma(m.slow[i], x, sa)
		worst = max(worst, math.Abs(m.fast[i]-m.slow[i])/MaxSeverity)
	}
	m.gap = ewma(m.gap, worst, a)
	m.settle(m.gap)
}
