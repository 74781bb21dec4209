package monitor

const capacityDraws = 8

// Capacity estimates the empirical Rademacher complexity of the signal
// stream: how well random sign sequences correlate with recent severities.
// High values mean the stream carries enough energy to fit noise, which is
// when the bandit's estimates stop generalising.
type Capacity struct {
	ladder
	rng  [capacityDraws]uint64
	corr [capacityDraws][NumProbes]float64
}

func NewCapacity() *Capacity {
	m := &Capacity{ladder: ladder{
		name: "capacity", warmup: 48, alpha: 0.05, warn: 0.45, alarm: 0.70,
		labels: [3]string{"low_complexity", "elevated_complexity", "overfit_risk"},
	}}
	for i := range m.rng {
		m.rng[i] = 0x9E3779B97F4A7C15 * uint64(i+1)
	}
	return m
}

func xorshift(s *uint64) uint64 {
	x := *s
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	*s = x
	return x
}

func (m *Capacity) Observe(s *Signals) {
	a := m.tick()
	total := 0.0
	for d := range m.corr {
		sign := 1.0
		if xorshift(&m.rng[d])&1 == 0 {
			sign = -1
		}
		best := 0.0
		for i, sev := range s {
			c := ewma(m.corr[d][i], sign*level(sev), a)
			m.corr[d][i] = c
			if c < 0 {
				c = -c
			}
			best = max(best, c)
		}
		total += best
	}
	m.settle(total / capacityDraws / MaxSeverity)
}
