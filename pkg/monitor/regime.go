package monitor

import "fmt"

// Regime is an ordered health classification. Larger is worse.
type Regime uint8

const (
	Calibrating Regime = iota
	Stable
	Warning
	Alarm
)

func (r Regime) String() string {
	switch r {
	case Calibrating:
		return "calibrating"
	case Stable:
		return "stable"
	case Warning:
		return "warning"
	case Alarm:
		return "alarm"
	default:
		return fmt.Sprintf("regime(%d)", uint8(r))
	}
}

func (r Regime) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Regime) UnmarshalText(b []byte) error {
	for c := Calibrating; c <= Alarm; c++ {
		if c.String() == string(b) {
			*r = c
			return nil
		}
	}
	return fmt.Errorf("monitor: unknown regime %q", b)
}

// Summary is the read-only view of one monitor.
type Summary struct {
	Name         string  `json:"name"`
	Regime       Regime  `json:"regime"`
	Label        string  `json:"label"`
	Statistic    float64 `json:"statistic"`
	Observations uint64  `json:"observations"`
}

// Monitor is one ensemble member. Observe is called from a single
// goroutine at a time.
type Monitor interface {
	Name() string
	Observe(s *Signals)
	Regime() Regime
	Summary() Summary
}

// ladder is the shared skeleton: warm-up smoothing, then a statistic
// compared against two increasing cutoffs.
type ladder struct {
	name        string
	warmup      uint64
	alpha       float64
	warn, alarm float64
	labels      [3]string // stable, warning, alarm

	count  uint64
	stat   float64
	regime Regime
}

// tick counts an observation and returns the smoothing weight for it:
// 2/(n+1) during warm-up so early samples are averaged rather than
// dominated by the initial zero, alpha afterwards.
func (l *ladder) tick() float64 {
	l.count++
	if l.count <= l.warmup {
		return max(2/(float64(l.count)+1), l.alpha)
	}
	return l.alpha
}

// settle records the statistic and classifies it.
func (l *ladder) settle(stat float64) {
	l.stat = stat
	switch {
	case l.count < l.warmup:
		l.regime = Calibrating
	case stat >= l.alarm:
		l.regime = Alarm
	case stat >= l.warn:
		l.regime = Warning
	default:
		l.regime = Stable
	}
}

func (l *ladder) Name() string   { return l.name }
func (l *ladder) Regime() Regime { return l.regime }

func (l *ladder) label() string {
	if l.regime == Calibrating {
		return "calibrating"
	}
	return l.labels[l.regime-Stable]
}

func (l *ladder) Summary() Summary {
	return Summary{
		Name:         l.name,
		Regime:       l.regime,
		Label:        l.label(),
		Statistic:    l.stat,
		Observations: l.count,
	}
}

func ewma(prev, x, alpha float64) float64 { return prev + alpha*(x-prev) }

func level(sev uint8) float64 { return float64(min(sev, MaxSeverity)) }
