package monitor

import (
	"math"
	"sync/atomic"
)

// E-process parameters. Evidence is the log likelihood ratio of an
// adverse rate q1 against the null rate p0, kept in micro-nats so it can
// live in an atomic. Floor at zero restarts the test after clean runs.
const (
	eNull      = 0.02
	eAlt       = 0.20
	eWarmup    = 64
	eWarnLog   = 4.605170185988092 // ln 100
	eAlarmLog  = 9.210340371976184 // ln 10000
	eCapLog    = 50.0
	microScale = 1e6
)

var (
	eAdverseStep = int64(math.Log(eAlt/eNull) * microScale)
	eCleanStep   = int64(math.Log((1-eAlt)/(1-eNull)) * microScale)
	eWarnMicro   = int64(math.Round(eWarnLog * microScale))
	eAlarmMicro  = int64(math.Round(eAlarmLog * microScale))
	eCapMicro    = int64(eCapLog * microScale)
)

type evidence struct {
	calls   atomic.Uint64
	adverse atomic.Uint64
	logE    atomic.Int64
}

func (e *evidence) observe(adverse bool) {
	e.calls.Add(1)
	step := eCleanStep
	if adverse {
		e.adverse.Add(1)
		step = eAdverseStep
	}
	for {
		cur := e.logE.Load()
		next := min(max(cur+step, 0), eCapMicro)
		if next == cur || e.logE.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (e *evidence) regime() Regime {
	if e.calls.Load() < eWarmup {
		return Calibrating
	}
	switch v := e.logE.Load(); {
	case v >= eAlarmMicro:
		return Alarm
	case v >= eWarnMicro:
		return Warning
	default:
		return Stable
	}
}

func (e *evidence) value() float64 { return math.Exp(float64(e.logE.Load()) / microScale) }

// EProcess is an anytime-valid sequential test per API family plus one
// aggregate test driven by the adverse probe. ObserveFamily is safe for
// concurrent use; Observe follows the Monitor contract.
type EProcess struct {
	aggregate evidence
	families  []evidence
}

func NewEProcess(families int) *EProcess {
	return &EProcess{families: make([]evidence, max(families, 0))}
}

func (m *EProcess) Name() string { return "eprocess" }

func (m *EProcess) Observe(s *Signals) { m.aggregate.observe(s[ProbeAdverse] >= 2) }

// ObserveFamily records one call outcome for family idx. Out of range
// indices are ignored.
func (m *EProcess) ObserveFamily(idx int, adverse bool) {
	if idx >= 0 && idx < len(m.families) {
		m.families[idx].observe(adverse)
	}
}

// FamilyRegime reports the regime of a single family.
func (m *EProcess) FamilyRegime(idx int) Regime {
	if idx < 0 || idx >= len(m.families) {
		return Calibrating
	}
	return m.families[idx].regime()
}

// EValue returns the current e-value of family idx.
func (m *EProcess) EValue(idx int) float64 {
	if idx < 0 || idx >= len(m.families) {
		return 1
	}
	return m.families[idx].value()
}

// Regime is the worst of the aggregate and every family that has left
// calibration.
func (m *EProcess) Regime() Regime {
	r := m.aggregate.regime()
	for i := range m.families {
		if fr := m.families[i].regime(); fr > r {
			r = fr
		}
	}
	return r
}

func (m *EProcess) Summary() Summary {
	r := m.Regime()
	stat := m.aggregate.value()
	for i := range m.families {
		stat = max(stat, m.families[i].value())
	}
	label := "calibrating"
	switch r {
	case Stable:
		label = "null_holds"
	case Warning:
		label = "evidence_building"
	case Alarm:
		label = "null_rejected"
	}
	return Summary{
		Name:         m.Name(),
		Regime:       r,
		Label:        label,
		Statistic:    stat,
		Observations: m.aggregate.calls.Load(),
	}
}
