package kernel

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/heal"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/monitor"
	"golang.org/x/time/rate"
)

// Gate thresholds.
const (
	RiskFullCeilingPPM     = 300_000
	HardenedRiskCeilingPPM = 100_000
	ContentionCeiling      = 96
)

const defaultEnsembleCadence = 16

// Options configures a Kernel. Zero values select the defaults.
type Options struct {
	Mode                Mode
	StrictExploration   float64
	HardenedExploration float64
	RefreshCadence      uint64
	RiskCadence         uint64
	EnsembleCadence     uint64
	VetoRules           []string
	// Heal counts Repair decisions. A disabled policy turns every repair
	// row back into its strict denial. Nil means enabled; repair rows only
	// exist for Hardened.
	Heal       *heal.Policy
	Classifier Classifier
	Logger     *slog.Logger
}

// Kernel is the process-scoped decision state. All counters are atomics;
// Decide and Observe never block.
type Kernel struct {
	mode       atomic.Uint32
	bandit     *Bandit
	risk       [NumFamilies]*Risk
	ensemble   *monitor.Ensemble
	veto       *Veto
	heal       *heal.Policy
	classifier Classifier
	cadence    uint64

	inflight     atomic.Int64
	observations atomic.Uint64
	actions      [3]atomic.Uint64
	profiles     [2]atomic.Uint64
	violations   [numViolations]atomic.Uint64

	logger  *slog.Logger
	vetoLog *rate.Limiter
}

// New builds a kernel. It fails only when a veto rule does not compile.
func New(opts Options) (*Kernel, error) {
	veto, err := NewVeto(opts.VetoRules)
	if err != nil {
		return nil, err
	}
	if opts.StrictExploration <= 0 {
		opts.StrictExploration = 0.35
	}
	if opts.HardenedExploration <= 0 {
		opts.HardenedExploration = 0.55
	}
	if opts.EnsembleCadence == 0 {
		opts.EnsembleCadence = defaultEnsembleCadence
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "kernel")
	}
	if opts.Heal == nil {
		opts.Heal = heal.NewPolicy(true, 0, opts.Logger)
	}
	if opts.Classifier == nil {
		opts.Classifier = unknownClassifier{}
	}

	k := &Kernel{
		bandit:     NewBandit(opts.StrictExploration, opts.HardenedExploration, opts.RefreshCadence),
		ensemble:   monitor.NewEnsemble(NumFamilies),
		veto:       veto,
		heal:       opts.Heal,
		classifier: opts.Classifier,
		cadence:    opts.EnsembleCadence,
		logger:     opts.Logger,
		vetoLog:    rate.NewLimiter(rate.Limit(1), 1),
	}
	for i := range k.risk {
		k.risk[i] = newRisk(opts.RiskCadence)
	}
	k.mode.Store(uint32(opts.Mode))
	return k, nil
}

func (k *Kernel) Mode() Mode { return Mode(k.mode.Load()) }

// SetMode switches mode for subsequent calls. Switching to Hardened
// repairs only when the heal policy is enabled.
func (k *Kernel) SetMode(m Mode) { k.mode.Store(uint32(m)) }

// Ensemble exposes the monitor ensemble for read-only introspection.
func (k *Kernel) Ensemble() *monitor.Ensemble { return k.ensemble }

// Heal returns the policy Repair decisions are counted against.
func (k *Kernel) Heal() *heal.Policy { return k.heal }

// Signal raises a probe directly. Callers that observe faults outside
// Decide, such as the allocator, report them here.
func (k *Kernel) Signal(p monitor.Probe, sev uint8) { k.ensemble.Raise(p, sev) }

// Decide runs the decision pipeline with the kernel's own classifier.
func (k *Kernel) Decide(req Request) Decision { return k.DecideWith(k.classifier, req) }

// DecideWith runs the decision pipeline with the given classifier.
func (k *Kernel) DecideWith(c Classifier, req Request) Decision {
	k.inflight.Add(1)
	defer k.inflight.Add(-1)

	mode := k.Mode()
	if !req.Family.valid() {
		req.Family = FamilyPointerValidation
	}
	if mode == Off {
		return k.record(req, Decision{
			Action:   Allow,
			Profile:  Fast,
			State:    lattice.Unknown,
			PolicyID: Resolve(ViolationNone, Off).ID,
		})
	}

	risk := k.risk[req.Family].BoundPPM()
	d := Decision{RiskPPM: risk, State: lattice.Invalid}
	if req.Addr == 0 || (req.RequiresBounds && req.Size == 0) {
		d.Violation = ViolationNull
		rule := Resolve(ViolationNull, mode)
		d.Action, d.PolicyID = rule.Action, rule.ID
		return k.record(req, d)
	}

	d.Profile = k.selectProfile(req.Family, mode, risk)
	cls := c.Classify(req.Addr, d.Profile)
	d.State = cls.State
	if req.Hint != lattice.Unknown {
		d.State = d.State.Join(req.Hint)
	}
	if cls.Corrupted {
		k.ensemble.Raise(monitor.ProbeCorruption, monitor.MaxSeverity)
	}
	if !cls.Cached && d.Profile == Fast {
		k.ensemble.Raise(monitor.ProbeCacheMiss, 1)
	}

	violation, repair := k.inspect(req, cls, d.State, risk)
	if k.vetoed(req, mode, d) {
		violation, repair = ViolationVeto, heal.Action{}
	}
	d.Violation = violation

	rule := Resolve(violation, mode)
	if rule.Action == Repair && !k.heal.Enabled() {
		rule = Resolve(violation, Strict)
	}
	d.Action, d.PolicyID = rule.Action, rule.ID
	if d.Action == Repair {
		if repair.Kind != rule.Heal && violation != ViolationHighRisk {
			repair = heal.Of(rule.Heal)
		}
		d.Heal = k.heal.Apply(repair)
	}
	return k.record(req, d)
}

func (k *Kernel) selectProfile(f Family, mode Mode, risk uint32) Profile {
	p := k.bandit.Select(f)
	switch {
	case risk >= RiskFullCeilingPPM:
		return Full
	case mode == Hardened && (risk >= HardenedRiskCeilingPPM || k.inflight.Load() >= ContentionCeiling):
		return Full
	case k.ensemble.Worst() == monitor.Alarm:
		return Full
	}
	return p
}

// inspect finds the first violation in priority order along with the
// concrete repair it would take.
func (k *Kernel) inspect(req Request, cls Classification, state lattice.SafetyState, risk uint32) (Violation, heal.Action) {
	switch req.Op {
	case OpFree:
		switch {
		case state.IsTerminal():
			return ViolationTerminalFree, heal.Of(heal.IgnoreDoubleFree)
		case !cls.Known || req.Addr != cls.Base:
			return ViolationForeignFree, heal.Of(heal.IgnoreForeignFree)
		}
	case OpRealloc:
		if state.IsTerminal() || !cls.Known || req.Addr != cls.Base {
			return ViolationForeignRealloc, heal.Realloc(req.Size)
		}
	default:
		if state.IsTerminal() {
			return ViolationTerminal, heal.Of(heal.ReturnSafeDefault)
		}
	}

	if state.IsLive() && ((req.WriteIntent && !state.CanWrite()) || (!req.WriteIntent && !state.CanRead())) {
		return ViolationPermission, heal.Of(heal.UpgradeToSafeVariant)
	}

	if cls.Known && req.RequiresBounds && state.IsLive() {
		var avail uint64
		if end := cls.Base + cls.Size; req.Addr < end {
			avail = end - req.Addr
		}
		switch req.Op {
		case OpString:
			if a := heal.StringBounds(req.Extra, heal.Known(avail)); a.IsHeal() {
				return ViolationStringBounds, a
			}
		case OpCopy:
			src := heal.Unknown
			if req.Extra > 0 {
				src = heal.Known(req.Extra)
			}
			if a := heal.CopyBounds(req.Size, src, heal.Known(avail)); a.IsHeal() {
				return ViolationBounds, a
			}
		default:
			if req.Size > avail {
				return ViolationBounds, heal.Clamp(req.Size, avail)
			}
		}
	}

	if risk >= RiskFullCeilingPPM && k.ensemble.EProcess().FamilyRegime(int(req.Family)) == monitor.Alarm {
		if k.ensemble.DominantCause() == monitor.CauseAllocatorMisuse {
			return ViolationHighRisk, heal.Of(heal.ReturnSafeDefault)
		}
		return ViolationHighRisk, heal.Of(heal.UpgradeToSafeVariant)
	}
	return ViolationNone, heal.Action{}
}

func (k *Kernel) vetoed(req Request, mode Mode, d Decision) bool {
	if k.veto.Len() == 0 {
		return false
	}
	idx, err := k.veto.Match(VetoInput{
		Family:  req.Family,
		Mode:    mode,
		Profile: d.Profile,
		Addr:    req.Addr,
		Size:    req.Size,
		Write:   req.WriteIntent,
		State:   d.State.String(),
		RiskPPM: d.RiskPPM,
		Regime:  k.ensemble.Worst().String(),
	})
	if err != nil && k.vetoLog.Allow() {
		k.logger.Warn("veto rule failed", "family", req.Family.String(), "error", err)
	}
	return idx >= 0
}

func (k *Kernel) record(req Request, d Decision) Decision {
	k.actions[d.Action].Add(1)
	k.profiles[d.Profile&1].Add(1)
	k.violations[d.Violation].Add(1)

	e := k.ensemble
	switch {
	case d.RiskPPM >= RiskFullCeilingPPM:
		e.Raise(monitor.ProbeRisk, 3)
	case d.RiskPPM >= HardenedRiskCeilingPPM:
		e.Raise(monitor.ProbeRisk, 2)
	case d.RiskPPM >= 50_000:
		e.Raise(monitor.ProbeRisk, 1)
	}
	if d.Profile == Full {
		e.Raise(monitor.ProbeFullProfile, 1)
	}
	switch n := k.inflight.Load(); {
	case n >= ContentionCeiling:
		e.Raise(monitor.ProbeContention, 3)
	case n >= 32:
		e.Raise(monitor.ProbeContention, 2)
	case n >= 8:
		e.Raise(monitor.ProbeContention, 1)
	}
	switch d.Violation {
	case ViolationBounds, ViolationStringBounds:
		e.Raise(monitor.ProbeBounds, 2)
	case ViolationTerminalFree:
		e.Raise(monitor.ProbeDoubleFree, 3)
	case ViolationForeignFree:
		e.Raise(monitor.ProbeForeignFree, 3)
	}
	switch d.Action {
	case Deny:
		e.Raise(monitor.ProbeDeny, 2)
	case Repair:
		e.Raise(monitor.ProbeRepair, 1)
	}
	return d
}

// Observe trains the kernel on one call outcome. It is the only input
// the bandit, the risk bound and the sequential tests learn from.
func (k *Kernel) Observe(f Family, p Profile, costNanos int64, adverse bool) {
	if !f.valid() {
		return
	}
	k.bandit.Observe(f, p, k.Mode(), costNanos, adverse)
	k.risk[f].Observe(adverse)
	k.ensemble.EProcess().ObserveFamily(int(f), adverse)

	switch {
	case costNanos >= 10_000:
		k.ensemble.Raise(monitor.ProbeLatency, 3)
	case costNanos >= 2_000:
		k.ensemble.Raise(monitor.ProbeLatency, 2)
	case costNanos >= 500:
		k.ensemble.Raise(monitor.ProbeLatency, 1)
	}
	if adverse {
		k.ensemble.Raise(monitor.ProbeAdverse, 3)
	}
	if k.observations.Add(1)%k.cadence == 0 {
		k.ensemble.Cycle()
	}
}

// RiskPPM returns the current risk bound for f.
func (k *Kernel) RiskPPM(f Family) uint32 {
	if !f.valid() {
		return 0
	}
	return k.risk[f].BoundPPM()
}

// FamilyStats is the per-family read-only view.
type FamilyStats struct {
	Family    string         `json:"family"`
	Calls     uint64         `json:"calls"`
	Adverse   uint64         `json:"adverse"`
	RiskPPM   uint32         `json:"risk_ppm"`
	Fast      ArmStats       `json:"fast"`
	Full      ArmStats       `json:"full"`
	Preferred Profile        `json:"preferred"`
	EValue    float64        `json:"e_value"`
	Regime    monitor.Regime `json:"regime"`
}

// Stats is the kernel's read-only view.
type Stats struct {
	Mode          string            `json:"mode"`
	Allowed       uint64            `json:"allowed"`
	Repaired      uint64            `json:"repaired"`
	Denied        uint64            `json:"denied"`
	FastProfiles  uint64            `json:"fast_profiles"`
	FullProfiles  uint64            `json:"full_profiles"`
	Violations    map[string]uint64 `json:"violations"`
	InFlight      int64             `json:"in_flight"`
	Observations  uint64            `json:"observations"`
	Worst         monitor.Regime    `json:"worst_regime"`
	DominantCause monitor.Cause     `json:"dominant_cause"`
	Families      []FamilyStats     `json:"families"`
}

// Stats snapshots counters. Families with no observations are omitted.
func (k *Kernel) Stats() Stats {
	s := Stats{
		Mode:          k.Mode().String(),
		Allowed:       k.actions[Allow].Load(),
		Repaired:      k.actions[Repair].Load(),
		Denied:        k.actions[Deny].Load(),
		FastProfiles:  k.profiles[Fast].Load(),
		FullProfiles:  k.profiles[Full].Load(),
		Violations:    make(map[string]uint64),
		InFlight:      k.inflight.Load(),
		Observations:  k.observations.Load(),
		Worst:         k.ensemble.Worst(),
		DominantCause: k.ensemble.DominantCause(),
	}
	for v := ViolationNull; v < numViolations; v++ {
		if n := k.violations[v].Load(); n > 0 {
			s.Violations[v.String()] = n
		}
	}
	ep := k.ensemble.EProcess()
	for _, f := range Families() {
		calls, adverse := k.risk[f].Counts()
		if calls == 0 {
			continue
		}
		fast, full, pref := k.bandit.FamilyStats(f)
		s.Families = append(s.Families, FamilyStats{
			Family:    f.String(),
			Calls:     calls,
			Adverse:   adverse,
			RiskPPM:   k.risk[f].BoundPPM(),
			Fast:      fast,
			Full:      full,
			Preferred: pref,
			EValue:    ep.EValue(int(f)),
			Regime:    ep.FamilyRegime(int(f)),
		})
	}
	return s
}

// String renders a decision for logs.
func (d Decision) String() string {
	if d.Action == Repair {
		return fmt.Sprintf("%s(%s) profile=%s state=%s", d.Action, d.Heal, d.Profile, d.State)
	}
	return fmt.Sprintf("%s profile=%s state=%s violation=%s", d.Action, d.Profile, d.State, d.Violation)
}
