package kernel

import (
	"sync"
	"testing"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/heal"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const region = 0x1_0000_1000

// fixed classifies one 100-byte region with the given state and treats
// everything else as untracked.
func fixed(state lattice.SafetyState) Classifier {
	return ClassifierFunc(func(addr uint64, _ Profile) Classification {
		if addr >= region && addr < region+100 {
			return Classification{State: state, Base: region, Size: 100, Known: true, Cached: true}
		}
		return Classification{State: lattice.Unknown}
	})
}

func newKernel(t *testing.T, mode Mode, c Classifier, rules ...string) *Kernel {
	t.Helper()
	k, err := New(Options{
		Mode:       mode,
		Classifier: c,
		Heal:       heal.NewPolicy(true, 0, nil),
		VetoRules:  rules,
	})
	require.NoError(t, err)
	return k
}

func TestColdStartTriesFastThenFull(t *testing.T) {
	k := newKernel(t, Strict, fixed(lattice.Valid))
	req := Request{Family: FamilyStringMemory, Addr: region, Size: 8}

	assert.Equal(t, Fast, k.Decide(req).Profile)
	assert.Equal(t, Full, k.Decide(req).Profile)

	other := req
	other.Family = FamilySocket
	assert.Equal(t, Fast, k.Decide(other).Profile, "cold start is per family")
}

func TestRiskCeilingForcesFull(t *testing.T) {
	for _, mode := range []Mode{Strict, Hardened} {
		t.Run(mode.String(), func(t *testing.T) {
			k := newKernel(t, mode, fixed(lattice.Valid))
			for i := 0; i < 64; i++ {
				k.Observe(FamilyStdio, Fast, 100, true)
			}
			require.GreaterOrEqual(t, k.RiskPPM(FamilyStdio), uint32(RiskFullCeilingPPM))

			d := k.Decide(Request{Family: FamilyStdio, Addr: region, Size: 8})
			assert.Equal(t, Full, d.Profile, "first call would be Fast without the gate")
		})
	}
}

func TestHardenedContentionForcesFull(t *testing.T) {
	req := Request{Family: FamilyThreading, Addr: region, Size: 8}

	k := newKernel(t, Hardened, fixed(lattice.Valid))
	k.inflight.Store(ContentionCeiling)
	assert.Equal(t, Full, k.Decide(req).Profile)

	k = newKernel(t, Strict, fixed(lattice.Valid))
	k.inflight.Store(ContentionCeiling)
	assert.Equal(t, Fast, k.Decide(req).Profile, "contention gate is hardened only")
}

func TestNullAndZeroLengthAreDenied(t *testing.T) {
	for _, mode := range []Mode{Strict, Hardened} {
		k := newKernel(t, mode, fixed(lattice.Valid))
		d := k.Decide(Request{Family: FamilyStringMemory, Addr: 0, Size: 8})
		assert.Equal(t, Deny, d.Action, mode.String())
		assert.Equal(t, ViolationNull, d.Violation)

		d = k.Decide(Request{Family: FamilyStringMemory, Addr: region, Size: 0, RequiresBounds: true})
		assert.Equal(t, Deny, d.Action, mode.String())
	}
}

func TestOffModePassesThrough(t *testing.T) {
	k := newKernel(t, Off, fixed(lattice.Freed))
	d := k.Decide(Request{Family: FamilyStdio, Addr: region, Size: 1 << 20, RequiresBounds: true})
	assert.Equal(t, Allow, d.Action)
	assert.Equal(t, Fast, d.Profile)
}

func TestDecisions(t *testing.T) {
	cases := []struct {
		name       string
		state      lattice.SafetyState
		req        Request
		strict     Action
		hardened   Action
		heal       heal.Action
		violations Violation
	}{
		{
			name:       "in bounds",
			state:      lattice.Valid,
			req:        Request{Addr: region + 10, Size: 90, RequiresBounds: true},
			strict:     Allow,
			hardened:   Allow,
			violations: ViolationNone,
		},
		{
			name:       "overlong access",
			state:      lattice.Valid,
			req:        Request{Addr: region + 50, Size: 100, RequiresBounds: true},
			strict:     Deny,
			hardened:   Repair,
			heal:       heal.Clamp(100, 50),
			violations: ViolationBounds,
		},
		{
			name:       "copy clamps to smaller bound",
			state:      lattice.Valid,
			req:        Request{Addr: region, Size: 1000, RequiresBounds: true, Op: OpCopy, Extra: 60},
			strict:     Deny,
			hardened:   Repair,
			heal:       heal.Clamp(1000, 60),
			violations: ViolationBounds,
		},
		{
			name:       "string truncates",
			state:      lattice.Valid,
			req:        Request{Addr: region + 50, Size: 100, RequiresBounds: true, Op: OpString, Extra: 100},
			strict:     Deny,
			hardened:   Repair,
			heal:       heal.Truncate(100, 49),
			violations: ViolationStringBounds,
		},
		{
			name:       "use after free",
			state:      lattice.Freed,
			req:        Request{Addr: region, Size: 8},
			strict:     Deny,
			hardened:   Repair,
			heal:       heal.Of(heal.ReturnSafeDefault),
			violations: ViolationTerminal,
		},
		{
			name:       "double free",
			state:      lattice.Quarantined,
			req:        Request{Addr: region, Op: OpFree},
			strict:     Deny,
			hardened:   Repair,
			heal:       heal.Of(heal.IgnoreDoubleFree),
			violations: ViolationTerminalFree,
		},
		{
			name:       "foreign free",
			state:      lattice.Valid,
			req:        Request{Addr: 0xdead0, Op: OpFree},
			strict:     Deny,
			hardened:   Repair,
			heal:       heal.Of(heal.IgnoreForeignFree),
			violations: ViolationForeignFree,
		},
		{
			name:       "interior free",
			state:      lattice.Valid,
			req:        Request{Addr: region + 8, Op: OpFree},
			strict:     Deny,
			hardened:   Repair,
			heal:       heal.Of(heal.IgnoreForeignFree),
			violations: ViolationForeignFree,
		},
		{
			name:       "foreign realloc",
			state:      lattice.Valid,
			req:        Request{Addr: 0xdead0, Size: 64, Op: OpRealloc},
			strict:     Deny,
			hardened:   Repair,
			heal:       heal.Realloc(64),
			violations: ViolationForeignRealloc,
		},
		{
			name:       "write through read-only hint",
			state:      lattice.Valid,
			req:        Request{Addr: region, Size: 8, WriteIntent: true, Hint: lattice.Readable},
			strict:     Deny,
			hardened:   Repair,
			heal:       heal.Of(heal.UpgradeToSafeVariant),
			violations: ViolationPermission,
		},
		{
			name:       "untracked memory is allowed",
			state:      lattice.Valid,
			req:        Request{Addr: 0x7000, Size: 1 << 20, RequiresBounds: true},
			strict:     Allow,
			hardened:   Allow,
			violations: ViolationNone,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Family = FamilyStringMemory

			d := newKernel(t, Strict, fixed(tc.state)).Decide(tc.req)
			assert.Equal(t, tc.strict, d.Action, "strict")
			assert.Equal(t, tc.violations, d.Violation)
			assert.False(t, d.Heal.IsHeal(), "strict never heals")

			d = newKernel(t, Hardened, fixed(tc.state)).Decide(tc.req)
			assert.Equal(t, tc.hardened, d.Action, "hardened")
			assert.Equal(t, tc.heal, d.Heal)
			assert.Equal(t, Resolve(tc.violations, Hardened).ID, d.PolicyID)
		})
	}
}

func TestRepairsAreCounted(t *testing.T) {
	k := newKernel(t, Hardened, fixed(lattice.Valid))
	for i := 0; i < 3; i++ {
		k.Decide(Request{Family: FamilyStdio, Addr: region + 50, Size: 100, RequiresBounds: true})
	}
	assert.Equal(t, uint64(3), k.Heal().Count(heal.ClampSize))
	s := k.Stats()
	assert.Equal(t, uint64(3), s.Repaired)
	assert.Equal(t, uint64(3), s.Violations["bounds"])
}

func TestHardenedWithoutHealingDenies(t *testing.T) {
	k, err := New(Options{Mode: Hardened, Classifier: fixed(lattice.Valid), Heal: heal.NewPolicy(false, 0, nil)})
	require.NoError(t, err)
	d := k.Decide(Request{Family: FamilyStdio, Addr: region + 50, Size: 100, RequiresBounds: true})
	assert.Equal(t, Deny, d.Action)
}

func TestSwitchingToHardenedRepairs(t *testing.T) {
	k, err := New(Options{Mode: Strict, Classifier: fixed(lattice.Valid)})
	require.NoError(t, err)
	req := Request{Family: FamilyStdio, Addr: region + 50, Size: 100, RequiresBounds: true}

	assert.Equal(t, Deny, k.Decide(req).Action)
	assert.Zero(t, k.Heal().Counts().Total, "strict rows never repair")

	k.SetMode(Hardened)
	d := k.Decide(req)
	assert.Equal(t, Repair, d.Action)
	assert.Equal(t, heal.ClampSize, d.Heal.Kind)
	assert.Equal(t, uint64(50), d.Heal.Bound)
	assert.Equal(t, uint64(1), k.Heal().Count(heal.ClampSize))
}

func TestVeto(t *testing.T) {
	k := newKernel(t, Hardened, fixed(lattice.Valid), `family == "socket" && size > 64`)

	d := k.Decide(Request{Family: FamilySocket, Addr: region, Size: 80})
	assert.Equal(t, Deny, d.Action)
	assert.Equal(t, ViolationVeto, d.Violation)

	d = k.Decide(Request{Family: FamilySocket, Addr: region, Size: 32})
	assert.Equal(t, Allow, d.Action)

	d = k.Decide(Request{Family: FamilyStdio, Addr: region, Size: 80})
	assert.Equal(t, Allow, d.Action)
}

func TestVetoRejectsBadRules(t *testing.T) {
	_, err := NewVeto([]string{`size >`})
	assert.ErrorIs(t, err, ErrVetoRule)

	_, err = NewVeto([]string{`size + 1`})
	assert.ErrorIs(t, err, ErrVetoRule)

	_, err = New(Options{VetoRules: []string{`nope == 1`}})
	assert.ErrorIs(t, err, ErrVetoRule)
}

func TestObserveCyclesEnsemble(t *testing.T) {
	k := newKernel(t, Strict, nil)
	for i := 0; i < 32; i++ {
		k.Observe(FamilyPoll, Fast, 50, false)
	}
	ran, _ := k.Ensemble().Cycles()
	assert.Equal(t, uint64(2), ran)

	k.Observe(Family(200), Fast, 50, true)
	assert.Equal(t, uint64(32), k.Stats().Observations)
}

func TestAllocatorAbuseAlarms(t *testing.T) {
	k := newKernel(t, Hardened, nil)
	for i := 0; i < 400; i++ {
		k.Signal(monitor.ProbeDoubleFree, 3)
		k.Observe(FamilyAllocator, Fast, 100, true)
	}
	assert.Equal(t, monitor.Alarm, k.Ensemble().Worst())
	assert.Equal(t, monitor.Alarm, k.Ensemble().EProcess().FamilyRegime(int(FamilyAllocator)))

	d := k.Decide(Request{Family: FamilyAllocator, Addr: 0x5000, Size: 8})
	assert.Equal(t, Full, d.Profile)
	assert.Equal(t, ViolationHighRisk, d.Violation)
	assert.Equal(t, Repair, d.Action)
	assert.Equal(t, heal.ReturnSafeDefault, d.Heal.Kind)
}

func TestConcurrentDecideObserve(t *testing.T) {
	k := newKernel(t, Hardened, fixed(lattice.Valid))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			f := Family(g % NumFamilies)
			for i := 0; i < 500; i++ {
				d := k.Decide(Request{Family: f, Addr: region, Size: 8})
				k.Observe(f, d.Profile, int64(i%700), i%50 == 0)
			}
		}(g)
	}
	wg.Wait()

	s := k.Stats()
	assert.Equal(t, uint64(4000), s.Observations)
	assert.Equal(t, uint64(4000), s.Allowed+s.Repaired+s.Denied)
	assert.Equal(t, uint64(4000), s.FastProfiles+s.FullProfiles)
	assert.Zero(t, s.InFlight)
	assert.Len(t, s.Families, 8)
}
