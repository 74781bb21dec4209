package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUtility(t *testing.T) {
	assert.Equal(t, int64(100_000), Utility(0, false))
	assert.Equal(t, int64(99_200), Utility(100, false))
	assert.Equal(t, int64(79_200), Utility(100, true))
	assert.Equal(t, int64(0), Utility(1<<40, true), "cost is clamped")
	assert.Equal(t, int64(100_000), Utility(-5, false))
}

func TestBanditPrefersCheaperArm(t *testing.T) {
	b := NewBandit(0.35, 0.55, 32)
	f := FamilyCtype
	b.Select(f)
	b.Select(f)
	for i := 0; i < 160; i++ {
		b.Observe(f, Fast, Strict, 100, false)
		b.Observe(f, Full, Strict, 10_000, false)
	}
	fast, full, pref := b.FamilyStats(f)
	assert.Equal(t, Fast, pref)
	assert.Equal(t, uint64(160), fast.Pulls)
	assert.InDelta(t, 20_000, full.MeanUtility, 1e-9)
	assert.Equal(t, Fast, b.Select(f))
}

func TestBanditAbandonsAdverseArm(t *testing.T) {
	b := NewBandit(0.35, 0.55, 32)
	f := FamilyLocale
	for i := 0; i < 160; i++ {
		b.Observe(f, Fast, Hardened, 10_000, true)
		b.Observe(f, Full, Hardened, 100, false)
	}
	_, _, pref := b.FamilyStats(f)
	assert.Equal(t, Full, pref)
}

func TestBanditTriesUnpulledArm(t *testing.T) {
	b := NewBandit(0.35, 0.55, 32)
	f := FamilyTime
	b.Select(f)
	b.Select(f)
	b.Observe(f, Fast, Strict, 0, false)
	assert.Equal(t, Full, b.Select(f))
}

func TestUpperBound(t *testing.T) {
	assert.Equal(t, uint32(1_000_000), UpperBoundPPM(0, 0))
	assert.Equal(t, uint32(1_000_000), UpperBoundPPM(64, 64))
	clean := UpperBoundPPM(0, 1000)
	assert.Greater(t, clean, uint32(0))
	assert.Less(t, clean, uint32(5_000))
	assert.Equal(t, UpperBoundPPM(10, 10), UpperBoundPPM(50, 10), "adverse clamps to calls")
}

func TestRiskCadence(t *testing.T) {
	r := newRisk(64)
	assert.Equal(t, uint32(riskPriorPPM), r.BoundPPM())
	for i := 0; i < riskMinSamples-1; i++ {
		r.Observe(true)
	}
	assert.Equal(t, uint32(riskPriorPPM), r.BoundPPM(), "prior holds until enough samples")
	r.Observe(true)
	assert.Equal(t, UpperBoundPPM(32, 32), r.BoundPPM())
}
