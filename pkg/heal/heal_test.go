package heal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopyBounds(t *testing.T) {
	assert.Equal(t, Clamp(1000, 500), CopyBounds(1000, Known(500), Known(800)))
	assert.Equal(t, Clamp(1000, 800), CopyBounds(1000, Unknown, Known(800)))
	assert.Equal(t, Clamp(1000, 10), CopyBounds(1000, Known(10), Unknown))
	assert.Equal(t, Action{}, CopyBounds(1000, Unknown, Unknown))
	assert.Equal(t, Action{}, CopyBounds(500, Known(500), Known(800)), "exact fit needs no repair")
}

func TestStringBounds(t *testing.T) {
	assert.Equal(t, Truncate(100, 49), StringBounds(100, Known(50)))
	assert.Equal(t, Truncate(50, 49), StringBounds(50, Known(50)), "no room for the terminator")
	assert.Equal(t, Action{}, StringBounds(49, Known(50)))
	assert.Equal(t, Truncate(5, 0), StringBounds(5, Known(0)))
	assert.Equal(t, Action{}, StringBounds(100, Unknown))
}

func TestSelectorsAreDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.Equal(t, CopyBounds(1000, Known(500), Known(800)), CopyBounds(1000, Known(500), Known(800)))
	}
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "clamp_size{requested=1000 clamped=500}", Clamp(1000, 500).String())
	assert.Equal(t, "truncate_with_null{requested=100 truncated=49}", Truncate(100, 49).String())
	assert.Equal(t, "realloc_as_malloc{size=64}", Realloc(64).String())
	assert.Equal(t, "ignore_double_free", Of(IgnoreDoubleFree).String())
	assert.False(t, Action{}.IsHeal())
}

func TestPolicy_Counts(t *testing.T) {
	p := NewPolicy(true, 0, nil)

	assert.Equal(t, Clamp(1000, 500), p.CopyBounds(1000, Known(500), Known(800)))
	assert.Equal(t, Truncate(100, 49), p.StringBounds(100, Known(50)))
	p.Apply(Of(IgnoreDoubleFree))
	p.Apply(Of(IgnoreDoubleFree))
	p.Apply(Realloc(32))
	p.Apply(Action{})

	c := p.Counts()
	assert.Equal(t, uint64(5), c.Total)
	assert.Equal(t, uint64(1), c.SizeClamps)
	assert.Equal(t, uint64(1), c.NullTruncations)
	assert.Equal(t, uint64(2), c.DoubleFrees)
	assert.Equal(t, uint64(1), c.ReallocAsMallocs)
	assert.Zero(t, c.ForeignFrees)
}

func TestPolicy_Disabled(t *testing.T) {
	p := NewPolicy(false, 0, nil)
	assert.False(t, p.Enabled())
	assert.Equal(t, Action{}, p.CopyBounds(1000, Known(500), Known(800)))
	assert.Zero(t, p.Counts().Total)
}

func TestPolicy_Concurrent(t *testing.T) {
	p := NewPolicy(true, 0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				p.Apply(Of(ReturnSafeDefault))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), p.Count(ReturnSafeDefault))
}
