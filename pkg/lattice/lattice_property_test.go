//go:build property
// +build property

package lattice_test

import (
	"testing"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genState() gopter.Gen {
	return gen.IntRange(0, len(lattice.States)-1).Map(func(i int) lattice.SafetyState {
		return lattice.States[i]
	})
}

// Property: join and meet absorb each other, so the structure is a lattice.
func TestLatticeAbsorption(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a join (a meet b) == a", prop.ForAll(
		func(a, b lattice.SafetyState) bool {
			return a.Join(a.Meet(b)) == a
		},
		genState(), genState(),
	))

	properties.Property("a meet (a join b) == a", prop.ForAll(
		func(a, b lattice.SafetyState) bool {
			return a.Meet(a.Join(b)) == a
		},
		genState(), genState(),
	))

	properties.Property("join never makes a terminal state live", prop.ForAll(
		func(a, b lattice.SafetyState) bool {
			if a.IsTerminal() || b.IsTerminal() {
				return !a.Join(b).IsLive()
			}
			return true
		},
		genState(), genState(),
	))

	properties.TestingRun(t)
}
