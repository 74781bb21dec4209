//go:build property
// +build property

package kernel

import (
	"testing"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: whatever the classifier says, strict mode never allows an
// access to a terminal region and hardened mode never lets a length past
// the end of a known allocation through unrepaired.
func TestDecideSafety(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	genState := gen.IntRange(0, len(lattice.States)-1).Map(func(i int) lattice.SafetyState {
		return lattice.States[i]
	})

	classifier := func(state lattice.SafetyState, size uint64) Classifier {
		return ClassifierFunc(func(addr uint64, _ Profile) Classification {
			return Classification{State: state, Base: 0x1000, Size: size, Known: true}
		})
	}

	properties.Property("strict denies terminal access", prop.ForAll(
		func(state lattice.SafetyState, n uint64) bool {
			k, err := New(Options{Mode: Strict})
			if err != nil {
				return false
			}
			d := k.DecideWith(classifier(state, 64), Request{
				Family: FamilyPointerValidation, Addr: 0x1000, Size: n, RequiresBounds: true,
			})
			return !state.IsTerminal() || d.Action == Deny
		},
		genState, gen.UInt64Range(1, 256),
	))

	properties.Property("hardened clamps over-long access", prop.ForAll(
		func(n uint64) bool {
			k, err := New(Options{Mode: Hardened})
			if err != nil {
				return false
			}
			d := k.DecideWith(classifier(lattice.Valid, 64), Request{
				Family: FamilyStringMemory, Addr: 0x1000, Size: n, RequiresBounds: true, Op: OpAccess,
			})
			if n <= 64 {
				return d.Action == Allow
			}
			return d.Action == Repair && d.Heal.Bound == 64
		},
		gen.UInt64Range(1, 4096),
	))

	properties.TestingRun(t)
}
