package kernel

import (
	"fmt"
	"hash/fnv"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/heal"
)

// Violation is what the kernel found wrong with a call, if anything.
type Violation uint8

const (
	ViolationNone Violation = iota
	// ViolationNull is the non-overridable null or zero-length gate.
	ViolationNull
	// ViolationTerminal is an access to a freed, quarantined or invalid region.
	ViolationTerminal
	// ViolationTerminalFree is a free of an already released region.
	ViolationTerminalFree
	// ViolationForeignFree is a free of an address the arena never issued.
	ViolationForeignFree
	// ViolationForeignRealloc is a realloc of an address the arena never issued.
	ViolationForeignRealloc
	// ViolationPermission is a write to a read-only region or the reverse.
	ViolationPermission
	// ViolationBounds is a length past the end of a known allocation.
	ViolationBounds
	// ViolationStringBounds is a string that does not fit with its terminator.
	ViolationStringBounds
	// ViolationHighRisk is a family whose adverse rate and sequential test
	// both alarm.
	ViolationHighRisk
	// ViolationVeto is a configured policy rule matching the call.
	ViolationVeto

	numViolations
)

var violationNames = [numViolations]string{
	"none", "null", "terminal", "terminal_free", "foreign_free", "foreign_realloc",
	"permission", "bounds", "string_bounds", "high_risk", "veto",
}

func (v Violation) String() string {
	if v < numViolations {
		return violationNames[v]
	}
	return fmt.Sprintf("violation(%d)", uint8(v))
}

func (v Violation) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// Rule is one row of the policy table.
type Rule struct {
	Violation Violation `json:"violation"`
	Mode      Mode      `json:"-"`
	ModeName  string    `json:"mode"`
	Action    Action    `json:"action"`
	Heal      heal.Kind `json:"heal"`
	ID        uint32    `json:"id"`
}

// hardenedHeals is the repair each violation gets when healing is on.
// heal.None means the violation is denied even in hardened mode.
var hardenedHeals = [numViolations]heal.Kind{
	ViolationNone:           heal.None,
	ViolationNull:           heal.None,
	ViolationTerminal:       heal.ReturnSafeDefault,
	ViolationTerminalFree:   heal.IgnoreDoubleFree,
	ViolationForeignFree:    heal.IgnoreForeignFree,
	ViolationForeignRealloc: heal.ReallocAsMalloc,
	ViolationPermission:     heal.UpgradeToSafeVariant,
	ViolationBounds:         heal.ClampSize,
	ViolationStringBounds:   heal.TruncateWithNull,
	ViolationHighRisk:       heal.UpgradeToSafeVariant,
	ViolationVeto:           heal.None,
}

var table = buildTable()

func buildTable() (t [numViolations][3]Rule) {
	for v := Violation(0); v < numViolations; v++ {
		for _, m := range []Mode{Strict, Hardened, Off} {
			r := Rule{Violation: v, Mode: m, ModeName: m.String()}
			switch {
			case v == ViolationNone, m == Off:
				r.Action = Allow
			case m == Hardened && hardenedHeals[v] != heal.None:
				r.Action, r.Heal = Repair, hardenedHeals[v]
			default:
				r.Action = Deny
			}
			r.ID = ruleID(r)
			t[v][m] = r
		}
	}
	return t
}

func ruleID(r Rule) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%s/%s/%s", r.Violation, r.Mode, r.Action, r.Heal)
	return h.Sum32()
}

// Resolve looks up the rule for v under m.
func Resolve(v Violation, m Mode) Rule {
	if v >= numViolations || m > Off {
		return table[ViolationNone][Strict]
	}
	return table[v][m]
}

// Rules returns the whole table, violation-major.
func Rules() []Rule {
	out := make([]Rule, 0, int(numViolations)*3)
	for v := range table {
		out = append(out, table[v][:]...)
	}
	return out
}
