// Package lattice provides the safety-state partial order used to combine
// evidence about a memory region from independent sources.
//
// The order is a diamond on top of a chain:
//
//	        Valid
//	       /     \
//	Readable    Writable
//	       \     /
//	     Quarantined
//	          |
//	        Freed
//	          |
//	       Invalid
//	          |
//	       Unknown
//
// Join moves toward the more restrictive conclusion, meet toward the more
// permissive one.
package lattice

// SafetyState classifies a tracked region. The numeric value is the rank
// in the chain; Readable and Writable share the diamond level.
type SafetyState uint8

const (
	Unknown SafetyState = iota
	Invalid
	Freed
	Quarantined
	Writable
	Readable
	Valid
)

// States lists every state in rank order.
var States = [...]SafetyState{Unknown, Invalid, Freed, Quarantined, Writable, Readable, Valid}

func (s SafetyState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Invalid:
		return "invalid"
	case Freed:
		return "freed"
	case Quarantined:
		return "quarantined"
	case Writable:
		return "writable"
	case Readable:
		return "readable"
	case Valid:
		return "valid"
	default:
		return "invalid"
	}
}

func (s SafetyState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func incomparable(a, b SafetyState) bool {
	return (a == Readable && b == Writable) || (a == Writable && b == Readable)
}

// Join returns the least upper bound: the most conservative conclusion
// consistent with both inputs.
func (s SafetyState) Join(o SafetyState) SafetyState {
	if s == o {
		return s
	}
	if incomparable(s, o) {
		return Quarantined
	}
	if s < o {
		return s
	}
	return o
}

// Meet returns the greatest lower bound.
func (s SafetyState) Meet(o SafetyState) SafetyState {
	if s == o {
		return s
	}
	if incomparable(s, o) {
		return Valid
	}
	if s > o {
		return s
	}
	return o
}

// Join folds any number of states. An empty call returns Valid, the join
// identity.
func Join(states ...SafetyState) SafetyState {
	acc := Valid
	for _, s := range states {
		acc = acc.Join(s)
	}
	return acc
}

func (s SafetyState) CanRead() bool  { return s == Valid || s == Readable }
func (s SafetyState) CanWrite() bool { return s == Valid || s == Writable }

// IsLive reports whether the region may be used at all.
func (s SafetyState) IsLive() bool {
	return s == Valid || s == Readable || s == Writable
}

// IsTerminal reports whether no further operation on the region is
// permitted. Unknown is not terminal: it describes memory the membrane
// does not track, not memory it has ruled out.
func (s SafetyState) IsTerminal() bool {
	return s == Quarantined || s == Freed || s == Invalid
}
