package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/heal"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
)

var (
	ErrUnknownFamily = errors.New("kernel: unknown family")
	ErrVetoRule      = errors.New("kernel: invalid veto rule")
)

// Mode selects how safety violations are resolved.
type Mode uint8

const (
	// Strict denies violations the way a conformant libc reports errors.
	Strict Mode = iota
	// Hardened repairs violations instead of failing the call.
	Hardened
	// Off passes every call through without validation.
	Off
)

func (m Mode) String() string {
	switch m {
	case Hardened:
		return "hardened"
	case Off:
		return "off"
	default:
		return "strict"
	}
}

// HealingEnabled reports whether Repair may be emitted.
func (m Mode) HealingEnabled() bool { return m == Hardened }

// ParseMode is deliberately loose: unrecognised values fall back to
// Strict so a typo never disables checking.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hardened", "repair", "tsm", "full":
		return Hardened
	case "off", "none", "disabled":
		return Off
	default:
		return Strict
	}
}

// Profile is the validation depth used for one call.
type Profile uint8

const (
	Fast Profile = iota
	Full
)

func (p Profile) String() string {
	if p == Full {
		return "full"
	}
	return "fast"
}

func (p Profile) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Profile) UnmarshalText(b []byte) error {
	switch string(b) {
	case "fast":
		*p = Fast
	case "full":
		*p = Full
	default:
		return fmt.Errorf("kernel: unknown profile %q", b)
	}
	return nil
}

// Action is the kernel's verdict for a call.
type Action uint8

const (
	Allow Action = iota
	Repair
	Deny
)

func (a Action) String() string {
	switch a {
	case Repair:
		return "repair"
	case Deny:
		return "deny"
	default:
		return "allow"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Op is the kind of operation the caller is about to perform on Addr.
type Op uint8

const (
	OpAccess Op = iota
	OpCopy
	OpString
	OpFree
	OpRealloc
)

// Request describes one intercepted call.
type Request struct {
	Family         Family
	Addr           uint64
	Size           uint64
	WriteIntent    bool
	RequiresBounds bool
	Op             Op
	// Hint is call-site knowledge joined with the classified state.
	// lattice.Unknown means no hint.
	Hint lattice.SafetyState
	// Extra is the source bound for OpCopy and the source string length
	// for OpString. Zero means unknown for OpCopy.
	Extra uint64
}

// Decision is produced per call and never stored.
type Decision struct {
	Action    Action              `json:"action"`
	Heal      heal.Action         `json:"heal"`
	Profile   Profile             `json:"profile"`
	PolicyID  uint32              `json:"policy_id"`
	RiskPPM   uint32              `json:"risk_ppm"`
	State     lattice.SafetyState `json:"state"`
	Violation Violation           `json:"violation"`
}

// Classification is what a Classifier knows about an address.
type Classification struct {
	State lattice.SafetyState
	// Base and Size bound the containing allocation when Known.
	Base, Size uint64
	Known      bool
	Cached     bool
	Corrupted  bool
}

// Classifier resolves an address to a safety state. Fast may answer from
// a cache; Full must consult the authoritative owner.
type Classifier interface {
	Classify(addr uint64, profile Profile) Classification
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(addr uint64, profile Profile) Classification

func (f ClassifierFunc) Classify(addr uint64, profile Profile) Classification {
	return f(addr, profile)
}

type unknownClassifier struct{}

func (unknownClassifier) Classify(uint64, Profile) Classification {
	return Classification{State: lattice.Unknown}
}
