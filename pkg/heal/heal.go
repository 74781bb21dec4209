// Package heal provides the catalogue of deterministic repairs the
// membrane substitutes for unsafe operations, the pure selectors that pick
// one from known bounds, and the counters that record every repair.
package heal

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Kind identifies a healing action.
type Kind uint8

const (
	None Kind = iota
	ClampSize
	TruncateWithNull
	IgnoreDoubleFree
	IgnoreForeignFree
	ReallocAsMalloc
	ReturnSafeDefault
	UpgradeToSafeVariant

	numKinds
)

var kindNames = [numKinds]string{
	"none",
	"clamp_size",
	"truncate_with_null",
	"ignore_double_free",
	"ignore_foreign_free",
	"realloc_as_malloc",
	"return_safe_default",
	"upgrade_to_safe_variant",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Action is one repair. Requested and Bound carry the parameters of
// ClampSize (requested, clamped) and TruncateWithNull (requested,
// truncated); Size carries the ReallocAsMalloc size.
type Action struct {
	Kind      Kind   `json:"kind"`
	Requested uint64 `json:"requested,omitempty"`
	Bound     uint64 `json:"bound,omitempty"`
	Size      uint64 `json:"size,omitempty"`
}

// IsHeal reports whether a is an actual repair.
func (a Action) IsHeal() bool { return a.Kind != None }

func (a Action) String() string {
	switch a.Kind {
	case ClampSize:
		return fmt.Sprintf("clamp_size{requested=%d clamped=%d}", a.Requested, a.Bound)
	case TruncateWithNull:
		return fmt.Sprintf("truncate_with_null{requested=%d truncated=%d}", a.Requested, a.Bound)
	case ReallocAsMalloc:
		return fmt.Sprintf("realloc_as_malloc{size=%d}", a.Size)
	default:
		return a.Kind.String()
	}
}

func Clamp(requested, clamped uint64) Action {
	return Action{Kind: ClampSize, Requested: requested, Bound: clamped}
}

func Truncate(requested, truncated uint64) Action {
	return Action{Kind: TruncateWithNull, Requested: requested, Bound: truncated}
}

func Realloc(size uint64) Action { return Action{Kind: ReallocAsMalloc, Size: size} }

func Of(k Kind) Action { return Action{Kind: k} }

// Bound is an optionally known remaining length.
type Bound struct {
	N     uint64
	Known bool
}

// Known wraps a known bound.
func Known(n uint64) Bound { return Bound{N: n, Known: true} }

// Unknown is a bound nothing is known about.
var Unknown = Bound{}

// CopyBounds selects the repair for copying requested bytes between a
// source and a destination with the given remaining lengths: ClampSize to
// the smaller known bound when the request exceeds it.
func CopyBounds(requested uint64, src, dst Bound) Action {
	var avail uint64
	switch {
	case src.Known && dst.Known:
		avail = min(src.N, dst.N)
	case src.Known:
		avail = src.N
	case dst.Known:
		avail = dst.N
	default:
		return Action{}
	}
	if requested > avail {
		return Clamp(requested, avail)
	}
	return Action{}
}

// StringBounds selects the repair for writing a srcLen-byte string into a
// destination with dst bytes left: when the string and its terminator do
// not fit, copy dst-1 bytes and terminate.
func StringBounds(srcLen uint64, dst Bound) Action {
	if !dst.Known || srcLen < dst.N {
		return Action{}
	}
	var truncated uint64
	if dst.N > 0 {
		truncated = dst.N - 1
	}
	return Truncate(srcLen, truncated)
}

// Counts is a snapshot of the per-kind counters.
type Counts struct {
	Total            uint64 `json:"total"`
	SizeClamps       uint64 `json:"size_clamps"`
	NullTruncations  uint64 `json:"null_truncations"`
	DoubleFrees      uint64 `json:"double_frees"`
	ForeignFrees     uint64 `json:"foreign_frees"`
	ReallocAsMallocs uint64 `json:"realloc_as_mallocs"`
	SafeDefaults     uint64 `json:"safe_defaults"`
	VariantUpgrades  uint64 `json:"variant_upgrades"`
}

// Policy records applied repairs. It is safe for concurrent use.
type Policy struct {
	enabled bool
	total   atomic.Uint64
	byKind  [numKinds]atomic.Uint64
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewPolicy creates a policy. When enabled is false, Apply records
// nothing and returns None for every action: the caller runs unrepaired.
// logsPerSecond bounds the repair log lines; zero disables logging.
func NewPolicy(enabled bool, logsPerSecond float64, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default().With("component", "heal")
	}
	p := &Policy{enabled: enabled, logger: logger}
	if logsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(logsPerSecond), max(int(logsPerSecond), 1))
	}
	return p
}

// Enabled reports whether repairs are applied.
func (p *Policy) Enabled() bool { return p.enabled }

// Apply records a and returns it, or returns None when healing is off.
func (p *Policy) Apply(a Action) Action {
	if !p.enabled || !a.IsHeal() {
		return Action{}
	}
	p.total.Add(1)
	p.byKind[a.Kind].Add(1)
	if p.limiter != nil && p.limiter.Allow() {
		p.logger.Info("healing applied", "action", a.String())
	}
	return a
}

// CopyBounds selects and applies a copy repair.
func (p *Policy) CopyBounds(requested uint64, src, dst Bound) Action {
	return p.Apply(CopyBounds(requested, src, dst))
}

// StringBounds selects and applies a string repair.
func (p *Policy) StringBounds(srcLen uint64, dst Bound) Action {
	return p.Apply(StringBounds(srcLen, dst))
}

// Count returns the number of applied repairs of kind k.
func (p *Policy) Count(k Kind) uint64 {
	if k >= numKinds {
		return 0
	}
	return p.byKind[k].Load()
}

// Counts returns a snapshot of every counter.
func (p *Policy) Counts() Counts {
	return Counts{
		Total:            p.total.Load(),
		SizeClamps:       p.Count(ClampSize),
		NullTruncations:  p.Count(TruncateWithNull),
		DoubleFrees:      p.Count(IgnoreDoubleFree),
		ForeignFrees:     p.Count(IgnoreForeignFree),
		ReallocAsMallocs: p.Count(ReallocAsMalloc),
		SafeDefaults:     p.Count(ReturnSafeDefault),
		VariantUpgrades:  p.Count(UpgradeToSafeVariant),
	}
}
