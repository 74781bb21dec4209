// Package membrane is the process-scoped handle that wires the arena, the
// validation caches, the decision kernel and the healing policy together.
// Everything the membrane learns lives behind one explicitly constructed
// *Membrane; there are no package-level singletons.
package membrane

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/arena"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/config"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/fingerprint"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/heal"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/lattice"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/monitor"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/tlscache"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrDoubleFree     = errors.New("membrane: double free")
	ErrForeignFree    = errors.New("membrane: free of untracked pointer")
	ErrInvalidPointer = errors.New("membrane: pointer is not an allocation base")
	ErrDenied         = errors.New("membrane: operation denied")
	ErrClosed         = errors.New("membrane: closed")
)

// ZeroSizePolicy decides what a zero-byte allocation returns.
type ZeroSizePolicy uint8

const (
	// ZeroUnique returns a distinct minimum-size allocation.
	ZeroUnique ZeroSizePolicy = iota
	// ZeroNull returns a null pointer and no error.
	ZeroNull
	// ZeroError fails with arena.ErrZeroSize.
	ZeroError
)

func (z ZeroSizePolicy) String() string {
	switch z {
	case ZeroNull:
		return "null"
	case ZeroError:
		return "error"
	default:
		return "unique"
	}
}

// ParseZeroSize maps a profile value to a policy. Unknown values mean
// ZeroUnique.
func ParseZeroSize(s string) ZeroSizePolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "null":
		return ZeroNull
	case "error":
		return ZeroError
	default:
		return ZeroUnique
	}
}

// Recorder receives per-call telemetry. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	RecordDecision(f kernel.Family, d kernel.Decision, elapsed time.Duration)
	RecordFree(r arena.FreeResult)
	RecordHeal(a heal.Action)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(kernel.Family, kernel.Decision, time.Duration) {}
func (nopRecorder) RecordFree(arena.FreeResult)                                  {}
func (nopRecorder) RecordHeal(heal.Action)                                       {}

// Options configures a Membrane.
type Options struct {
	Mode     kernel.Mode
	Profile  *config.Profile
	KeySeed  []byte
	Pager    arena.Pager
	Recorder Recorder
	// Logger is the parent of every subsystem logger. Each one adds its
	// own component attribute, so Logger should not carry one.
	Logger *slog.Logger
}

// Membrane is safe for concurrent use.
type Membrane struct {
	id      uuid.UUID
	started time.Time
	profile *config.Profile
	zero    ZeroSizePolicy

	hasher *fingerprint.Hasher
	epoch  *tlscache.Epoch
	arena  *arena.Arena
	caches *tlscache.Pool
	kernel *kernel.Kernel
	heal   *heal.Policy
	rec    Recorder

	logger *slog.Logger
	warn   *rate.Limiter
	closed atomic.Bool
}

// New constructs a membrane from opts.
func New(opts Options) (*Membrane, error) {
	if opts.Profile == nil {
		opts.Profile = config.DefaultProfile()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	p := opts.Profile

	hasher, err := fingerprint.NewHasher(opts.KeySeed)
	if err != nil {
		return nil, fmt.Errorf("membrane: fingerprint key: %w", err)
	}
	epoch := &tlscache.Epoch{}
	ar, err := arena.New(arena.Options{
		Hasher:            hasher,
		Epoch:             epoch,
		Pager:             opts.Pager,
		QuarantineBytes:   p.Arena.QuarantineBytes,
		QuarantineEntries: p.Arena.QuarantineEntries,
		Logger:            opts.Logger.With("component", "arena"),
	})
	if err != nil {
		hasher.Close()
		return nil, fmt.Errorf("membrane: arena: %w", err)
	}

	m := &Membrane{
		id:      uuid.New(),
		started: time.Now(),
		profile: p,
		zero:    ParseZeroSize(p.Arena.ZeroSize),
		hasher:  hasher,
		epoch:   epoch,
		arena:   ar,
		caches:  tlscache.NewPool(epoch, p.Cache.Entries),
		heal:    heal.NewPolicy(p.Heal.Enabled, p.Heal.LogsPerSecond, opts.Logger.With("component", "heal")),
		rec:     opts.Recorder,
		logger:  opts.Logger.With("component", "membrane"),
		warn:    rate.NewLimiter(rate.Limit(1), 5),
	}
	m.kernel, err = kernel.New(kernel.Options{
		Mode:                opts.Mode,
		StrictExploration:   p.Kernel.StrictExploration,
		HardenedExploration: p.Kernel.HardenedExploration,
		RefreshCadence:      p.Kernel.RefreshCadence,
		RiskCadence:         p.Kernel.RiskCadence,
		EnsembleCadence:     p.Kernel.EnsembleCadence,
		VetoRules:           p.Kernel.Veto,
		Heal:                m.heal,
		Logger:              opts.Logger.With("component", "kernel"),
	})
	if err != nil {
		_ = ar.Close()
		hasher.Close()
		return nil, fmt.Errorf("membrane: kernel: %w", err)
	}
	return m, nil
}

// ID identifies this membrane instance in snapshots.
func (m *Membrane) ID() string { return m.id.String() }

func (m *Membrane) Mode() kernel.Mode        { return m.kernel.Mode() }
func (m *Membrane) SetMode(mode kernel.Mode) { m.kernel.SetMode(mode) }

// Kernel exposes the decision kernel.
func (m *Membrane) Kernel() *kernel.Kernel { return m.kernel }

// Arena exposes the allocation arena.
func (m *Membrane) Arena() *arena.Arena { return m.arena }

// Close releases all backing memory and destroys the fingerprint key.
func (m *Membrane) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.arena.Close()
	m.hasher.Close()
	return err
}

// with runs fn with a borrowed validation cache.
func (m *Membrane) with(fn func(c *tlscache.Cache)) {
	c := m.caches.Get()
	fn(c)
	m.caches.Put(c)
}

// cacheClassifier resolves addresses through one cache, falling back to
// the arena.
type cacheClassifier struct {
	m *Membrane
	c *tlscache.Cache
}

func (cc cacheClassifier) Classify(addr uint64, p kernel.Profile) kernel.Classification {
	m := cc.m
	if p == kernel.Fast {
		if e, ok := cc.c.Lookup(addr); ok {
			return kernel.Classification{State: e.State, Base: e.UserBase, Size: e.UserSize, Known: true, Cached: true}
		}
	}
	rec, ok := m.arena.LookupContaining(addr)
	if !ok {
		return kernel.Classification{State: lattice.Unknown}
	}
	cls := kernel.Classification{State: rec.State, Base: rec.Base, Size: rec.UserSize, Known: true}
	if rec.State != lattice.Valid {
		return cls
	}
	if p == kernel.Full {
		if _, err := m.arena.Verify(rec.Base); errors.Is(err, arena.ErrCorrupted) {
			cls.Corrupted = true
			m.warnf("integrity check failed", "addr", fmt.Sprintf("%#x", addr), "base", fmt.Sprintf("%#x", rec.Base))
			return cls
		}
	}
	cc.c.Insert(tlscache.Entry{
		Addr:       addr,
		UserBase:   rec.Base,
		UserSize:   rec.UserSize,
		Generation: rec.Generation,
		State:      rec.State,
	})
	return cls
}

func (m *Membrane) warnf(msg string, args ...any) {
	if m.warn.Allow() {
		m.logger.Warn(msg, args...)
	}
}

// Decide consults the kernel about one intercepted call.
func (m *Membrane) Decide(req kernel.Request) (d kernel.Decision) {
	m.with(func(c *tlscache.Cache) { d = m.decide(c, req) })
	return d
}

func (m *Membrane) decide(c *tlscache.Cache, req kernel.Request) kernel.Decision {
	start := time.Now()
	d := m.kernel.DecideWith(cacheClassifier{m: m, c: c}, req)
	m.rec.RecordDecision(req.Family, d, time.Since(start))
	if d.Action == kernel.Repair {
		m.rec.RecordHeal(d.Heal)
	}
	return d
}

// Observe reports the outcome of a call the caller performed after
// Decide.
func (m *Membrane) Observe(f kernel.Family, p kernel.Profile, cost time.Duration, adverse bool) {
	m.kernel.Observe(f, p, cost.Nanoseconds(), adverse)
}

// Snapshot is the read-only introspection view.
type Snapshot struct {
	ID            string             `json:"id"`
	Mode          string             `json:"mode"`
	Profile       string             `json:"profile"`
	ZeroSize      string             `json:"zero_size"`
	StartedAt     time.Time          `json:"started_at"`
	TakenAt       time.Time          `json:"taken_at"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	Epoch         uint64             `json:"epoch"`
	Arena         arena.Stats        `json:"arena"`
	Cache         tlscache.Stats     `json:"cache"`
	Heal          heal.Counts        `json:"heal"`
	Kernel        kernel.Stats       `json:"kernel"`
	Monitors      []monitor.Summary  `json:"monitors"`
	Causes        map[string]float64 `json:"causes"`
}

// Snapshot gathers every counter. It may wait for an in-flight ensemble
// cycle but never for the arena.
func (m *Membrane) Snapshot() Snapshot {
	now := time.Now()
	e := m.kernel.Ensemble()
	return Snapshot{
		ID:            m.ID(),
		Mode:          m.Mode().String(),
		Profile:       m.profile.Name,
		ZeroSize:      m.zero.String(),
		StartedAt:     m.started,
		TakenAt:       now,
		UptimeSeconds: now.Sub(m.started).Seconds(),
		Epoch:         m.epoch.Current(),
		Arena:         m.arena.Stats(),
		Cache:         m.caches.Stats(),
		Heal:          m.heal.Counts(),
		Kernel:        m.kernel.Stats(),
		Monitors:      e.Summaries(),
		Causes:        e.Causes(),
	}
}
