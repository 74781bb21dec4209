package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/arena"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/membrane"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/observability"
)

// workload parameterizes the synthetic fault-injecting workload shared by
// simulate and serve --load.
type workload struct {
	Workers         int    `json:"workers"`
	Ops             int    `json:"ops_per_worker"`
	OverflowEvery   int    `json:"overflow_every"`
	DoubleFreeEvery int    `json:"double_free_every"`
	OverrunEvery    int    `json:"overrun_every"`
	Seed            uint64 `json:"seed"`
}

// tally is updated concurrently by workers.
type tally struct {
	ops                 atomic.Uint64
	overflows           atomic.Uint64
	doubleFrees         atomic.Uint64
	overruns            atomic.Uint64
	denied              atomic.Uint64
	doubleFreesReported atomic.Uint64
	clamped             atomic.Uint64
	safeDefaults        atomic.Uint64
	faults              atomic.Uint64
}

// Outcomes is the caller-visible side of the run.
type Outcomes struct {
	Ops                 uint64 `json:"ops"`
	InjectedOverflows   uint64 `json:"injected_overflows"`
	InjectedDoubleFrees uint64 `json:"injected_double_frees"`
	InjectedOverruns    uint64 `json:"injected_overruns"`
	Denied              uint64 `json:"denied"`
	DoubleFreesReported uint64 `json:"double_frees_reported"`
	ClampedCopies       uint64 `json:"clamped_copies"`
	SafeDefaults        uint64 `json:"safe_defaults"`
	Faults              uint64 `json:"faults"`
}

func (t *tally) outcomes() Outcomes {
	return Outcomes{
		Ops:                 t.ops.Load(),
		InjectedOverflows:   t.overflows.Load(),
		InjectedDoubleFrees: t.doubleFrees.Load(),
		InjectedOverruns:    t.overruns.Load(),
		Denied:              t.denied.Load(),
		DoubleFreesReported: t.doubleFreesReported.Load(),
		ClampedCopies:       t.clamped.Load(),
		SafeDefaults:        t.safeDefaults.Load(),
		Faults:              t.faults.Load(),
	}
}

// SimulationReport is what simulate prints.
type SimulationReport struct {
	Mode     string            `json:"mode"`
	Workload workload          `json:"workload"`
	Elapsed  string            `json:"elapsed"`
	Outcomes Outcomes          `json:"outcomes"`
	Snapshot membrane.Snapshot `json:"snapshot"`
}

// run drives the workload until every worker finishes or ctx is done.
func (w workload) run(ctx context.Context, m *membrane.Membrane, obs *observability.Provider, t *tally) error {
	ctx, finish := obs.TrackOperation(ctx, "membrane.simulate",
		attribute.String("mode", m.Mode().String()),
		attribute.Int("workers", w.Workers),
	)
	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < w.Workers; id++ {
		g.Go(func() error { return w.worker(ctx, m, obs, t, id) })
	}
	err := g.Wait()
	finish(err)
	return err
}

func every(i, n int) bool { return n > 0 && i%n == n-1 }

func (w workload) worker(ctx context.Context, m *membrane.Membrane, obs *observability.Provider, t *tally, id int) (err error) {
	_, finish := obs.TrackOperation(ctx, "membrane.simulate.worker", attribute.Int("worker", id))
	defer func() { finish(err) }()

	s := m.NewSession()
	defer s.Close()
	r := rand.New(rand.NewPCG(w.Seed, uint64(id)))

	// classify turns membrane verdicts into tallies and passes real
	// failures through.
	classify := func(err error) error {
		switch {
		case err == nil:
			return nil
		case errors.Is(err, membrane.ErrDenied):
			t.denied.Add(1)
			return nil
		case errors.Is(err, membrane.ErrDoubleFree):
			t.doubleFreesReported.Add(1)
			return nil
		case errors.Is(err, arena.ErrOutOfRange):
			// an unchecked copy ran off its mapping, which only off mode allows
			t.faults.Add(1)
			return nil
		default:
			return err
		}
	}

	for i := 0; w.Ops <= 0 || i < w.Ops; i++ {
		if i%64 == 0 && ctx.Err() != nil {
			return nil
		}
		t.ops.Add(1)

		size := 16 + r.Uint64N(1024)
		if r.IntN(64) == 0 {
			size = arena.LargeThreshold + r.Uint64N(4096)
		}
		dst, err := s.Malloc(size)
		if err != nil {
			return fmt.Errorf("worker %d: malloc(%d): %w", id, size, err)
		}
		half := size/2 + 1
		src, err := s.Calloc(1, half)
		if err != nil {
			return fmt.Errorf("worker %d: calloc(%d): %w", id, half, err)
		}

		n := half
		if every(i, w.OverrunEvery) {
			n = size + 32
			t.overruns.Add(1)
		}
		copied, err := s.Memcpy(dst, src, n)
		if err := classify(err); err != nil {
			return fmt.Errorf("worker %d: memcpy: %w", id, err)
		}
		if err == nil && copied < n {
			t.clamped.Add(1)
		}
		if _, err := s.Strcpy(dst, "membrane"); classify(err) != nil {
			return fmt.Errorf("worker %d: strcpy: %w", id, err)
		}
		b, err := s.Load(dst, 8)
		if err := classify(err); err != nil {
			return fmt.Errorf("worker %d: load: %w", id, err)
		}
		if err == nil && string(b) != "membrane" {
			t.safeDefaults.Add(1)
		}

		if every(i, w.OverflowEvery) {
			if err := s.UncheckedStore(dst+size, []byte(strings.Repeat("\xff", 8))); err != nil {
				return fmt.Errorf("worker %d: overflow: %w", id, err)
			}
			t.overflows.Add(1)
		}
		if err := classify(s.Free(src)); err != nil {
			return fmt.Errorf("worker %d: free: %w", id, err)
		}
		if err := classify(s.Free(dst)); err != nil {
			return fmt.Errorf("worker %d: free: %w", id, err)
		}
		if every(i, w.DoubleFreeEvery) {
			t.doubleFrees.Add(1)
			if err := classify(s.Free(dst)); err != nil {
				return fmt.Errorf("worker %d: double free: %w", id, err)
			}
		}
	}
	return nil
}

func runSimulateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		w          workload
		modeFlag   string
		jsonOutput bool
		heapPager  bool
	)
	cmd.IntVar(&w.Workers, "workers", 8, "Concurrent workers, one session each")
	cmd.IntVar(&w.Ops, "ops", 5000, "Operations per worker")
	cmd.IntVar(&w.OverflowEvery, "overflow-every", 500, "Inject a heap overflow every N operations (0 disables)")
	cmd.IntVar(&w.DoubleFreeEvery, "double-free-every", 700, "Inject a double free every N operations (0 disables)")
	cmd.IntVar(&w.OverrunEvery, "overrun-every", 97, "Request an oversized memcpy every N operations (0 disables)")
	cmd.Uint64Var(&w.Seed, "seed", 1, "Workload random seed")
	cmd.StringVar(&modeFlag, "mode", "", "Override the mode (strict, hardened, off)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	cmd.BoolVar(&heapPager, "heap", false, "Back the arena with the Go heap instead of mmap")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if w.Workers <= 0 || w.Ops <= 0 {
		_, _ = fmt.Fprintln(stderr, "simulate: --workers and --ops must be positive")
		return 2
	}

	env, err := loadRuntime(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "simulate: %v\n", err)
		return 1
	}
	mode := env.cfg.EffectiveMode(env.profile)
	if modeFlag != "" {
		mode = kernel.ParseMode(modeFlag)
	}

	ctx := context.Background()
	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = env.cfg.OTLPEndpoint
	obsCfg.Enabled = env.cfg.OTLPEndpoint != ""
	obsCfg.Prometheus = false
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "simulate: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	opts := membrane.Options{
		Mode:     mode,
		Profile:  env.profile,
		KeySeed:  env.cfg.KeySeed,
		Recorder: obs,
		Logger:   env.logger,
	}
	if heapPager {
		opts.Pager = arena.HeapPager{}
	}
	m, err := membrane.New(opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "simulate: %v\n", err)
		return 1
	}
	defer m.Close()

	var t tally
	start := time.Now()
	if err := w.run(ctx, m, obs, &t); err != nil {
		_, _ = fmt.Fprintf(stderr, "simulate: %v\n", err)
		return 1
	}
	report := SimulationReport{
		Mode:     mode.String(),
		Workload: w,
		Elapsed:  time.Since(start).Round(time.Millisecond).String(),
		Outcomes: t.outcomes(),
		Snapshot: m.Snapshot(),
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			_, _ = fmt.Fprintf(stderr, "simulate: %v\n", err)
			return 1
		}
		return 0
	}
	printReport(stdout, report)
	return 0
}

func printReport(w io.Writer, r SimulationReport) {
	s := r.Snapshot
	fmt.Fprintf(w, "\n%sMembrane Simulation%s  mode=%s workers=%d ops=%d elapsed=%s\n",
		ColorBold+ColorPurple, ColorReset, r.Mode, r.Workload.Workers, r.Outcomes.Ops, r.Elapsed)
	fmt.Fprintln(w, "───────────────────")

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "  %s\t%v\n", k, v) }
	row("injected overflows", r.Outcomes.InjectedOverflows)
	row("canary corruptions detected", s.Arena.Corruptions)
	row("injected double frees", r.Outcomes.InjectedDoubleFrees)
	row("double frees reported", r.Outcomes.DoubleFreesReported)
	row("double frees healed", s.Heal.DoubleFrees)
	row("oversized copies", r.Outcomes.InjectedOverruns)
	row("copies clamped", r.Outcomes.ClampedCopies)
	row("denied calls", r.Outcomes.Denied)
	row("safe defaults returned", r.Outcomes.SafeDefaults)
	row("unchecked faults", r.Outcomes.Faults)
	row("repairs applied", s.Heal.Total)
	row("live objects", s.Arena.LiveObjects)
	row("worst regime", s.Kernel.Worst)
	row("dominant cause", s.Kernel.DominantCause)
	_ = tw.Flush()

	fmt.Fprintf(w, "\n%sMonitors%s\n", ColorBold+ColorCyan, ColorReset)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, sum := range s.Monitors {
		color := ColorGreen
		switch sum.Regime.String() {
		case "warning":
			color = ColorYellow
		case "alarm":
			color = ColorRed
		}
		fmt.Fprintf(tw, "  %s\t%s%s%s\t%.4f\t%s\n", sum.Name, color, sum.Regime, ColorReset, sum.Statistic, sum.Label)
	}
	_ = tw.Flush()

	if r.Mode != "off" && s.Arena.Corruptions < r.Outcomes.InjectedOverflows {
		fmt.Fprintf(w, "\n%sSome injected overflows went undetected.%s\n", ColorRed+ColorBold, ColorReset)
		return
	}
	fmt.Fprintf(w, "\n%sEvery injected fault was contained.%s\n", ColorGreen+ColorBold, ColorReset)
}
