package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/arena"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/config"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/fingerprint"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/introspect"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/membrane"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

func ok(name, detail string) checkResult   { return checkResult{name, "ok", detail} }
func warn(name, detail string) checkResult { return checkResult{name, "warn", detail} }
func fail(name string, err error) checkResult {
	return checkResult{name, "fail", err.Error()}
}

// runDoctorCmd implements `membrane doctor`.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	results := doctorChecks(context.Background())
	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		fmt.Fprintf(stdout, "\n%sMembrane Doctor%s\n", ColorBold+ColorPurple, ColorReset)
		fmt.Fprintln(stdout, "───────────────")
		for _, r := range results {
			icon := "✅"
			if r.Status == "warn" {
				icon = "⚠️ "
			} else if r.Status == "fail" {
				icon = "❌"
			}
			fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
		}
		if allOK {
			fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		}
	}
	if allOK {
		return 0
	}
	return 1
}

func doctorChecks(ctx context.Context) []checkResult {
	results := []checkResult{
		ok("go_runtime", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)),
	}

	cfg, err := config.Load()
	if err != nil {
		return append(results, fail("environment", err))
	}
	results = append(results, ok("environment", "parsed"))

	profile, err := cfg.Profile()
	switch {
	case err != nil:
		results = append(results, fail("profile", err))
		profile = config.DefaultProfile()
	case cfg.ProfilePath == "":
		results = append(results, ok("profile", "built-in defaults"))
	default:
		results = append(results, ok("profile", fmt.Sprintf("%s v%s", cfg.ProfilePath, profile.Version)))
	}
	mode := cfg.EffectiveMode(profile)
	results = append(results, ok("mode", mode.String()))

	results = append(results, checkPager())
	results = append(results, checkKey(cfg.KeySeed))
	if profile != nil && len(profile.Kernel.Veto) > 0 {
		if _, err := kernel.NewVeto(profile.Kernel.Veto); err != nil {
			results = append(results, fail("veto_rules", err))
		} else {
			results = append(results, ok("veto_rules", fmt.Sprintf("%d compiled", len(profile.Kernel.Veto))))
		}
	}
	results = append(results, checkCanary(profile))
	results = append(results, checkRedis(ctx, cfg))
	return results
}

func checkPager() checkResult {
	p := arena.DefaultPager()
	b, err := p.Map(arena.SlabSize)
	if err != nil {
		return fail("pager", err)
	}
	b[0], b[len(b)-1] = 1, 1
	if err := p.Unmap(b); err != nil {
		return fail("pager", err)
	}
	return ok("pager", fmt.Sprintf("%T mapped and released %d KiB", p, arena.SlabSize>>10))
}

func checkKey(seed []byte) checkResult {
	h, err := fingerprint.NewHasher(seed)
	if err != nil {
		return fail("fingerprint_key", err)
	}
	defer h.Close()
	f := h.Make(0x1000, 64, 1)
	if !h.Verify(0x1000, f) {
		return fail("fingerprint_key", fmt.Errorf("round trip failed"))
	}
	if seed == nil {
		return ok("fingerprint_key", "random seed, locked")
	}
	return ok("fingerprint_key", fmt.Sprintf("derived from %d-byte seed, locked", len(seed)))
}

// checkCanary runs one overflow through a heap-backed membrane.
func checkCanary(profile *config.Profile) checkResult {
	m, err := membrane.New(membrane.Options{Mode: kernel.Strict, Profile: profile, Pager: arena.HeapPager{}})
	if err != nil {
		return fail("canary", err)
	}
	defer m.Close()
	p, err := m.Malloc(64)
	if err != nil {
		return fail("canary", err)
	}
	if err := m.UncheckedStore(p, bytes.Repeat([]byte{0xa5}, 72)); err != nil {
		return fail("canary", err)
	}
	if err := m.Free(p); err != nil {
		return fail("canary", err)
	}
	if m.Arena().Stats().Corruptions != 1 {
		return fail("canary", fmt.Errorf("overflow went undetected"))
	}
	return ok("canary", "overflow detected on free")
}

func checkRedis(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.RedisAddr == "" {
		return warn("redis", "MEMBRANE_REDIS_ADDR not set (snapshot publishing disabled)")
	}
	client := introspect.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer client.Close()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fail("redis", fmt.Errorf("%s: %w", cfg.RedisAddr, err))
	}
	return ok("redis", cfg.RedisAddr)
}
