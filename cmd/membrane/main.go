package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/config"
)

// Set by the release build.
var version = "0.1.0-dev"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "simulate", "sim":
		return runSimulateCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "config":
		return runConfigCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "membrane %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sglibc membrane %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sEvery pointer is a claim. The membrane checks it.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  membrane <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "RUNTIME")
	printCommand(w, "simulate", "Run a synthetic workload with injected faults (--workers, --ops, --json)")
	printCommand(w, "serve", "Serve /metrics, /snapshot and /healthz (--addr, --load)")

	printSection(w, "DIAGNOSTICS")
	printCommand(w, "doctor", "Check mmap, key derivation, profile and Redis (--json)")
	printCommand(w, "config", "Print the effective configuration and profile (--json)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sENVIRONMENT:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  GLIBC_RUST_MODE          strict | hardened | off")
	fmt.Fprintln(w, "  MEMBRANE_PROFILE         YAML tuning profile")
	fmt.Fprintln(w, "  MEMBRANE_KEY_SEED        hex fingerprint key seed (random when unset)")
	fmt.Fprintln(w, "  MEMBRANE_METRICS_ADDR    serve listen address (default :9464)")
	fmt.Fprintln(w, "  MEMBRANE_REDIS_ADDR      publish snapshots to Redis")
	fmt.Fprintln(w, "  OTEL_EXPORTER_OTLP_ENDPOINT  OTLP gRPC collector")
	fmt.Fprintln(w, "  LOG_LEVEL, LOG_FORMAT    DEBUG..ERROR, text | json")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// runtimeEnv is what every subcommand starts from.
type runtimeEnv struct {
	cfg     *config.Config
	profile *config.Profile
	logger  *slog.Logger
}

func loadRuntime(stderr io.Writer) (*runtimeEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(stderr)
	slog.SetDefault(logger)
	return &runtimeEnv{cfg: cfg, profile: profile, logger: logger}, nil
}
