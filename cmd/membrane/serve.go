package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/introspect"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/membrane"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/monitor"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/observability"
)

// newServeMux exposes metrics and the read-only introspection surface.
func newServeMux(m *membrane.Membrane, obs *observability.Provider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", obs.Handler())
	mux.HandleFunc("GET /snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(m.Snapshot())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		worst := m.Kernel().Ensemble().Worst()
		status := http.StatusOK
		if worst == monitor.Alarm {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": http.StatusText(status),
			"id":     m.ID(),
			"mode":   m.Mode().String(),
			"regime": worst.String(),
		})
	})
	return mux
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr     string
		load     bool
		interval time.Duration
	)
	cmd.StringVar(&addr, "addr", "", "Listen address (default MEMBRANE_METRICS_ADDR)")
	cmd.BoolVar(&load, "load", false, "Run the synthetic workload in the background")
	cmd.DurationVar(&interval, "publish-interval", 5*time.Second, "Redis snapshot publish interval")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	env, err := loadRuntime(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	if addr == "" {
		addr = env.cfg.MetricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, env, addr, load, interval); err != nil {
		env.logger.Error("serve failed", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, env *runtimeEnv, addr string, load bool, interval time.Duration) error {
	logger := env.logger.With("component", "serve")

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = env.cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	m, err := membrane.New(membrane.Options{
		Mode:     env.cfg.EffectiveMode(env.profile),
		Profile:  env.profile,
		KeySeed:  env.cfg.KeySeed,
		Recorder: obs,
		Logger:   env.logger,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	reg, err := obs.ObserveMembrane(m)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Unregister() }()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServeMux(m, obs),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", addr, "id", m.ID(), "mode", m.Mode().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if env.cfg.RedisAddr != "" {
		client := introspect.NewClient(env.cfg.RedisAddr, env.cfg.RedisPassword, env.cfg.RedisDB)
		defer client.Close()
		pub := introspect.NewPublisher(client, m, introspect.Options{Logger: env.logger.With("component", "introspect")})
		logger.Info("publishing snapshots", "redis", env.cfg.RedisAddr, "channel", pub.Channel(), "interval", interval)
		g.Go(func() error { return pub.Run(ctx, interval) })
	}

	if load {
		w := workload{Workers: 4, Ops: 0, OverflowEvery: 2000, DoubleFreeEvery: 3000, OverrunEvery: 400, Seed: uint64(time.Now().UnixNano())}
		g.Go(func() error {
			var t tally
			err := w.run(ctx, m, obs, &t)
			logger.Info("background load stopped", slog.Any("outcomes", t.outcomes()))
			return err
		})
	}

	return g.Wait()
}
