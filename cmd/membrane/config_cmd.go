package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/config"
)

// effectiveConfig is what `membrane config` prints. Secrets are redacted.
type effectiveConfig struct {
	Mode         string          `json:"mode" yaml:"mode"`
	ModeSource   string          `json:"mode_source" yaml:"mode_source"`
	ProfilePath  string          `json:"profile_path,omitempty" yaml:"profile_path,omitempty"`
	KeySeed      string          `json:"key_seed" yaml:"key_seed"`
	MetricsAddr  string          `json:"metrics_addr" yaml:"metrics_addr"`
	RedisAddr    string          `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisDB      int             `json:"redis_db" yaml:"redis_db"`
	OTLPEndpoint string          `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
	LogLevel     string          `json:"log_level" yaml:"log_level"`
	LogFormat    string          `json:"log_format" yaml:"log_format"`
	Profile      *config.Profile `json:"profile" yaml:"profile"`
}

func describe(cfg *config.Config, p *config.Profile) effectiveConfig {
	source := "default"
	switch {
	case cfg.ModeSet:
		source = "GLIBC_RUST_MODE"
	case p.Mode != "":
		source = "profile"
	}
	seed := "random"
	if len(cfg.KeySeed) > 0 {
		seed = fmt.Sprintf("set (%d bytes)", len(cfg.KeySeed))
	}
	return effectiveConfig{
		Mode:         cfg.EffectiveMode(p).String(),
		ModeSource:   source,
		ProfilePath:  cfg.ProfilePath,
		KeySeed:      seed,
		MetricsAddr:  cfg.MetricsAddr,
		RedisAddr:    cfg.RedisAddr,
		RedisDB:      cfg.RedisDB,
		OTLPEndpoint: cfg.OTLPEndpoint,
		LogLevel:     cfg.LogLevel,
		LogFormat:    cfg.LogFormat,
		Profile:      p,
	}
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON instead of YAML")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	p, err := cfg.Profile()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	out := describe(cfg, p)

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(out)
	} else {
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		err = enc.Encode(out)
		if err == nil {
			err = enc.Close()
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	return 0
}
