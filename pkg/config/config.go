package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
)

// Config holds process configuration read from the environment.
type Config struct {
	Mode          kernel.Mode
	ModeSet       bool
	ProfilePath   string
	KeySeed       []byte
	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	OTLPEndpoint  string
	LogLevel      string
	LogFormat     string
}

// Load loads configuration from environment variables. Mode parsing is
// lenient; only malformed seeds and database numbers are errors.
func Load() (*Config, error) {
	rawMode, modeSet := os.LookupEnv("GLIBC_RUST_MODE")
	modeSet = modeSet && strings.TrimSpace(rawMode) != ""

	metricsAddr := os.Getenv("MEMBRANE_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9464"
	}

	logLevel := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "INFO"
	}

	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if logFormat == "" {
		logFormat = "text"
	}

	var seed []byte
	if s := strings.TrimSpace(os.Getenv("MEMBRANE_KEY_SEED")); s != "" {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("MEMBRANE_KEY_SEED: %w", err)
		}
		seed = b
	}

	db := 0
	if s := os.Getenv("MEMBRANE_REDIS_DB"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("MEMBRANE_REDIS_DB: invalid database %q", s)
		}
		db = n
	}

	return &Config{
		Mode:          kernel.ParseMode(rawMode),
		ModeSet:       modeSet,
		ProfilePath:   os.Getenv("MEMBRANE_PROFILE"),
		KeySeed:       seed,
		MetricsAddr:   metricsAddr,
		RedisAddr:     os.Getenv("MEMBRANE_REDIS_ADDR"),
		RedisPassword: os.Getenv("MEMBRANE_REDIS_PASSWORD"),
		RedisDB:       db,
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:      logLevel,
		LogFormat:     logFormat,
	}, nil
}

// Profile loads the configured tuning profile, or the default one when no
// path is set.
func (c *Config) Profile() (*Profile, error) {
	if c.ProfilePath == "" {
		return DefaultProfile(), nil
	}
	return LoadProfile(c.ProfilePath)
}

// EffectiveMode resolves the mode: the environment wins, then the
// profile, then strict.
func (c *Config) EffectiveMode(p *Profile) kernel.Mode {
	if c.ModeSet || p == nil || p.Mode == "" {
		return c.Mode
	}
	return kernel.ParseMode(p.Mode)
}

// SlogLevel maps LogLevel onto slog. Unknown names mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger on w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
