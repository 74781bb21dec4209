package config_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/config"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"GLIBC_RUST_MODE", "MEMBRANE_PROFILE", "MEMBRANE_KEY_SEED", "MEMBRANE_METRICS_ADDR",
		"MEMBRANE_REDIS_ADDR", "MEMBRANE_REDIS_PASSWORD", "MEMBRANE_REDIS_DB",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

// The process must boot with safe defaults and no environment.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, kernel.Strict, cfg.Mode)
	assert.False(t, cfg.ModeSet)
	assert.Equal(t, ":9464", cfg.MetricsAddr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Nil(t, cfg.KeySeed)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GLIBC_RUST_MODE", "repair")
	t.Setenv("MEMBRANE_KEY_SEED", "00ff10")
	t.Setenv("MEMBRANE_METRICS_ADDR", "127.0.0.1:9000")
	t.Setenv("MEMBRANE_REDIS_ADDR", "redis:6379")
	t.Setenv("MEMBRANE_REDIS_DB", "3")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "JSON")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, kernel.Hardened, cfg.Mode)
	assert.True(t, cfg.ModeSet)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, cfg.KeySeed)
	assert.Equal(t, "127.0.0.1:9000", cfg.MetricsAddr)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	var buf bytes.Buffer
	cfg.NewLogger(&buf).Debug("hello", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEMBRANE_KEY_SEED", "not-hex")
	_, err := config.Load()
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv("MEMBRANE_REDIS_DB", "-1")
	_, err = config.Load()
	assert.Error(t, err)
}

func TestEffectiveMode(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	p := config.DefaultProfile()
	assert.Equal(t, kernel.Strict, cfg.EffectiveMode(p))

	p.Mode = "hardened"
	assert.Equal(t, kernel.Hardened, cfg.EffectiveMode(p), "profile applies when env is unset")

	t.Setenv("GLIBC_RUST_MODE", "off")
	cfg, err = config.Load()
	require.NoError(t, err)
	assert.Equal(t, kernel.Off, cfg.EffectiveMode(p), "env wins")
}
