package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, int64(256<<20), cfg.Sort.Memory.BufferSizeBytes)
	assert.Equal(t, 1024, cfg.Sort.Memory.MaxOpenRuns)
	assert.Equal(t, "none", cfg.Sort.SpillCodec)
	assert.Equal(t, int64(256<<20), cfg.Dedupe.Memory.BufferSizeBytes)
	assert.Equal(t, "none", cfg.Dedupe.SpillCodec)
	assert.Equal(t, 1, cfg.PollExec.Simultaneous)
	assert.Equal(t, 15*time.Second, cfg.PollExec.PollingInterval)
	assert.Equal(t, "TERM", cfg.PollExec.TimeoutSignal)
}

func TestApplyDefaultsDoesNotOverrideSetValues(t *testing.T) {
	cfg := &Config{
		LogLevel: "debug",
		Sort: SortConfig{
			Memory:     MemoryConfig{BufferSizeBytes: 64 << 20, MaxOpenRuns: 16},
			SpillCodec: "zstd",
		},
	}
	applyDefaults(cfg)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(64<<20), cfg.Sort.Memory.BufferSizeBytes)
	assert.Equal(t, 16, cfg.Sort.Memory.MaxOpenRuns)
	assert.Equal(t, "zstd", cfg.Sort.SpillCodec)
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvTempDir, "/tmp/flowkit-test")
	t.Setenv("FLOWKIT_LOG_LEVEL", "warn")
	t.Setenv("FLOWKIT_METRICS_ADDR", ":9191")
	t.Setenv("FLOWKIT_POLLEXEC_SIMULTANEOUS", "4")

	cfg := &Config{}
	applyEnvironmentOverrides(cfg)

	assert.Equal(t, "/tmp/flowkit-test", cfg.Sort.Memory.TempDirectory)
	assert.Equal(t, "/tmp/flowkit-test", cfg.Dedupe.Memory.TempDirectory)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9191", cfg.PollExec.MetricsAddr)
	assert.Equal(t, 4, cfg.PollExec.Simultaneous)
}

func TestApplyEnvironmentOverridesLeavesExplicitTempDirectoryAlone(t *testing.T) {
	t.Setenv(EnvTempDir, "/tmp/from-env")
	cfg := &Config{Sort: SortConfig{Memory: MemoryConfig{TempDirectory: "/explicit"}}}
	applyEnvironmentOverrides(cfg)
	assert.Equal(t, "/explicit", cfg.Sort.Memory.TempDirectory)
}
