// Package config loads and validates the per-tool configuration shared by
// rwsort, rwdedupe, rwbag, rwbagtool, and rwpollexec: command-line flags
// first, then an optional YAML file, then environment-variable overrides
// for the handful of settings that make sense to carry outside argv
// (spec.md 6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/flowkit/flowkit/pkg/errors"

	"gopkg.in/yaml.v2"
)

// Environment variable names (spec.md 6): preferred shell for PollExec,
// the temp directory used when no --temp-directory flag is given, and a
// self-probe PID marker. Load applies EnvTempDir and pollexec reads
// EnvShell; nothing in flowkit reads EnvProbePID.
const (
	EnvShell      = "FLOWKIT_SHELL"
	EnvTempDir    = "FLOWKIT_TMPDIR"
	EnvProbePID   = "FLOWKIT_PROBE_PID"
)

// MemoryConfig is shared by rwsort and rwdedupe: the external-merge-sort
// memory budget and fan-in cap.
type MemoryConfig struct {
	BufferSizeBytes int64  `yaml:"buffer_size_bytes"`
	MaxOpenRuns     int    `yaml:"max_open_runs"`
	TempDirectory   string `yaml:"temp_directory"`
}

// SortConfig configures rwsort.
type SortConfig struct {
	Memory        MemoryConfig `yaml:"memory"`
	Fields        []string     `yaml:"fields"`
	Reverse       bool         `yaml:"reverse"`
	Presorted     bool         `yaml:"presorted"`
	SpillCodec    string       `yaml:"spill_codec"` // none|zstd|snappy|lz4
	InputPaths    []string     `yaml:"input_paths"`
	OutputPath    string       `yaml:"output_path"`
}

// DeltaFieldConfig is one tolerance-bucketed compare field for rwdedupe.
type DeltaFieldConfig struct {
	Field     string `yaml:"field"`
	Tolerance uint64 `yaml:"tolerance"`
}

// DedupeConfig configures rwdedupe.
type DedupeConfig struct {
	Memory        MemoryConfig       `yaml:"memory"`
	CompareFields []string           `yaml:"compare_fields"`
	DeltaFields   []DeltaFieldConfig `yaml:"delta_fields"`
	SpillCodec    string             `yaml:"spill_codec"`
	InputPaths    []string           `yaml:"input_paths"`
	OutputPath    string             `yaml:"output_path"`
}

// BagRequestConfig is one --bag-file/key/counter request for rwbag.
type BagRequestConfig struct {
	KeyField     string `yaml:"key_field"`
	CounterField string `yaml:"counter_field"`
	OutputPath   string `yaml:"output_path"`
	PmapName     string `yaml:"pmap_name"`
}

// BagConfig configures rwbag.
type BagConfig struct {
	Requests        []BagRequestConfig `yaml:"requests"`
	PmapPaths       map[string]string  `yaml:"pmap_paths"`
	CountryDBPath   string             `yaml:"country_db_path"`
	InvocationStrip bool               `yaml:"invocation_strip"`
	NotesStrip      bool               `yaml:"notes_strip"`
	InputPaths      []string           `yaml:"input_paths"`
}

// CutoffConfig mirrors bagalgebra.Cutoffs in string/flag form.
type CutoffConfig struct {
	MinKey       string `yaml:"min_key"`
	MaxKey       string `yaml:"max_key"`
	MinCounter   uint64 `yaml:"min_counter"`
	MaxCounter   uint64 `yaml:"max_counter"`
	IntersectSet string `yaml:"intersect_set"`
}

// BagToolConfig configures rwbagtool.
type BagToolConfig struct {
	Operator       string       `yaml:"operator"`
	ScalarMultiply uint64       `yaml:"scalar_multiply"`
	Cutoffs        CutoffConfig `yaml:"cutoffs"`
	Invert         bool         `yaml:"invert"`
	CoverSet       bool         `yaml:"cover_set"`
	OperandPaths   []string     `yaml:"operand_paths"`
	OutputPath     string       `yaml:"output_path"`
}

// EscalationStep is one ordered (signal, delay) pair in rwpollexec's
// signal-timed process supervision (spec.md 4.8): if the child hasn't
// exited within Seconds of the previous step's signal (of the command
// starting, for the first step), Signal is sent. A child
// that exits before a later step's delay elapses never sees that step's
// signal (escalation cancellation, spec.md 8).
type EscalationStep struct {
	Signal  string `yaml:"signal"`
	Seconds int    `yaml:"seconds"`
}

// PollExecConfig configures rwpollexec.
type PollExecConfig struct {
	IncomingDirectory string           `yaml:"incoming_directory"`
	ErrorDirectory    string           `yaml:"error_directory"`
	ArchiveDirectory  string           `yaml:"archive_directory"`
	FlatArchive       bool             `yaml:"flat_archive"`
	Command           string           `yaml:"command"`
	Simultaneous      int              `yaml:"simultaneous"`
	TimeoutSignal     string           `yaml:"timeout_signal"` // single-step shorthand, folded into Escalation if it's empty
	TimeoutSeconds    int              `yaml:"timeout_seconds"`
	Escalation        []EscalationStep `yaml:"escalation"` // ordered (signal, delay) steps; overrides TimeoutSignal/TimeoutSeconds
	PollingInterval   time.Duration    `yaml:"polling_interval"`
	MetricsAddr       string           `yaml:"metrics_addr"` // "" disables the /metrics+/healthz server
}

// Config is the top-level document a YAML file may supply; a given tool
// only reads its own section, but all five share one schema/loader so
// operators can keep one config file per pipeline.
type Config struct {
	Sort      SortConfig     `yaml:"sort"`
	Dedupe    DedupeConfig   `yaml:"dedupe"`
	Bag       BagConfig      `yaml:"bag"`
	BagTool   BagToolConfig  `yaml:"bagtool"`
	PollExec  PollExecConfig `yaml:"pollexec"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text|json
}

// Load reads configFile (if non-empty), applies defaults for anything
// left unset, then applies environment-variable overrides.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, apperrors.ConfigError("config", "Load", fmt.Sprintf("read %s: %v", configFile, err))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.ConfigError("config", "Load", fmt.Sprintf("parse %s: %v", configFile, err))
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	if cfg.Sort.Memory.BufferSizeBytes == 0 {
		cfg.Sort.Memory.BufferSizeBytes = 256 << 20
	}
	if cfg.Sort.Memory.MaxOpenRuns == 0 {
		cfg.Sort.Memory.MaxOpenRuns = 1024
	}
	if cfg.Sort.SpillCodec == "" {
		cfg.Sort.SpillCodec = "none"
	}

	if cfg.Dedupe.Memory.BufferSizeBytes == 0 {
		cfg.Dedupe.Memory.BufferSizeBytes = 256 << 20
	}
	if cfg.Dedupe.Memory.MaxOpenRuns == 0 {
		cfg.Dedupe.Memory.MaxOpenRuns = 1024
	}
	if cfg.Dedupe.SpillCodec == "" {
		cfg.Dedupe.SpillCodec = "none"
	}

	if cfg.PollExec.Simultaneous == 0 {
		cfg.PollExec.Simultaneous = 1
	}
	if cfg.PollExec.PollingInterval == 0 {
		cfg.PollExec.PollingInterval = 15 * time.Second
	}
	if cfg.PollExec.TimeoutSignal == "" {
		cfg.PollExec.TimeoutSignal = "TERM"
	}
	if len(cfg.PollExec.Escalation) == 0 && cfg.PollExec.TimeoutSeconds > 0 {
		cfg.PollExec.Escalation = []EscalationStep{
			{Signal: cfg.PollExec.TimeoutSignal, Seconds: cfg.PollExec.TimeoutSeconds},
		}
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv(EnvTempDir); v != "" {
		if cfg.Sort.Memory.TempDirectory == "" {
			cfg.Sort.Memory.TempDirectory = v
		}
		if cfg.Dedupe.Memory.TempDirectory == "" {
			cfg.Dedupe.Memory.TempDirectory = v
		}
	}
	if v := getEnvString("FLOWKIT_LOG_LEVEL", ""); v != "" {
		cfg.LogLevel = v
	}
	if v := getEnvString("FLOWKIT_METRICS_ADDR", ""); v != "" {
		cfg.PollExec.MetricsAddr = v
	}
	cfg.PollExec.Simultaneous = getEnvInt("FLOWKIT_POLLEXEC_SIMULTANEOUS", cfg.PollExec.Simultaneous)
}

// Validate checks the parts of Config that can be checked statically,
// independent of which tool is actually running (each cmd/ main validates
// its own section's required fields separately).
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Sort.SpillCodec) {
	case "none", "zstd", "snappy", "lz4":
	default:
		return apperrors.ConfigError("config", "Validate", fmt.Sprintf("sort: unknown spill_codec %q", cfg.Sort.SpillCodec))
	}
	switch strings.ToLower(cfg.Dedupe.SpillCodec) {
	case "none", "zstd", "snappy", "lz4":
	default:
		return apperrors.ConfigError("config", "Validate", fmt.Sprintf("dedupe: unknown spill_codec %q", cfg.Dedupe.SpillCodec))
	}

	stdoutSinks := 0
	for _, r := range cfg.Bag.Requests {
		if r.OutputPath == "-" || r.OutputPath == "stdout" {
			stdoutSinks++
		}
	}
	if stdoutSinks > 1 {
		return apperrors.ConfigError("config", "Validate", "bag: at most one request may sink to stdout")
	}

	if cfg.PollExec.Simultaneous < 0 {
		return apperrors.ConfigError("config", "Validate", "pollexec: simultaneous must be >= 0")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
