// Package config provides configuration loading and validation for
// moon-watchd.
//
// Configuration file: $MOON_HOME/moon.config.yaml (default).
// Schema version: 1
//
// Validation:
//   - schema_version must be "1" and moon_home must be set.
//   - Numeric ranges enforced on a fixed set of fields (compaction start
//     ratio in [0,1] with emergency ratio >= start, cycle_interval >= 1s,
//     positive counts, ordered retention days). Binary paths, timeouts
//     and cooldowns are not checked.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
//
// Grounded on the teacher's internal/config/config.go: the same
// Defaults()/Load()/Validate() shape, the same accumulate-all-errors
// validation style, re-homed from agent/anomaly/escalation/gossip
// sections onto the watcher pipeline's stages.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime, BuildUUID are injected by the build via
// -ldflags. BuildUUID distinguishes two builds sharing the same
// Version/GitCommit (e.g. local dev builds); when left at its default,
// main generates a random one at startup rather than stamping daemon
// provenance with a non-unique constant.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	BuildUUID = "dev"
)

// Config is the root configuration structure for moon-watchd.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// MoonHome is the workspace root. Default: $MOON_HOME env var, or
	// $HOME/.moon if unset.
	MoonHome string `yaml:"moon_home"`

	// Timezone is the IANA timezone name used for residential-day
	// computation. Default: "Local".
	Timezone string `yaml:"timezone"`

	Daemon        DaemonConfig        `yaml:"daemon"`
	UsageProbe    UsageProbeConfig    `yaml:"usage_probe"`
	HostWrite     HostWriteConfig     `yaml:"host_write"`
	Index         IndexConfig         `yaml:"index"`
	Embed         EmbedConfig         `yaml:"embed"`
	Compaction    CompactionConfig    `yaml:"compaction"`
	L1            L1Config            `yaml:"l1"`
	L2            L2Config            `yaml:"l2"`
	Retention     RetentionConfig     `yaml:"retention"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// DaemonConfig holds daemon-level operational parameters.
type DaemonConfig struct {
	// CycleInterval is how often the daemon loop runs one cycle.
	// Default: 30s.
	CycleInterval time.Duration `yaml:"cycle_interval"`

	// MaxConsecutivePanics halts the daemon once reached. Default: 3.
	MaxConsecutivePanics int `yaml:"max_consecutive_panics"`

	// WatchPaths are filesystem locations the daemon watches (fsnotify)
	// in daemon mode to wake the cycle loop early, in addition to the
	// CycleInterval ticker. Empty disables the watcher goroutine.
	WatchPaths []string `yaml:"watch_paths"`
}

// UsageProbeConfig configures the external usage-probe command.
type UsageProbeConfig struct {
	BinaryPath string        `yaml:"binary_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

// HostWriteConfig configures the external host session writer.
type HostWriteConfig struct {
	BinaryPath string        `yaml:"binary_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

// IndexConfig configures the external index backend.
type IndexConfig struct {
	BinaryPath string        `yaml:"binary_path"`
	Collection string        `yaml:"collection"`
	Mask       string        `yaml:"mask"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EmbedConfig configures the bounded embed stage.
type EmbedConfig struct {
	Cooldown   time.Duration `yaml:"cooldown"`
	MinPending int           `yaml:"min_pending"`
	MaxDocs    int           `yaml:"max_docs"`
}

// CompactionConfig configures the compaction trigger.
type CompactionConfig struct {
	WindowMode             string  `yaml:"window_mode"`
	WindowTokens           int64   `yaml:"window_tokens"`
	CompactionStartRatio   float64 `yaml:"compaction_start_ratio"`
	CompactionEmergencyRatio float64 `yaml:"compaction_emergency_ratio"`
	Cooldown               time.Duration `yaml:"cooldown"`
	Authority              string  `yaml:"compaction_authority"`
}

// L1Config configures the L1 normaliser.
type L1Config struct {
	MaxPerCycle         int  `yaml:"max_per_cycle"`
	TopicDiscoveryEnabled bool `yaml:"topic_discovery_enabled"`
}

// L2Config configures the L2 synthesiser.
type L2Config struct {
	SynthesiserProvider string            `yaml:"synthesiser_provider"`
	SynthesiserOptions  map[string]string `yaml:"synthesiser_options"`
	ModelContextTokens  int               `yaml:"model_context_tokens"`
	ChunkBytes          int               `yaml:"chunk_bytes"` // 0 = auto
	MaxChunks           int               `yaml:"max_chunks"`
}

// RetentionConfig configures the retention reaper's age buckets.
type RetentionConfig struct {
	ActiveDays int `yaml:"active_days"`
	WarmDays   int `yaml:"warm_days"`
	ColdDays   int `yaml:"cold_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9235.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the administrative Unix-socket parameters.
type OperatorConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	home := os.Getenv("MOON_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h + "/.moon"
		}
	}
	return Config{
		SchemaVersion: "1",
		MoonHome:      home,
		Timezone:      "Local",
		Daemon: DaemonConfig{
			CycleInterval:        30 * time.Second,
			MaxConsecutivePanics: 3,
		},
		UsageProbe: UsageProbeConfig{
			Timeout: 5 * time.Second,
		},
		HostWrite: HostWriteConfig{
			Timeout: 5 * time.Second,
		},
		Index: IndexConfig{
			Collection: "moon-memory",
			Mask:       "*.md",
			Timeout:    30 * time.Second,
		},
		Embed: EmbedConfig{
			Cooldown:   15 * time.Minute,
			MinPending: 5,
			MaxDocs:    50,
		},
		Compaction: CompactionConfig{
			WindowMode:               "inherit",
			CompactionStartRatio:     0.50,
			CompactionEmergencyRatio: 0.90,
			Cooldown:                 10 * time.Minute,
			Authority:                "moon",
		},
		L1: L1Config{
			MaxPerCycle: 20,
		},
		L2: L2Config{
			SynthesiserProvider: "local",
			ModelContextTokens:  8192,
			MaxChunks:           128,
		},
		Retention: RetentionConfig{
			ActiveDays: 7,
			WarmDays:   30,
			ColdDays:   90,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9235",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled: true,
		},
	}
}

// Load reads and validates a config file from path, merging it over
// Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if cfg.Operator.SocketPath == "" {
		cfg.Operator.SocketPath = cfg.MoonHome + "/moon/locks/operator.sock"
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields, accumulating every violation found
// rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.MoonHome == "" {
		errs = append(errs, "moon_home must not be empty")
	}
	if cfg.Daemon.MaxConsecutivePanics < 1 {
		errs = append(errs, fmt.Sprintf("daemon.max_consecutive_panics must be >= 1, got %d", cfg.Daemon.MaxConsecutivePanics))
	}
	if cfg.Daemon.CycleInterval < time.Second {
		errs = append(errs, fmt.Sprintf("daemon.cycle_interval must be >= 1s, got %s", cfg.Daemon.CycleInterval))
	}

	if cfg.Compaction.WindowMode != "fixed" && cfg.Compaction.WindowMode != "inherit" {
		errs = append(errs, fmt.Sprintf("compaction.window_mode must be \"fixed\" or \"inherit\", got %q", cfg.Compaction.WindowMode))
	}
	if cfg.Compaction.WindowMode == "fixed" && cfg.Compaction.WindowTokens <= 0 {
		errs = append(errs, "compaction.window_tokens must be > 0 when window_mode is \"fixed\"")
	}
	if cfg.Compaction.CompactionStartRatio < 0 || cfg.Compaction.CompactionStartRatio > 1 {
		errs = append(errs, fmt.Sprintf("compaction.compaction_start_ratio must be in [0,1], got %f", cfg.Compaction.CompactionStartRatio))
	}
	if cfg.Compaction.CompactionEmergencyRatio < cfg.Compaction.CompactionStartRatio {
		errs = append(errs, "compaction.compaction_emergency_ratio must be >= compaction_start_ratio")
	}
	if cfg.Compaction.Authority != "moon" && cfg.Compaction.Authority != "openclaw" {
		errs = append(errs, fmt.Sprintf("compaction.compaction_authority must be \"moon\" or \"openclaw\", got %q", cfg.Compaction.Authority))
	}

	if cfg.Embed.MaxDocs < 1 {
		errs = append(errs, fmt.Sprintf("embed.max_docs must be >= 1, got %d", cfg.Embed.MaxDocs))
	}
	if cfg.Embed.MinPending < 0 {
		errs = append(errs, fmt.Sprintf("embed.min_pending must be >= 0, got %d", cfg.Embed.MinPending))
	}

	if cfg.L1.MaxPerCycle < 1 {
		errs = append(errs, fmt.Sprintf("l1.max_per_cycle must be >= 1, got %d", cfg.L1.MaxPerCycle))
	}

	if cfg.L2.ModelContextTokens < 1 {
		errs = append(errs, fmt.Sprintf("l2.model_context_tokens must be >= 1, got %d", cfg.L2.ModelContextTokens))
	}
	if cfg.L2.ChunkBytes < 0 {
		errs = append(errs, "l2.chunk_bytes must be >= 0 (0 means auto)")
	}

	if cfg.Retention.ActiveDays < 0 || cfg.Retention.WarmDays < cfg.Retention.ActiveDays || cfg.Retention.ColdDays < cfg.Retention.WarmDays {
		errs = append(errs, fmt.Sprintf(
			"retention day thresholds must satisfy 0 <= active_days <= warm_days <= cold_days, got active=%d warm=%d cold=%d",
			cfg.Retention.ActiveDays, cfg.Retention.WarmDays, cfg.Retention.ColdDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
