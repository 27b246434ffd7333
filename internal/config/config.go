// Package config loads and validates gaimoded's settings.
//
// Configuration file: ${HOME}/.config/gaimode/settings.toml (default).
// A missing file is not an error — Defaults() applies. A malformed file
// surfaces an error; the caller (service bootstrap) turns that into
// "log a warning, keep running with defaults" rather than aborting
// startup, since this file is never required for the daemon to operate.
//
// All keys are optional; unset keys take the default shown in
// Defaults().
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// PerfGovernor is the cpufreq governor gaimoded switches to while a
// workload is optimized.
const PerfGovernor = "performance"

// Default niceness / I/O-niceness values used by Defaults(). The
// scheduler and ioprio adapters take their values from Settings.
const (
	DefaultOptimizedNice = -10
	DefaultNice          = 0
	DefaultOptimizedIO   = 1
	DefaultIO            = 4
)

// CPUAffinityConfig gates pinning the optimized process to a low-load,
// non-core-0 CPU.
type CPUAffinityConfig struct {
	Enabled bool `toml:"enabled"`
}

// CPUGovernorConfig gates switching every cpufreq policy's governor.
type CPUGovernorConfig struct {
	Enabled       bool   `toml:"enabled"`
	OptimizedType string `toml:"optimized_type"`
}

// NicenessConfig gates per-task nice value tuning.
type NicenessConfig struct {
	Enabled        bool `toml:"enabled"`
	OptimizedValue int  `toml:"optimized_value"`
	DefaultValue   int  `toml:"default_value"`
}

// IONicenessConfig gates per-task I/O priority tuning.
type IONicenessConfig struct {
	Enabled        bool `toml:"enabled"`
	OptimizedValue int  `toml:"optimized_value"`
	DefaultValue   int  `toml:"default_value"`
}

// LedgerConfig configures the best-effort episode audit trail.
// Not authoritative optimizer state.
type LedgerConfig struct {
	DBPath        string `toml:"db_path"`
	RetentionDays int    `toml:"retention_days"`
}

// ObservabilityConfig configures metrics and logging.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address. Empty
	// disables the metrics server entirely.
	MetricsAddr string `toml:"metrics_addr"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
}

// Settings is the root configuration structure for gaimoded.
type Settings struct {
	CPUAffinity   CPUAffinityConfig   `toml:"cpu_affinity"`
	CPUGovernor   CPUGovernorConfig   `toml:"cpu_governor"`
	Niceness      NicenessConfig      `toml:"niceness"`
	IONiceness    IONicenessConfig    `toml:"io_niceness"`
	Ledger        LedgerConfig        `toml:"ledger"`
	Observability ObservabilityConfig `toml:"observability"`
}

// DefaultConfigPath returns ${HOME}/.config/gaimode/settings.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: no home directory: %w", err)
	}
	return filepath.Join(home, ".config", "gaimode", "settings.toml"), nil
}

// Defaults returns a Settings populated with all default values.
func Defaults() Settings {
	return Settings{
		CPUAffinity: CPUAffinityConfig{Enabled: true},
		CPUGovernor: CPUGovernorConfig{
			Enabled:       true,
			OptimizedType: PerfGovernor,
		},
		Niceness: NicenessConfig{
			Enabled:        true,
			OptimizedValue: DefaultOptimizedNice,
			DefaultValue:   DefaultNice,
		},
		IONiceness: IONicenessConfig{
			Enabled:        true,
			OptimizedValue: DefaultOptimizedIO,
			DefaultValue:   DefaultIO,
		},
		Ledger: LedgerConfig{
			DBPath:        defaultLedgerPath(),
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

func defaultLedgerPath() string {
	return filepath.Join(os.TempDir(), "gaimoded_ledger.db")
}

// Load reads and validates a settings file from path, merged over
// Defaults(). A missing file is not an error: Defaults() is returned
// unchanged. A malformed file or a validation failure is returned as an
// error so the caller can decide how to degrade.
func Load(path string) (Settings, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Defaults(), fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return Defaults(), fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks Settings for internally-consistent values. Returns a
// descriptive error listing every violation found.
func Validate(cfg *Settings) error {
	var errs []string

	if cfg.CPUGovernor.Enabled && cfg.CPUGovernor.OptimizedType == "" {
		errs = append(errs, "cpu_governor.optimized_type must not be empty when cpu_governor.enabled is true")
	}
	if cfg.Niceness.OptimizedValue < -20 || cfg.Niceness.OptimizedValue > 19 {
		errs = append(errs, fmt.Sprintf("niceness.optimized_value must be in [-20, 19], got %d", cfg.Niceness.OptimizedValue))
	}
	if cfg.Niceness.DefaultValue < -20 || cfg.Niceness.DefaultValue > 19 {
		errs = append(errs, fmt.Sprintf("niceness.default_value must be in [-20, 19], got %d", cfg.Niceness.DefaultValue))
	}
	if cfg.IONiceness.OptimizedValue < 0 || cfg.IONiceness.OptimizedValue > 7 {
		errs = append(errs, fmt.Sprintf("io_niceness.optimized_value must be in [0, 7], got %d", cfg.IONiceness.OptimizedValue))
	}
	if cfg.IONiceness.DefaultValue < 0 || cfg.IONiceness.DefaultValue > 7 {
		errs = append(errs, fmt.Sprintf("io_niceness.default_value must be in [0, 7], got %d", cfg.IONiceness.DefaultValue))
	}
	if cfg.Ledger.RetentionDays < 0 {
		errs = append(errs, fmt.Sprintf("ledger.retention_days must be >= 0, got %d", cfg.Ledger.RetentionDays))
	}

	if len(errs) == 0 {
		return nil
	}
	msg := "config validation errors:\n"
	for _, e := range errs {
		msg += "  - " + e + "\n"
	}
	return fmt.Errorf("%s", msg)
}
