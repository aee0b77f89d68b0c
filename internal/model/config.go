package model

import "time"

// Config is the daemon configuration, loaded from <dir>/factoryd.yaml.
// Missing fields are filled by ApplyDefaults.
type Config struct {
	Factory FactoryConfig `yaml:"factory"`
	Gate    GateConfig    `yaml:"gate"`
	Watcher WatcherConfig `yaml:"watcher"`
	Limits  LimitsConfig  `yaml:"limits"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Logging LoggingConfig `yaml:"logging"`
}

type FactoryConfig struct {
	// Root is the directory under which per-project working directories are
	// created (<root>/<project>-<engine>).
	Root string `yaml:"root"`
	// DefaultEngine is used when a start request names no engine.
	DefaultEngine string `yaml:"default_engine"`
}

type GateConfig struct {
	// AdvanceScore is the minimum score that passes a phase outright.
	AdvanceScore int `yaml:"advance_score"`
	// RetryBandScore is the lower bound of the single-retry band
	// [retry_band_score, advance_score).
	RetryBandScore int `yaml:"retry_band_score"`
	// MaxAttempts is the per-phase attempt ceiling below the retry band.
	MaxAttempts int `yaml:"max_attempts"`
}

type WatcherConfig struct {
	// PollIntervalSec bounds how long the tailer sleeps between log reads
	// when no fsnotify event arrives.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// StaleRunTimeoutMin forces a running run to failed when no marker has
	// been observed for this long.
	StaleRunTimeoutMin int `yaml:"stale_run_timeout_min"`
}

type LimitsConfig struct {
	// CostCeiling escalates the run when the cost ledger sum exceeds it.
	CostCeiling float64 `yaml:"cost_ceiling"`
	// MaxClarificationRounds escalates the run after this many clarify
	// markers.
	MaxClarificationRounds int `yaml:"max_clarification_rounds"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero-valued fields with the shipped policy constants.
func (c *Config) ApplyDefaults() {
	if c.Factory.DefaultEngine == "" {
		c.Factory.DefaultEngine = "claude"
	}
	if c.Gate.AdvanceScore <= 0 {
		c.Gate.AdvanceScore = 97
	}
	if c.Gate.RetryBandScore <= 0 {
		c.Gate.RetryBandScore = 90
	}
	if c.Gate.MaxAttempts <= 0 {
		c.Gate.MaxAttempts = 3
	}
	if c.Watcher.PollIntervalSec <= 0 {
		c.Watcher.PollIntervalSec = 2
	}
	if c.Watcher.StaleRunTimeoutMin <= 0 {
		c.Watcher.StaleRunTimeoutMin = 30
	}
	if c.Limits.CostCeiling <= 0 {
		c.Limits.CostCeiling = 50.0
	}
	if c.Limits.MaxClarificationRounds <= 0 {
		c.Limits.MaxClarificationRounds = 6
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// PollInterval returns the tailer poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Watcher.PollIntervalSec) * time.Second
}

// StaleRunTimeout returns the stale-run interval as a duration.
func (c *Config) StaleRunTimeout() time.Duration {
	return time.Duration(c.Watcher.StaleRunTimeoutMin) * time.Minute
}
