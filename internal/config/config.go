package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/qwdingyu/testflow/internal/logging"
	"github.com/qwdingyu/testflow/internal/observability"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// TESTFLOW_ORCHESTRATOR_DEFAULT_TIMEOUT_MS.
const EnvPrefix = "TESTFLOW"

// Config represents the complete testflow configuration
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// LoggingConfig controls the engine log
type LoggingConfig struct {
	// Enabled turns file logging on. When false only warnings reach stderr.
	Enabled bool `mapstructure:"enabled"`
	// Level is one of debug, info, warn, error (default: info)
	Level string `mapstructure:"level"`
	// Dir is where testflow.log is written. Empty means stderr.
	Dir string `mapstructure:"dir"`
	// MaxSizeMB rotates the log once it reaches this size (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is how many rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// OrchestratorConfig controls plan execution
type OrchestratorConfig struct {
	// DefaultTimeoutMs applies to tasks that declare no timeout (0 = none)
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	// MaxMessageReasons caps the reasons listed in a plan message (0 = unlimited)
	MaxMessageReasons int `mapstructure:"max_message_reasons"`
}

// PoolConfig controls the device pool
type PoolConfig struct {
	// GateWaitMs is how long a call waits for a busy device (default: 5000)
	GateWaitMs int `mapstructure:"gate_wait_ms"`
}

// SchedulerConfig controls real-time schedulers created for bus devices
type SchedulerConfig struct {
	// QuantumMs is the idle sleep between loop iterations (default: 2, 1..50)
	QuantumMs int `mapstructure:"quantum_ms"`
	// MinPeriodMs is the shortest periodic interval (default: 10)
	MinPeriodMs int `mapstructure:"min_period_ms"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// TracingConfig controls span export
type TracingConfig struct {
	// Exporter is one of none, stdout, otlphttp (default: none)
	Exporter string `mapstructure:"exporter"`
	// Endpoint is the OTLP/HTTP collector URL
	Endpoint string `mapstructure:"endpoint"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Enabled:    false,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Orchestrator: OrchestratorConfig{
			DefaultTimeoutMs:  0,
			MaxMessageReasons: 0,
		},
		Pool: PoolConfig{
			GateWaitMs: 5000,
		},
		Scheduler: SchedulerConfig{
			QuantumMs:   2,
			MinPeriodMs: 10,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9464",
		},
		Tracing: TracingConfig{
			Exporter: observability.ExporterNone,
		},
	}
}

// DefaultTimeout converts DefaultTimeoutMs to a Duration
func (c *OrchestratorConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

// GateWait converts GateWaitMs to a Duration
func (c *PoolConfig) GateWait() time.Duration {
	return time.Duration(c.GateWaitMs) * time.Millisecond
}

// Quantum converts QuantumMs to a Duration
func (c *SchedulerConfig) Quantum() time.Duration {
	return time.Duration(c.QuantumMs) * time.Millisecond
}

// MinPeriod converts MinPeriodMs to a Duration
func (c *SchedulerConfig) MinPeriod() time.Duration {
	return time.Duration(c.MinPeriodMs) * time.Millisecond
}

// Rotation returns the log rotation settings
func (c *LoggingConfig) Rotation() logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	}
}

// TracingOptions returns the exporter settings for observability.InitTracing
func (c *TracingConfig) TracingOptions() observability.TracingConfig {
	return observability.TracingConfig{Exporter: c.Exporter, Endpoint: c.Endpoint}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Orchestrator defaults
	viper.SetDefault("orchestrator.default_timeout_ms", defaults.Orchestrator.DefaultTimeoutMs)
	viper.SetDefault("orchestrator.max_message_reasons", defaults.Orchestrator.MaxMessageReasons)

	// Pool defaults
	viper.SetDefault("pool.gate_wait_ms", defaults.Pool.GateWaitMs)

	// Scheduler defaults
	viper.SetDefault("scheduler.quantum_ms", defaults.Scheduler.QuantumMs)
	viper.SetDefault("scheduler.min_period_ms", defaults.Scheduler.MinPeriodMs)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)

	// Tracing defaults
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
}

// BindEnv makes every key overridable from TESTFLOW_* environment variables
func BindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "testflow")
	}
	// Fall back to ~/.config/testflow
	home, err := os.UserHomeDir()
	if err != nil {
		return ".testflow"
	}
	return filepath.Join(home, ".config", "testflow")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
