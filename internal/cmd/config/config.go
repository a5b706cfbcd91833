// Package config provides CLI commands for managing testflow configuration.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "github.com/qwdingyu/testflow/internal/config"
)

// Wrapper functions for exec to allow testing
var execLookPath = exec.LookPath
var execCommand = exec.Command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify testflow configuration",
	Long: `View or modify testflow configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  testflow config set logging.level debug
  testflow config set orchestrator.default_timeout_ms 30000
  testflow config set scheduler.quantum_ms 5

Valid keys:
  logging.enabled                  - Write the engine log to a file (true/false)
  logging.level                    - Options: debug, info, warn, error
  logging.dir                      - Directory for testflow.log
  logging.max_size_mb              - Rotate the log at this size
  logging.max_backups              - Rotated files to keep
  logging.compress                 - Gzip rotated files (true/false)
  orchestrator.default_timeout_ms  - Deadline for tasks without timeout_ms (0 = none)
  orchestrator.max_message_reasons - Cap on reasons in a plan message (0 = all)
  pool.gate_wait_ms                - How long a task waits for a busy device
  scheduler.quantum_ms             - Scheduler tick, 1..50
  scheduler.min_period_ms          - Floor for periodic message periods
  metrics.enabled                  - Serve Prometheus metrics during runs (true/false)
  metrics.listen_addr              - host:port for the metrics endpoint
  tracing.exporter                 - Options: none, stdout, otlphttp
  tracing.endpoint                 - OTLP collector URL`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/testflow/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in your editor",
	Long: `Open the config file in your preferred editor.

Uses $EDITOR environment variable, or falls back to common editors (vim, nano, vi).
If no config file exists, creates one with default values first.`,
	RunE: runConfigEdit,
}

var configResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Reset configuration to defaults",
	Long: `Reset configuration values to their defaults.

Without arguments, resets all configuration to defaults.
With a key argument, resets only that specific key.

Examples:
  testflow config reset                     # Reset all to defaults
  testflow config reset scheduler.quantum_ms # Reset only the scheduler tick`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigReset,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configResetCmd)
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

type keyKind int

const (
	kindString keyKind = iota
	kindBool
	kindInt
)

// settableKeys lists every key `config set` accepts with its value kind.
var settableKeys = map[string]keyKind{
	"logging.enabled":                  kindBool,
	"logging.level":                    kindString,
	"logging.dir":                      kindString,
	"logging.max_size_mb":              kindInt,
	"logging.max_backups":              kindInt,
	"logging.compress":                 kindBool,
	"orchestrator.default_timeout_ms":  kindInt,
	"orchestrator.max_message_reasons": kindInt,
	"pool.gate_wait_ms":                kindInt,
	"scheduler.quantum_ms":             kindInt,
	"scheduler.min_period_ms":          kindInt,
	"metrics.enabled":                  kindBool,
	"metrics.listen_addr":              kindString,
	"tracing.exporter":                 kindString,
	"tracing.endpoint":                 kindString,
}

// enumKeys restricts string keys to a fixed set of options.
var enumKeys = map[string]func() []string{
	"logging.level":    appconfig.ValidLogLevels,
	"tracing.exporter": appconfig.ValidExporters,
}

func defaultValues() map[string]any {
	d := appconfig.Default()
	return map[string]any{
		"logging.enabled":                  d.Logging.Enabled,
		"logging.level":                    d.Logging.Level,
		"logging.dir":                      d.Logging.Dir,
		"logging.max_size_mb":              d.Logging.MaxSizeMB,
		"logging.max_backups":              d.Logging.MaxBackups,
		"logging.compress":                 d.Logging.Compress,
		"orchestrator.default_timeout_ms":  d.Orchestrator.DefaultTimeoutMs,
		"orchestrator.max_message_reasons": d.Orchestrator.MaxMessageReasons,
		"pool.gate_wait_ms":                d.Pool.GateWaitMs,
		"scheduler.quantum_ms":             d.Scheduler.QuantumMs,
		"scheduler.min_period_ms":          d.Scheduler.MinPeriodMs,
		"metrics.enabled":                  d.Metrics.Enabled,
		"metrics.listen_addr":              d.Metrics.ListenAddr,
		"tracing.exporter":                 d.Tracing.Exporter,
		"tracing.endpoint":                 d.Tracing.Endpoint,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg := appconfig.Get()

	fmt.Fprintln(out, "Current configuration:")
	fmt.Fprintln(out)

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Config file: (none - using defaults)\n")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "logging:")
	fmt.Fprintf(out, "  enabled: %v\n", cfg.Logging.Enabled)
	fmt.Fprintf(out, "  level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  dir: %s\n", cfg.Logging.Dir)
	fmt.Fprintf(out, "  max_size_mb: %d\n", cfg.Logging.MaxSizeMB)
	fmt.Fprintf(out, "  max_backups: %d\n", cfg.Logging.MaxBackups)
	fmt.Fprintf(out, "  compress: %v\n", cfg.Logging.Compress)

	fmt.Fprintln(out, "orchestrator:")
	fmt.Fprintf(out, "  default_timeout_ms: %d\n", cfg.Orchestrator.DefaultTimeoutMs)
	fmt.Fprintf(out, "  max_message_reasons: %d\n", cfg.Orchestrator.MaxMessageReasons)

	fmt.Fprintln(out, "pool:")
	fmt.Fprintf(out, "  gate_wait_ms: %d\n", cfg.Pool.GateWaitMs)

	fmt.Fprintln(out, "scheduler:")
	fmt.Fprintf(out, "  quantum_ms: %d\n", cfg.Scheduler.QuantumMs)
	fmt.Fprintf(out, "  min_period_ms: %d\n", cfg.Scheduler.MinPeriodMs)

	fmt.Fprintln(out, "metrics:")
	fmt.Fprintf(out, "  enabled: %v\n", cfg.Metrics.Enabled)
	fmt.Fprintf(out, "  listen_addr: %s\n", cfg.Metrics.ListenAddr)

	fmt.Fprintln(out, "tracing:")
	fmt.Fprintf(out, "  exporter: %s\n", cfg.Tracing.Exporter)
	fmt.Fprintf(out, "  endpoint: %s\n", cfg.Tracing.Endpoint)

	return nil
}

func parseValue(key, raw string) (any, error) {
	kind, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'testflow config set --help' to see valid keys", key)
	}

	switch kind {
	case kindBool:
		if raw != "true" && raw != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return raw == "true", nil
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	default:
		if options, ok := enumKeys[key]; ok && !slices.Contains(options(), raw) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, raw, strings.Join(options(), ", "))
		}
		return raw, nil
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	typedValue, err := parseValue(key, args[1])
	if err != nil {
		return err
	}

	previous := viper.Get(key)
	viper.Set(key, typedValue)

	// Cross-field checks run against the merged configuration
	if _, err := appconfig.Load(); err != nil {
		viper.Set(key, previous)
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	configFile, err := writeConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func writeConfig() (string, error) {
	// Ensure config directory exists
	if err := os.MkdirAll(appconfig.ConfigDir(), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := appconfig.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configFile, nil
}

const defaultConfigContent = `# testflow configuration
#
# Every key can also be set from the environment as TESTFLOW_<SECTION>_<KEY>,
# e.g. TESTFLOW_SCHEDULER_QUANTUM_MS=5

# Engine log
logging:
  # Write the log to <dir>/testflow.log; otherwise only warnings reach stderr
  enabled: false
  # Options: debug, info, warn, error
  level: info
  dir: ""
  # Rotation
  max_size_mb: 10
  max_backups: 3
  compress: false

# Plan execution
orchestrator:
  # Deadline for tasks that set no timeout_ms (0 = none)
  default_timeout_ms: 0
  # Cap on distinct failure reasons in a plan message (0 = all)
  max_message_reasons: 0

# Device pool
pool:
  # How long a task waits for a device another task is using
  gate_wait_ms: 5000

# Real-time message scheduler used by bus devices
scheduler:
  # Loop tick in milliseconds, 1..50
  quantum_ms: 2
  # Periodic messages are never sent faster than this
  min_period_ms: 10

# Prometheus metrics
metrics:
  enabled: false
  listen_addr: ":9464"

# OpenTelemetry tracing
tracing:
  # Options: none, stdout, otlphttp
  exporter: none
  endpoint: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'testflow config set' to modify values", configFile)
	}

	if err := os.MkdirAll(appconfig.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit this file to customize testflow's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := appconfig.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. $HOME/.config/testflow/config.yaml\n")
	fmt.Fprintf(out, "  3. ./config.yaml (current directory)\n")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_SCHEDULER_QUANTUM_MS)\n", appconfig.EnvPrefix, appconfig.EnvPrefix)
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "Config file doesn't exist, creating with defaults...\n")
		if err := runConfigInit(cmd, args); err != nil {
			return err
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		for _, e := range []string{"vim", "nano", "vi"} {
			if _, err := execLookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found. Set $EDITOR environment variable")
	}

	editorCmd := execCommand(editor, configFile)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Config file saved: %s\n", configFile)
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	defaults := defaultValues()

	if len(args) == 0 {
		keys := make([]string, 0, len(defaults))
		for key := range defaults {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			viper.Set(key, defaults[key])
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Reset all configuration to defaults.")
	} else {
		key := args[0]
		value, ok := defaults[key]
		if !ok {
			return fmt.Errorf("unknown configuration key: %s\nRun 'testflow config set --help' to see valid keys", key)
		}
		viper.Set(key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s to default: %v\n", key, value)
	}

	configFile, err := writeConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}
