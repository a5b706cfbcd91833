package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/qwdingyu/testflow/internal/observability"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.quantum_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidExporters returns the list of valid trace exporters
func ValidExporters() []string {
	return []string{observability.ExporterNone, observability.ExporterStdout, observability.ExporterOTLPHTTP}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateOrchestrator()...)
	errors = append(errors, c.validatePool()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateMetrics()...)
	errors = append(errors, c.validateTracing()...)

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateOrchestrator validates the OrchestratorConfig
func (c *Config) validateOrchestrator() []ValidationError {
	var errors []ValidationError

	if c.Orchestrator.DefaultTimeoutMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.default_timeout_ms",
			Value:   c.Orchestrator.DefaultTimeoutMs,
			Message: "must be non-negative (0 disables)",
		})
	}

	if c.Orchestrator.MaxMessageReasons < 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.max_message_reasons",
			Value:   c.Orchestrator.MaxMessageReasons,
			Message: "must be non-negative (0 means unlimited)",
		})
	}

	return errors
}

// validatePool validates the PoolConfig
func (c *Config) validatePool() []ValidationError {
	var errors []ValidationError

	if c.Pool.GateWaitMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.gate_wait_ms",
			Value:   c.Pool.GateWaitMs,
			Message: "must be positive",
		})
	}

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	// The quantum bounds periodic jitter; keep it in the 1..50ms band
	if c.Scheduler.QuantumMs < 1 || c.Scheduler.QuantumMs > 50 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.quantum_ms",
			Value:   c.Scheduler.QuantumMs,
			Message: "must be between 1 and 50",
		})
	}

	if c.Scheduler.MinPeriodMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.min_period_ms",
			Value:   c.Scheduler.MinPeriodMs,
			Message: "must be positive",
		})
	}

	return errors
}

// validateMetrics validates the MetricsConfig
func (c *Config) validateMetrics() []ValidationError {
	var errors []ValidationError

	if !c.Metrics.Enabled {
		return errors
	}
	if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "metrics.listen_addr",
			Value:   c.Metrics.ListenAddr,
			Message: "must be host:port",
		})
	}

	return errors
}

// validateTracing validates the TracingConfig
func (c *Config) validateTracing() []ValidationError {
	var errors []ValidationError

	exporter := strings.ToLower(c.Tracing.Exporter)
	if exporter != "" && !slices.Contains(ValidExporters(), exporter) {
		errors = append(errors, ValidationError{
			Field:   "tracing.exporter",
			Value:   c.Tracing.Exporter,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidExporters(), ", ")),
		})
	}

	if c.Tracing.Endpoint != "" {
		u, err := url.Parse(c.Tracing.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "tracing.endpoint",
				Value:   c.Tracing.Endpoint,
				Message: "must be an http or https URL",
			})
		}
	}

	return errors
}
