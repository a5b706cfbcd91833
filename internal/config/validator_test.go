package config

import (
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "test.field", Value: 123, Message: "is invalid"},
		}
		expected := "test.field: is invalid (got: 123)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	errs := cfg.Validate()
	if len(errs) != 0 {
		t.Errorf("Default config should be valid, got errors: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string // empty means valid
	}{
		{"debug level", func(c *Config) { c.Logging.Level = "debug" }, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"zero log size", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"huge log size", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
		{"positive timeout", func(c *Config) { c.Orchestrator.DefaultTimeoutMs = 1000 }, ""},
		{"negative timeout", func(c *Config) { c.Orchestrator.DefaultTimeoutMs = -1 }, "orchestrator.default_timeout_ms"},
		{"negative reasons", func(c *Config) { c.Orchestrator.MaxMessageReasons = -3 }, "orchestrator.max_message_reasons"},
		{"zero gate wait", func(c *Config) { c.Pool.GateWaitMs = 0 }, "pool.gate_wait_ms"},
		{"quantum lower bound", func(c *Config) { c.Scheduler.QuantumMs = 1 }, ""},
		{"quantum upper bound", func(c *Config) { c.Scheduler.QuantumMs = 50 }, ""},
		{"quantum too small", func(c *Config) { c.Scheduler.QuantumMs = 0 }, "scheduler.quantum_ms"},
		{"quantum too large", func(c *Config) { c.Scheduler.QuantumMs = 51 }, "scheduler.quantum_ms"},
		{"zero min period", func(c *Config) { c.Scheduler.MinPeriodMs = 0 }, "scheduler.min_period_ms"},
		{"metrics addr ignored when disabled", func(c *Config) { c.Metrics.ListenAddr = "nonsense" }, ""},
		{"bad metrics addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddr = "nonsense"
		}, "metrics.listen_addr"},
		{"otlp exporter", func(c *Config) {
			c.Tracing.Exporter = "otlphttp"
			c.Tracing.Endpoint = "http://collector:4318"
		}, ""},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "tracing.exporter"},
		{"bad endpoint", func(c *Config) { c.Tracing.Endpoint = "collector:4318" }, "tracing.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()

			if tt.wantField == "" {
				if len(errs) != 0 {
					t.Errorf("expected no errors, got %v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error for %s, got %v", tt.wantField, errs)
			}
		})
	}
}
