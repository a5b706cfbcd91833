package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PlanFinished(true, time.Second)
	m.TaskFinished(OutcomeSkipped, 0)
	m.TaskAttempt()
	m.DeviceEvicted("instrument")
	m.SchedulerSend(SendPeriodic)
	m.BurstFinished(false)
	m.FramesOut("fixed", 3)
	m.FrameDropped("modbus", "crc")
}

func TestMetricsRecording(t *testing.T) {
	_, m := NewRegistry()

	m.PlanFinished(true, 10*time.Millisecond)
	m.PlanFinished(false, 10*time.Millisecond)
	m.PlanFinished(false, 10*time.Millisecond)
	m.TaskFinished(OutcomeCompletedOK, time.Millisecond)
	m.TaskFinished(OutcomeSkipped, 0)
	m.TaskAttempt()
	m.TaskAttempt()
	m.DeviceEvicted("canbus")
	m.SchedulerSend(SendControl)
	m.SchedulerSend(SendControl)
	m.SchedulerSend(SendClear)
	m.BurstFinished(true)
	m.FramesOut("delimiter", 4)
	m.FramesOut("delimiter", 0)
	m.FrameDropped("modbus", "crc")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"plans ok", testutil.ToFloat64(m.PlanExecutions.WithLabelValues("true")), 1},
		{"plans failed", testutil.ToFloat64(m.PlanExecutions.WithLabelValues("false")), 2},
		{"tasks ok", testutil.ToFloat64(m.TaskResults.WithLabelValues(OutcomeCompletedOK)), 1},
		{"tasks skipped", testutil.ToFloat64(m.TaskResults.WithLabelValues(OutcomeSkipped)), 1},
		{"attempts", testutil.ToFloat64(m.TaskAttempts), 2},
		{"evictions", testutil.ToFloat64(m.DeviceEvictions.WithLabelValues("canbus")), 1},
		{"control sends", testutil.ToFloat64(m.SchedulerSends.WithLabelValues(SendControl)), 2},
		{"clear sends", testutil.ToFloat64(m.SchedulerSends.WithLabelValues(SendClear)), 1},
		{"bursts", testutil.ToFloat64(m.SchedulerBursts.WithLabelValues("true")), 1},
		{"frames", testutil.ToFloat64(m.FramesEmitted.WithLabelValues("delimiter")), 4},
		{"drops", testutil.ToFloat64(m.FramesDropped.WithLabelValues("modbus", "crc")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestHandlerFor(t *testing.T) {
	reg, m := NewRegistry()
	m.TaskAttempt()

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "testflow_task_attempts_total 1") {
		t.Errorf("exposition missing attempts counter:\n%s", body)
	}
}

func TestInitTracing(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: "none"})
	if err != nil {
		t.Fatalf("InitTracing(none) = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown = %v", err)
	}

	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestStartSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := StartSpan(context.Background(), "plan.execute")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "plan.execute" {
		t.Errorf("recorded spans = %v", ended)
	}
}
