package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcome labels.
const (
	OutcomeCompletedOK     = "completed_ok"
	OutcomeCompletedFailed = "completed_failed"
	OutcomeSkipped         = "skipped"
	OutcomeCanceled        = "canceled"
)

// Scheduler send kinds.
const (
	SendPeriodic = "periodic"
	SendControl  = "control"
	SendClear    = "clear"
)

// Metrics holds the engine's Prometheus collectors.
//
// Every recording method is safe on a nil *Metrics, so components accept an
// optional Metrics and call it unconditionally.
type Metrics struct {
	PlanExecutions  *prometheus.CounterVec
	PlanDuration    prometheus.Histogram
	TaskResults     *prometheus.CounterVec
	TaskAttempts    prometheus.Counter
	TaskDuration    prometheus.Histogram
	DeviceEvictions *prometheus.CounterVec
	SchedulerSends  *prometheus.CounterVec
	SchedulerBursts *prometheus.CounterVec
	FramesEmitted   *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		PlanExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testflow_plan_executions_total",
				Help: "Total number of plan executions",
			},
			[]string{"success"},
		),
		PlanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "testflow_plan_duration_seconds",
				Help:    "Wall time of plan executions",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),
		TaskResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testflow_task_results_total",
				Help: "Task results by outcome",
			},
			[]string{"outcome"},
		),
		TaskAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "testflow_task_attempts_total",
				Help: "Total number of device call attempts made by tasks",
			},
		),
		TaskDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "testflow_task_duration_seconds",
				Help:    "Wall time of tasks that ran, including retries",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		DeviceEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testflow_device_evictions_total",
				Help: "Unhealthy devices evicted from the pool",
			},
			[]string{"type"},
		),
		SchedulerSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testflow_scheduler_sends_total",
				Help: "Messages sent by real-time schedulers",
			},
			[]string{"kind"},
		),
		SchedulerBursts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testflow_scheduler_bursts_total",
				Help: "Event bursts completed by real-time schedulers",
			},
			[]string{"success"},
		),
		FramesEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testflow_frames_emitted_total",
				Help: "Frames emitted by splitters",
			},
			[]string{"splitter"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testflow_frames_dropped_total",
				Help: "Frames or bytes dropped by splitters",
			},
			[]string{"splitter", "reason"},
		),
	}
}

// NewRegistry creates a private registry with the engine metrics on it.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, NewMetrics(reg)
}

// HandlerFor serves reg in the Prometheus exposition format.
func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// PlanFinished records one Execute call.
func (m *Metrics) PlanFinished(success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.PlanExecutions.WithLabelValues(strconv.FormatBool(success)).Inc()
	m.PlanDuration.Observe(d.Seconds())
}

// TaskFinished records a task result. d is ignored for skipped tasks.
func (m *Metrics) TaskFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskResults.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.TaskDuration.Observe(d.Seconds())
	}
}

// TaskAttempt records one device call attempt.
func (m *Metrics) TaskAttempt() {
	if m == nil {
		return
	}
	m.TaskAttempts.Inc()
}

// DeviceEvicted records a pool eviction.
func (m *Metrics) DeviceEvicted(deviceType string) {
	if m == nil {
		return
	}
	m.DeviceEvictions.WithLabelValues(deviceType).Inc()
}

// SchedulerSend records one scheduler transmission.
func (m *Metrics) SchedulerSend(kind string) {
	if m == nil {
		return
	}
	m.SchedulerSends.WithLabelValues(kind).Inc()
}

// BurstFinished records a resolved burst.
func (m *Metrics) BurstFinished(success bool) {
	if m == nil {
		return
	}
	m.SchedulerBursts.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// FramesOut records n emitted frames.
func (m *Metrics) FramesOut(splitter string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FramesEmitted.WithLabelValues(splitter).Add(float64(n))
}

// FrameDropped records one drop ("crc" for a whole frame, "resync" for a
// skipped byte).
func (m *Metrics) FrameDropped(splitter, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(splitter, reason).Inc()
}
