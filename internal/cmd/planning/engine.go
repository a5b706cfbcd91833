package planning

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/qwdingyu/testflow/internal/config"
	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/device/sim"
	"github.com/qwdingyu/testflow/internal/devicepool"
	"github.com/qwdingyu/testflow/internal/event"
	"github.com/qwdingyu/testflow/internal/logging"
	"github.com/qwdingyu/testflow/internal/observability"
	"github.com/qwdingyu/testflow/internal/orchestrator"
	"github.com/qwdingyu/testflow/internal/plan"
)

// engine holds the infrastructure shared by every run of one command
// invocation. Devices are built per run so plan edits take effect in
// watch mode.
type engine struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	bus      *event.Bus

	server          *http.Server
	shutdownTracing func(context.Context) error
}

// newEngine builds the logger, metrics, event bus and tracer from cfg.
// stderr receives the log when file logging is off.
func newEngine(ctx context.Context, cfg *config.Config, stderr io.Writer) (*engine, error) {
	logger, err := newLogger(&cfg.Logging, stderr)
	if err != nil {
		return nil, err
	}

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Service:  "testflow",
	})
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry, metrics := observability.NewRegistry()
	return &engine{
		cfg:             cfg,
		logger:          logger,
		registry:        registry,
		metrics:         metrics,
		bus:             event.NewBus(event.WithLogger(logger)),
		shutdownTracing: shutdown,
	}, nil
}

func newLogger(cfg *config.LoggingConfig, stderr io.Writer) (*logging.Logger, error) {
	if !cfg.Enabled {
		return logging.NewWriterLogger(stderr, "warn"), nil
	}
	if cfg.Dir == "" {
		return logging.NewWriterLogger(stderr, cfg.Level), nil
	}
	logger, err := logging.NewLoggerWithRotation(cfg.Dir, cfg.Level, cfg.Rotation())
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	return logger, nil
}

// serveMetrics starts the Prometheus endpoint on addr and returns the
// address actually bound, so ":0" can be used in tests.
func (e *engine) serveMetrics(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.HandlerFor(e.registry))
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.logger.Error("metrics server stopped", "error", err.Error())
		}
	}()
	e.logger.Info("serving metrics", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// newPool builds a device pool with the simulated device types registered
// and the plan's devices configured.
func (e *engine) newPool(p *plan.Plan) *devicepool.Pool {
	pool := devicepool.New(
		devicepool.WithLogger(e.logger),
		devicepool.WithBus(e.bus),
		devicepool.WithMetrics(e.metrics),
		devicepool.WithGateWait(e.cfg.Pool.GateWait()),
	)
	sim.Register(pool, sim.Env{
		Logger:    e.logger,
		Metrics:   e.metrics,
		Bus:       e.bus,
		Quantum:   e.cfg.Scheduler.Quantum(),
		MinPeriod: e.cfg.Scheduler.MinPeriod(),
	})
	for _, key := range sortedKeys(p.Devices) {
		spec := p.Devices[key]
		pool.Configure(key, device.Config{Type: spec.Type, Settings: spec.Settings})
	}
	return pool
}

// execute runs p against a fresh pool, closing every device afterwards.
func (e *engine) execute(ctx context.Context, p *plan.Plan) (*orchestrator.Result, error) {
	pool := e.newPool(p)
	defer func() {
		if err := pool.Close(); err != nil {
			e.logger.Warn("closing devices", "error", err.Error())
		}
	}()

	orch, err := orchestrator.New(pool,
		orchestrator.WithLogger(e.logger),
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithBus(e.bus),
		orchestrator.WithDefaultTimeout(e.cfg.Orchestrator.DefaultTimeout()),
		orchestrator.WithMaxMessageReasons(e.cfg.Orchestrator.MaxMessageReasons),
	)
	if err != nil {
		return nil, err
	}
	return orch.Execute(ctx, p)
}

// Close stops the metrics server and flushes traces and logs.
func (e *engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := e.shutdownTracing(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.logger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
