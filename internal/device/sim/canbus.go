package sim

import (
	"context"
	"sync"
	"time"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/devicepool"
	"github.com/qwdingyu/testflow/internal/rtsched"
	"github.com/qwdingyu/testflow/internal/value"
)

// CANBusConfig is decoded from device settings.
type CANBusConfig struct {
	Quantum   time.Duration `mapstructure:"quantum"`
	MinPeriod time.Duration `mapstructure:"min_period"`
	// History caps how many sent messages are retained; 0 keeps 1024.
	History int `mapstructure:"history"`
}

// Message is one payload put on the simulated wire.
type Message struct {
	Data []byte
	At   time.Time
}

// CANBus simulates a bus adapter. Writes go through an rtsched.Scheduler,
// so periodic keep-alives and event bursts get real-time ordering.
//
// Commands:
//   - periodic.upsert {id, data, period, enabled}
//   - periodic.enable {id, enabled}
//   - periodic.remove {id}
//   - burst {id, control, clear, interval, control_count, clear_count}:
//     blocks until the burst completes and returns {sent}
//   - history: returns {sent, last}
type CANBus struct {
	key   string
	sched *rtsched.Scheduler
	limit int

	mu   sync.Mutex
	sent []Message
	tot  int
}

// NewCANBus builds a bus and starts its scheduler.
func NewCANBus(key string, settings value.Map, env Env) (*CANBus, error) {
	var cfg CANBusConfig
	if err := devicepool.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	b := &CANBus{key: key, limit: cfg.History}
	if b.limit <= 0 {
		b.limit = 1024
	}

	opts := []rtsched.Option{
		rtsched.WithName(key),
		rtsched.WithLogger(env.logger().WithDevice(key)),
		rtsched.WithMetrics(env.Metrics),
		rtsched.WithBus(env.Bus),
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = env.Quantum
	}
	if cfg.MinPeriod <= 0 {
		cfg.MinPeriod = env.MinPeriod
	}
	if cfg.Quantum > 0 {
		opts = append(opts, rtsched.WithQuantum(cfg.Quantum))
	}
	if cfg.MinPeriod > 0 {
		opts = append(opts, rtsched.WithMinPeriod(cfg.MinPeriod))
	}
	// The scheduler outlives any single call; Close stops it.
	sched, err := rtsched.New(context.Background(), b.write, opts...)
	if err != nil {
		return nil, err
	}
	b.sched = sched
	return b, nil
}

func (b *CANBus) write(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, Message{Data: append([]byte(nil), data...), At: time.Now()})
	if len(b.sent) > b.limit {
		b.sent = b.sent[len(b.sent)-b.limit:]
	}
	b.tot++
	return nil
}

// Sent returns a copy of the retained message history, oldest first.
func (b *CANBus) Sent() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.sent...)
}

// Scheduler exposes the bus scheduler.
func (b *CANBus) Scheduler() *rtsched.Scheduler { return b.sched }

// Execute implements device.Device.
func (b *CANBus) Execute(ctx context.Context, command string, params value.Map) (device.Response, error) {
	switch command {
	case "periodic.upsert":
		id, err := requireString(params, "id")
		if err != nil {
			return device.Fail(err.Error()), nil
		}
		data, err := requireBytes(params, "data")
		if err != nil {
			return device.Fail(err.Error()), nil
		}
		period := params.Duration("period", 100*time.Millisecond)
		if err := b.sched.UpsertPeriodic(id, data, period, params.Bool("enabled", true)); err != nil {
			return device.Fail(err.Error()), nil
		}
		job, _ := b.sched.Periodic(id)
		return device.OK(value.Map{
			"id":        value.String(job.ID),
			"period_ms": value.Int(job.Period.Milliseconds()),
			"enabled":   value.Bool(job.Enabled),
		}), nil

	case "periodic.enable":
		id, err := requireString(params, "id")
		if err != nil {
			return device.Fail(err.Error()), nil
		}
		if !b.sched.EnablePeriodic(id, params.Bool("enabled", true)) {
			return device.Fail("no periodic job " + id), nil
		}
		return device.OK(nil), nil

	case "periodic.remove":
		id, err := requireString(params, "id")
		if err != nil {
			return device.Fail(err.Error()), nil
		}
		return device.OK(value.Map{"removed": value.Bool(b.sched.RemovePeriodic(id))}), nil

	case "burst":
		return b.burst(ctx, params)

	case "history":
		b.mu.Lock()
		out := value.Map{"sent": value.Int(int64(b.tot))}
		if n := len(b.sent); n > 0 {
			out["last"] = value.Bytes(b.sent[n-1].Data)
		}
		b.mu.Unlock()
		return device.OK(out), nil

	default:
		return unknownCommand(command), nil
	}
}

func (b *CANBus) burst(ctx context.Context, params value.Map) (device.Response, error) {
	id := params.String("id", "burst")
	control, err := requireBytes(params, "control")
	if err != nil {
		return device.Fail(err.Error()), nil
	}
	var clear []byte
	if _, ok := params["clear"]; ok {
		if clear, err = requireBytes(params, "clear"); err != nil {
			return device.Fail(err.Error()), nil
		}
	}

	f, err := b.sched.EnqueueEventBurst(id, control, clear,
		params.Duration("interval", 0),
		params.Int("control_count", 1),
		params.Int("clear_count", 1))
	if err != nil {
		return device.Fail(err.Error()), nil
	}
	// A cancelled wait leaves the burst running; it cannot be recalled.
	if err := f.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return device.Response{}, ctx.Err()
		}
		return device.Response{Message: err.Error(), Outputs: value.Map{"sent": value.Int(int64(f.Sent()))}}, nil
	}
	return device.OK(value.Map{"sent": value.Int(int64(f.Sent()))}), nil
}

// IsHealthy reports whether the scheduler loop is still running.
func (b *CANBus) IsHealthy() bool {
	select {
	case <-b.sched.Done():
		return false
	default:
		return true
	}
}

// Close stops the scheduler, failing any queued bursts.
func (b *CANBus) Close() error {
	return b.sched.Close()
}
