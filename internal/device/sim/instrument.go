package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/devicepool"
	"github.com/qwdingyu/testflow/internal/value"
)

// InstrumentConfig is decoded from device settings.
type InstrumentConfig struct {
	// Latency is added to every call.
	Latency time.Duration `mapstructure:"latency"`
	// FailEvery makes every Nth call fail; 0 disables.
	FailEvery int `mapstructure:"fail_every"`
	// Channels seeds channel readings.
	Channels map[string]float64 `mapstructure:"channels"`
}

// Instrument simulates a meter or supply with named channels.
//
// Commands:
//   - measure {channel}: returns {channel, value}
//   - set {channel, value}: stores a reading
//   - fail {message, unhealthy}: reports failure, optionally breaking the handle
//   - sleep {duration}: blocks for duration or until cancelled
type Instrument struct {
	key string
	cfg InstrumentConfig

	mu       sync.Mutex
	channels map[string]float64
	calls    int

	broken atomic.Bool
	closed atomic.Bool
}

// NewInstrument builds an instrument from settings.
func NewInstrument(key string, settings value.Map) (*Instrument, error) {
	var cfg InstrumentConfig
	if err := devicepool.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	in := &Instrument{key: key, cfg: cfg, channels: make(map[string]float64)}
	for ch, v := range cfg.Channels {
		in.channels[ch] = v
	}
	return in, nil
}

// Execute implements device.Device.
func (in *Instrument) Execute(ctx context.Context, command string, params value.Map) (device.Response, error) {
	if err := pause(ctx, in.cfg.Latency); err != nil {
		return device.Response{}, err
	}

	in.mu.Lock()
	in.calls++
	flaky := in.cfg.FailEvery > 0 && in.calls%in.cfg.FailEvery == 0
	in.mu.Unlock()
	if flaky {
		return device.Fail("simulated intermittent fault"), nil
	}

	channel := params.String("channel", "default")
	switch command {
	case "measure":
		in.mu.Lock()
		v := in.channels[channel]
		in.mu.Unlock()
		return device.OK(value.Map{"channel": value.String(channel), "value": value.Number(v)}), nil

	case "set":
		if _, ok := params["value"]; !ok {
			return device.Fail(`missing parameter "value"`), nil
		}
		v := params.Float("value", 0)
		in.mu.Lock()
		in.channels[channel] = v
		in.mu.Unlock()
		return device.OK(value.Map{"channel": value.String(channel), "value": value.Number(v)}), nil

	case "fail":
		if params.Bool("unhealthy", false) {
			in.broken.Store(true)
		}
		return device.Fail(params.String("message", "simulated failure")), nil

	case "sleep":
		if err := pause(ctx, params.Duration("duration", 0)); err != nil {
			return device.Response{}, err
		}
		return device.OK(nil), nil

	default:
		return unknownCommand(command), nil
	}
}

// IsHealthy implements device.HealthChecker.
func (in *Instrument) IsHealthy() bool {
	return !in.broken.Load() && !in.closed.Load()
}

// Close implements io.Closer.
func (in *Instrument) Close() error {
	in.closed.Store(true)
	return nil
}
