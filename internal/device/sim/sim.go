// Package sim provides simulated devices for dry runs and tests.
//
// Three types are registered with a device pool by [Register]:
//
//   - sim.instrument: a generic bench instrument holding named channel values
//   - sim.canbus: a bus transport driven by an rtsched.Scheduler
//   - sim.stream: a byte-stream port that reassembles frames with a splitter
//
// Each device takes its configuration from the plan's device settings,
// decoded with devicepool.DecodeSettings.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/devicepool"
	"github.com/qwdingyu/testflow/internal/event"
	"github.com/qwdingyu/testflow/internal/logging"
	"github.com/qwdingyu/testflow/internal/observability"
	"github.com/qwdingyu/testflow/internal/value"
)

// Device type names.
const (
	TypeInstrument = "sim.instrument"
	TypeCANBus     = "sim.canbus"
	TypeStream     = "sim.stream"
)

// Env carries the shared infrastructure simulated devices report to.
// Every field is optional.
type Env struct {
	Logger  *logging.Logger
	Metrics *observability.Metrics
	Bus     *event.Bus

	// Quantum and MinPeriod are scheduler defaults for bus devices whose
	// settings leave them unset.
	Quantum   time.Duration
	MinPeriod time.Duration
}

func (e Env) logger() *logging.Logger {
	if e.Logger == nil {
		return logging.NopLogger()
	}
	return e.Logger
}

// Register adds the simulated device factories to pool.
func Register(pool *devicepool.Pool, env Env) {
	pool.Register(TypeInstrument, func(key string, cfg device.Config) (device.Device, error) {
		return NewInstrument(key, cfg.Settings)
	})
	pool.Register(TypeCANBus, func(key string, cfg device.Config) (device.Device, error) {
		return NewCANBus(key, cfg.Settings, env)
	})
	pool.Register(TypeStream, func(key string, cfg device.Config) (device.Device, error) {
		return NewStream(key, cfg.Settings, env)
	})
}

func unknownCommand(command string) device.Response {
	return device.Fail(fmt.Sprintf("unknown command %q", command))
}

func requireString(params value.Map, key string) (string, error) {
	s := params.String(key, "")
	if s == "" {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	return s, nil
}

func requireBytes(params value.Map, key string) ([]byte, error) {
	if _, ok := params[key]; !ok {
		return nil, fmt.Errorf("missing parameter %q", key)
	}
	b, ok := params.Bytes(key)
	if !ok {
		return nil, fmt.Errorf("parameter %q is not a hex payload", key)
	}
	return b, nil
}

// pause waits for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
