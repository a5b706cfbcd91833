package devicepool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/errors"
	"github.com/qwdingyu/testflow/internal/event"
	"github.com/qwdingyu/testflow/internal/observability"
	"github.com/qwdingyu/testflow/internal/value"
)

type fakeDevice struct {
	id      int
	healthy atomic.Bool
	closed  atomic.Bool
}

func (f *fakeDevice) Execute(context.Context, string, value.Map) (device.Response, error) {
	return device.OK(value.Map{"id": value.Int(int64(f.id))}), nil
}

func (f *fakeDevice) IsHealthy() bool { return f.healthy.Load() }

func (f *fakeDevice) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeFactory records every device it builds.
type fakeFactory struct {
	mu    sync.Mutex
	built []*fakeDevice
}

func (ff *fakeFactory) build(string, device.Config) (device.Device, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	d := &fakeDevice{id: len(ff.built) + 1}
	d.healthy.Store(true)
	ff.built = append(ff.built, d)
	return d, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.built)
}

func TestGetOrCreate_CachesByKey(t *testing.T) {
	ff := &fakeFactory{}
	p := New(WithFactory("Instrument", ff.build))
	defer p.Close()

	cfg := device.Config{Type: "INSTRUMENT"}
	a, err := p.GetOrCreate("dmm", cfg)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	b, _ := p.GetOrCreate("dmm", cfg)
	c, _ := p.GetOrCreate("psu", cfg)

	if a != b {
		t.Error("same key returned different handles")
	}
	if a == c {
		t.Error("different keys shared a handle")
	}
	if ff.count() != 2 || p.Len() != 2 {
		t.Errorf("built = %d, Len() = %d; want 2, 2", ff.count(), p.Len())
	}
}

func TestGetOrCreate_UnknownType(t *testing.T) {
	p := New()
	_, err := p.GetOrCreate("x", device.Config{Type: "laser"})
	if !errors.Is(err, errors.ErrUnknownDeviceType) {
		t.Errorf("err = %v, want ErrUnknownDeviceType", err)
	}
	if errors.IsRetryable(err) {
		t.Error("unknown device type must not be retryable")
	}
}

func TestGetOrCreate_UsesConfiguredConfig(t *testing.T) {
	ff := &fakeFactory{}
	p := New()
	p.Register("sim", ff.build)
	p.Configure("psu", device.Config{Type: "sim"})

	if _, err := p.GetOrCreate("psu", device.Config{}); err != nil {
		t.Fatalf("GetOrCreate with registered config failed: %v", err)
	}
	if got := p.Types(); len(got) != 1 || got[0] != "sim" {
		t.Errorf("Types() = %v", got)
	}
}

func TestGetOrCreate_EvictsUnhealthy(t *testing.T) {
	ff := &fakeFactory{}
	bus := event.NewBus()
	_, metrics := observability.NewRegistry()

	var evicted []event.DeviceEvictedEvent
	bus.Subscribe(event.TypeDeviceEvicted, func(e event.Event) {
		evicted = append(evicted, e.(event.DeviceEvictedEvent))
	})

	p := New(WithFactory("sim", ff.build), WithBus(bus), WithMetrics(metrics))
	cfg := device.Config{Type: "sim"}

	first, _ := p.GetOrCreate("can0", cfg)
	first.(*fakeDevice).healthy.Store(false)

	second, err := p.GetOrCreate("can0", cfg)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if second == first {
		t.Fatal("unhealthy handle was reused")
	}
	if !first.(*fakeDevice).closed.Load() {
		t.Error("evicted handle was not closed")
	}
	if len(evicted) != 1 || evicted[0].Key != "can0" || evicted[0].Type != "sim" {
		t.Errorf("eviction events = %+v", evicted)
	}
	if got := testutil.ToFloat64(metrics.DeviceEvictions.WithLabelValues("sim")); got != 1 {
		t.Errorf("eviction metric = %v", got)
	}
}

func TestUseDevice_SerializesSameKey(t *testing.T) {
	ff := &fakeFactory{}
	p := New(WithFactory("sim", ff.build))
	cfg := device.Config{Type: "sim"}

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.UseDevice(context.Background(), "dmm", cfg, func(context.Context, device.Device) error {
				n := active.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			}, time.Second)
			if err != nil {
				t.Errorf("UseDevice failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
	if ff.count() != 1 {
		t.Errorf("built %d devices, want 1", ff.count())
	}
}

func TestUseDevice_BusyAfterWait(t *testing.T) {
	ff := &fakeFactory{}
	p := New(WithFactory("sim", ff.build))
	cfg := device.Config{Type: "sim"}

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.UseDevice(context.Background(), "dmm", cfg, func(context.Context, device.Device) error {
			close(inside)
			<-release
			return nil
		}, time.Second)
	}()
	<-inside
	defer close(release)

	start := time.Now()
	err := p.UseDevice(context.Background(), "dmm", cfg, func(context.Context, device.Device) error {
		t.Error("action ran while the gate was held")
		return nil
	}, 30*time.Millisecond)

	if !errors.Is(err, errors.ErrDeviceBusy) {
		t.Fatalf("err = %v, want ErrDeviceBusy", err)
	}
	if waited := time.Since(start); waited < 25*time.Millisecond {
		t.Errorf("returned after %v, before the wait elapsed", waited)
	}
}

func TestUseDevice_CallerCancelIsNotBusy(t *testing.T) {
	ff := &fakeFactory{}
	p := New(WithFactory("sim", ff.build))
	cfg := device.Config{Type: "sim"}

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.UseDevice(context.Background(), "dmm", cfg, func(context.Context, device.Device) error {
			close(inside)
			<-release
			return nil
		}, time.Second)
	}()
	<-inside
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.UseDevice(ctx, "dmm", cfg, func(context.Context, device.Device) error { return nil }, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestUseDevice_PassesDevice(t *testing.T) {
	ff := &fakeFactory{}
	p := New(WithFactory("sim", ff.build))
	p.Configure("dmm", device.Config{Type: "sim"})

	var got int
	err := p.Use(context.Background(), "dmm", func(ctx context.Context, d device.Device) error {
		resp, err := d.Execute(ctx, "id", nil)
		got = resp.Outputs.Int("id", 0)
		return err
	})
	if err != nil || got != 1 {
		t.Errorf("Use() = %v, id = %d", err, got)
	}
}

func TestEvict(t *testing.T) {
	ff := &fakeFactory{}
	p := New(WithFactory("sim", ff.build))
	d, _ := p.GetOrCreate("k", device.Config{Type: "sim"})

	if !p.Evict("k") {
		t.Fatal("Evict returned false for a cached key")
	}
	if !d.(*fakeDevice).closed.Load() {
		t.Error("evicted device not closed")
	}
	if p.Evict("k") {
		t.Error("second Evict returned true")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d", p.Len())
	}
}

func TestClose(t *testing.T) {
	ff := &fakeFactory{}
	p := New(WithFactory("sim", ff.build))
	cfg := device.Config{Type: "sim"}
	_, _ = p.GetOrCreate("a", cfg)
	_, _ = p.GetOrCreate("b", cfg)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	for _, d := range ff.built {
		if !d.closed.Load() {
			t.Errorf("device %d not closed", d.id)
		}
	}
	if _, err := p.GetOrCreate("a", cfg); !errors.Is(err, errors.ErrPoolClosed) {
		t.Errorf("GetOrCreate after Close = %v, want ErrPoolClosed", err)
	}
	err := p.UseDevice(context.Background(), "a", cfg, func(context.Context, device.Device) error { return nil }, 0)
	if !errors.Is(err, errors.ErrPoolClosed) {
		t.Errorf("UseDevice after Close = %v, want ErrPoolClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

type serialSettings struct {
	Port     string        `mapstructure:"port"`
	Baud     int           `mapstructure:"baud"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Channels []string      `mapstructure:"channels"`
}

func TestDecodeSettings(t *testing.T) {
	var s serialSettings
	err := DecodeSettings(value.Map{
		"port":     value.String("/dev/ttyUSB0"),
		"baud":     value.String("9600"),
		"timeout":  value.String("250ms"),
		"channels": value.String("a,b"),
	}, &s)
	if err != nil {
		t.Fatalf("DecodeSettings failed: %v", err)
	}
	if s.Port != "/dev/ttyUSB0" || s.Baud != 9600 || s.Timeout != 250*time.Millisecond || len(s.Channels) != 2 {
		t.Errorf("decoded %+v", s)
	}

	if err := DecodeSettings(value.Map{"bud": value.Int(1)}, &s); err == nil {
		t.Error("expected error for unknown setting")
	}
	if err := DecodeSettings(nil, &s); err != nil {
		t.Errorf("DecodeSettings(nil) = %v", err)
	}
}

func TestUseDevice_SlowConstructionDoesNotBlockOtherKeys(t *testing.T) {
	release := make(chan struct{})
	slowStarted := make(chan struct{})
	ff := &fakeFactory{}
	p := New()
	defer p.Close()
	p.Register("slow", func(key string, cfg device.Config) (device.Device, error) {
		close(slowStarted)
		<-release
		return ff.build(key, cfg)
	})
	p.Register("fast", ff.build)

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- p.UseDevice(context.Background(), "a", device.Config{Type: "slow"},
			func(context.Context, device.Device) error { return nil }, time.Second)
	}()
	<-slowStarted
	time.AfterFunc(200*time.Millisecond, func() { close(release) })

	start := time.Now()
	err := p.UseDevice(context.Background(), "b", device.Config{Type: "fast"},
		func(context.Context, device.Device) error { return nil }, 50*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("UseDevice(b) error = %v", err)
	}
	if elapsed > 40*time.Millisecond {
		t.Errorf("UseDevice(b) took %v while a was being constructed", elapsed)
	}
	if err := <-slowDone; err != nil {
		t.Errorf("UseDevice(a) error = %v", err)
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
}

func TestGetOrCreate_ClosedDuringConstruction(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ff := &fakeFactory{}
	p := New()
	p.Register("slow", func(key string, cfg device.Config) (device.Device, error) {
		close(started)
		<-release
		return ff.build(key, cfg)
	})

	done := make(chan error, 1)
	go func() {
		_, err := p.GetOrCreate("a", device.Config{Type: "slow"})
		done <- err
	}()
	<-started
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, errors.ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
	if ff.count() != 1 || !ff.built[0].closed.Load() {
		t.Error("device built after Close was not disposed")
	}
}

func TestPool_KeysMatchCaseInsensitively(t *testing.T) {
	ff := &fakeFactory{}
	p := New(WithFactory("sim", ff.build))
	defer p.Close()
	p.Configure("PSU", device.Config{Type: "sim"})

	tests := []string{"PSU", "psu", " Psu "}
	var first device.Device
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			var got device.Device
			err := p.UseDevice(context.Background(), key, device.Config{}, func(_ context.Context, dev device.Device) error {
				got = dev
				return nil
			}, 50*time.Millisecond)
			if err != nil {
				t.Fatalf("UseDevice(%q) error = %v", key, err)
			}
			if first == nil {
				first = got
			} else if got != first {
				t.Errorf("UseDevice(%q) resolved a different device", key)
			}
		})
	}
	if ff.count() != 1 {
		t.Errorf("built %d devices, want 1", ff.count())
	}
	if !p.Evict("psu") || p.Len() != 0 {
		t.Error("Evict(psu) did not remove the PSU entry")
	}
}
