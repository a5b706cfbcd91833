package devicepool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/errors"
	"github.com/qwdingyu/testflow/internal/event"
	"github.com/qwdingyu/testflow/internal/logging"
	"github.com/qwdingyu/testflow/internal/observability"
)

// DefaultGateWait is how long UseDevice waits for a busy device when the
// caller passes no wait.
const DefaultGateWait = 5 * time.Second

// Pool creates devices lazily by key, caches them, and serializes callers
// that share a key. A Pool is owned by whoever constructs it; there is no
// global instance.
type Pool struct {
	logger   *logging.Logger
	bus      *event.Bus
	metrics  *observability.Metrics
	gateWait time.Duration

	mu        sync.Mutex
	factories map[string]device.Factory // lower-cased type -> factory
	configs   map[string]device.Config  // device.Key -> registered config
	entries   map[string]*entry         // device.Key -> live handle
	gates     map[string]*semaphore.Weighted
	closed    bool
}

type entry struct {
	dev device.Device
	typ string
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithBus publishes eviction events to bus.
func WithBus(bus *event.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithMetrics records evictions.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithGateWait overrides DefaultGateWait.
func WithGateWait(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.gateWait = d
		}
	}
}

// WithFactory registers a factory at construction time.
func WithFactory(typeName string, f device.Factory) Option {
	return func(p *Pool) { p.factories[normalizeType(typeName)] = f }
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		logger:    logging.NopLogger(),
		gateWait:  DefaultGateWait,
		factories: make(map[string]device.Factory),
		configs:   make(map[string]device.Config),
		entries:   make(map[string]*entry),
		gates:     make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalizeType(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces the factory for a device type. Type names are
// matched case-insensitively.
func (p *Pool) Register(typeName string, f device.Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[normalizeType(typeName)] = f
}

// Types returns the registered type names, lower-cased and sorted.
func (p *Pool) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.factories))
	for t := range p.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Configure records the config used when key is resolved without one.
func (p *Pool) Configure(key string, cfg device.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[device.Key(key)] = cfg
}

// GetOrCreate returns the cached device for key, constructing it from cfg
// on first use. An unhealthy cached device is evicted and replaced. A zero
// cfg falls back to the config registered with Configure. Keys match as
// device.Key does.
//
// Health checks and factories run without the pool lock held, so a slow
// device never stalls callers of other keys.
func (p *Pool) GetOrCreate(key string, cfg device.Config) (device.Device, error) {
	k := device.Key(key)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrPoolClosed
	}
	cached := p.entries[k]
	if cfg.Type == "" {
		cfg = p.configs[k]
	}
	factory := p.factories[normalizeType(cfg.Type)]
	p.mu.Unlock()

	if cached != nil {
		if device.IsHealthy(cached.dev) {
			return cached.dev, nil
		}
		p.mu.Lock()
		removed := p.entries[k] == cached
		if removed {
			delete(p.entries, k)
		}
		p.mu.Unlock()
		if removed {
			p.evict(key, cached)
		}
	}

	dev, typ, err := construct(key, cfg, factory)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dispose(key, &entry{dev: dev, typ: typ})
		return nil, errors.ErrPoolClosed
	}
	if existing, ok := p.entries[k]; ok {
		// another caller outside the gate cached one first
		p.mu.Unlock()
		p.dispose(key, &entry{dev: dev, typ: typ})
		return existing.dev, nil
	}
	p.entries[k] = &entry{dev: dev, typ: typ}
	p.mu.Unlock()
	return dev, nil
}

func (p *Pool) evict(key string, e *entry) {
	p.dispose(key, e)
	p.logger.WithDevice(key).Warn("evicted unhealthy device", "type", e.typ)
	p.metrics.DeviceEvicted(e.typ)
	p.bus.Publish(event.NewDeviceEvictedEvent(key, e.typ))
}

func construct(key string, cfg device.Config, factory device.Factory) (device.Device, string, error) {
	typ := normalizeType(cfg.Type)
	if factory == nil {
		return nil, "", errors.NewDeviceError(key, "", errors.ErrUnknownDeviceType).
			WithMessage(fmt.Sprintf("unknown device type %q for %q", cfg.Type, key)).
			WithRetryable(false)
	}
	dev, err := factory(key, cfg)
	if err != nil {
		return nil, "", errors.Wrapf(err, "create device %q", key)
	}
	if dev == nil {
		return nil, "", fmt.Errorf("create device %q: factory for %q returned nil", key, typ)
	}
	return dev, typ, nil
}

func (p *Pool) dispose(key string, e *entry) {
	if err := device.Close(e.dev); err != nil {
		p.logger.WithDevice(key).Warn("device close failed", "error", err)
	}
}

func (p *Pool) gate(key string) (*semaphore.Weighted, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.ErrPoolClosed
	}
	k := device.Key(key)
	g, ok := p.gates[k]
	if !ok {
		g = semaphore.NewWeighted(1)
		p.gates[k] = g
	}
	return g, nil
}

// UseDevice runs action with exclusive use of the device for key.
//
// It waits up to wait for other users of the key (DefaultGateWait when wait
// is not positive) and fails with ErrDeviceBusy after that. The device is
// resolved or constructed only once the gate is held.
func (p *Pool) UseDevice(ctx context.Context, key string, cfg device.Config, action func(ctx context.Context, dev device.Device) error, wait time.Duration) error {
	g, err := p.gate(key)
	if err != nil {
		return err
	}
	if wait <= 0 {
		wait = p.gateWait
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	err = g.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.NewDeviceError(key, "", errors.ErrDeviceBusy).
			WithMessage(fmt.Sprintf("device %q busy after %v", key, wait))
	}
	defer g.Release(1)

	dev, err := p.GetOrCreate(key, cfg)
	if err != nil {
		return err
	}
	return action(ctx, dev)
}

// Use runs action on key with its registered config and the default wait.
func (p *Pool) Use(ctx context.Context, key string, action func(ctx context.Context, dev device.Device) error) error {
	return p.UseDevice(ctx, key, device.Config{}, action, 0)
}

// Evict removes and closes the cached device for key. It reports whether
// a device was cached.
func (p *Pool) Evict(key string) bool {
	p.mu.Lock()
	e, ok := p.entries[device.Key(key)]
	delete(p.entries, device.Key(key))
	p.mu.Unlock()

	if ok {
		p.dispose(key, e)
	}
	return ok
}

// Len returns the number of cached devices.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close disposes every cached device and gate. Later calls fail with
// ErrPoolClosed. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.gates = make(map[string]*semaphore.Weighted)
	p.mu.Unlock()

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := device.Close(entries[k].dev); err != nil {
			errs = append(errs, errors.Wrapf(err, "close device %q", k))
		}
	}
	return errors.Join(errs...)
}
