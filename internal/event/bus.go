package event

import (
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/qwdingyu/testflow/internal/logging"
)

// Handler receives published events. It runs on the publisher's goroutine.
type Handler func(Event)

// wildcard is the topic used by SubscribeAll.
const wildcard = "*"

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Bus is a synchronous in-process publish/subscribe hub.
//
// A nil *Bus is valid: Publish is a no-op, so components can take an
// optional bus without guarding every call site.
type Bus struct {
	logger *logging.Logger

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger routes handler panics to logger instead of discarding them.
func WithLogger(logger *logging.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for one event type and returns its
// subscription id.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := "sub-" + strconv.FormatUint(b.nextID, 10)
	b.subs = append(b.subs, subscription{id: id, topic: eventType, handler: handler})
	return id
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription. It reports whether id was known.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers ev to handlers of its type, then to wildcard handlers,
// each group in subscription order. A panicking handler is recovered and
// does not stop delivery to the rest.
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}

	topic := ev.EventType()
	b.mu.RLock()
	specific := make([]Handler, 0, len(b.subs))
	var all []Handler
	for _, sub := range b.subs {
		switch sub.topic {
		case topic:
			specific = append(specific, sub.handler)
		case wildcard:
			all = append(all, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range append(specific, all...) {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", ev.EventType(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(ev)
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
