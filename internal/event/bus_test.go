package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/qwdingyu/testflow/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	called := false
	id := bus.Subscribe(TypeTaskStarted, func(e Event) { called = true })

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
	if called {
		t.Error("handler called before any event was published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(TypeTaskStarted, func(e Event) { got = e })
	bus.Subscribe(TypeTaskFinished, func(e Event) { t.Error("wrong topic delivered") })

	bus.Publish(NewTaskStartedEvent("run-1", "flash", "psu-1"))

	started, ok := got.(TaskStartedEvent)
	if !ok {
		t.Fatalf("handler got %T, want TaskStartedEvent", got)
	}
	if started.TaskID != "flash" || started.Device != "psu-1" || started.RunID != "run-1" {
		t.Errorf("unexpected event: %+v", started)
	}
	if started.Timestamp().IsZero() {
		t.Error("timestamp not set")
	}
}

func TestBus_DeliveryOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all-1") })
	bus.Subscribe(TypeTaskSkipped, func(e Event) { order = append(order, "specific-1") })
	bus.SubscribeAll(func(e Event) { order = append(order, "all-2") })
	bus.Subscribe(TypeTaskSkipped, func(e Event) { order = append(order, "specific-2") })

	bus.Publish(NewTaskSkippedEvent("r", "t", "dependency failed"))

	want := []string{"specific-1", "specific-2", "all-1", "all-2"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	keep := bus.Subscribe(TypeDeviceEvicted, func(e Event) { count++ })
	drop := bus.Subscribe(TypeDeviceEvicted, func(e Event) { count += 100 })

	if !bus.Unsubscribe(drop) {
		t.Fatal("Unsubscribe of a live id returned false")
	}
	if bus.Unsubscribe(drop) {
		t.Error("second Unsubscribe returned true")
	}
	if bus.Unsubscribe("sub-999") {
		t.Error("Unsubscribe of unknown id returned true")
	}

	bus.Publish(NewDeviceEvictedEvent("dmm", "instrument"))
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	bus.Unsubscribe(keep)
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("a", func(Event) {})
	bus.SubscribeAll(func(Event) {})
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() after Clear = %d", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(WithLogger(logging.NewWriterLogger(&buf, logging.LevelError)))

	reached := false
	bus.Subscribe(TypeFrameDropped, func(e Event) { panic("boom") })
	bus.Subscribe(TypeFrameDropped, func(e Event) { reached = true })

	bus.Publish(NewFrameDroppedEvent("modbus", "crc", 7))

	if !reached {
		t.Error("handler after a panicking one was not called")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic not logged: %q", buf.String())
	}
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(NewPlanStartedEvent("r", "p", 1))
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(NewBurstCompletedEvent("can0", 3, true, ""))
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("count = %d, want 1000", count)
	}
}

func TestBus_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(TypePlanFinished, func(Event) {})
			bus.Publish(NewPlanFinishedEvent("r", "p", true, "", 0))
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := bus.Subscribe("x", func(Event) {})
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{NewPlanStartedEvent("r", "p", 2), TypePlanStarted},
		{NewPlanFinishedEvent("r", "p", false, "x", 0), TypePlanFinished},
		{NewTaskStartedEvent("r", "t", "d"), TypeTaskStarted},
		{NewTaskFinishedEvent("r", "t", true, false, 1, "", 0), TypeTaskFinished},
		{NewTaskSkippedEvent("r", "t", "why"), TypeTaskSkipped},
		{NewDeviceEvictedEvent("k", "instrument"), TypeDeviceEvicted},
		{NewBurstCompletedEvent("s", 1, true, ""), TypeBurstCompleted},
		{NewFrameDroppedEvent("f", "resync", 1), TypeFrameDropped},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.ev.EventType(); got != tt.want {
				t.Errorf("EventType() = %q, want %q", got, tt.want)
			}
		})
	}
}
