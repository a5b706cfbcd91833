package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/value"
)

// Call is one recorded Execute invocation.
type Call struct {
	Command string
	Params  value.Map
	Start   time.Time
	End     time.Time
}

// Step scripts the outcome of one call. A zero Step succeeds with no outputs.
type Step struct {
	Response device.Response
	Err      error
	// Delay is how long the call takes. The call returns ctx.Err() if ctx
	// ends first.
	Delay time.Duration
}

func (s Step) zero() bool {
	r := s.Response
	return s.Err == nil && !r.Success && r.Message == "" && r.Outputs == nil
}

// Succeed is a Step that returns outputs.
func Succeed(outputs value.Map) Step {
	return Step{Response: device.OK(outputs)}
}

// Fail is a Step that returns a failed response with msg.
func Fail(msg string) Step {
	return Step{Response: device.Fail(msg)}
}

// RecordingDevice is a scriptable device that records every call.
//
// Calls consume Script in order; once the script runs out, Default is used.
// It also tracks how many calls were in flight at once, which the
// mutual-exclusion tests assert on.
type RecordingDevice struct {
	Name     string
	Script   []Step
	Default  Step
	Timeline *Timeline

	mu          sync.Mutex
	calls       []Call
	next        int
	inFlight    int
	maxInFlight int

	unhealthy atomic.Bool
	closed    atomic.Int32
}

// NewRecordingDevice returns a device that always succeeds after delay.
func NewRecordingDevice(name string, delay time.Duration) *RecordingDevice {
	return &RecordingDevice{Name: name, Default: Step{Response: device.OK(nil), Delay: delay}}
}

// Execute implements device.Device.
func (d *RecordingDevice) Execute(ctx context.Context, command string, params value.Map) (device.Response, error) {
	d.mu.Lock()
	step := d.Default
	if d.next < len(d.Script) {
		step = d.Script[d.next]
		d.next++
	}
	if step.zero() {
		step.Response.Success = true
	}
	d.inFlight++
	d.maxInFlight = max(d.maxInFlight, d.inFlight)
	d.mu.Unlock()

	start := time.Now()
	err := step.Err
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-t.C:
		}
		t.Stop()
	} else if ctx.Err() != nil {
		err = ctx.Err()
	}
	end := time.Now()

	d.mu.Lock()
	d.inFlight--
	d.calls = append(d.calls, Call{Command: command, Params: params, Start: start, End: end})
	d.mu.Unlock()

	if d.Timeline != nil {
		d.Timeline.Add(d.Name+":"+command, start, end)
	}
	if err != nil {
		return device.Response{}, err
	}
	return step.Response, nil
}

// Calls returns a copy of the recorded calls in completion order.
func (d *RecordingDevice) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Count returns the number of completed calls.
func (d *RecordingDevice) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// MaxConcurrent returns the highest number of overlapping calls observed.
func (d *RecordingDevice) MaxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}

// SetHealthy controls what IsHealthy reports.
func (d *RecordingDevice) SetHealthy(healthy bool) { d.unhealthy.Store(!healthy) }

// IsHealthy implements device.HealthChecker.
func (d *RecordingDevice) IsHealthy() bool { return !d.unhealthy.Load() }

// Close implements io.Closer and counts disposals.
func (d *RecordingDevice) Close() error {
	d.closed.Add(1)
	return nil
}

// Closed reports how many times Close was called.
func (d *RecordingDevice) Closed() int { return int(d.closed.Load()) }

// Devices resolves keys to fixed devices without any pooling. It satisfies
// the orchestrator's Resolver interface.
type Devices map[string]device.Device

// Use runs action on the device registered under key.
func (m Devices) Use(ctx context.Context, key string, action func(ctx context.Context, dev device.Device) error) error {
	dev, ok := m[key]
	if !ok {
		return &missingDevice{key: key}
	}
	return action(ctx, dev)
}

type missingDevice struct{ key string }

func (e *missingDevice) Error() string { return "no device registered for " + e.key }
