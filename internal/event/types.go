package event

import "time"

// Event is implemented by everything published on a [Bus].
type Event interface {
	// EventType follows "category.action", e.g. "task.finished".
	EventType() string
	Timestamp() time.Time
}

// Event type names.
const (
	TypePlanStarted    = "plan.started"
	TypePlanFinished   = "plan.finished"
	TypeTaskStarted    = "task.started"
	TypeTaskFinished   = "task.finished"
	TypeTaskSkipped    = "task.skipped"
	TypeDeviceEvicted  = "device.evicted"
	TypeBurstCompleted = "burst.completed"
	TypeFrameDropped   = "frame.dropped"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Plan Events
// -----------------------------------------------------------------------------

// PlanStartedEvent is emitted once per Execute call after validation.
type PlanStartedEvent struct {
	baseEvent
	RunID string
	Plan  string
	Tasks int // tasks that passed validation
}

// NewPlanStartedEvent creates a PlanStartedEvent.
func NewPlanStartedEvent(runID, plan string, tasks int) PlanStartedEvent {
	return PlanStartedEvent{
		baseEvent: newBaseEvent(TypePlanStarted),
		RunID:     runID,
		Plan:      plan,
		Tasks:     tasks,
	}
}

// PlanFinishedEvent is emitted when Execute returns.
type PlanFinishedEvent struct {
	baseEvent
	RunID    string
	Plan     string
	Success  bool
	Message  string
	Duration time.Duration
}

// NewPlanFinishedEvent creates a PlanFinishedEvent.
func NewPlanFinishedEvent(runID, plan string, success bool, message string, duration time.Duration) PlanFinishedEvent {
	return PlanFinishedEvent{
		baseEvent: newBaseEvent(TypePlanFinished),
		RunID:     runID,
		Plan:      plan,
		Success:   success,
		Message:   message,
		Duration:  duration,
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskStartedEvent is emitted when a task goes from Pending to Running.
type TaskStartedEvent struct {
	baseEvent
	RunID  string
	TaskID string
	Device string // device key
}

// NewTaskStartedEvent creates a TaskStartedEvent.
func NewTaskStartedEvent(runID, taskID, device string) TaskStartedEvent {
	return TaskStartedEvent{
		baseEvent: newBaseEvent(TypeTaskStarted),
		RunID:     runID,
		TaskID:    taskID,
		Device:    device,
	}
}

// TaskFinishedEvent is emitted when a running task reaches a terminal state.
type TaskFinishedEvent struct {
	baseEvent
	RunID    string
	TaskID   string
	Success  bool
	Canceled bool
	Attempts int
	Message  string
	Duration time.Duration
}

// NewTaskFinishedEvent creates a TaskFinishedEvent.
func NewTaskFinishedEvent(runID, taskID string, success, canceled bool, attempts int, message string, duration time.Duration) TaskFinishedEvent {
	return TaskFinishedEvent{
		baseEvent: newBaseEvent(TypeTaskFinished),
		RunID:     runID,
		TaskID:    taskID,
		Success:   success,
		Canceled:  canceled,
		Attempts:  attempts,
		Message:   message,
		Duration:  duration,
	}
}

// TaskSkippedEvent is emitted when a task is skipped without running.
type TaskSkippedEvent struct {
	baseEvent
	RunID  string
	TaskID string
	Reason string
}

// NewTaskSkippedEvent creates a TaskSkippedEvent.
func NewTaskSkippedEvent(runID, taskID, reason string) TaskSkippedEvent {
	return TaskSkippedEvent{
		baseEvent: newBaseEvent(TypeTaskSkipped),
		RunID:     runID,
		TaskID:    taskID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Device, Scheduler and Framing Events
// -----------------------------------------------------------------------------

// DeviceEvictedEvent is emitted when the pool discards an unhealthy handle.
type DeviceEvictedEvent struct {
	baseEvent
	Key  string
	Type string
}

// NewDeviceEvictedEvent creates a DeviceEvictedEvent.
func NewDeviceEvictedEvent(key, deviceType string) DeviceEvictedEvent {
	return DeviceEvictedEvent{
		baseEvent: newBaseEvent(TypeDeviceEvicted),
		Key:       key,
		Type:      deviceType,
	}
}

// BurstCompletedEvent is emitted after a scheduler burst resolves.
type BurstCompletedEvent struct {
	baseEvent
	Scheduler string
	Sent      int
	Success   bool
	Err       string
}

// NewBurstCompletedEvent creates a BurstCompletedEvent.
func NewBurstCompletedEvent(scheduler string, sent int, success bool, errMsg string) BurstCompletedEvent {
	return BurstCompletedEvent{
		baseEvent: newBaseEvent(TypeBurstCompleted),
		Scheduler: scheduler,
		Sent:      sent,
		Success:   success,
		Err:       errMsg,
	}
}

// FrameDroppedEvent is emitted when a splitter discards bytes.
type FrameDroppedEvent struct {
	baseEvent
	Splitter string
	Reason   string // "resync" or "crc"
	Bytes    int
}

// NewFrameDroppedEvent creates a FrameDroppedEvent.
func NewFrameDroppedEvent(splitter, reason string, n int) FrameDroppedEvent {
	return FrameDroppedEvent{
		baseEvent: newBaseEvent(TypeFrameDropped),
		Splitter:  splitter,
		Reason:    reason,
		Bytes:     n,
	}
}
