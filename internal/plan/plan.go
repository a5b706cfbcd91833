// Package plan defines the declarative step graph executed by the orchestrator.
package plan

import (
	"slices"
	"strings"
	"time"

	"github.com/qwdingyu/testflow/internal/value"
)

// Plan is a named set of tasks with dependency edges.
// Tasks may contain nil entries; validation drops them.
type Plan struct {
	Name    string                `yaml:"name" json:"name"`
	Tasks   []*Task               `yaml:"tasks" json:"tasks"`
	Devices map[string]DeviceSpec `yaml:"devices,omitempty" json:"devices,omitempty"`
}

// Task is one device command invocation.
type Task struct {
	// ID is unique within a plan, compared case-insensitively.
	ID         string    `yaml:"id" json:"id"`
	Target     string    `yaml:"target" json:"target"` // device key
	Command    string    `yaml:"command" json:"command"`
	Parameters value.Map `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// ResourceID names a physical channel shared across device keys.
	ResourceID    string      `yaml:"resource_id,omitempty" json:"resource_id,omitempty"`
	DependsOn     []string    `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	TimeoutMs     int         `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Retry         RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	FireAndForget bool        `yaml:"fire_and_forget,omitempty" json:"fire_and_forget,omitempty"`
}

// RetryPolicy bounds the attempts of a task.
type RetryPolicy struct {
	Attempts int `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	DelayMs  int `yaml:"delay_ms,omitempty" json:"delay_ms,omitempty"`
}

// MaxAttempts is Attempts, at least 1.
func (r RetryPolicy) MaxAttempts() int {
	return max(r.Attempts, 1)
}

// Delay is the wait between attempts, never negative.
func (r RetryPolicy) Delay() time.Duration {
	return time.Duration(max(r.DelayMs, 0)) * time.Millisecond
}

// Timeout returns the per-attempt deadline, or 0 for none.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// DeviceSpec describes how to construct the device behind a key.
type DeviceSpec struct {
	Type     string    `yaml:"type" json:"type"`
	Settings value.Map `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Key normalizes a task id for lookups.
func Key(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Clone deep-copies the plan so a run cannot observe later caller mutation.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{Name: p.Name}
	if p.Tasks != nil {
		out.Tasks = make([]*Task, len(p.Tasks))
		for i, t := range p.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	if p.Devices != nil {
		out.Devices = make(map[string]DeviceSpec, len(p.Devices))
		for k, d := range p.Devices {
			out.Devices[k] = DeviceSpec{Type: d.Type, Settings: d.Settings.Clone()}
		}
	}
	return out
}

// Clone deep-copies the task. A nil task clones to nil.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Parameters = t.Parameters.Clone()
	cp.DependsOn = slices.Clone(t.DependsOn)
	return &cp
}

// Find returns the task with the given id, compared case-insensitively.
func (p *Plan) Find(id string) *Task {
	if p == nil {
		return nil
	}
	key := Key(id)
	for _, t := range p.Tasks {
		if t != nil && Key(t.ID) == key {
			return t
		}
	}
	return nil
}
