package plan

import (
	"fmt"
	"strings"

	"github.com/qwdingyu/testflow/internal/errors"
)

// Validation is the outcome of checking a plan's shape.
type Validation struct {
	// Tasks holds the accepted tasks in plan order.
	Tasks []*Task
	// Index maps Key(id) to the accepted task.
	Index map[string]*Task
	// Errors holds one entry per rejected task.
	Errors []*errors.ValidationError
}

// OK reports whether every task was accepted.
func (v *Validation) OK() bool {
	return len(v.Errors) == 0
}

// Messages returns the error strings in order.
func (v *Validation) Messages() []string {
	msgs := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		msgs[i] = e.Message()
	}
	return msgs
}

// Validate drops nil entries and rejects tasks with an empty or duplicate id.
// A rejection never stops the remaining tasks from being checked. The first
// task to claim an id keeps it.
func Validate(p *Plan) *Validation {
	v := &Validation{Index: make(map[string]*Task)}
	if p == nil {
		return v
	}

	for i, t := range p.Tasks {
		if t == nil {
			continue
		}
		field := fmt.Sprintf("tasks[%d].id", i)
		key := Key(t.ID)
		if key == "" {
			v.Errors = append(v.Errors, errors.NewValidationError(
				fmt.Sprintf("task at index %d has no id", i)).WithField(field))
			continue
		}
		if _, dup := v.Index[key]; dup {
			v.Errors = append(v.Errors, errors.NewValidationError(
				fmt.Sprintf("duplicate task id %q", t.ID)).WithField(field).WithValue(t.ID))
			continue
		}
		v.Index[key] = t
		v.Tasks = append(v.Tasks, t)
	}
	return v
}

// Lint reports advisory problems that do not stop execution: missing
// dependencies, self-dependencies and cycles. The orchestrator handles all of
// these by skipping; Lint lets the CLI explain why ahead of a run.
func Lint(p *Plan) []string {
	v := Validate(p)
	var warnings []string
	for _, t := range v.Tasks {
		for _, dep := range t.DependsOn {
			switch {
			case Key(dep) == Key(t.ID):
				warnings = append(warnings, fmt.Sprintf("task %q depends on itself", t.ID))
			case v.Index[Key(dep)] == nil:
				warnings = append(warnings, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
		if t.Target == "" {
			warnings = append(warnings, fmt.Sprintf("task %q has no target device", t.ID))
		}
	}
	if cycle := DetectCycle(p); len(cycle) > 0 {
		warnings = append(warnings, "dependency cycle: "+strings.Join(cycle, " -> "))
	}
	return warnings
}

// DetectCycle returns one dependency cycle as a path that starts and ends
// on the same id, or nil when the graph is acyclic. Unknown dependencies
// are ignored.
func DetectCycle(p *Plan) []string {
	v := Validate(p)

	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(v.Tasks))
	var path []string

	var visit func(t *Task) []string
	visit = func(t *Task) []string {
		key := Key(t.ID)
		state[key] = onPath
		path = append(path, t.ID)

		for _, dep := range t.DependsOn {
			next := v.Index[Key(dep)]
			if next == nil {
				continue
			}
			switch state[Key(next.ID)] {
			case onPath:
				start := 0
				for i, id := range path {
					if Key(id) == Key(next.ID) {
						start = i
						break
					}
				}
				cycle := append([]string{}, path[start:]...)
				return append(cycle, next.ID)
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}

		path = path[:len(path)-1]
		state[key] = done
		return nil
	}

	for _, t := range v.Tasks {
		if state[Key(t.ID)] == unvisited {
			if c := visit(t); c != nil {
				return c
			}
		}
	}
	return nil
}
