package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/qwdingyu/testflow/internal/observability"
	"github.com/qwdingyu/testflow/internal/plan"
	"github.com/qwdingyu/testflow/internal/value"
)

// State is the execution state of one task within a run.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateSkipped
}

// Skip and failure reasons recorded on task results.
const (
	ReasonDependencyNotFound = "dependency not found"
	ReasonDependencyFailed   = "dependency failed"
	ReasonPlanCancelled      = "plan cancelled"
	ReasonUnresolved         = "unresolved dependency chain: possible cycle or unreachable precondition"
)

// TaskResult is the outcome of one task. It is written once and never
// changed after it is placed in a Result.
type TaskResult struct {
	TaskID     string    `json:"task_id"`
	Success    bool      `json:"success"`
	Skipped    bool      `json:"skipped"`
	Canceled   bool      `json:"canceled"`
	Attempts   int       `json:"attempts"`
	Message    string    `json:"message,omitempty"`
	Outputs    value.Map `json:"outputs,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Err is the classified failure behind Message, nil on success.
	Err error `json:"-"`
	// FireAndForget mirrors the task flag; its failure never fails the plan.
	FireAndForget bool `json:"fire_and_forget,omitempty"`
}

// Duration is the wall time between start and finish.
func (r *TaskResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome names the result for metrics: completed_ok, completed_failed,
// skipped or canceled.
func (r *TaskResult) Outcome() string {
	switch {
	case r.Canceled:
		return observability.OutcomeCanceled
	case r.Skipped:
		return observability.OutcomeSkipped
	case r.Success:
		return observability.OutcomeCompletedOK
	default:
		return observability.OutcomeCompletedFailed
	}
}

// Result is the outcome of one Execute call.
type Result struct {
	RunID   string `json:"run_id"`
	Plan    string `json:"plan"`
	Success bool   `json:"success"`
	// Message joins every distinct failure reason with "; ".
	Message string `json:"message,omitempty"`
	// TaskResults is keyed by task id as written in the plan.
	TaskResults map[string]*TaskResult `json:"task_results"`
	// ValidationErrors lists rejected plan entries.
	ValidationErrors []string  `json:"validation_errors,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`

	order []string
}

// Get returns the result for id, compared case-insensitively.
func (r *Result) Get(id string) *TaskResult {
	if tr, ok := r.TaskResults[id]; ok {
		return tr
	}
	key := plan.Key(id)
	for k, tr := range r.TaskResults {
		if plan.Key(k) == key {
			return tr
		}
	}
	return nil
}

// Ordered returns the task results in plan order.
func (r *Result) Ordered() []*TaskResult {
	out := make([]*TaskResult, 0, len(r.order))
	for _, id := range r.order {
		if tr := r.TaskResults[id]; tr != nil {
			out = append(out, tr)
		}
	}
	return out
}

// Counts tallies results by outcome.
func (r *Result) Counts() map[string]int {
	counts := make(map[string]int)
	for _, tr := range r.TaskResults {
		counts[tr.Outcome()]++
	}
	return counts
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// reasons collects distinct messages in first-seen order.
type reasons struct {
	seen  map[string]bool
	list  []string
	limit int
}

func newReasons(limit int) *reasons {
	return &reasons{seen: make(map[string]bool), limit: limit}
}

func (r *reasons) add(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" || r.seen[msg] {
		return
	}
	r.seen[msg] = true
	r.list = append(r.list, msg)
}

func (r *reasons) String() string {
	if r.limit > 0 && len(r.list) > r.limit {
		shown := append([]string(nil), r.list[:r.limit]...)
		shown = append(shown, fmt.Sprintf("and %d more", len(r.list)-r.limit))
		return strings.Join(shown, "; ")
	}
	return strings.Join(r.list, "; ")
}
