package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/errors"
	"github.com/qwdingyu/testflow/internal/event"
	"github.com/qwdingyu/testflow/internal/logging"
	"github.com/qwdingyu/testflow/internal/observability"
	"github.com/qwdingyu/testflow/internal/plan"
	"github.com/qwdingyu/testflow/internal/reslock"
)

// Resolver hands out exclusive use of the device behind a key.
// *devicepool.Pool satisfies it.
type Resolver interface {
	Use(ctx context.Context, key string, action func(ctx context.Context, dev device.Device) error) error
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, key string, action func(ctx context.Context, dev device.Device) error) error

// Use calls f.
func (f ResolverFunc) Use(ctx context.Context, key string, action func(ctx context.Context, dev device.Device) error) error {
	return f(ctx, key, action)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records plan and task outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithBus publishes lifecycle events.
func WithBus(b *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithLocks shares lock registries between orchestrators driving the same
// bench. Either may be nil to keep the default.
func WithLocks(resources, devices *reslock.Registry) Option {
	return func(o *Orchestrator) {
		if resources != nil {
			o.resources = resources
		}
		if devices != nil {
			o.devices = devices
		}
	}
}

// WithDefaultTimeout applies d to tasks that declare no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.defaultTimeout = d }
}

// WithMaxMessageReasons caps how many reasons Result.Message lists.
// 0 means unlimited.
func WithMaxMessageReasons(n int) Option {
	return func(o *Orchestrator) { o.maxReasons = n }
}

// Orchestrator executes plans against devices obtained from a Resolver.
// It is safe to run several plans concurrently on one Orchestrator; they
// share its lock registries.
type Orchestrator struct {
	resolver  Resolver
	resources *reslock.Registry
	devices   *reslock.Registry
	logger    *logging.Logger
	metrics   *observability.Metrics
	bus       *event.Bus

	defaultTimeout time.Duration
	maxReasons     int
}

// New creates an orchestrator. resolver is required.
func New(resolver Resolver, opts ...Option) (*Orchestrator, error) {
	if resolver == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "orchestrator requires a device resolver")
	}
	o := &Orchestrator{
		resolver:  resolver,
		resources: reslock.NewRegistry(reslock.WithName("resource")),
		devices:   reslock.NewRegistry(reslock.WithName("device")),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	return o, nil
}

// run carries per-Execute context shared by every task of the run.
type run struct {
	id     string
	plan   string
	logger *logging.Logger
}

// outcome is what a task goroutine reports back to the scheduling loop.
type outcome struct {
	key    string
	task   *plan.Task
	result *TaskResult
}

// Execute runs p to completion and returns the per-task results.
//
// Tasks start as soon as their dependencies have completed; tasks that are
// ready together run concurrently. A failed task that is not fire-and-forget
// cancels the plan: running tasks see a cancelled context and nothing new
// starts. Every failure is reported in the Result; the only error returned
// is for a nil plan.
func (o *Orchestrator) Execute(ctx context.Context, p *plan.Plan) (*Result, error) {
	if p == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "plan is nil")
	}
	p = p.Clone()
	started := time.Now()

	rn := &run{id: uuid.NewString(), plan: p.Name}
	rn.logger = o.logger.WithPlan(p.Name).WithRun(rn.id)

	ctx, span := observability.StartSpan(ctx, "plan.execute",
		attribute.String("plan", p.Name),
		attribute.String("run_id", rn.id))
	defer span.End()

	v := plan.Validate(p)
	res := &Result{
		RunID:            rn.id,
		Plan:             p.Name,
		TaskResults:      make(map[string]*TaskResult, len(v.Tasks)),
		ValidationErrors: v.Messages(),
		StartedAt:        started,
	}
	for _, msg := range res.ValidationErrors {
		rn.logger.Warn("plan validation error", "error", msg)
	}

	rn.logger.Info("plan started", "tasks", len(v.Tasks), "rejected", len(v.Errors))
	o.bus.Publish(event.NewPlanStartedEvent(rn.id, p.Name, len(v.Tasks)))

	// The plan context is a child: cancelling it never reaches the caller.
	planCtx, cancelPlan := context.WithCancel(ctx)
	defer cancelPlan()

	tk := newTracker(v)
	failed := false
	done := make(chan outcome, len(v.Tasks))
	var wg conc.WaitGroup
	running := 0

	for {
		progressed := false
		for _, t := range v.Tasks {
			key := plan.Key(t.ID)
			if tk.state[key] != StatePending {
				continue
			}
			ready, reason := tk.readiness(t)
			if reason != "" {
				o.skip(rn, tk, res, t, reason)
				progressed = true
				continue
			}
			if !ready {
				continue
			}
			if planCtx.Err() != nil && !t.FireAndForget {
				o.skip(rn, tk, res, t, ReasonPlanCancelled)
				progressed = true
				continue
			}

			tk.state[key] = StateRunning
			running++
			progressed = true
			o.bus.Publish(event.NewTaskStartedEvent(rn.id, t.ID, t.Target))
			wg.Go(func() {
				done <- outcome{key: key, task: t, result: o.guarded(planCtx, rn, t)}
			})
		}

		if running == 0 {
			if !progressed {
				break
			}
			continue
		}

		oc := <-done
		running--
		o.finish(rn, tk, res, oc)
		if !oc.result.Success && !oc.task.FireAndForget && !failed {
			failed = true
			rn.logger.Warn("required task failed, cancelling plan", "task_id", oc.task.ID)
			cancelPlan()
		}
	}
	wg.Wait()

	for _, t := range v.Tasks {
		if tk.state[plan.Key(t.ID)] == StatePending {
			o.skip(rn, tk, res, t, ReasonUnresolved)
		}
	}

	o.summarize(res, v)
	res.FinishedAt = time.Now()

	if !res.Success {
		span.SetStatus(codes.Error, res.Message)
	}
	span.SetAttributes(attribute.Bool("success", res.Success))
	o.metrics.PlanFinished(res.Success, res.Duration())
	o.bus.Publish(event.NewPlanFinishedEvent(rn.id, p.Name, res.Success, res.Message, res.Duration()))
	rn.logger.Info("plan finished",
		"success", res.Success,
		"duration_ms", res.Duration().Milliseconds(),
		"message", res.Message)
	return res, nil
}

// ExecuteTask runs a single task with its retry policy and locks, outside
// of any plan. Dependencies are ignored.
func (o *Orchestrator) ExecuteTask(ctx context.Context, t *plan.Task) *TaskResult {
	if t == nil {
		return &TaskResult{Message: "task is nil", Err: errors.ErrInvalidInput}
	}
	rn := &run{id: uuid.NewString()}
	rn.logger = o.logger.WithRun(rn.id)
	res := o.guarded(ctx, rn, t.Clone())
	o.metrics.TaskFinished(res.Outcome(), res.Duration())
	return res
}

// guarded runs the task, converting a panic anywhere below into a failed
// result so one bad device cannot wedge the run.
func (o *Orchestrator) guarded(ctx context.Context, rn *run, t *plan.Task) *TaskResult {
	var res *TaskResult
	var pc panics.Catcher
	started := time.Now()
	pc.Try(func() { res = o.executeTask(ctx, rn, t) })
	if r := pc.Recovered(); r != nil {
		rn.logger.Error("task panicked", "task_id", t.ID, "panic", fmt.Sprint(r.Value))
		res = &TaskResult{
			TaskID:        t.ID,
			FireAndForget: t.FireAndForget,
			Message:       fmt.Sprintf("panic: %v", r.Value),
			Err:           errors.NewTaskError(t.ID, r.AsError()),
			StartedAt:     started,
			FinishedAt:    time.Now(),
		}
	}
	return res
}

func (o *Orchestrator) finish(rn *run, tk *tracker, res *Result, oc outcome) {
	tr := oc.result
	if tr.Canceled {
		tr.Skipped = true
		tk.state[oc.key] = StateSkipped
	} else {
		tk.state[oc.key] = StateCompleted
	}
	tk.success[oc.key] = tr.Success
	res.TaskResults[oc.task.ID] = tr

	log := rn.logger.WithTask(oc.task.ID)
	switch {
	case tr.Success:
		log.Debug("task finished", "attempts", tr.Attempts, "duration_ms", tr.Duration().Milliseconds())
	case tr.Canceled:
		log.Warn("task cancelled", "attempts", tr.Attempts, "message", tr.Message)
	default:
		log.Warn("task failed",
			"attempts", tr.Attempts,
			"kind", errors.Kind(tr.Err),
			"fire_and_forget", oc.task.FireAndForget,
			"message", tr.Message)
	}
	o.metrics.TaskFinished(tr.Outcome(), tr.Duration())
	o.bus.Publish(event.NewTaskFinishedEvent(rn.id, oc.task.ID, tr.Success, tr.Canceled, tr.Attempts, tr.Message, tr.Duration()))
}

func (o *Orchestrator) skip(rn *run, tk *tracker, res *Result, t *plan.Task, reason string) {
	key := plan.Key(t.ID)
	tk.state[key] = StateSkipped
	tk.success[key] = false

	now := time.Now()
	res.TaskResults[t.ID] = &TaskResult{
		TaskID:        t.ID,
		Skipped:       true,
		Message:       reason,
		Err:           errors.NewTaskError(t.ID, skipCause(reason)).WithMessage(reason),
		FireAndForget: t.FireAndForget,
		StartedAt:     now,
		FinishedAt:    now,
	}
	rn.logger.WithTask(t.ID).Warn("task skipped", "reason", reason)
	o.metrics.TaskFinished(observability.OutcomeSkipped, 0)
	o.bus.Publish(event.NewTaskSkippedEvent(rn.id, t.ID, reason))
}

func skipCause(reason string) error {
	switch {
	case reason == ReasonPlanCancelled:
		return errors.ErrPlanCancelled
	case reason == ReasonUnresolved:
		return errors.ErrUnresolvedCycle
	case strings.HasPrefix(reason, ReasonDependencyNotFound):
		return errors.ErrDependencyMissing
	default:
		return errors.ErrDependencyFailed
	}
}

// summarize sets Success and Message. Reasons are gathered in plan order so
// the message is stable across runs.
func (o *Orchestrator) summarize(res *Result, v *plan.Validation) {
	rs := newReasons(o.maxReasons)
	for _, msg := range res.ValidationErrors {
		rs.add(msg)
	}

	success := v.OK()
	for _, t := range v.Tasks {
		res.order = append(res.order, t.ID)
		tr := res.TaskResults[t.ID]
		if tr == nil || tr.Success {
			continue
		}
		rs.add(tr.Message)
		if !t.FireAndForget {
			success = false
		}
	}
	res.Success = success
	res.Message = rs.String()
}
