package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/errors"
	"github.com/qwdingyu/testflow/internal/observability"
	"github.com/qwdingyu/testflow/internal/plan"
	"github.com/qwdingyu/testflow/internal/value"
)

// executeTask runs the retry loop for one task. Every failure except a
// cancellation is retried until the attempts are used up.
func (o *Orchestrator) executeTask(ctx context.Context, rn *run, t *plan.Task) *TaskResult {
	res := &TaskResult{
		TaskID:        t.ID,
		FireAndForget: t.FireAndForget,
		StartedAt:     time.Now(),
	}
	log := rn.logger.WithTask(t.ID).WithDevice(t.Target)
	log.Debug("task started", "command", t.Command, "max_attempts", t.Retry.MaxAttempts())

	maxAttempts := t.Retry.MaxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		o.metrics.TaskAttempt()

		outputs, err := o.attempt(ctx, t, attempt)
		if err == nil {
			res.Success = true
			res.Outputs = outputs
			lastErr = nil
			break
		}
		lastErr = err
		if errors.IsCancellation(err) {
			res.Canceled = true
			break
		}
		if attempt == maxAttempts {
			break
		}
		log.Debug("attempt failed, retrying", "attempt", attempt, "error", err.Error())
		if err := wait(ctx, t.Retry.Delay()); err != nil {
			res.Canceled = true
			break
		}
	}

	res.FinishedAt = time.Now()
	switch {
	case res.Success:
	case res.Canceled:
		res.Message = ReasonPlanCancelled
		if !errors.IsCancellation(lastErr) {
			// the retry wait was cut short; the device's reason still counts
			res.Message = lastErr.Error() + " (retry aborted: " + ReasonPlanCancelled + ")"
		}
		res.Err = errors.NewTaskError(t.ID, errors.Join(errors.ErrPlanCancelled, lastErr)).
			WithAttempt(res.Attempts).WithMessage(ReasonPlanCancelled)
	default:
		res.Message = lastErr.Error()
		cause := lastErr
		if maxAttempts > 1 {
			cause = errors.Join(errors.ErrRetryExhausted, lastErr)
		}
		res.Err = errors.NewTaskError(t.ID, cause).WithAttempt(res.Attempts).WithMessage(res.Message)
	}
	return res
}

// attempt makes one device call. Locks are taken in a fixed order, the
// resource lock first and then the device lock, so two tasks can never
// wait on each other.
func (o *Orchestrator) attempt(ctx context.Context, t *plan.Task, n int) (value.Map, error) {
	ctx, span := observability.StartSpan(ctx, "task.attempt",
		attribute.String("task_id", t.ID),
		attribute.String("device", t.Target),
		attribute.String("command", t.Command),
		attribute.Int("attempt", n))
	defer span.End()

	var outputs value.Map
	call := func(ctx context.Context) error {
		return o.devices.WithLock(ctx, deviceLockKey(t.Target), func(ctx context.Context) error {
			out, err := o.invoke(ctx, t)
			outputs = out
			return err
		})
	}

	var err error
	if t.ResourceID != "" {
		err = o.resources.WithLock(ctx, plan.Key(t.ResourceID), call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", errors.Kind(err)))
		return nil, err
	}
	return outputs, nil
}

// invoke calls the device under the task deadline. A non-success response
// becomes a retryable DeviceError carrying the device's message.
func (o *Orchestrator) invoke(ctx context.Context, t *plan.Task) (value.Map, error) {
	if strings.TrimSpace(t.Target) == "" {
		return nil, errors.NewValidationError("task has no target device").WithField("target")
	}

	timeout := t.Timeout()
	if timeout == 0 {
		timeout = o.defaultTimeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var outputs value.Map
	err := o.resolver.Use(callCtx, t.Target, func(ctx context.Context, dev device.Device) error {
		resp, err := dev.Execute(ctx, t.Command, t.Parameters.Clone())
		if err != nil {
			return err
		}
		if !resp.Success {
			msg := resp.Message
			if msg == "" {
				msg = errors.ErrDeviceExecutionFailed.Error()
			}
			return errors.NewDeviceError(t.Target, t.Command, errors.ErrDeviceExecutionFailed).WithMessage(msg)
		}
		outputs = resp.Outputs
		return nil
	})
	if err != nil {
		// The task deadline fired while the plan itself is still live.
		if timeout > 0 && ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError(t.Target+" "+t.Command, timeout).
				WithCause(err)
		}
		return nil, err
	}
	return outputs, nil
}

// deviceLockKey matches the key the device pool files the target under.
func deviceLockKey(target string) string {
	return device.Key(target)
}

// wait sleeps for d unless ctx ends first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
