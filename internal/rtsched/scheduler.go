package rtsched

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qwdingyu/testflow/internal/errors"
	"github.com/qwdingyu/testflow/internal/event"
	"github.com/qwdingyu/testflow/internal/logging"
	"github.com/qwdingyu/testflow/internal/observability"
)

// Defaults for the loop.
const (
	DefaultQuantum   = 2 * time.Millisecond
	DefaultMinPeriod = 10 * time.Millisecond
	// closeWait bounds how long Close waits for the loop to exit.
	closeWait = time.Second
)

// Sender puts one payload on the bus. It is only ever called from the
// scheduler loop, never concurrently.
type Sender func(ctx context.Context, data []byte) error

// Job is a snapshot of a periodic message.
type Job struct {
	ID      string
	Data    []byte
	Period  time.Duration
	Enabled bool
	NextDue time.Time
}

type phase struct {
	data  []byte
	count int
	kind  string
}

type burst struct {
	id           string
	control      []byte
	clear        []byte
	interval     time.Duration
	controlCount int
	clearCount   int
	future       *Future
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithName labels the scheduler in logs and events.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// WithQuantum sets the idle sleep between periodic scans.
func WithQuantum(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.quantum = d
		}
	}
}

// WithMinPeriod sets the lower clamp applied to periodic job periods.
func WithMinPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.minPeriod = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records sends and burst outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithBus publishes burst.completed events.
func WithBus(b *event.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// Scheduler interleaves periodic keep-alive traffic with one-shot event
// bursts on a single loop. Pending bursts always run before periodic jobs
// are scanned. Registration methods are safe for concurrent use.
type Scheduler struct {
	name      string
	send      Sender
	quantum   time.Duration
	minPeriod time.Duration
	logger    *logging.Logger
	metrics   *observability.Metrics
	bus       *event.Bus

	mu     sync.Mutex
	jobs   map[string]*Job
	bursts []*burst
	closed bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New starts a scheduler loop that sends through send. The loop stops when
// ctx is done or Close is called; cancelling the scheduler never cancels ctx.
func New(ctx context.Context, send Sender, opts ...Option) (*Scheduler, error) {
	if send == nil {
		return nil, errors.NewValidationError("scheduler sender is required").WithField("send")
	}
	s := &Scheduler{
		name:      "rtsched",
		send:      send,
		quantum:   DefaultQuantum,
		minPeriod: DefaultMinPeriod,
		jobs:      make(map[string]*Job),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}
	s.logger = s.logger.With("scheduler", s.name)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(loopCtx)
	return s, nil
}

// UpsertPeriodic registers or replaces the job under id. period is clamped
// to the minimum period and the job is due immediately.
func (s *Scheduler) UpsertPeriodic(id string, data []byte, period time.Duration, enabled bool) error {
	if id == "" {
		return errors.NewValidationError("periodic job id is required").WithField("id")
	}
	if period < s.minPeriod {
		period = s.minPeriod
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrSchedulerClosed
	}
	s.jobs[id] = &Job{
		ID:      id,
		Data:    bytes.Clone(data),
		Period:  period,
		Enabled: enabled,
		NextDue: time.Now(),
	}
	s.notify()
	return nil
}

// EnablePeriodic toggles a job. It reports whether the job exists.
func (s *Scheduler) EnablePeriodic(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if ok {
		job.Enabled = enabled
	}
	return ok
}

// RemovePeriodic deletes a job. It reports whether the job existed.
func (s *Scheduler) RemovePeriodic(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}

// Periodic returns a copy of the job under id.
func (s *Scheduler) Periodic(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	cp := *job
	cp.Data = bytes.Clone(job.Data)
	return cp, true
}

// Jobs returns copies of every registered job ordered by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		cp.Data = bytes.Clone(job.Data)
		out = append(out, cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingBursts reports how many bursts are queued and not yet started.
func (s *Scheduler) PendingBursts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bursts)
}

// EnqueueEventBurst queues a burst: control is sent controlCount times, then
// clear (when non-empty) clearCount times, each send followed by interval.
// The returned future resolves once the burst finishes or fails.
func (s *Scheduler) EnqueueEventBurst(id string, control, clear []byte, interval time.Duration, controlCount, clearCount int) (*Future, error) {
	if interval < 0 {
		interval = 0
	}
	b := &burst{
		id:           id,
		control:      bytes.Clone(control),
		clear:        bytes.Clone(clear),
		interval:     interval,
		controlCount: max(controlCount, 0),
		clearCount:   max(clearCount, 0),
		future:       newFuture(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.ErrSchedulerClosed
	}
	s.bursts = append(s.bursts, b)
	s.notify()
	return b.future, nil
}

// Close stops the loop, waits briefly for it to exit and fails any burst
// that never started. It is safe to call more than once. The same cleanup
// happens when the parent context is cancelled.
func (s *Scheduler) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(closeWait):
			err = errors.NewTimeoutError("scheduler close", closeWait)
		}
		s.drain()
	})
	return err
}

// drain marks the scheduler closed and fails every burst still queued.
func (s *Scheduler) drain() {
	s.mu.Lock()
	s.closed = true
	pending := s.bursts
	s.bursts = nil
	s.mu.Unlock()

	for _, b := range pending {
		b.future.resolve(errors.ErrSchedulerClosed)
	}
}

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// notify wakes the loop without blocking. Callers hold s.mu.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.drain()
	defer s.logger.Debug("scheduler loop exited")

	timer := time.NewTimer(s.quantum)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if b := s.nextBurst(); b != nil {
			s.runBurst(ctx, b)
			continue
		}
		s.sendDue(ctx)

		timer.Reset(s.quantum)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) nextBurst() *burst {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bursts) == 0 {
		return nil
	}
	b := s.bursts[0]
	s.bursts[0] = nil
	s.bursts = s.bursts[1:]
	return b
}

func (s *Scheduler) runBurst(ctx context.Context, b *burst) {
	err := s.sendBurst(ctx, b)
	b.future.resolve(err)

	s.metrics.BurstFinished(err == nil)
	msg := ""
	if err != nil {
		msg = err.Error()
		s.logger.Warn("event burst failed", "burst", b.id, "sent", b.future.Sent(), "error", msg)
	}
	s.bus.Publish(event.NewBurstCompletedEvent(s.name, b.future.Sent(), err == nil, msg))
}

func (s *Scheduler) sendBurst(ctx context.Context, b *burst) (err error) {
	// A panicking sender fails the burst instead of killing the loop.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("burst %s: sender panic: %v", b.id, r)
		}
	}()

	phases := []phase{{b.control, b.controlCount, observability.SendControl}}
	if len(b.clear) > 0 {
		phases = append(phases, phase{b.clear, b.clearCount, observability.SendClear})
	}

	for _, phase := range phases {
		for i := 0; i < phase.count; i++ {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "burst "+b.id)
			}
			if err := s.send(ctx, phase.data); err != nil {
				return errors.Wrapf(err, "burst %s", b.id)
			}
			b.future.sent++
			s.metrics.SchedulerSend(phase.kind)
			if err := sleep(ctx, b.interval); err != nil {
				return errors.Wrap(err, "burst "+b.id)
			}
		}
	}
	return nil
}

// sendDue sends every enabled job whose due time has passed. Due times are
// advanced under the lock; sends happen outside it so registration never
// waits on the bus.
func (s *Scheduler) sendDue(ctx context.Context) {
	now := time.Now()
	var due []Job
	s.mu.Lock()
	for _, job := range s.jobs {
		if !job.Enabled || now.Before(job.NextDue) {
			continue
		}
		job.NextDue = now.Add(job.Period)
		due = append(due, Job{ID: job.ID, Data: job.Data})
	}
	s.mu.Unlock()

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.sendPeriodic(ctx, job); err != nil {
			s.logger.Warn("periodic send failed", "job", job.ID, "error", err.Error())
			continue
		}
		s.metrics.SchedulerSend(observability.SendPeriodic)
	}
}

func (s *Scheduler) sendPeriodic(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return s.send(ctx, job.Data)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
