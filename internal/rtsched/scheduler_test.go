package rtsched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/qwdingyu/testflow/internal/errors"
	"github.com/qwdingyu/testflow/internal/event"
	"github.com/qwdingyu/testflow/internal/observability"
)

type sent struct {
	at   time.Time
	data string
}

// recorder is a Sender that logs every payload with its send time.
type recorder struct {
	mu    sync.Mutex
	sends []sent
	first chan struct{}
	err   func(data string) error
}

func newRecorder() *recorder {
	return &recorder{first: make(chan struct{}, 1)}
}

func (r *recorder) send(_ context.Context, data []byte) error {
	if r.err != nil {
		if err := r.err(string(data)); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.sends = append(r.sends, sent{at: time.Now(), data: string(data)})
	r.mu.Unlock()
	select {
	case r.first <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) snapshot() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sends...)
}

func (r *recorder) count(data string) int {
	n := 0
	for _, s := range r.snapshot() {
		if s.data == data {
			n++
		}
	}
	return n
}

func newScheduler(t *testing.T, send Sender, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(context.Background(), send, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func wait(t *testing.T, f *Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-f.Done():
		return f.Err()
	case <-ctx.Done():
		t.Fatal("burst did not complete")
		return nil
	}
}

func TestNew_RequiresSender(t *testing.T) {
	if _, err := New(context.Background(), nil); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("New(nil) error = %v, want invalid input", err)
	}
}

func TestBurst_OrderingAndSpacing(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, rec.send)

	interval := 50 * time.Millisecond
	f, err := s.EnqueueEventBurst("door", []byte("C"), []byte("X"), interval, 3, 2)
	if err != nil {
		t.Fatalf("EnqueueEventBurst() error = %v", err)
	}

	// Register a periodic job while the burst is in flight.
	select {
	case <-rec.first:
	case <-time.After(time.Second):
		t.Fatal("burst never started")
	}
	if err := s.UpsertPeriodic("hb", []byte("P"), 10*time.Millisecond, true); err != nil {
		t.Fatalf("UpsertPeriodic() error = %v", err)
	}

	if err := wait(t, f); err != nil {
		t.Fatalf("burst error = %v", err)
	}
	if f.Sent() != 5 {
		t.Errorf("Sent() = %d, want 5", f.Sent())
	}
	waitFor(t, time.Second, func() bool { return rec.count("P") > 0 })

	sends := rec.snapshot()
	want := []string{"C", "C", "C", "X", "X"}
	for i, w := range want {
		if sends[i].data != w {
			t.Fatalf("send %d = %q, want %q (sequence %v)", i, sends[i].data, w, sends)
		}
	}
	for i := 1; i < len(want); i++ {
		if gap := sends[i].at.Sub(sends[i-1].at); gap < interval {
			t.Errorf("gap between send %d and %d = %v, want >= %v", i-1, i, gap, interval)
		}
	}
	// the periodic job runs only after the last clear has been followed by
	// its interval
	if gap := sends[5].at.Sub(sends[4].at); gap < interval {
		t.Errorf("periodic send %v after last clear, want >= %v", gap, interval)
	}
}

func TestBurst_NoClearPayload(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, rec.send)

	f, err := s.EnqueueEventBurst("ping", []byte("C"), nil, 0, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := wait(t, f); err != nil {
		t.Fatalf("burst error = %v", err)
	}
	if got := rec.count("C"); got != 2 {
		t.Errorf("control sends = %d, want 2", got)
	}
	if got := len(rec.snapshot()); got != 2 {
		t.Errorf("total sends = %d, want 2", got)
	}
}

func TestBurst_FIFO(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, rec.send)

	var futures []*Future
	for _, p := range []string{"A", "B", "C"} {
		f, err := s.EnqueueEventBurst(p, []byte(p), nil, time.Millisecond, 2, 0)
		if err != nil {
			t.Fatal(err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		if err := wait(t, f); err != nil {
			t.Fatalf("burst error = %v", err)
		}
	}

	var got string
	for _, s := range rec.snapshot() {
		got += s.data
	}
	if got != "AABBCC" {
		t.Errorf("send order = %q, want AABBCC", got)
	}
}

func TestBurst_SendErrorFailsFuture(t *testing.T) {
	boom := errors.New("bus off")
	rec := newRecorder()
	rec.err = func(data string) error {
		if data == "X" {
			return boom
		}
		return nil
	}
	s := newScheduler(t, rec.send)

	f, _ := s.EnqueueEventBurst("door", []byte("C"), []byte("X"), 0, 2, 2)
	err := wait(t, f)
	if !errors.Is(err, boom) {
		t.Fatalf("burst error = %v, want %v", err, boom)
	}
	if f.Sent() != 2 {
		t.Errorf("Sent() = %d, want 2", f.Sent())
	}
}

func TestBurst_SenderPanicDoesNotStopLoop(t *testing.T) {
	var once sync.Once
	rec := newRecorder()
	send := func(ctx context.Context, data []byte) error {
		once.Do(func() { panic("driver crashed") })
		return rec.send(ctx, data)
	}
	s := newScheduler(t, send)

	bad, _ := s.EnqueueEventBurst("bad", []byte("C"), nil, 0, 1, 0)
	if err := wait(t, bad); err == nil {
		t.Fatal("burst with panicking sender should fail")
	}
	good, _ := s.EnqueueEventBurst("good", []byte("G"), nil, 0, 1, 0)
	if err := wait(t, good); err != nil {
		t.Fatalf("second burst error = %v", err)
	}
}

func TestBurst_ReportsMetricsAndEvent(t *testing.T) {
	_, metrics := observability.NewRegistry()
	bus := event.NewBus()
	got := make(chan event.BurstCompletedEvent, 1)
	bus.Subscribe(event.TypeBurstCompleted, func(e event.Event) {
		got <- e.(event.BurstCompletedEvent)
	})

	rec := newRecorder()
	s := newScheduler(t, rec.send, WithName("can0"), WithMetrics(metrics), WithBus(bus))
	f, _ := s.EnqueueEventBurst("door", []byte("C"), []byte("X"), 0, 3, 1)
	if err := wait(t, f); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		if ev.Scheduler != "can0" || ev.Sent != 4 || !ev.Success {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no burst.completed event")
	}
	if n := testutil.ToFloat64(metrics.SchedulerSends.WithLabelValues(observability.SendControl)); n != 3 {
		t.Errorf("control sends metric = %v, want 3", n)
	}
	if n := testutil.ToFloat64(metrics.SchedulerSends.WithLabelValues(observability.SendClear)); n != 1 {
		t.Errorf("clear sends metric = %v, want 1", n)
	}
}

func TestPeriodic_Lifecycle(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, rec.send)

	if err := s.UpsertPeriodic("hb", []byte("P"), 20*time.Millisecond, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count("P") >= 3 })

	if !s.EnablePeriodic("hb", false) {
		t.Fatal("EnablePeriodic() = false for existing job")
	}
	time.Sleep(30 * time.Millisecond)
	disabled := rec.count("P")
	time.Sleep(80 * time.Millisecond)
	if got := rec.count("P"); got != disabled {
		t.Errorf("disabled job sent %d more times", got-disabled)
	}

	s.EnablePeriodic("hb", true)
	waitFor(t, 2*time.Second, func() bool { return rec.count("P") > disabled })

	if !s.RemovePeriodic("hb") {
		t.Fatal("RemovePeriodic() = false for existing job")
	}
	time.Sleep(30 * time.Millisecond)
	removed := rec.count("P")
	time.Sleep(80 * time.Millisecond)
	if got := rec.count("P"); got != removed {
		t.Errorf("removed job sent %d more times", got-removed)
	}
	if s.RemovePeriodic("hb") || s.EnablePeriodic("hb", true) {
		t.Error("operations on a removed job should report false")
	}
}

func TestPeriodic_RespectsPeriod(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, rec.send)

	period := 40 * time.Millisecond
	_ = s.UpsertPeriodic("hb", []byte("P"), period, true)
	waitFor(t, 2*time.Second, func() bool { return rec.count("P") >= 3 })

	sends := rec.snapshot()
	for i := 1; i < len(sends); i++ {
		if gap := sends[i].at.Sub(sends[i-1].at); gap < period-time.Millisecond {
			t.Errorf("gap %d = %v, want about %v", i, gap, period)
		}
	}
}

func TestUpsertPeriodic(t *testing.T) {
	s := newScheduler(t, newRecorder().send)

	t.Run("clamps period", func(t *testing.T) {
		_ = s.UpsertPeriodic("fast", []byte{1}, time.Millisecond, false)
		job, ok := s.Periodic("fast")
		if !ok {
			t.Fatal("job not found")
		}
		if job.Period != DefaultMinPeriod {
			t.Errorf("Period = %v, want %v", job.Period, DefaultMinPeriod)
		}
	})

	t.Run("replaces existing", func(t *testing.T) {
		_ = s.UpsertPeriodic("hb", []byte{1}, time.Second, false)
		before := time.Now()
		_ = s.UpsertPeriodic("hb", []byte{2}, 2*time.Second, false)
		job, _ := s.Periodic("hb")
		if job.Data[0] != 2 || job.Period != 2*time.Second {
			t.Errorf("job = %+v, want replaced", job)
		}
		if job.NextDue.Before(before) {
			t.Errorf("NextDue = %v, want reset to now", job.NextDue)
		}
	})

	t.Run("rejects empty id", func(t *testing.T) {
		if err := s.UpsertPeriodic("", nil, time.Second, true); err == nil {
			t.Error("expected error for empty id")
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		data := []byte{7}
		_ = s.UpsertPeriodic("copy", data, time.Second, false)
		data[0] = 9
		job, _ := s.Periodic("copy")
		job.Data[0] = 8
		again, _ := s.Periodic("copy")
		if again.Data[0] != 7 {
			t.Errorf("stored data = %v, want 7", again.Data[0])
		}
	})

	t.Run("jobs listing", func(t *testing.T) {
		jobs := s.Jobs()
		for i := 1; i < len(jobs); i++ {
			if jobs[i-1].ID > jobs[i].ID {
				t.Errorf("Jobs() not sorted: %s before %s", jobs[i-1].ID, jobs[i].ID)
			}
		}
	})
}

func TestClose(t *testing.T) {
	blocking := func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}
	s, err := New(context.Background(), blocking)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := s.EnqueueEventBurst("a", []byte("A"), nil, 0, 1, 0)
	second, _ := s.EnqueueEventBurst("b", []byte("B"), nil, 0, 1, 0)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := wait(t, first); err == nil {
		t.Error("in-flight burst should fail on close")
	}
	if err := wait(t, second); !errors.Is(err, errors.ErrSchedulerClosed) {
		t.Errorf("queued burst error = %v, want ErrSchedulerClosed", err)
	}
	if _, err := s.EnqueueEventBurst("c", nil, nil, 0, 1, 0); !errors.Is(err, errors.ErrSchedulerClosed) {
		t.Errorf("enqueue after close error = %v", err)
	}
	if err := s.UpsertPeriodic("hb", nil, time.Second, true); !errors.Is(err, errors.ErrSchedulerClosed) {
		t.Errorf("upsert after close error = %v", err)
	}
	if s.PendingBursts() != 0 {
		t.Errorf("PendingBursts() = %d after close", s.PendingBursts())
	}
}

func TestParentCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}
	s, err := New(ctx, blocking)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, _ = s.EnqueueEventBurst("a", []byte("A"), nil, 0, 1, 0)
	queued, _ := s.EnqueueEventBurst("b", []byte("B"), nil, 0, 1, 0)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after parent cancel")
	}
	if err := wait(t, queued); err == nil {
		t.Error("queued burst should fail when the loop exits")
	}
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
	if f.Err() != nil || f.Sent() != 0 {
		t.Error("unresolved future should report nothing")
	}
	f.resolve(nil)
	f.resolve(errors.New("late"))
	if err := f.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after resolve = %v, want first result", err)
	}
}
