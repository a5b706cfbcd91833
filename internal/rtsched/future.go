package rtsched

import (
	"context"
	"sync"
)

// Future is the completion signal of an event burst. It resolves exactly
// once, with a nil error when every send went out.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
	// sent is written only by the scheduler loop before done is closed.
	sent int
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed when the burst has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the burst finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the burst result. It is nil until Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Sent reports how many payloads the burst sent. Only meaningful after Done.
func (f *Future) Sent() int {
	select {
	case <-f.done:
		return f.sent
	default:
		return 0
	}
}
