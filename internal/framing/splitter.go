package framing

import (
	"github.com/qwdingyu/testflow/internal/errors"
	"github.com/qwdingyu/testflow/internal/event"
	"github.com/qwdingyu/testflow/internal/observability"
)

// ErrResync reports a byte skipped because no frame could start at it.
var ErrResync = errors.New("frame resync")

// Splitter turns a byte stream into protocol frames.
//
// Append buffers data; ExtractFrames returns every complete frame buffered
// so far and keeps any trailing partial frame for the next Append. Frames
// are never partial and never alias the internal buffer. Implementations
// are not safe for concurrent use.
type Splitter interface {
	Append(data []byte)
	ExtractFrames() [][]byte
	Reset()
	Stats() Stats
}

// Stats counts splitter activity since construction or the last Reset.
type Stats struct {
	Emitted  int // frames returned by ExtractFrames
	Dropped  int // complete frames consumed but not emitted
	Resyncs  int // single bytes skipped to find a frame start
	Buffered int // bytes waiting for more data
}

// Option configures a splitter.
type Option func(*core)

// WithName sets the label used in metrics and events.
func WithName(name string) Option {
	return func(c *core) { c.name = name }
}

// WithMetrics records emitted and dropped frames.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *core) { c.metrics = m }
}

// WithBus publishes a frame.dropped event per dropped frame or skipped byte.
func WithBus(bus *event.Bus) Option {
	return func(c *core) { c.bus = bus }
}

// OnDrop registers a callback for dropped data. reason is
// errors.ErrCrcMismatch or ErrResync.
func OnDrop(fn func(reason error, data []byte)) Option {
	return func(c *core) { c.onDrop = fn }
}

// core holds the buffer and bookkeeping shared by every splitter.
type core struct {
	name    string
	metrics *observability.Metrics
	bus     *event.Bus
	onDrop  func(error, []byte)

	buf   []byte
	stats Stats
}

func newCore(name string, opts []Option) core {
	c := core{name: name}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c *core) Append(data []byte) {
	c.buf = append(c.buf, data...)
}

func (c *core) Reset() {
	c.buf = nil
	c.stats = Stats{}
}

func (c *core) Stats() Stats {
	s := c.stats
	s.Buffered = len(c.buf)
	return s
}

// take removes the first n bytes and returns them as a fresh slice.
func (c *core) take(n int) []byte {
	frame := make([]byte, n)
	copy(frame, c.buf[:n])
	c.consume(n)
	return frame
}

// consume drops the first n bytes, compacting so the backing array does not
// grow without bound on long-lived streams.
func (c *core) consume(n int) {
	rest := len(c.buf) - n
	if rest == 0 {
		c.buf = c.buf[:0]
		return
	}
	copy(c.buf, c.buf[n:])
	c.buf = c.buf[:rest]
}

func (c *core) emitted(frames [][]byte) [][]byte {
	c.stats.Emitted += len(frames)
	c.metrics.FramesOut(c.name, len(frames))
	return frames
}

func (c *core) dropped(reason error, data []byte) {
	label := "crc"
	if reason == ErrResync {
		label = "resync"
		c.stats.Resyncs++
	} else {
		c.stats.Dropped++
	}
	c.metrics.FrameDropped(c.name, label)
	c.bus.Publish(event.NewFrameDroppedEvent(c.name, label, len(data)))
	if c.onDrop != nil {
		c.onDrop(reason, data)
	}
}
