package framing

import "fmt"

// FixedLength cuts the stream into frames of a constant size.
type FixedLength struct {
	core
	size int
}

// NewFixedLength returns a splitter for frames of size bytes. size must be
// positive.
func NewFixedLength(size int, opts ...Option) (*FixedLength, error) {
	if size <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", size)
	}
	return &FixedLength{core: newCore("fixed", opts), size: size}, nil
}

// Size returns the frame size.
func (f *FixedLength) Size() int { return f.size }

// ExtractFrames returns one frame per complete size bytes buffered.
func (f *FixedLength) ExtractFrames() [][]byte {
	var frames [][]byte
	for len(f.buf) >= f.size {
		frames = append(frames, f.take(f.size))
	}
	return f.emitted(frames)
}
