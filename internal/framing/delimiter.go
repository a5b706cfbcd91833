package framing

import (
	"bytes"
	"errors"
)

// Delimiter cuts the stream after each occurrence of a byte pattern.
// Emitted frames include the delimiter.
type Delimiter struct {
	core
	delim []byte
}

// NewDelimiter returns a splitter for delim, which must not be empty.
func NewDelimiter(delim []byte, opts ...Option) (*Delimiter, error) {
	if len(delim) == 0 {
		return nil, errors.New("delimiter must not be empty")
	}
	return &Delimiter{core: newCore("delimiter", opts), delim: bytes.Clone(delim)}, nil
}

// NewLine returns a splitter for "\n"-terminated frames.
func NewLine(opts ...Option) *Delimiter {
	d, _ := NewDelimiter([]byte{'\n'}, opts...)
	return d
}

// ExtractFrames returns every delimiter-terminated frame buffered.
func (d *Delimiter) ExtractFrames() [][]byte {
	var frames [][]byte
	for {
		i := d.index()
		if i < 0 {
			break
		}
		frames = append(frames, d.take(i+len(d.delim)))
	}
	return d.emitted(frames)
}

func (d *Delimiter) index() int {
	if len(d.delim) == 1 {
		return bytes.IndexByte(d.buf, d.delim[0])
	}
	return bytes.Index(d.buf, d.delim)
}
