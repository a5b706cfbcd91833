package framing

import (
	"context"
	"errors"
	"io"
)

const pumpChunk = 4096

// Pump reads r until EOF, feeding every chunk through s and handing each
// resulting frame to fn in arrival order.
//
// ctx is checked between reads; a read that blocks forever is only
// interrupted by the reader itself (a deadline or Close). Pump returns nil
// on EOF, ctx.Err() on cancellation, and any other read error as-is.
func Pump(ctx context.Context, r io.Reader, s Splitter, fn func(frame []byte)) error {
	buf := make([]byte, pumpChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			s.Append(buf[:n])
			for _, frame := range s.ExtractFrames() {
				fn(frame)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
