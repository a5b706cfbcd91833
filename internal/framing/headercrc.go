package framing

import (
	"errors"

	tferrors "github.com/qwdingyu/testflow/internal/errors"
)

// LengthDecoder inspects the buffered bytes at a candidate frame start.
// It returns the total frame length with ok true, or ok false when it needs
// more bytes to decide. A length of zero or less means no frame can start
// here.
type LengthDecoder func(header []byte) (length int, ok bool)

// CRCChecker validates a complete candidate frame.
type CRCChecker func(frame []byte) bool

// HeaderCRC decodes a length from a frame header and validates each
// candidate frame with a checksum.
//
// A header that yields no valid length costs exactly one byte, so a
// corrupt stream resynchronizes instead of stalling. A full candidate
// is always consumed; it is emitted only when the checker accepts it.
type HeaderCRC struct {
	core
	minHeader int
	decode    LengthDecoder
	check     CRCChecker
}

// NewHeaderCRC returns a splitter that waits for minHeader bytes before
// calling decode.
func NewHeaderCRC(minHeader int, decode LengthDecoder, check CRCChecker, opts ...Option) (*HeaderCRC, error) {
	if minHeader <= 0 {
		return nil, errors.New("minimum header size must be positive")
	}
	if decode == nil || check == nil {
		return nil, errors.New("length decoder and crc checker are required")
	}
	return &HeaderCRC{
		core:      newCore("header_crc", opts),
		minHeader: minHeader,
		decode:    decode,
		check:     check,
	}, nil
}

// ExtractFrames returns every buffered frame whose checksum passes.
func (h *HeaderCRC) ExtractFrames() [][]byte {
	var frames [][]byte
	for len(h.buf) >= h.minHeader {
		length, ok := h.decode(h.buf)
		if !ok {
			break
		}
		if length <= 0 {
			h.dropped(ErrResync, h.take(1))
			continue
		}
		if len(h.buf) < length {
			break
		}
		candidate := h.take(length)
		if !h.check(candidate) {
			h.dropped(tferrors.ErrCrcMismatch, candidate)
			continue
		}
		frames = append(frames, candidate)
	}
	return h.emitted(frames)
}
