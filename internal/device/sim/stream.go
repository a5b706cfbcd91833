package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/devicepool"
	"github.com/qwdingyu/testflow/internal/framing"
	"github.com/qwdingyu/testflow/internal/value"
)

// StreamConfig is decoded from device settings.
type StreamConfig struct {
	// Framing is one of line, delimiter, fixed or modbus. Default line.
	Framing string `mapstructure:"framing"`
	// Delimiter is a hex payload for delimiter framing.
	Delimiter string `mapstructure:"delimiter"`
	// Size is the frame size for fixed framing.
	Size int `mapstructure:"size"`
}

// Stream simulates a serial port. Bytes fed in are reassembled into frames
// by a splitter built from the settings.
//
// Commands:
//   - feed {data | text}: appends bytes and returns {frames, count}
//   - reset: discards buffered bytes
//   - stats: returns the splitter counters
type Stream struct {
	mu       sync.Mutex
	splitter framing.Splitter
}

// NewStream builds a stream port from settings.
func NewStream(key string, settings value.Map, env Env) (*Stream, error) {
	var cfg StreamConfig
	if err := devicepool.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	s, err := NewSplitter(cfg,
		framing.WithName(key),
		framing.WithMetrics(env.Metrics),
		framing.WithBus(env.Bus))
	if err != nil {
		return nil, err
	}
	return &Stream{splitter: s}, nil
}

// NewSplitter builds the splitter described by cfg.
func NewSplitter(cfg StreamConfig, opts ...framing.Option) (framing.Splitter, error) {
	switch strings.ToLower(cfg.Framing) {
	case "", "line":
		return framing.NewLine(opts...), nil
	case "delimiter":
		delim, err := value.ParseHex(cfg.Delimiter)
		if err != nil {
			return nil, err
		}
		d, err := framing.NewDelimiter(delim, opts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "fixed":
		f, err := framing.NewFixedLength(cfg.Size, opts...)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "modbus":
		return framing.NewModbusRTU(opts...), nil
	default:
		return nil, fmt.Errorf("unknown framing %q", cfg.Framing)
	}
}

// Execute implements device.Device.
func (s *Stream) Execute(_ context.Context, command string, params value.Map) (device.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch command {
	case "feed":
		var data []byte
		if text, ok := params["text"]; ok {
			str, _ := text.AsString()
			data = []byte(str)
		} else {
			b, err := requireBytes(params, "data")
			if err != nil {
				return device.Fail(err.Error()), nil
			}
			data = b
		}
		s.splitter.Append(data)
		frames := s.splitter.ExtractFrames()
		list := make([]value.Value, len(frames))
		for i, f := range frames {
			list[i] = value.Bytes(f)
		}
		return device.OK(value.Map{
			"frames":   value.List(list...),
			"count":    value.Int(int64(len(frames))),
			"buffered": value.Int(int64(s.splitter.Stats().Buffered)),
		}), nil

	case "reset":
		s.splitter.Reset()
		return device.OK(nil), nil

	case "stats":
		st := s.splitter.Stats()
		return device.OK(value.Map{
			"emitted":  value.Int(int64(st.Emitted)),
			"dropped":  value.Int(int64(st.Dropped)),
			"resyncs":  value.Int(int64(st.Resyncs)),
			"buffered": value.Int(int64(st.Buffered)),
		}), nil

	default:
		return unknownCommand(command), nil
	}
}
