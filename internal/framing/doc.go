// Package framing splits raw device byte streams into protocol frames.
//
// Three splitters share the [Splitter] interface:
//
//   - [FixedLength] emits frames of a constant size.
//   - [Delimiter] emits frames terminated by a byte pattern, delimiter included.
//   - [HeaderCRC] decodes the frame length from a header and emits only frames
//     whose checksum passes. [NewModbusRTU] configures it for Modbus RTU
//     responses using [CRC16Modbus].
//
// Splitters are stateful and single-goroutine. Feed them with Append and
// drain with ExtractFrames, or let [Pump] do both from an io.Reader.
package framing
