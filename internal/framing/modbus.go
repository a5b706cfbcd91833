package framing

import "encoding/binary"

// CRC16Modbus computes CRC-16/MODBUS (init 0xFFFF, reflected poly 0xA001).
func CRC16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendModbusCRC returns pdu followed by its CRC, low byte first.
func AppendModbusCRC(pdu []byte) []byte {
	out := make([]byte, len(pdu), len(pdu)+2)
	copy(out, pdu)
	return binary.LittleEndian.AppendUint16(out, CRC16Modbus(pdu))
}

// CheckModbusCRC reports whether the last two bytes of frame are the
// little-endian CRC of the rest.
func CheckModbusCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	return binary.LittleEndian.Uint16(frame[n:]) == CRC16Modbus(frame[:n])
}

// ModbusRTU function codes with a known response layout.
const (
	FuncReadCoils          = 0x01
	FuncReadDiscreteInputs = 0x02
	FuncReadHolding        = 0x03
	FuncReadInput          = 0x04
	FuncWriteSingleCoil    = 0x05
	FuncWriteSingleReg     = 0x06
	FuncWriteMultipleCoils = 0x0F
	FuncWriteMultipleRegs  = 0x10
)

const modbusMinHeader = 3

// ModbusResponseLength decodes the length of a Modbus RTU response frame
// from its header (address, function, and for reads the byte count).
// Unknown function codes yield 0 so the splitter resyncs.
func ModbusResponseLength(header []byte) (int, bool) {
	if len(header) < 2 {
		return 0, false
	}
	fn := header[1]
	if fn&0x80 != 0 {
		// address, function|0x80, exception code, crc
		return 5, true
	}
	switch fn {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHolding, FuncReadInput:
		if len(header) < 3 {
			return 0, false
		}
		return 3 + int(header[2]) + 2, true
	case FuncWriteSingleCoil, FuncWriteSingleReg, FuncWriteMultipleCoils, FuncWriteMultipleRegs:
		// address, function, 2 bytes address, 2 bytes value/quantity, crc
		return 8, true
	default:
		return 0, true
	}
}

// NewModbusRTU returns a header/CRC splitter for Modbus RTU responses.
func NewModbusRTU(opts ...Option) *HeaderCRC {
	h, _ := NewHeaderCRC(modbusMinHeader, ModbusResponseLength, CheckModbusCRC,
		append([]Option{WithName("modbus")}, opts...)...)
	return h
}
