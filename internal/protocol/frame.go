package protocol

import (
	"encoding/binary"
	"math"
)

// Frame layout: 16 zero-byte pad | 0xFF | type | length | LE int16 fields | 0xFE.
const (
	PadLen      = 16
	FrameHeader = 0xFF
	FrameFooter = 0xFE
)

// CommandKind identifies one wire command type.
type CommandKind uint8

const (
	CmdTransfer  CommandKind = 1
	CmdTransient CommandKind = 2
	CmdStop      CommandKind = 3
	CmdIdentity  CommandKind = 4
)

func (k CommandKind) String() string {
	switch k {
	case CmdTransfer:
		return "transfer"
	case CmdTransient:
		return "transient"
	case CmdStop:
		return "stop"
	case CmdIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

// StopFrame is the raw stop command. It is sent without the pad prefix so the
// firmware can act on it while a sweep is mid-stream.
var StopFrame = []byte{0xFF, 0x03, 0x01, 0x00, 0xFE}

// paramOrder fixes the wire order of payload fields per command kind.
var paramOrder = map[CommandKind][]string{
	CmdTransfer: {
		"timeStep", "sourceVoltage", "drainVoltage",
		"gateVoltageStart", "gateVoltageEnd", "gateVoltageStep",
	},
	CmdTransient: {
		"timeStep", "sourceVoltage", "drainVoltage", "bottomTime",
		"topTime", "gateVoltageBottom", "gateVoltageTop", "cycles",
	},
	CmdIdentity: {},
}

// OutputScanParams is the wire order for one output-curve scan. An output
// step reuses the transfer frame shape under its own command id, sweeping
// drain voltage at a fixed gate voltage.
var OutputScanParams = []string{
	"timeStep", "sourceVoltage", "gateVoltage",
	"drainVoltageStart", "drainVoltageEnd", "drainVoltageStep",
}

// EncodeCommand builds a complete command frame for kind from params.
// Every field the kind requires must be present and fit int16; nothing is
// written to hardware on failure.
func EncodeCommand(kind CommandKind, params map[string]int) ([]byte, error) {
	order, ok := paramOrder[kind]
	if !ok {
		return nil, ErrUnknownCommand
	}
	return encodeFrame(byte(kind), order, params, kind)
}

// EncodeCommandAs builds a frame using an explicit type id with the given
// field order. Output steps use this with their configured command id.
func EncodeCommandAs(typeID byte, order []string, params map[string]int) ([]byte, error) {
	return encodeFrame(typeID, order, params, CommandKind(typeID))
}

func encodeFrame(typeID byte, order []string, params map[string]int, kind CommandKind) ([]byte, error) {
	payload := make([]byte, 0, len(order)*2)
	for _, name := range order {
		v, ok := params[name]
		if !ok {
			return nil, MissingParamError{Kind: kind, Param: name}
		}
		if v < math.MinInt16 || v > math.MaxInt16 {
			return nil, RangeError{Param: name, Value: v}
		}
		var field [2]byte
		binary.LittleEndian.PutUint16(field[:], uint16(int16(v)))
		payload = append(payload, field[:]...)
	}

	buf := make([]byte, 0, PadLen+4+len(payload))
	buf = append(buf, make([]byte, PadLen)...)
	buf = append(buf, FrameHeader, typeID, byte(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, FrameFooter)
	return buf, nil
}

// RequiredParams returns the wire field order for kind, nil when unknown.
func RequiredParams(kind CommandKind) []string {
	order, ok := paramOrder[kind]
	if !ok {
		return nil
	}
	out := make([]string, len(order))
	copy(out, order)
	return out
}
