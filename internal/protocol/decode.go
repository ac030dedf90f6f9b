package protocol

import (
	"encoding/binary"
	"unicode/utf8"
)

// Mode selects how a raw packet is interpreted.
type Mode int

const (
	// ModeSweep packets carry a 2-byte swept voltage and a 3-byte ADC value.
	ModeSweep Mode = iota
	// ModeTransient packets carry a 4-byte timestamp and a 3-byte ADC value,
	// optionally followed by a 2-byte gate voltage (9-byte packets).
	ModeTransient
)

// Packet sizes per step kind.
const (
	PacketSweep         = 5
	PacketTransient     = 7
	PacketTransientGate = 9
)

// Calibration holds the constants that turn ADC counts into amperes.
type Calibration struct {
	TransimpedanceOhms float64
	BiasCurrentOffsetA float64
}

// DefaultTransimpedanceOhms matches the reference amplifier board.
const DefaultTransimpedanceOhms = 5100.0

// Sample is one decoded physical sample. Time is set in transient mode,
// Voltage in sweep mode; Gate is set only for 9-byte transient packets.
type Sample struct {
	Time    float64
	Voltage float64
	Gate    float64
	HasGate bool
	Current float64
}

const adcFullScale = 2.048

// decodeADC converts a 24-bit little-endian ADC word (MSB is the sign bit)
// into the measured voltage at the transimpedance amplifier output.
func decodeADC(b []byte) float64 {
	raw := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	if raw&0x800000 != 0 {
		mag := (^raw)&0x7FFFFF + 1
		return -float64(mag) / 8388608.0 * adcFullScale
	}
	return float64(raw) / 8388607.0 * adcFullScale
}

// current applies the transimpedance conversion and bias offset.
func (c Calibration) current(adcVolts float64) float64 {
	return -(adcVolts / c.TransimpedanceOhms) - c.BiasCurrentOffsetA
}

// DecodeSamples converts a raw response into physical samples.
//
// A single trailing terminator is stripped if present. The remainder is
// truncated to a whole number of packets; trailing partial bytes are
// discarded silently, which is the documented policy for streams cut short
// by a stop or timeout.
func DecodeSamples(raw []byte, packetSize int, mode Mode, cal Calibration) []Sample {
	if packetSize <= 0 {
		return nil
	}
	data := StripTerminator(raw, sampleTerminators)
	n := len(data) / packetSize
	samples := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		p := data[i*packetSize : (i+1)*packetSize]
		switch mode {
		case ModeTransient:
			ts := int32(binary.LittleEndian.Uint32(p[0:4]))
			s := Sample{Time: float64(ts) / 1000.0}
			adc := decodeADC(p[4:7])
			s.Current = cal.current(adc)
			if packetSize >= PacketTransientGate {
				vg := int16(binary.LittleEndian.Uint16(p[7:9]))
				s.Gate = float64(vg) / 1000.0
				s.HasGate = true
			}
			samples = append(samples, s)
		default:
			v := int16(binary.LittleEndian.Uint16(p[0:2]))
			adc := decodeADC(p[2:5])
			samples = append(samples, Sample{
				Voltage: float64(v) / 1000.0,
				Current: cal.current(adc),
			})
		}
	}
	return samples
}

// IdentityPlaceholder is returned when an identity response does not decode
// as UTF-8. Malformed identity bytes are non-fatal.
const IdentityPlaceholder = "unknown-device"

// DecodeIdentity extracts the device identity string from a raw response.
func DecodeIdentity(raw []byte) string {
	data := StripTerminator(raw, identityTerminators)
	if len(data) == 0 || !utf8.Valid(data) {
		return IdentityPlaceholder
	}
	return string(data)
}
