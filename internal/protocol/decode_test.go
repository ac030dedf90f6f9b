package protocol

import (
	"encoding/binary"
	"math"
	"testing"
)

var testCal = Calibration{TransimpedanceOhms: 100000, BiasCurrentOffsetA: 0}

func adcBytes(raw uint32) []byte {
	return []byte{byte(raw), byte(raw >> 8), byte(raw >> 16)}
}

func transientPacket(tsMillis int32, adc uint32) []byte {
	p := make([]byte, 7)
	binary.LittleEndian.PutUint32(p[0:4], uint32(tsMillis))
	copy(p[4:7], adcBytes(adc))
	return p
}

func sweepPacket(millivolts int16, adc uint32) []byte {
	p := make([]byte, 5)
	binary.LittleEndian.PutUint16(p[0:2], uint16(millivolts))
	copy(p[2:5], adcBytes(adc))
	return p
}

func TestDecodeADCMonotonicPositive(t *testing.T) {
	prev := math.Inf(-1)
	for _, raw := range []uint32{0, 1, 0x1000, 0x400000, 0x7FFFFE, 0x7FFFFF} {
		v := decodeADC(adcBytes(raw))
		if v < 0 {
			t.Fatalf("raw 0x%06X decoded negative: %v", raw, v)
		}
		if v <= prev {
			t.Fatalf("raw 0x%06X not increasing: %v <= %v", raw, v, prev)
		}
		prev = v
	}
	if got := decodeADC(adcBytes(0x7FFFFF)); math.Abs(got-adcFullScale) > 1e-9 {
		t.Fatalf("positive full scale: got %v want %v", got, adcFullScale)
	}
}

func TestDecodeADCMonotonicNegative(t *testing.T) {
	prev := math.Inf(-1)
	for _, raw := range []uint32{0x800000, 0x800001, 0xC00000, 0xFFFFFE, 0xFFFFFF} {
		v := decodeADC(adcBytes(raw))
		if v >= 0 {
			t.Fatalf("raw 0x%06X decoded non-negative: %v", raw, v)
		}
		if v <= prev {
			t.Fatalf("raw 0x%06X not increasing toward zero: %v <= %v", raw, v, prev)
		}
		prev = v
	}
	if got := decodeADC(adcBytes(0x800000)); math.Abs(got+adcFullScale) > 1e-9 {
		t.Fatalf("negative full scale: got %v want %v", got, -adcFullScale)
	}
}

func TestDecodeSamplesTruncatesPartialPacket(t *testing.T) {
	raw := append(transientPacket(0, 0), transientPacket(1, 0)...)
	raw = append(raw, 0x01, 0x02, 0x03) // partial tail
	samples := DecodeSamples(raw, PacketTransient, ModeTransient, testCal)
	if len(samples) != 2 {
		t.Fatalf("sample count: got %d want 2", len(samples))
	}
}

func TestDecodeSamplesStripsTerminator(t *testing.T) {
	raw := make([]byte, 0, 3*PacketTransient+8)
	for i := int32(1); i <= 3; i++ {
		raw = append(raw, transientPacket(i*10, uint32(i)*100)...)
	}
	raw = append(raw, TermTransient...)
	samples := DecodeSamples(raw, PacketTransient, ModeTransient, testCal)
	if len(samples) != 3 {
		t.Fatalf("sample count: got %d want 3", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Time <= samples[i-1].Time {
			t.Fatalf("timestamps not strictly increasing at %d: %v <= %v", i, samples[i].Time, samples[i-1].Time)
		}
	}
}

func TestDecodeSamplesSweepMode(t *testing.T) {
	raw := append(sweepPacket(-500, 0x7FFFFF), sweepPacket(500, 0x800000)...)
	raw = append(raw, TermTransfer...)
	samples := DecodeSamples(raw, PacketSweep, ModeSweep, testCal)
	if len(samples) != 2 {
		t.Fatalf("sample count: got %d want 2", len(samples))
	}
	if math.Abs(samples[0].Voltage+0.5) > 1e-9 {
		t.Fatalf("voltage: got %v want -0.5", samples[0].Voltage)
	}
	// I = -(v/R) - offset; full-scale positive ADC at 100k ohms.
	want := -(adcFullScale / testCal.TransimpedanceOhms)
	if math.Abs(samples[0].Current-want) > 1e-12 {
		t.Fatalf("current: got %v want %v", samples[0].Current, want)
	}
}

func TestDecodeSamplesGatePackets(t *testing.T) {
	p := make([]byte, 9)
	binary.LittleEndian.PutUint32(p[0:4], 100)
	copy(p[4:7], adcBytes(0))
	vg := int16(-250)
	binary.LittleEndian.PutUint16(p[7:9], uint16(vg))
	samples := DecodeSamples(p, PacketTransientGate, ModeTransient, testCal)
	if len(samples) != 1 {
		t.Fatalf("sample count: got %d want 1", len(samples))
	}
	if !samples[0].HasGate {
		t.Fatal("expected gate voltage present")
	}
	if math.Abs(samples[0].Gate+0.25) > 1e-9 {
		t.Fatalf("gate voltage: got %v want -0.25", samples[0].Gate)
	}
}

func TestDecodeSamplesBiasOffset(t *testing.T) {
	cal := Calibration{TransimpedanceOhms: 100000, BiasCurrentOffsetA: 1e-9}
	samples := DecodeSamples(sweepPacket(0, 0), PacketSweep, ModeSweep, cal)
	if len(samples) != 1 {
		t.Fatalf("sample count: got %d want 1", len(samples))
	}
	if math.Abs(samples[0].Current+1e-9) > 1e-15 {
		t.Fatalf("bias offset not applied: got %v want -1e-9", samples[0].Current)
	}
}

func TestDecodeIdentity(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		want string
	}{
		{"plain", []byte("MiniTest-OECT v1.2"), "MiniTest-OECT v1.2"},
		{"done terminator", append([]byte("MT-01"), TermDone...), "MT-01"},
		{"identity terminator", append([]byte("MT-02"), TermIdentity...), "MT-02"},
		{"invalid utf8", []byte{0xFF, 0x80, 0x80}, IdentityPlaceholder},
		{"empty", nil, IdentityPlaceholder},
	}
	for _, tc := range cases {
		if got := DecodeIdentity(tc.raw); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
