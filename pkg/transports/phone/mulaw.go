package phone

import "encoding/binary"

// G.711 µ-law codec for Twilio media streams, which carry 8 kHz mono µ-law.

const muLawBias = 0x84

func muLawEncodeSample(sample int16) byte {
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	v := int32(sample) + muLawBias
	if v > 0x7FFF {
		v = 0x7FFF
	}
	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

func muLawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	v := ((int32(mantissa) << 3) + muLawBias) << exponent
	v -= muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// decodeMuLaw converts µ-law bytes to 16-bit little-endian PCM.
func decodeMuLaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(muLawDecodeSample(b)))
	}
	return out
}

// encodeMuLaw converts 16-bit little-endian PCM to µ-law bytes.
func encodeMuLaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(in[2*i:]))
		out[i] = muLawEncodeSample(s)
	}
	return out
}
