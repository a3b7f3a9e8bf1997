// Package audio provides the pure audio primitives used by the voice bridge:
// ITU-T G.711 µ-law companding and sample-rate conversion between the 8 kHz
// telephony domain and the 24 kHz PCM16 domain spoken by the upstream model.
//
// All functions operate on raw byte buffers (little-endian int16 for linear
// PCM), hold no state, and are safe for concurrent use. Output lengths are
// deterministic from input lengths; malformed input (odd byte counts for
// 16-bit formats) is truncated to the largest even prefix rather than
// rejected.
package audio

const (
	// mulawBias is the µ-law encoding bias added before exponent extraction.
	mulawBias = 0x84

	// mulawClip is the maximum linear magnitude representable in µ-law.
	mulawClip = 32635
)

// mulawDecodeTable maps each of the 256 µ-law bytes to its linear int16
// amplitude. Built once at init from the inverse companding formula.
var mulawDecodeTable [256]int16

func init() {
	for i := range mulawDecodeTable {
		b := ^byte(i)
		sign := b & 0x80
		exponent := (b >> 4) & 0x07
		mantissa := b & 0x0F

		sample := ((int32(mantissa) << 3) + mulawBias) << exponent
		sample -= mulawBias

		if sign != 0 {
			sample = -sample
		}
		mulawDecodeTable[i] = int16(sample)
	}
}

// DecodeMulaw converts 8-bit µ-law samples to 16-bit little-endian linear
// PCM at the same sample rate. The output is exactly twice the input length.
func DecodeMulaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// EncodeMulaw converts 16-bit little-endian linear PCM to 8-bit µ-law.
// Odd-length input is truncated to the largest even prefix. The output is
// half the (truncated) input length.
func EncodeMulaw(in []byte) []byte {
	samples := len(in) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int16(in[i*2]) | int16(in[i*2+1])<<8
		out[i] = encodeMulawSample(s)
	}
	return out
}

// encodeMulawSample compands a single linear sample. Magnitudes are clipped
// to mulawClip, biased, and packed as sign | exponent | mantissa with all
// bits inverted, per G.711.
func encodeMulawSample(sample int16) byte {
	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		magnitude = -magnitude
		sign = 0x80
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	// Exponent is the position of the highest set bit at or above bit 7.
	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && magnitude&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte(magnitude>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}
