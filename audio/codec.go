// Package audio provides the stateless conversions used on the media path:
// G.711 μ-law companding to and from 16-bit linear PCM, and integer-ratio
// sample-rate conversion.
//
// All functions operate on little-endian PCM16 byte buffers. A trailing odd
// byte in any PCM buffer is discarded, never padded or retained.
package audio

// Sample rates on the two sides of the bridge.
const (
	// TelephonyRate is the Twilio Media Streams sample rate.
	TelephonyRate = 8000

	// ModelRate is the PCM16 sample rate exchanged with the speech model.
	ModelRate = 16000

	// RateRatio is the integer up/downsampling factor between the two.
	RateRatio = ModelRate / TelephonyRate
)

// muLawClip is the largest magnitude representable by the μ-law encoder.
const muLawClip = 32635

// muLawBias is the G.711 encoding bias added before segment extraction.
const muLawBias = 0x84

// muLawDecodeTable maps each μ-law byte to its linear PCM16 sample, per the
// G.711 reference table. Values here are authoritative: the encoder is
// validated by round-trip against this table.
var muLawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

// DecodeMuLaw converts μ-law encoded audio to little-endian PCM16.
// The output is exactly twice the length of the input.
func DecodeMuLaw(data []byte) []byte {
	pcm := make([]byte, 2*len(data))
	for i, b := range data {
		sample := muLawDecodeTable[b]
		pcm[2*i] = byte(sample)
		pcm[2*i+1] = byte(sample >> 8)
	}
	return pcm
}

// EncodeMuLaw converts little-endian PCM16 audio to μ-law. Encoding is lossy:
// a decode of the result stays within one quantization step of the input for
// representable magnitudes. A trailing odd byte is discarded.
func EncodeMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = linearToMuLaw(sample)
	}
	return out
}

// linearToMuLaw compands a single PCM16 sample per G.711: extract the sign,
// clip, add the bias, locate the segment, pack segment and mantissa, and
// complement the byte.
func linearToMuLaw(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exp := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := byte((s >> (uint(exp) + 3)) & 0x0F)

	return ^(sign | exp<<4 | mantissa)
}
