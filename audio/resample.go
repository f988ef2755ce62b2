package audio

// Upsample raises the sample rate of a little-endian PCM16 buffer by an
// integer ratio using nearest-neighbor duplication. This trades fidelity for
// latency: no filtering, no interpolation, no state between calls. A trailing
// odd byte is discarded. Ratios below 2 return a copy.
func Upsample(pcm []byte, ratio int) []byte {
	n := len(pcm) / 2
	if ratio < 2 {
		out := make([]byte, 2*n)
		copy(out, pcm[:2*n])
		return out
	}

	out := make([]byte, 0, 2*n*ratio)
	for i := 0; i < n; i++ {
		lo, hi := pcm[2*i], pcm[2*i+1]
		for r := 0; r < ratio; r++ {
			out = append(out, lo, hi)
		}
	}
	return out
}

// Downsample lowers the sample rate of a little-endian PCM16 buffer by an
// integer ratio, keeping the first sample of each group so that
// Downsample(Upsample(x, n), n) returns x exactly. Decimation aliases by
// design; see Upsample. A trailing odd byte is discarded. Ratios below 2
// return a copy.
func Downsample(pcm []byte, ratio int) []byte {
	n := len(pcm) / 2
	if ratio < 2 {
		out := make([]byte, 2*n)
		copy(out, pcm[:2*n])
		return out
	}

	out := make([]byte, 0, 2*(n/ratio+1))
	for i := 0; i < n; i += ratio {
		out = append(out, pcm[2*i], pcm[2*i+1])
	}
	return out
}
