package audio

// Upsample8to16 doubles the sample rate of mono PCM16 by linear
// interpolation: each source sample is followed by the midpoint between it
// and its successor. The final sample is duplicated. Odd-length input is
// truncated to the largest even prefix.
func Upsample8to16(pcm []byte) []byte {
	samples := len(pcm) / 2
	if samples == 0 {
		return nil
	}

	out := make([]byte, samples*4)
	for i := range samples {
		s0 := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		s1 := s0
		if i+1 < samples {
			s1 = int16(pcm[(i+1)*2]) | int16(pcm[(i+1)*2+1])<<8
		}
		mid := int16((int32(s0) + int32(s1)) / 2)

		out[i*4] = byte(s0)
		out[i*4+1] = byte(uint16(s0) >> 8)
		out[i*4+2] = byte(mid)
		out[i*4+3] = byte(uint16(mid) >> 8)
	}
	return out
}

// Upsample8to24 triples the sample rate of mono PCM16, composed as
// 8 kHz → 16 kHz → 24 kHz linear interpolation. For n input samples the
// output carries 3n samples.
func Upsample8to24(pcm []byte) []byte {
	return ResampleMono16(Upsample8to16(pcm), 16000, 24000)
}

// Downsample24to8 reduces mono PCM16 by a factor of three using
// non-overlapping block averages. Trailing samples that do not fill a block
// are discarded; results are clipped to the int16 range.
func Downsample24to8(pcm []byte) []byte {
	samples := len(pcm) / 2
	blocks := samples / 3
	if blocks == 0 {
		return nil
	}

	out := make([]byte, blocks*2)
	for i := range blocks {
		var sum int32
		for j := range 3 {
			idx := (i*3 + j) * 2
			sum += int32(int16(pcm[idx]) | int16(pcm[idx+1])<<8)
		}
		avg := sum / 3
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Downsample16to8 halves the sample rate of mono PCM16 by pairwise
// averaging. A trailing unpaired sample is discarded.
func Downsample16to8(pcm []byte) []byte {
	samples := len(pcm) / 2
	pairs := samples / 2
	if pairs == 0 {
		return nil
	}

	out := make([]byte, pairs*2)
	for i := range pairs {
		s0 := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		s1 := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (s0 + s1) / 2

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
