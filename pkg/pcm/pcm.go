// Package pcm converts between wire-format PCM byte streams and the []int16
// sample slices the pipeline works in.
//
// Devices post 16-bit little-endian PCM over the frame ingress; sessions,
// the segmenter, and the decode engine all consume mono samples at a single
// configured rate. Decode, StereoToMono, and Resample normalize arbitrary
// device formats into that shape.
package pcm

import "errors"

// ErrOddByteCount is returned by [Decode] when the byte stream cannot be
// 16-bit aligned.
var ErrOddByteCount = errors.New("pcm: odd byte count")

// Decode converts little-endian 16-bit PCM bytes into samples.
func Decode(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, ErrOddByteCount
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples, nil
}

// Encode converts samples back into little-endian 16-bit PCM bytes.
func Encode(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// StereoToMono downmixes interleaved L/R samples by averaging each pair.
// Averaging in int32 avoids overflow; results are clamped to int16 range. A
// trailing unpaired sample is dropped.
func StereoToMono(samples []int16) []int16 {
	frames := len(samples) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(samples[i*2]) + int32(samples[i*2+1])) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i] = int16(avg)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal rates (or non-positive ones) return the input
// unchanged.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dst := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dst == 0 {
		return nil
	}

	out := make([]int16, dst)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Normalize converts an arbitrary device stream (channels ∈ {1, 2}, any
// rate) into mono samples at dstRate.
func Normalize(samples []int16, channels, srcRate, dstRate int) []int16 {
	if channels == 2 {
		samples = StereoToMono(samples)
	}
	return Resample(samples, srcRate, dstRate)
}
