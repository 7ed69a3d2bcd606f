package audio

import (
	"encoding/binary"
	"math"
)

// Quantize converts float samples to signed 16-bit, clipping at ±1.0 first
// so loud input saturates instead of wrapping.
func Quantize(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		switch {
		case s != s: // NaN
			s = 0
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// PCM16Bytes encodes samples as little-endian linear PCM.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Float32Bytes encodes samples as little-endian IEEE-754 floats.
func Float32Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// FromInt16 normalizes 16-bit samples into [-1, 1).
func FromInt16(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}
