package audio

import "math"

// Resample converts samples from one rate to another. Downsampling averages
// each non-overlapping window of from/to input samples into one output
// sample, which keeps gross aliasing out without a filter bank. Upsampling
// holds the nearest preceding sample.
func Resample(in []float32, from, to int) []float32 {
	if len(in) == 0 {
		return nil
	}
	if from == to || from <= 0 || to <= 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(from) / float64(to)
	n := int(math.Round(float64(len(in)) / ratio))
	out := make([]float32, n)

	for i := range out {
		start := int(float64(i) * ratio)
		end := int(float64(i+1) * ratio)
		if start >= len(in) {
			start = len(in) - 1
		}
		if end > len(in) {
			end = len(in)
		}
		if end <= start {
			out[i] = in[start]
			continue
		}

		var sum float64
		for _, s := range in[start:end] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out
}
