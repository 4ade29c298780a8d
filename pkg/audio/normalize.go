package audio

import "math"

// RMS returns the root-mean-square level of samples. An empty slice has RMS 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizeRMS returns a copy of samples scaled so that its RMS equals target.
// Silent input (RMS 0) and a non-positive target are returned unchanged, so
// the function never divides by zero.
func NormalizeRMS(samples []float32, target float64) []float32 {
	level := RMS(samples)
	if level == 0 || target <= 0 {
		return samples
	}
	gain := float32(target / level)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * gain
	}
	return out
}
