package store

import "math"

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(a []float32) float32 {
	return float32(math.Sqrt(float64(dot(a, a))))
}

// cosineWithNorms avoids recomputing the stored vector norm on every search.
func cosineWithNorms(q []float32, qNorm float32, v []float32, vNorm float32) float32 {
	if qNorm == 0 || vNorm == 0 {
		return 0
	}
	return dot(q, v) / (qNorm * vNorm)
}

// Normalize scales v in place to unit L2 norm. It reports false for a zero
// vector, which cannot be normalized.
func Normalize(v []float32) bool {
	n := norm(v)
	if n == 0 {
		return false
	}
	for i := range v {
		v[i] /= n
	}
	return true
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
