// Package vector provides the small float64 vector helpers used by cost
// calibration.
//
// Cost functions return a feature vector next to their scalar value. A
// weight vector applied to those features must reproduce the scalar cost,
// which is what DotProduct and AlmostEqual are for.
//
// Main Functions:
//   - DotProduct: weighted sum of two equally sized vectors
//   - AlmostEqual: absolute-tolerance comparison of two scalars
//   - Concat: joins feature vectors without aliasing the inputs
package vector

import "math"

// DotProduct returns the dot product of a and b.
// Returns 0 when the lengths differ or either vector is empty.
//
// Example:
//
//	w := []float64{0.1, 0.9, 1.0}
//	f := []float64{-2.0, -1.0, 0.25}
//	cost := DotProduct(w, f) // -0.85
func DotProduct(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// AlmostEqual reports whether a and b differ by at most tolerance.
func AlmostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// Concat returns a new slice holding the elements of every input in order.
func Concat(parts ...[]float64) []float64 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float64, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
