package simd

import "math"

// DotProduct computes the dot product of two float32 vectors.
// Accumulation is sequential left-to-right so results are reproducible
// across runs for identical inputs.
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// Softmax applies a numerically stable softmax in-place to a row:
// the row max is subtracted before exponentiation, then the row is
// normalized so it sums to 1. Uses math.Exp rather than a polynomial
// approximation: attention weights feed comparisons against float64
// references at 1e-4 relative tolerance.
func Softmax(row []float32) {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - max)))
		row[i] = e
		sum += e
	}

	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// Gelu applies the tanh-form GELU approximation in-place:
// gelu(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
// This is the form GPT-2 checkpoints were trained with. The erf-based
// exact form produces small but measurable deviations and must not be
// substituted.
func Gelu(data []float32) {
	const (
		sqrt2overPi = 0.7978845608028654
		coeff       = 0.044715
	)
	for i, x := range data {
		x64 := float64(x)
		data[i] = float32(0.5 * x64 * (1 + math.Tanh(sqrt2overPi*(x64+coeff*x64*x64*x64))))
	}
}
