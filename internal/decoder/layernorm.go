package decoder

import (
	"github.com/23skdu/longbow-bodkin/internal/device"
)

// LayerNorm normalizes each position's feature vector independently over the
// embedding axis, then applies the learned gamma/beta affine.
type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
	Eps   float32
}

func NewLayerNorm(size int, eps float32, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}

	return &LayerNorm{
		Gamma: backend.NewTensor(1, size, ones),
		Beta:  backend.NewTensor(1, size, nil), // Zeros
		Eps:   eps,
	}
}

// Forward performs LayerNorm in-place.
// It overwrites input with the normalized result to avoid allocations;
// callers that need the raw activations for a residual connection copy
// before normalizing.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return input
}
