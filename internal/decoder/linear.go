package decoder

import (
	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Linear is a learned affine projection: output = input * Weight + Bias.
//
// Weight is stored (inDim x outDim) and applied by right-multiplication, the
// orientation GPT-2 checkpoints use. Every projection in the block (fused
// QKV, attention output, both MLP projections) goes through this one type so
// the convention cannot drift between call sites; a flipped transpose with
// inDim == outDim multiplies fine and fails silently.
type Linear struct {
	Backend device.Backend
	Weight  device.Tensor // (inDim x outDim)
	Bias    device.Tensor // (1 x outDim)
}

func NewLinear(backend device.Backend, inDim, outDim int) *Linear {
	return &Linear{
		Backend: backend,
		Weight:  backend.NewTensor(inDim, outDim, nil),
		Bias:    backend.NewTensor(1, outDim, nil),
	}
}

// Forward projects input (rows x inDim) to a pooled (rows x outDim) tensor.
// The caller owns the result and returns it to the pool when done.
func (l *Linear) Forward(input device.Tensor) device.Tensor {
	return input.Linear(input, l.Weight, l.Bias)
}

// ForwardActivation is Forward fused with an activation on the device.
func (l *Linear) ForwardActivation(input device.Tensor, act device.ActivationType) device.Tensor {
	return input.LinearActivation(input, l.Weight, l.Bias, act)
}
