package decoder

import (
	"github.com/23skdu/longbow-bodkin/internal/device"
)

// FeedForward is the position-wise MLP: expand to the intermediate width,
// GELU, contract back to the hidden width. The GELU is the tanh
// approximation (see simd.Gelu); the exact erf form would break parity with
// GPT-2 checkpoints.
type FeedForward struct {
	Backend device.Backend
	Expand  *Linear // (hidden x intermediate)
	Proj    *Linear // (intermediate x hidden)
}

func NewFeedForward(config Config, backend device.Backend) *FeedForward {
	return &FeedForward{
		Backend: backend,
		Expand:  NewLinear(backend, config.HiddenSize, config.IntermediateSize),
		Proj:    NewLinear(backend, config.IntermediateSize, config.HiddenSize),
	}
}

// Forward maps (rows x hidden) to a pooled (rows x hidden) tensor.
func (f *FeedForward) Forward(hiddenStates device.Tensor) device.Tensor {
	inter := f.Expand.ForwardActivation(hiddenStates, device.ActivationGELU)
	output := f.Proj.Forward(inter)
	f.Backend.PutTensor(inter)
	return output
}
