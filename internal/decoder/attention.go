package decoder

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// CausalSelfAttention is masked multi-head self-attention with a fused QKV
// projection and an output projection.
//
// The fused projection produces a (rows x 3*hidden) tensor whose columns are
// ordered [query | key | value]; external checkpoints assume that layout.
// Head subspaces partition the hidden axis contiguously, in head order, so
// splitting and merging heads is index arithmetic inside the device kernel,
// never a data copy.
type CausalSelfAttention struct {
	Backend    device.Backend
	NumHeads   int
	HeadDim    int
	HiddenSize int
	Scale      float32 // 1/sqrt(headDim)

	QKV *Linear // (hidden x 3*hidden)
	Out *Linear // (hidden x hidden)
}

func NewCausalSelfAttention(config Config, backend device.Backend) *CausalSelfAttention {
	return &CausalSelfAttention{
		Backend:    backend,
		NumHeads:   config.NumHeads,
		HeadDim:    config.HeadDim(),
		HiddenSize: config.HiddenSize,
		Scale:      float32(1.0 / math.Sqrt(float64(config.HeadDim()))),
		QKV:        NewLinear(backend, config.HiddenSize, 3*config.HiddenSize),
		Out:        NewLinear(backend, config.HiddenSize, config.HiddenSize),
	}
}

// Forward runs attention over hiddenStates, flattened (batch*seq x hidden).
// Returns a pooled tensor of the same shape.
func (a *CausalSelfAttention) Forward(hiddenStates device.Tensor, batchSize, seqLen int) device.Tensor {
	r, _ := hiddenStates.Dims()
	h := a.HiddenSize

	qkv := a.QKV.Forward(hiddenStates)

	// Slice the fused projection into its three column ranges.
	query := qkv.Slice(0, r, 0, h)
	key := qkv.Slice(0, r, h, 2*h)
	value := qkv.Slice(0, r, 2*h, 3*h)

	context := query.CausalAttention(query, key, value, batchSize, seqLen, a.NumHeads, a.Scale)

	a.Backend.PutTensor(qkv)

	output := a.Out.Forward(context)
	return output
}
