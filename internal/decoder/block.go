package decoder

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Block is a single pre-norm transformer decoder block:
//
//	h1    = LayerNorm1(h)
//	a     = OutProj(CausalSelfAttention(QKV(h1)))
//	h2    = h + a
//	h3    = LayerNorm2(h2)
//	f     = FeedForward(h3)
//	hOut  = h2 + f
//
// Normalization is applied before each sub-block, and the residual additions
// take the raw (un-normalized) activations. LayerNorm1 pairs with attention,
// LayerNorm2 with the feed-forward; swapping either pairing changes outputs.
type Block struct {
	Config  Config
	Backend device.Backend

	Norm1     *LayerNorm
	Attention *CausalSelfAttention
	Norm2     *LayerNorm
	MLP       *FeedForward
}

// NewBlock creates a decoder block with zeroed projection weights.
// The geometry is validated here, once; Forward assumes it holds.
func NewBlock(config Config, backend device.Backend) (*Block, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Block{
		Config:    config,
		Backend:   backend,
		Norm1:     NewLayerNorm(config.HiddenSize, config.Eps, backend),
		Attention: NewCausalSelfAttention(config, backend),
		Norm2:     NewLayerNorm(config.HiddenSize, config.Eps, backend),
		MLP:       NewFeedForward(config, backend),
	}, nil
}

// InitXavier fills all projection weights with Xavier/Glorot uniform values
// from a deterministic seed. Gains stay 1, biases and shifts stay 0. Used
// when no checkpoint is loaded, so smoke and soak runs still produce
// well-scaled activations.
func (b *Block) InitXavier(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	xavierInit(rng, b.Attention.QKV.Weight)
	xavierInit(rng, b.Attention.Out.Weight)
	xavierInit(rng, b.MLP.Expand.Weight)
	xavierInit(rng, b.MLP.Proj.Weight)
}

func xavierInit(rng *rand.Rand, m device.Tensor) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))

	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	m.CopyFromFloat32(data)
}

// Forward runs one block over hidden states flattened (batchSize*seqLen x
// hidden). It validates the tensor against the configured geometry before
// any compute, allocates a fresh output tensor, and never mutates the input:
// parameters are only read, so concurrent Forward calls on one Block are
// safe.
func (b *Block) Forward(hidden device.Tensor, batchSize, seqLen int) (device.Tensor, error) {
	r, c := hidden.Dims()

	if batchSize < 1 || seqLen < 1 {
		return nil, fmt.Errorf("%w: batch %d, seq %d", ErrShape, batchSize, seqLen)
	}
	if seqLen > b.Config.MaxSeqLen {
		return nil, fmt.Errorf("%w: sequence length %d exceeds max %d",
			ErrShape, seqLen, b.Config.MaxSeqLen)
	}
	if r != batchSize*seqLen {
		return nil, fmt.Errorf("%w: %d rows for batch %d x seq %d",
			ErrShape, r, batchSize, seqLen)
	}
	if c != b.Config.HiddenSize {
		return nil, fmt.Errorf("%w: %d columns, configured hidden size %d",
			ErrShape, c, b.Config.HiddenSize)
	}

	backend := b.Backend

	// Attention path: normalize a copy so the residual sees raw activations
	start := time.Now()
	normed := backend.GetTensor(r, c)
	normed.Copy(hidden)
	b.Norm1.Forward(normed)

	attnOut := b.Attention.Forward(normed, batchSize, seqLen)
	backend.PutTensor(normed)
	LayerDuration.WithLabelValues("attention", backend.Name()).Observe(time.Since(start).Seconds())

	// Residual 1
	h2 := backend.GetTensor(r, c)
	h2.Copy(hidden)
	h2.Add(attnOut)
	backend.PutTensor(attnOut)

	// Feed-forward path
	start = time.Now()
	normed2 := backend.GetTensor(r, c)
	normed2.Copy(h2)
	b.Norm2.Forward(normed2)

	ffOut := b.MLP.Forward(normed2)
	backend.PutTensor(normed2)
	LayerDuration.WithLabelValues("mlp", backend.Name()).Observe(time.Since(start).Seconds())

	// Residual 2
	out := backend.NewTensor(r, c, nil)
	out.Copy(h2)
	out.Add(ffOut)

	backend.PutTensor(h2)
	backend.PutTensor(ffOut)

	return out, nil
}
