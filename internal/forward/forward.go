// Package forward runs hidden states through a stack of decoder blocks.
package forward

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/decoder"
	"github.com/23skdu/longbow-bodkin/internal/decoder/weights"
	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Engine owns a stack of decoder blocks on one backend and drives full
// forward passes through them. Parameters are read-only after construction
// and loading, so one Engine serves concurrent callers.
type Engine struct {
	Config  decoder.Config
	Backend device.Backend

	blocks   []*decoder.Block
	checkNaN bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithNaNChecks enables a non-finite scan of the output after every forward
// pass. It costs one read of the output tensor per call; leave it off on hot
// paths and turn it on when debugging a bad checkpoint.
func WithNaNChecks() Option {
	return func(e *Engine) { e.checkNaN = true }
}

func NewEngine(config decoder.Config, backend device.Backend, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	blocks := make([]*decoder.Block, config.NumLayers)
	for i := range blocks {
		b, err := decoder.NewBlock(config, backend)
		if err != nil {
			return nil, err
		}
		blocks[i] = b
	}

	e := &Engine{
		Config:  config,
		Backend: backend,
		blocks:  blocks,
	}
	for _, opt := range opts {
		opt(e)
	}

	log.Info().
		Str("device", backend.Name()).
		Int("layers", config.NumLayers).
		Int("hidden", config.HiddenSize).
		Int("heads", config.NumHeads).
		Msg("Initialized forward engine")
	return e, nil
}

// Blocks exposes the layer stack, primarily for the checkpoint loader.
func (e *Engine) Blocks() []*decoder.Block { return e.blocks }

// LoadWeights fills every layer from a raw binary checkpoint.
func (e *Engine) LoadWeights(path string) error {
	return weights.NewLoader(e.blocks).LoadFromRawBinary(path)
}

// InitRandom gives every layer deterministic Xavier-initialized projections.
// Layer index is folded into the seed so layers differ.
func (e *Engine) InitRandom(seed int64) {
	for i, b := range e.blocks {
		b.InitXavier(seed + int64(i))
	}
}

// Forward runs hidden states, flattened (batchSize*seqLen x hidden) in
// row-major order, through every layer. The context is checked between
// layers; a canceled context abandons the pass and returns ctx.Err().
func (e *Engine) Forward(ctx context.Context, hidden []float32, batchSize, seqLen int) ([]float32, error) {
	start := time.Now()

	if batchSize < 1 || seqLen < 1 {
		return nil, fmt.Errorf("%w: batch %d, seq %d", decoder.ErrShape, batchSize, seqLen)
	}
	want := batchSize * seqLen * e.Config.HiddenSize
	if len(hidden) != want {
		return nil, fmt.Errorf("%w: hidden buffer has %d values, want %d (batch %d x seq %d x %d)",
			decoder.ErrShape, len(hidden), want, batchSize, seqLen, e.Config.HiddenSize)
	}

	h := e.Backend.NewTensor(batchSize*seqLen, e.Config.HiddenSize, hidden)
	for i, block := range e.blocks {
		if err := ctx.Err(); err != nil {
			e.Backend.PutTensor(h)
			return nil, err
		}

		next, err := block.Forward(h, batchSize, seqLen)
		if err != nil {
			e.Backend.PutTensor(h)
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		e.Backend.PutTensor(h)
		h = next
	}

	if e.checkNaN && h.HasNaN() {
		e.Backend.PutTensor(h)
		numericFailures.WithLabelValues(e.Backend.Name()).Inc()
		return nil, fmt.Errorf("%w: non-finite value in output", decoder.ErrNumeric)
	}

	out := h.ToHost()
	e.Backend.PutTensor(h)

	elapsed := time.Since(start)
	dev := e.Backend.Name()
	forwardDuration.WithLabelValues(dev).Observe(elapsed.Seconds())
	sequencesProcessed.WithLabelValues(dev).Add(float64(batchSize))
	tokensProcessed.WithLabelValues(dev).Add(float64(batchSize * seqLen))
	if s := elapsed.Seconds(); s > 0 {
		forwardThroughput.WithLabelValues(dev).Set(float64(batchSize*seqLen) / s)
	}

	return out, nil
}

// Request is one independent forward pass for ForwardStream.
type Request struct {
	Hidden    []float32
	BatchSize int
	SeqLen    int
}

// Result pairs a finished pass with the index of its Request.
type Result struct {
	Index  int
	Hidden []float32
	Err    error
}

// ForwardStream runs the requests in order and delivers results on the
// returned channel. Cancellation stops the stream after the in-flight pass;
// requests not yet started produce no Result. The channel is closed when the
// stream ends either way.
func (e *Engine) ForwardStream(ctx context.Context, requests []Request) <-chan Result {
	out := make(chan Result, len(requests))

	go func() {
		defer close(out)
		for i, req := range requests {
			if ctx.Err() != nil {
				return
			}
			hidden, err := e.Forward(ctx, req.Hidden, req.BatchSize, req.SeqLen)
			if err != nil && ctx.Err() != nil {
				return
			}
			out <- Result{Index: i, Hidden: hidden, Err: err}
		}
	}()

	return out
}
