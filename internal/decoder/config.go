package decoder

import (
	"fmt"
)

// Config holds the configuration for a decoder block stack.
type Config struct {
	HiddenSize       int
	NumHeads         int
	IntermediateSize int
	NumLayers        int
	MaxSeqLen        int
	Eps              float32
}

// DefaultGPT2SmallConfig returns the GPT-2 small block geometry.
func DefaultGPT2SmallConfig() Config {
	return Config{
		HiddenSize:       768,
		NumHeads:         12,
		IntermediateSize: 3072,
		NumLayers:        12,
		MaxSeqLen:        1024,
		Eps:              1e-5,
	}
}

// DefaultTinyConfig returns a small geometry for tests and smoke runs.
func DefaultTinyConfig() Config {
	return Config{
		HiddenSize:       128,
		NumHeads:         2,
		IntermediateSize: 512,
		NumLayers:        2,
		MaxSeqLen:        512,
		Eps:              1e-5,
	}
}

// HeadDim returns the per-head feature width.
func (c Config) HeadDim() int {
	return c.HiddenSize / c.NumHeads
}

// Validate checks the configuration invariants once, at construction time.
// Forward calls assume a validated config.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 || c.NumHeads <= 0 || c.IntermediateSize <= 0 {
		return fmt.Errorf("%w: non-positive dimension (hidden=%d heads=%d intermediate=%d)",
			ErrConfig, c.HiddenSize, c.NumHeads, c.IntermediateSize)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("%w: non-positive layer count %d", ErrConfig, c.NumLayers)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("%w: non-positive max sequence length %d", ErrConfig, c.MaxSeqLen)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return fmt.Errorf("%w: hidden size %d not divisible by %d heads",
			ErrConfig, c.HiddenSize, c.NumHeads)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("%w: non-positive epsilon %g", ErrConfig, c.Eps)
	}
	return nil
}
