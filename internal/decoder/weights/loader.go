// Package weights loads decoder checkpoint files into a block stack.
package weights

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/decoder"
	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Loader fills a stack of decoder blocks from a raw binary checkpoint.
type Loader struct {
	Blocks []*decoder.Block
}

func NewLoader(blocks []*decoder.Block) *Loader {
	return &Loader{Blocks: blocks}
}

// LoadFromRawBinary reads a checkpoint of little-endian float32 values with
// no header. Tensors appear per layer, in this order:
//
//	norm1 gamma, norm1 beta,
//	qkv weight (hidden x 3*hidden, row-major), qkv bias,
//	attention output weight, attention output bias,
//	norm2 gamma, norm2 beta,
//	mlp expand weight, mlp expand bias,
//	mlp proj weight, mlp proj bias
//
// The expected element count is fixed by the block geometry, so a truncated
// or oversized file is rejected rather than silently misaligning every
// subsequent tensor.
func (l *Loader) LoadFromRawBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	want := int64(l.ElementCount()) * 4
	if info.Size() != want {
		return fmt.Errorf("checkpoint %s: size %d bytes, geometry needs %d",
			path, info.Size(), want)
	}

	for i, block := range l.Blocks {
		if err := l.loadBlock(file, block); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}

	log.Info().
		Str("path", path).
		Int("layers", len(l.Blocks)).
		Int64("bytes", info.Size()).
		Msg("Loaded decoder checkpoint")
	return nil
}

// ElementCount returns the number of float32 values the checkpoint must hold.
func (l *Loader) ElementCount() int {
	total := 0
	for _, block := range l.Blocks {
		for _, t := range blockTensors(block) {
			r, c := t.Dims()
			total += r * c
		}
	}
	return total
}

func (l *Loader) loadBlock(r io.Reader, block *decoder.Block) error {
	names := []string{
		"norm1 gamma", "norm1 beta",
		"qkv weight", "qkv bias",
		"attention output weight", "attention output bias",
		"norm2 gamma", "norm2 beta",
		"mlp expand weight", "mlp expand bias",
		"mlp proj weight", "mlp proj bias",
	}
	for i, t := range blockTensors(block) {
		if err := loadTensor(r, t); err != nil {
			return fmt.Errorf("%s: %w", names[i], err)
		}
	}
	return nil
}

func blockTensors(block *decoder.Block) []device.Tensor {
	return []device.Tensor{
		block.Norm1.Gamma, block.Norm1.Beta,
		block.Attention.QKV.Weight, block.Attention.QKV.Bias,
		block.Attention.Out.Weight, block.Attention.Out.Bias,
		block.Norm2.Gamma, block.Norm2.Beta,
		block.MLP.Expand.Weight, block.MLP.Expand.Bias,
		block.MLP.Proj.Weight, block.MLP.Proj.Bias,
	}
}

func loadTensor(r io.Reader, t device.Tensor) error {
	rows, cols := t.Dims()
	data := make([]float32, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return err
	}
	t.CopyFromFloat32(data)
	return nil
}
