package decoder

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

func TestFeedForwardAgainstReference(t *testing.T) {
	config := testConfig()
	backend := device.NewCPUBackend()
	ff := NewFeedForward(config, backend)

	dim, inter := config.HiddenSize, config.IntermediateSize
	upW := pattern(dim*inter, 3.0)
	upB := pattern(inter, 3.5)
	downW := pattern(inter*dim, 4.0)
	downB := pattern(dim, 4.5)
	ff.Expand.Weight.CopyFromFloat32(upW)
	ff.Expand.Bias.CopyFromFloat32(upB)
	ff.Proj.Weight.CopyFromFloat32(downW)
	ff.Proj.Bias.CopyFromFloat32(downB)

	seq := 3
	input := pattern(seq*dim, 0.6)
	x := backend.NewTensor(seq, dim, input)
	got := ff.Forward(x).ToHost()

	upW64 := toMatrix(upW, dim, inter)
	downW64 := toMatrix(downW, inter, dim)
	for row := 0; row < seq; row++ {
		h := refAffine(toVector(input[row*dim:(row+1)*dim]), upW64, toVector(upB))
		for j := range h {
			h[j] = refGelu(h[j])
		}
		want := refAffine(h, downW64, toVector(downB))
		for d := 0; d < dim; d++ {
			g := float64(got[row*dim+d])
			tol := 1e-4 * math.Max(1.0, math.Abs(want[d]))
			require.InDelta(t, want[d], g, tol, "row %d dim %d", row, d)
		}
	}
}

func TestFeedForwardZeroWeights(t *testing.T) {
	backend := device.NewCPUBackend()
	ff := NewFeedForward(testConfig(), backend)

	// GELU(0) = 0, so a zero-initialized MLP maps everything to zero.
	x := backend.NewTensor(2, 8, pattern(16, 1.2))
	out := ff.Forward(x).ToHost()
	for i, v := range out {
		require.Equal(t, float32(0), v, "index %d", i)
	}
}
