package decoder

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

func testConfig() Config {
	return Config{
		HiddenSize:       8,
		NumHeads:         2,
		IntermediateSize: 32,
		NumLayers:        1,
		MaxSeqLen:        16,
		Eps:              1e-5,
	}
}

// patterned deterministic values in roughly [-0.5, 0.5)
func pattern(n int, phase float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i)*0.7+phase)) * 0.5
	}
	return out
}

func TestBlockResidualIdentity(t *testing.T) {
	// With all projection weights and biases zero, the attention and MLP
	// sub-blocks contribute exactly zero, so the residual wiring must hand
	// the input through bit-for-bit.
	backend := device.NewCPUBackend()
	block, err := NewBlock(testConfig(), backend)
	require.NoError(t, err)

	batch, seq := 1, 4
	input := pattern(batch*seq*8, 0.3)
	h := backend.NewTensor(batch*seq, 8, input)

	out, err := block.Forward(h, batch, seq)
	require.NoError(t, err)

	data := out.ToHost()
	for i, v := range input {
		require.Equal(t, v, data[i], "residual identity broken at %d", i)
	}
}

func TestBlockShapeValidation(t *testing.T) {
	backend := device.NewCPUBackend()
	block, err := NewBlock(testConfig(), backend)
	require.NoError(t, err)

	t.Run("WrongColumns", func(t *testing.T) {
		h := backend.NewTensor(4, 7, nil)
		_, err := block.Forward(h, 1, 4)
		require.ErrorIs(t, err, ErrShape)
	})

	t.Run("RowsDisagreeWithBatchSeq", func(t *testing.T) {
		h := backend.NewTensor(5, 8, nil)
		_, err := block.Forward(h, 1, 4)
		require.ErrorIs(t, err, ErrShape)
	})

	t.Run("SeqExceedsMax", func(t *testing.T) {
		h := backend.NewTensor(32, 8, nil)
		_, err := block.Forward(h, 1, 32)
		require.ErrorIs(t, err, ErrShape)
	})

	t.Run("ZeroBatch", func(t *testing.T) {
		h := backend.NewTensor(4, 8, nil)
		_, err := block.Forward(h, 0, 4)
		require.ErrorIs(t, err, ErrShape)
	})
}

func TestBlockCausality(t *testing.T) {
	backend := device.NewCPUBackend()
	block, err := NewBlock(testConfig(), backend)
	require.NoError(t, err)
	block.InitXavier(7)

	batch, seq, dim := 1, 6, 8

	base := pattern(batch*seq*dim, 1.1)
	perturbed := make([]float32, len(base))
	copy(perturbed, base)
	for d := 0; d < dim; d++ {
		perturbed[(seq-1)*dim+d] += 3.5
	}

	run := func(data []float32) []float32 {
		h := backend.NewTensor(batch*seq, dim, data)
		out, err := block.Forward(h, batch, seq)
		require.NoError(t, err)
		return out.ToHost()
	}

	outBase := run(base)
	outPert := run(perturbed)

	// Every position before the perturbed one is unaffected
	for i := 0; i < seq-1; i++ {
		for d := 0; d < dim; d++ {
			idx := i*dim + d
			require.Equal(t, outBase[idx], outPert[idx],
				"future token leaked into position %d", i)
		}
	}

	// And the perturbed position itself did change
	changed := false
	for d := 0; d < dim; d++ {
		if outBase[(seq-1)*dim+d] != outPert[(seq-1)*dim+d] {
			changed = true
			break
		}
	}
	require.True(t, changed, "perturbation had no effect at its own position")
}

func TestBlockBatchIndependence(t *testing.T) {
	backend := device.NewCPUBackend()
	block, err := NewBlock(testConfig(), backend)
	require.NoError(t, err)
	block.InitXavier(11)

	seq, dim := 4, 8
	seqA := pattern(seq*dim, 0.2)
	seqB := pattern(seq*dim, 2.9)

	run := func(data []float32, batch int) []float32 {
		h := backend.NewTensor(batch*seq, dim, data)
		out, err := block.Forward(h, batch, seq)
		require.NoError(t, err)
		return out.ToHost()
	}

	both := append(append([]float32{}, seqA...), seqB...)
	outBoth := run(both, 2)
	outA := run(seqA, 1)
	outB := run(seqB, 1)

	for i := range outA {
		require.Equal(t, outA[i], outBoth[i], "batch item 0 mixed at %d", i)
	}
	for i := range outB {
		require.Equal(t, outB[i], outBoth[len(outA)+i], "batch item 1 mixed at %d", i)
	}
}

func TestBlockConcurrentForward(t *testing.T) {
	backend := device.NewCPUBackend()
	block, err := NewBlock(testConfig(), backend)
	require.NoError(t, err)
	block.InitXavier(3)

	batch, seq, dim := 1, 5, 8
	input := pattern(batch*seq*dim, 0.8)

	h := backend.NewTensor(batch*seq, dim, input)
	ref, err := block.Forward(h, batch, seq)
	require.NoError(t, err)
	want := ref.ToHost()

	done := make(chan []float32, 8)
	for g := 0; g < 8; g++ {
		go func() {
			hg := backend.NewTensor(batch*seq, dim, input)
			out, err := block.Forward(hg, batch, seq)
			if err != nil {
				done <- nil
				return
			}
			done <- out.ToHost()
		}()
	}

	for g := 0; g < 8; g++ {
		got := <-done
		require.NotNil(t, got)
		for i := range want {
			require.Equal(t, want[i], got[i], "concurrent call diverged at %d", i)
		}
	}
}

// --- independent float64 reference ---

type refParams struct {
	g1, b1, g2, b2 []float64
	qkvW, outW     [][]float64
	qkvB, outB     []float64
	upW, downW     [][]float64
	upB, downB     []float64
	numHeads       int
	eps            float64
}

func refLayerNorm(x []float64, gamma, beta []float64, eps float64) []float64 {
	d := float64(len(x))
	var sum, sumSq float64
	for _, v := range x {
		sum += v
		sumSq += v * v
	}
	mean := sum / d
	variance := sumSq/d - mean*mean
	invStd := 1.0 / math.Sqrt(variance+eps)

	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v-mean)*invStd*gamma[i] + beta[i]
	}
	return out
}

func refAffine(x []float64, w [][]float64, b []float64) []float64 {
	out := make([]float64, len(b))
	for j := range out {
		s := b[j]
		for d := range x {
			s += x[d] * w[d][j]
		}
		out[j] = s
	}
	return out
}

func refGelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(0.7978845608028654*(x+0.044715*x*x*x)))
}

func refBlockForward(x [][]float64, p refParams) [][]float64 {
	seq := len(x)
	dim := len(x[0])
	headDim := dim / p.numHeads
	scale := 1.0 / math.Sqrt(float64(headDim))

	// LN1 + fused QKV
	qkv := make([][]float64, seq)
	for i := range x {
		qkv[i] = refAffine(refLayerNorm(x[i], p.g1, p.b1, p.eps), p.qkvW, p.qkvB)
	}

	// attention per head
	ctx := make([][]float64, seq)
	for i := range ctx {
		ctx[i] = make([]float64, dim)
	}
	for h := 0; h < p.numHeads; h++ {
		off := h * headDim
		for i := 0; i < seq; i++ {
			scores := make([]float64, i+1)
			for j := 0; j <= i; j++ {
				var s float64
				for d := 0; d < headDim; d++ {
					s += qkv[i][off+d] * qkv[j][dim+off+d]
				}
				scores[j] = s * scale
			}
			max := scores[0]
			for _, v := range scores {
				if v > max {
					max = v
				}
			}
			var sum float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - max)
				sum += scores[j]
			}
			for j := range scores {
				scores[j] /= sum
			}
			for j := 0; j <= i; j++ {
				for d := 0; d < headDim; d++ {
					ctx[i][off+d] += scores[j] * qkv[j][2*dim+off+d]
				}
			}
		}
	}

	// out projection + residual 1
	h2 := make([][]float64, seq)
	for i := range ctx {
		a := refAffine(ctx[i], p.outW, p.outB)
		h2[i] = make([]float64, dim)
		for d := range a {
			h2[i][d] = x[i][d] + a[d]
		}
	}

	// LN2 + MLP + residual 2
	out := make([][]float64, seq)
	for i := range h2 {
		inter := refAffine(refLayerNorm(h2[i], p.g2, p.b2, p.eps), p.upW, p.upB)
		for j := range inter {
			inter[j] = refGelu(inter[j])
		}
		f := refAffine(inter, p.downW, p.downB)
		out[i] = make([]float64, dim)
		for d := range f {
			out[i][d] = h2[i][d] + f[d]
		}
	}
	return out
}

func toMatrix(flat []float32, rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = float64(flat[i*cols+j])
		}
	}
	return m
}

func toVector(flat []float32) []float64 {
	v := make([]float64, len(flat))
	for i := range flat {
		v[i] = float64(flat[i])
	}
	return v
}

func TestBlockMatchesReference(t *testing.T) {
	config := testConfig()
	backend := device.NewCPUBackend()
	block, err := NewBlock(config, backend)
	require.NoError(t, err)

	dim := config.HiddenSize
	inter := config.IntermediateSize

	// Deterministic non-trivial parameters, mirrored into the float64 reference
	g1 := pattern(dim, 4.0)
	for i := range g1 {
		g1[i] += 1.0 // keep gains near 1
	}
	b1 := pattern(dim, 4.5)
	g2 := pattern(dim, 5.0)
	for i := range g2 {
		g2[i] += 1.0
	}
	b2 := pattern(dim, 5.5)
	qkvW := pattern(dim*3*dim, 6.0)
	qkvB := pattern(3*dim, 6.5)
	outW := pattern(dim*dim, 7.0)
	outB := pattern(dim, 7.5)
	upW := pattern(dim*inter, 8.0)
	upB := pattern(inter, 8.5)
	downW := pattern(inter*dim, 9.0)
	downB := pattern(dim, 9.5)

	block.Norm1.Gamma.CopyFromFloat32(g1)
	block.Norm1.Beta.CopyFromFloat32(b1)
	block.Norm2.Gamma.CopyFromFloat32(g2)
	block.Norm2.Beta.CopyFromFloat32(b2)
	block.Attention.QKV.Weight.CopyFromFloat32(qkvW)
	block.Attention.QKV.Bias.CopyFromFloat32(qkvB)
	block.Attention.Out.Weight.CopyFromFloat32(outW)
	block.Attention.Out.Bias.CopyFromFloat32(outB)
	block.MLP.Expand.Weight.CopyFromFloat32(upW)
	block.MLP.Expand.Bias.CopyFromFloat32(upB)
	block.MLP.Proj.Weight.CopyFromFloat32(downW)
	block.MLP.Proj.Bias.CopyFromFloat32(downB)

	batch, seq := 1, 5
	input := pattern(batch*seq*dim, 0.0)

	h := backend.NewTensor(batch*seq, dim, input)
	out, err := block.Forward(h, batch, seq)
	require.NoError(t, err)

	rows, cols := out.Dims()
	require.Equal(t, batch*seq, rows)
	require.Equal(t, dim, cols)

	p := refParams{
		g1: toVector(g1), b1: toVector(b1),
		g2: toVector(g2), b2: toVector(b2),
		qkvW: toMatrix(qkvW, dim, 3*dim), qkvB: toVector(qkvB),
		outW: toMatrix(outW, dim, dim), outB: toVector(outB),
		upW: toMatrix(upW, dim, inter), upB: toVector(upB),
		downW: toMatrix(downW, inter, dim), downB: toVector(downB),
		numHeads: config.NumHeads,
		eps:      float64(config.Eps),
	}

	want := refBlockForward(toMatrix(input, seq, dim), p)
	got := out.ToHost()

	for i := 0; i < seq; i++ {
		for d := 0; d < dim; d++ {
			g := float64(got[i*dim+d])
			w := want[i][d]
			tol := 1e-4 * math.Max(1.0, math.Abs(w))
			require.InDelta(t, w, g, tol, "mismatch at position %d dim %d", i, d)
		}
	}
}
