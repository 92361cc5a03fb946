package device

import (
	"math"
	"testing"
)

func TestCPUBackend_TensorOps(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("Add", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		b := backend.NewTensor(2, 2, []float32{10, 20, 30, 40})

		a.Add(b)

		expected := []float32{11, 22, 33, 44}
		data := a.ToHost()

		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-6 {
				t.Errorf("Add mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("Mul", func(t *testing.T) {
		// A: 2x3, B: 3x2 -> C: 2x2
		a := backend.NewTensor(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := backend.NewTensor(3, 2, []float32{
			7, 8,
			9, 10,
			11, 12,
		})

		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, b)

		// 1*7 + 2*9 + 3*11 = 7 + 18 + 33 = 58
		// 1*8 + 2*10 + 3*12 = 8 + 20 + 36 = 64
		// 4*7 + 5*9 + 6*11 = 28 + 45 + 66 = 139
		// 4*8 + 5*10 + 6*12 = 32 + 50 + 72 = 154
		expected := []float32{58, 64, 139, 154}
		data := c.ToHost()

		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-6 {
				t.Errorf("Mul mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("MulTransposed", func(t *testing.T) {
		// A: 2x3, B stored 2x3 but used as B^T: 3x2
		a := backend.NewTensor(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := backend.NewTensor(2, 3, []float32{
			7, 9, 11,
			8, 10, 12,
		})

		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, b.T())

		expected := []float32{58, 64, 139, 154}
		data := c.ToHost()

		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-6 {
				t.Errorf("Mul(A, B^T) mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("Scale", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		a.Scale(2.0)

		expected := []float32{2, 4, 6, 8}
		data := a.ToHost()

		for i, v := range expected {
			if data[i] != v {
				t.Errorf("Scale mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("AddBias", func(t *testing.T) {
		a := backend.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})
		bias := backend.NewTensor(1, 3, []float32{10, 20, 30})

		a.AddBias(bias)

		expected := []float32{11, 22, 33, 14, 25, 36}
		data := a.ToHost()

		for i, v := range expected {
			if data[i] != v {
				t.Errorf("AddBias mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("Softmax", func(t *testing.T) {
		a := backend.NewTensor(2, 4, []float32{1, 2, 3, 4, -1, 0, 1, 2})
		a.Softmax()

		data := a.ToHost()
		for row := 0; row < 2; row++ {
			var sum float32
			for j := 0; j < 4; j++ {
				sum += data[row*4+j]
			}
			if math.Abs(float64(sum-1.0)) > 1e-6 {
				t.Errorf("Softmax row %d sums to %f, want 1.0", row, sum)
			}
		}
	})

	t.Run("Linear", func(t *testing.T) {
		input := backend.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})
		weight := backend.NewTensor(3, 2, []float32{7, 8, 9, 10, 11, 12})
		bias := backend.NewTensor(1, 2, []float32{1, -1})

		scratch := backend.NewTensor(1, 1, nil)
		out := scratch.Linear(input, weight, bias)

		expected := []float32{59, 63, 140, 153}
		data := out.ToHost()

		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-5 {
				t.Errorf("Linear mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
		backend.PutTensor(out)
	})
}

func TestCPUBackend_LayerNorm(t *testing.T) {
	backend := NewCPUBackend()
	dim := 8

	gammaOnes := make([]float32, dim)
	for i := range gammaOnes {
		gammaOnes[i] = 1.0
	}
	gamma := backend.NewTensor(1, dim, gammaOnes)
	beta := backend.NewTensor(1, dim, nil)

	t.Run("ZeroMeanUnitVariance", func(t *testing.T) {
		data := []float32{3, -1, 4, 1, -5, 9, 2, -6}
		a := backend.NewTensor(1, dim, data)

		a.LayerNorm(gamma, beta, 1e-5)

		out := a.ToHost()
		var mean float64
		for _, v := range out {
			mean += float64(v)
		}
		mean /= float64(dim)

		var variance float64
		for _, v := range out {
			variance += (float64(v) - mean) * (float64(v) - mean)
		}
		variance /= float64(dim)

		if math.Abs(mean) > 1e-5 {
			t.Errorf("normalized mean = %g, want ~0", mean)
		}
		if math.Abs(variance-1.0) > 1e-3 {
			t.Errorf("normalized variance = %g, want ~1", variance)
		}
	})

	t.Run("GammaBetaAffine", func(t *testing.T) {
		g := make([]float32, dim)
		b := make([]float32, dim)
		for i := range g {
			g[i] = 2.0
			b[i] = 0.5
		}
		gamma2 := backend.NewTensor(1, dim, g)
		beta2 := backend.NewTensor(1, dim, b)

		data := []float32{3, -1, 4, 1, -5, 9, 2, -6}
		plain := backend.NewTensor(1, dim, data)
		scaled := backend.NewTensor(1, dim, data)

		plain.LayerNorm(gamma, beta, 1e-5)
		scaled.LayerNorm(gamma2, beta2, 1e-5)

		p := plain.ToHost()
		s := scaled.ToHost()
		for i := range p {
			want := p[i]*2.0 + 0.5
			if math.Abs(float64(s[i]-want)) > 1e-5 {
				t.Errorf("affine mismatch at %d: got %f, want %f", i, s[i], want)
			}
		}
	})

	t.Run("EachRowIndependent", func(t *testing.T) {
		// Two rows with very different scales must each normalize on their own
		data := make([]float32, 2*dim)
		for i := 0; i < dim; i++ {
			data[i] = float32(i)
			data[dim+i] = float32(i) * 1000
		}
		a := backend.NewTensor(2, dim, data)
		a.LayerNorm(gamma, beta, 1e-5)

		out := a.ToHost()
		for row := 0; row < 2; row++ {
			var mean float64
			for j := 0; j < dim; j++ {
				mean += float64(out[row*dim+j])
			}
			mean /= float64(dim)
			if math.Abs(mean) > 1e-4 {
				t.Errorf("row %d mean = %g, want ~0", row, mean)
			}
		}
	})
}

func BenchmarkCPUMul(b *testing.B) {
	backend := NewCPUBackend()
	size := 128
	a := backend.NewTensor(size, size, nil)
	x := backend.NewTensor(size, size, nil)
	c := backend.NewTensor(size, size, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Mul(a, x)
	}
}
