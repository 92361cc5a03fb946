package device

import (
	"log"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-bodkin/internal/cache"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// masks caches one causal mask per sequence length for the process lifetime.
var masks = cache.NewMapCache()

// maskNeg is the additive mask value for forbidden (future) positions.
// The most negative finite float32 is used instead of -Inf: exp of it still
// underflows to exactly 0 after the softmax max-subtraction, without the
// -Inf - (-Inf) = NaN hazard.
const maskNeg = -math.MaxFloat32

// causalMask returns the additive (seqLen x seqLen) causal mask, row-major:
// 0 where key j <= query i, maskNeg where j > i.
func causalMask(seqLen int) []float32 {
	return masks.GetOrBuild(seqLen, func(n int) []float32 {
		m := make([]float32, n*n)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				m[i*n+j] = maskNeg
			}
		}
		return m
	})
}

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
	}

	if data == nil {
		t.data = make([]float32, size)
	} else {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		t.data = make([]float32, size)
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic("Size mismatch")
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		log.Panic("Copying between different backends not supported")
	}

	tr, tc := t.Dims()
	fr, fc := ft.Dims()

	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans {
		copy(t.data, ft.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, ft.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j

	if sliceRows <= 0 || sliceCols <= 0 {
		panic("Slice: invalid dimensions")
	}

	// This is a copy, not a view.
	out := t.backend.NewTensor(sliceRows, sliceCols, nil)
	for rowIdx := 0; rowIdx < sliceRows; rowIdx++ {
		for colIdx := 0; colIdx < sliceCols; colIdx++ {
			out.Set(rowIdx, colIdx, t.At(i+rowIdx, j+colIdx))
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans, // Toggle transpose state
	}
}

// general maps the physical layout to a blas32.General descriptor plus the
// transpose flag blas needs to interpret it logically.
func (t *CPUTensor) general() (blas32.General, blas.Transpose) {
	g := blas32.General{
		Rows:   t.rows,
		Cols:   t.cols,
		Stride: t.cols,
		Data:   t.data,
	}
	if t.trans {
		return g, blas.Trans
	}
	return g, blas.NoTrans
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)

	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}
	if t.trans {
		log.Panic("Mul into transposed tensor view not supported")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()

	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}

	ga, ta := ma.general()
	gb, tb := mb.general()
	gc, _ := t.general()

	// sgemm via gonum; transposed views are handled by blas itself, so a
	// K^T operand costs no data movement.
	blas32.Gemm(ta, tb, 1, ga, gb, 0, gc)
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()

	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, t.At(i, j)+ot.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) Scale(val float32) {
	for i := range t.data {
		t.data[i] *= val
	}
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt, ok := bias.(*CPUTensor)
	if !ok {
		panic("Mixed backend AddBias")
	}

	r, c := t.Dims()
	br, bc := bias.Dims()

	if br != 1 && bc != 1 {
		panic("AddBias: bias must be a vector (1xN or Nx1)")
	}

	var biasData []float32
	if bt.trans {
		biasData = make([]float32, c)
		if br == 1 { // bias is 1xc
			for i := 0; i < c; i++ {
				biasData[i] = bt.At(0, i)
			}
		} else { // bias is cx1
			for i := 0; i < c; i++ {
				biasData[i] = bt.At(i, 0)
			}
		}
	} else {
		biasData = bt.data
	}

	if len(biasData) != c {
		panic("AddBias: bias length mismatch with tensor columns")
	}

	if t.trans {
		log.Panic("AddBias not supported on transposed tensor views directly")
	}

	data := t.data
	for i := 0; i < r; i++ {
		row := data[i*c : (i+1)*c]
		simd.VecAdd(row, biasData)
	}
}

func (t *CPUTensor) Softmax() {
	if t.trans {
		panic("Softmax on transposed")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		rowStart := i * c
		simd.Softmax(t.data[rowStart : rowStart+c])
	}
}

func (t *CPUTensor) Gelu() {
	if t.trans {
		log.Panic("Gelu not supported on transposed tensor views directly")
	}
	simd.Gelu(t.data)
}

// LayerNorm normalizes each row in-place using the raw-moment variance
// E[x^2] - E[x]^2. The two-pass centered form is better conditioned for
// pathological inputs, but the single-pass raw-moment form is what the GPT-2
// reference computes, and the rounding difference is observable at float32.
func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gt, ok1 := gamma.(*CPUTensor)
	bt, ok2 := beta.(*CPUTensor)
	if !ok1 || !ok2 {
		panic("Mixed backend LayerNorm")
	}

	if t.trans {
		log.Panic("LayerNorm not supported on transposed tensor views directly")
	}
	data := t.data

	var gammaData, betaData []float32
	_, gc := gt.Dims()
	_, bc := bt.Dims()

	if gt.trans {
		gammaData = make([]float32, gc)
		for i := 0; i < gc; i++ {
			gammaData[i] = gt.At(0, i)
		}
	} else {
		gammaData = gt.data
	}

	if bt.trans {
		betaData = make([]float32, bc)
		for i := 0; i < bc; i++ {
			betaData[i] = bt.At(0, i)
		}
	} else {
		betaData = bt.data
	}

	r, c := t.Dims()

	if len(gammaData) < c || len(betaData) < c {
		log.Panic("LayerNorm params dim mismatch")
	}

	for i := 0; i < r; i++ {
		rowStart := i * c
		row := data[rowStart : rowStart+c]

		var sum, sumSq float32
		for _, v := range row {
			sum += v
			sumSq += v * v
		}
		mean := sum / float32(c)
		variance := sumSq/float32(c) - mean*mean
		invStd := 1.0 / float32(math.Sqrt(float64(variance+eps)))

		for j := 0; j < c; j++ {
			row[j] = (row[j]-mean)*invStd*gammaData[j] + betaData[j]
		}
	}
}

func (t *CPUTensor) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := t.backend.GetTensor(r, wc)
	result.Mul(input, weight)

	if bias != nil {
		result.AddBias(bias)
	}

	return result
}

func (t *CPUTensor) LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor {
	result := t.Linear(input, weight, bias)

	switch activation {
	case ActivationGELU:
		result.Gelu()
	case ActivationIdentity:
		// No-op
	}

	return result
}

// CausalAttention computes masked scaled dot product attention fused over
// (batch, head) pairs. The two axes are independent, so jobs are distributed
// over a worker pool; every job writes a disjoint region of the output and
// the per-row summation order is fixed, keeping results reproducible.
func (t *CPUTensor) CausalAttention(q, k, v Tensor, batchSize, seqLen, numHeads int, scale float32) Tensor {
	qt := q.(*CPUTensor)
	kt := k.(*CPUTensor)
	vt := v.(*CPUTensor)

	r, c := qt.Dims()
	if r != batchSize*seqLen {
		panic("CausalAttention: dims mismatch")
	}
	if c%numHeads != 0 {
		panic("CausalAttention: cols not divisible by numHeads")
	}
	headDim := c / numHeads

	mask := causalMask(seqLen)

	result := t.backend.NewTensor(r, c, nil)
	rst := result.(*CPUTensor)

	jobs := batchSize * numHeads
	workers := numWorkers
	if jobs < workers {
		workers = jobs
	}

	jobsPerWorker := (jobs + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		startJob := w * jobsPerWorker
		endJob := startJob + jobsPerWorker
		if startJob >= jobs {
			break
		}
		if endJob > jobs {
			endJob = jobs
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			scoresBuf := make([]float32, seqLen*seqLen)

			for job := start; job < end; job++ {
				b := job / numHeads
				h := job % numHeads

				rowBase := b * seqLen
				colOff := h * headDim

				// Scores = Q_h * K_h^T * scale + mask
				for i := 0; i < seqLen; i++ {
					qIdx := (rowBase+i)*c + colOff
					qRow := qt.data[qIdx : qIdx+headDim]

					scoresRow := scoresBuf[i*seqLen : (i+1)*seqLen]
					maskRow := mask[i*seqLen : (i+1)*seqLen]

					for j := 0; j < seqLen; j++ {
						kIdx := (rowBase+j)*c + colOff
						kRow := kt.data[kIdx : kIdx+headDim]

						scoresRow[j] = simd.DotProduct(qRow, kRow)*scale + maskRow[j]
					}
				}

				// Row-wise softmax; masked entries come out exactly 0.
				for i := 0; i < seqLen; i++ {
					simd.Softmax(scoresBuf[i*seqLen : (i+1)*seqLen])
				}

				// Out_h = Scores * V_h, accumulated in key order over the
				// visible prefix only (weights past i are exactly 0).
				for i := 0; i < seqLen; i++ {
					outIdx := (rowBase+i)*c + colOff
					outRow := rst.data[outIdx : outIdx+headDim]

					scoresRow := scoresBuf[i*seqLen : (i+1)*seqLen]

					for j := 0; j <= i; j++ {
						vIdx := (rowBase+j)*c + colOff
						vRow := vt.data[vIdx : vIdx+headDim]

						simd.VecAddScaled(outRow, vRow, scoresRow[j])
					}
				}
			}
		}(startJob, endJob)
	}
	wg.Wait()

	return result
}

func (t *CPUTensor) HasNaN() bool {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
