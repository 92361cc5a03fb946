package device

// Tensor represents a two-dimensional array of float32 data. Higher-rank
// hidden states (batch, seq, dim) are carried flattened as (batch*seq, dim)
// row-major; batch and sequence sizes travel alongside as plain ints.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice when it is contiguous in logical
	// order (nil for transposed views).
	Data() []float32

	// ToHost copies the data to a freshly allocated Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice to the tensor.
	CopyFromFloat32(data []float32)

	// Operations

	// Copy copies content from another tensor.
	Copy(from Tensor)

	// Slice copies the rectangle [i,k) x [j,l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns the transpose view. Data is shared, not copied.
	T() Tensor

	// Mul performs matrix multiplication.
	// Convention: t.Mul(a, b) means t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddBias adds a bias vector (broadcast) to each row.
	AddBias(bias Tensor)

	// Activation functions (in-place)
	Softmax()
	Gelu()

	// LayerNorm normalizes each row to zero mean and unit variance, then
	// applies the gamma/beta affine (in-place). The variance uses the raw
	// second moment, E[x^2] - E[x]^2, matching the GPT-2 reference rounding
	// behavior exactly.
	LayerNorm(gamma, beta Tensor, eps float32)

	// Linear performs a fused MatMul + BiasAdd.
	// Equivalent to: out.Mul(input, weight); out.AddBias(bias)
	// Returns a pooled result tensor.
	Linear(input, weight, bias Tensor) Tensor

	// LinearActivation performs Linear followed by Activation.
	LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor

	// CausalAttention performs fused masked scaled dot product attention:
	// Softmax(mask(Q * K^T * scale)) * V, computed independently per
	// (batch, head) pair. q, k, v are flattened (batch*seq, numHeads*headDim)
	// with head subspaces laid out contiguously along the feature axis.
	// Returns flattened (batch*seq, numHeads*headDim) with heads merged in
	// head order.
	CausalAttention(q, k, v Tensor, batchSize, seqLen, numHeads int, scale float32) Tensor

	// HasNaN reports whether the tensor contains any NaN or Inf value.
	// Diagnostic scan; O(rows*cols).
	HasNaN() bool
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationGELU
)

// Backend creates tensors and manages their memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
