package transformer

// Tensor is a dense row-major float32 tensor.
// All kernels in this package operate on the flat Data slice with manual
// index arithmetic, so Shape is descriptive bookkeeping rather than a
// strided view.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor allocates a zero-filled tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Data: make([]float32, n), Shape: s}
}

// NewTensorFromSlice wraps data in a tensor with the given shape.
// Returns nil if the shape does not match the data length.
func NewTensorFromSlice(data []float32, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Data: data, Shape: s}
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// ZerosLike returns a zero tensor with the same shape.
func (t *Tensor) ZerosLike() *Tensor {
	return NewTensor(t.Shape...)
}

// Reshape returns a view-copy with a new shape, or nil if the element
// counts disagree.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(t.Data) {
		return nil
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Data: t.Data, Shape: s}
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// MaxAbsDiff calculates the maximum absolute difference between two slices.
func MaxAbsDiff(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	m := 0.0
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m
}

// Mean returns the mean value of a slice.
func Mean(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	sum := float32(0)
	for _, x := range v {
		sum += x
	}
	return sum / float32(len(v))
}
