package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense float32 tensor in row-major layout. Image batches use
// NCHW order. Grad is allocated lazily when RequiresGrad is set and a metric
// back-propagates through the tensor.
type Tensor struct {
	data    []float32
	dims    []int
	strides []int

	RequiresGrad bool
	Grad         []float32
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func computeStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

func validateDims(dims []int) error {
	if len(dims) == 0 {
		return fmt.Errorf("tensor: empty shape")
	}
	for i, d := range dims {
		if d <= 0 {
			return fmt.Errorf("tensor: invalid dim %d at axis %d (must be positive)", d, i)
		}
	}
	return nil
}

// New allocates a zero tensor with the given shape.
func New(dims ...int) (*Tensor, error) {
	if err := validateDims(dims); err != nil {
		return nil, err
	}
	d := make([]int, len(dims))
	copy(d, dims)
	return &Tensor{
		data:    make([]float32, product(d)),
		dims:    d,
		strides: computeStrides(d),
	}, nil
}

// FromData wraps data in a tensor of the given shape. The slice is not copied.
func FromData(data []float32, dims ...int) (*Tensor, error) {
	if err := validateDims(dims); err != nil {
		return nil, err
	}
	if len(data) != product(dims) {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (need %d)",
			len(data), dims, product(dims))
	}
	d := make([]int, len(dims))
	copy(d, dims)
	return &Tensor{
		data:    data,
		dims:    d,
		strides: computeStrides(d),
	}, nil
}

// Scalar wraps a single value in a rank-1 tensor of length 1.
func Scalar(v float32) *Tensor {
	t, _ := FromData([]float32{v}, 1)
	return t
}

// Randn fills a new tensor with standard-normal values from rng. Checks that
// need reproducible random inputs pass a seeded source.
func Randn(rng *rand.Rand, dims ...int) (*Tensor, error) {
	t, err := New(dims...)
	if err != nil {
		return nil, err
	}
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64())
	}
	return t, nil
}

func (t *Tensor) Dims() []int {
	return t.dims
}

func (t *Tensor) Strides() []int {
	return t.strides
}

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) NumElements() int {
	return product(t.dims)
}

// At returns the element at flat row-major index i.
func (t *Tensor) At(i int) float32 {
	return t.data[i]
}

// Set writes the element at flat row-major index i.
func (t *Tensor) Set(i int, v float32) {
	t.data[i] = v
}

// SameShape reports whether both tensors have identical dims.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.dims) != len(o.dims) {
		return false
	}
	for i := range t.dims {
		if t.dims[i] != o.dims[i] {
			return false
		}
	}
	return true
}

// Clone deep-copies data and shape. Grad is not carried over.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	c, _ := FromData(data, t.dims...)
	return c
}

// Squeeze returns a view with all length-1 axes removed. A tensor whose every
// axis is 1 squeezes to shape [1] so it stays indexable.
func (t *Tensor) Squeeze() *Tensor {
	dims := make([]int, 0, len(t.dims))
	for _, d := range t.dims {
		if d != 1 {
			dims = append(dims, d)
		}
	}
	if len(dims) == 0 {
		dims = []int{1}
	}
	s, _ := FromData(t.data, dims...)
	s.RequiresGrad = t.RequiresGrad
	s.Grad = t.Grad
	return s
}

// Sum reduces all elements to a float64 accumulator.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.data {
		s += float64(v)
	}
	return s
}

// Float64s converts the data to a float64 slice for tolerance comparison.
func (t *Tensor) Float64s() []float64 {
	out := make([]float64, len(t.data))
	for i, v := range t.data {
		out[i] = float64(v)
	}
	return out
}

// EnsureGrad allocates zeroed gradient storage if missing.
func (t *Tensor) EnsureGrad() []float32 {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.data))
	}
	return t.Grad
}

// GradNaNCount counts NaN entries in the gradient. A nil gradient counts as
// every entry NaN, since back-propagation never reached the tensor.
func (t *Tensor) GradNaNCount() int {
	if t.Grad == nil {
		return len(t.data)
	}
	n := 0
	for _, v := range t.Grad {
		if math.IsNaN(float64(v)) {
			n++
		}
	}
	return n
}

// Free releases the underlying storage.
func (t *Tensor) Free() {
	t.data = nil
	t.Grad = nil
}

// Stack concatenates equally-shaped tensors along a new leading axis.
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("tensor: stack of zero tensors")
	}
	first := tensors[0]
	for i, t := range tensors[1:] {
		if !first.SameShape(t) {
			return nil, fmt.Errorf("tensor: stack shape mismatch at %d: %v vs %v",
				i+1, t.dims, first.dims)
		}
	}
	dims := append([]int{len(tensors)}, first.dims...)
	out, err := New(dims...)
	if err != nil {
		return nil, err
	}
	step := first.NumElements()
	for i, t := range tensors {
		copy(out.data[i*step:(i+1)*step], t.data)
	}
	return out, nil
}
