package tensor

import (
	"fmt"
	"slices"
)

// Tensor is a small n-dimensional float buffer used at the boundary between
// the model and its callers (logits, hidden states). Values are stored as
// float32 but have already been rounded to DType.
type Tensor struct {
	Shape []int
	DType DType
	Data  []float32
}

// New allocates a zeroed tensor.
func New(dtype DType, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: slices.Clone(shape), DType: dtype, Data: make([]float32, n)}
}

// FromRows stacks equally sized rows into a [len(rows), 1, width] tensor.
func FromRows(dtype DType, rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("from rows: no rows")
	}
	width := len(rows[0])
	t := New(dtype, len(rows), 1, width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("from rows: row %d has %d values, want %d", i, len(r), width)
		}
		copy(t.Data[i*width:], r)
	}
	Round(t.Data, dtype)
	return t, nil
}

// Dims returns the tensor rank.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Index returns a view of entry i along the leading dimension, keeping the
// remaining dimensions.
func (t *Tensor) Index(i int) (*Tensor, error) {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("index %d out of range for shape %v", i, t.Shape)
	}
	stride := len(t.Data) / t.Shape[0]
	return &Tensor{
		Shape: slices.Clone(t.Shape[1:]),
		DType: t.DType,
		Data:  t.Data[i*stride : (i+1)*stride],
	}, nil
}

// Squeeze drops every unit dimension.
func (t *Tensor) Squeeze() *Tensor {
	shape := make([]int, 0, len(t.Shape))
	for _, d := range t.Shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	if len(shape) == 0 && len(t.Data) == 1 {
		shape = []int{1}
	}
	return &Tensor{Shape: shape, DType: t.DType, Data: t.Data}
}

// ToF32 returns a copy of the values as a flat float32 vector.
func (t *Tensor) ToF32() []float32 {
	return slices.Clone(t.Data)
}
