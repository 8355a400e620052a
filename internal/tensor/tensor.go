package tensor

import (
	"fmt"
	"slices"
)

// Tensor is a dense row-major float32 array with an explicit shape.
//
// The first axis is the "row" axis used by the packing operations: a tensor of
// shape [B, S, D...] is treated as B*S rows of width prod(D...) once its first
// two axes are flattened.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	n, err := numel(shape)
	if err != nil {
		panic(err.Error())
	}
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, n)}
}

// FromData wraps data with shape. The data slice is not copied.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return len(t.Data) }

// Width returns the product of the axes from axis onwards, i.e. the number of
// elements in one "row" when the leading axes are flattened together.
func (t *Tensor) Width(axis int) int {
	w := 1
	for _, d := range t.Shape[axis:] {
		w *= d
	}
	return w
}

// Reshape returns a view with a new shape over the same storage.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Mat views a tensor of rank >= 1 as a matrix [Shape[0], Width(1)].
func (t *Tensor) Mat() Mat {
	if len(t.Shape) == 0 {
		panic("scalar tensor has no matrix view")
	}
	return NewMatFromData(t.Shape[0], t.Width(1), t.Data)
}

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.offset(idx)]
}

// Set writes v at the given multi-index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.Data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic("index rank mismatch")
	}
	off := 0
	for i, d := range t.Shape {
		if idx[i] < 0 || idx[i] >= d {
			panic("tensor index out of range")
		}
		off = off*d + idx[i]
	}
	return off
}

func numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("shape %v too large", shape)
		}
		n *= d
	}
	return n, nil
}
