package tensor

import (
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Weight matrices follow the [out, in] layout used by checkpoint files, so a
// projection of a row x is W·x with one output per row of W.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps existing data. It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row. Writes through the slice update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Tensor views the matrix as a rank-2 tensor sharing the same storage.
func (m *Mat) Tensor() *Tensor {
	if m.Stride != m.C {
		panic("strided matrix cannot be viewed as a tensor")
	}
	return &Tensor{Shape: []int{m.R, m.C}, Data: m.Data}
}

// FillRand fills the matrix with reproducible pseudo‑random values in
// roughly (-scale/2, scale/2).  Multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64, scale float32) {
	FillRandSlice(m.Data, seed, scale)
}

// FillRandSlice is FillRand for a bare slice.
func FillRandSlice(dst []float32, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = (rng.Float32() - 0.5) * scale
	}
}
