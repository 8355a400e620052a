package attention

import (
	"fmt"

	"github.com/samcharles93/flexbert/internal/tensor"
)

// SelfAttention is an unpadded multi-head self-attention block with a fused
// QKV projection. It maps packed [N, Hidden] to packed [N, Hidden].
type SelfAttention struct {
	NumHeads int
	Hidden   int

	Wqkv tensor.Mat // [3*Hidden, Hidden]
	Bqkv []float32  // [3*Hidden], optional
	Wo   tensor.Mat // [Hidden, Hidden]
	Bo   []float32  // [Hidden], optional

	Slopes   []float32
	Strategy Strategy
	Pool     *Pool
}

// NewSelfAttention allocates zero weights with ALiBi slopes for numHeads.
func NewSelfAttention(hidden, numHeads int, bias bool) (*SelfAttention, error) {
	if numHeads <= 0 || hidden <= 0 || hidden%numHeads != 0 {
		return nil, fmt.Errorf("%w: hidden %d with %d heads", ErrInvalidShape, hidden, numHeads)
	}
	a := &SelfAttention{
		NumHeads: numHeads,
		Hidden:   hidden,
		Wqkv:     tensor.NewMat(3*hidden, hidden),
		Wo:       tensor.NewMat(hidden, hidden),
		Slopes:   ALiBiSlopes(numHeads),
	}
	if bias {
		a.Bqkv = make([]float32, 3*hidden)
		a.Bo = make([]float32, hidden)
	}
	return a, nil
}

// Forward runs attention over the packed rows of x. cuSeqlens and maxLen
// describe the sequences inside x and are usually shared by every layer of
// an encoder.
func (a *SelfAttention) Forward(x *tensor.Mat, cuSeqlens []int, maxLen int) (tensor.Mat, error) {
	if x.C != a.Hidden {
		return tensor.Mat{}, fmt.Errorf("%w: input width %d, hidden %d", ErrInvalidShape, x.C, a.Hidden)
	}
	n, h := x.R, a.Hidden

	qkv := tensor.NewMat(n, 3*h)
	tensor.Linear(&qkv, x, &a.Wqkv, a.Bqkv)

	q := stridedView(&qkv, 0, h)
	k := stridedView(&qkv, h, h)
	v := stridedView(&qkv, 2*h, h)

	ctx := tensor.NewMat(n, h)
	err := Attend(&ctx, &q, &k, &v, cuSeqlens, maxLen, Options{
		NumHeads: a.NumHeads,
		Slopes:   a.Slopes,
		Strategy: a.Strategy,
		Pool:     a.Pool,
	})
	if err != nil {
		return tensor.Mat{}, err
	}

	out := tensor.NewMat(n, h)
	tensor.Linear(&out, &ctx, &a.Wo, a.Bo)
	return out, nil
}

// stridedView selects columns [off, off+width) of every row of m.
func stridedView(m *tensor.Mat, off, width int) tensor.Mat {
	if m.R == 0 {
		return tensor.Mat{R: 0, C: width, Stride: m.Stride}
	}
	return tensor.Mat{
		R:      m.R,
		C:      width,
		Stride: m.Stride,
		Data:   m.Data[off : (m.R-1)*m.Stride+off+width],
	}
}
