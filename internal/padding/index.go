package padding

import (
	"fmt"
	"slices"

	"github.com/samcharles93/flexbert/internal/tensor"
)

// IndexFirstAxis gathers rows of x along its first axis:
// out[k] = x[indices[k]]. The trailing axes are preserved and the values are
// copied bit for bit.
func IndexFirstAxis(x *tensor.Tensor, indices []int) (*tensor.Tensor, error) {
	if x.Rank() < 1 {
		return nil, fmt.Errorf("%w: cannot index a scalar", ErrShapeMismatch)
	}
	rows := x.Shape[0]
	width := x.Width(1)
	shape := append([]int{len(indices)}, x.Shape[1:]...)
	out := tensor.New(shape...)
	for k, idx := range indices {
		if idx < 0 || idx >= rows {
			return nil, fmt.Errorf("%w: index %d at position %d, first axis has %d rows", ErrIndexOutOfRange, idx, k, rows)
		}
		copy(out.Data[k*width:(k+1)*width], x.Data[idx*width:(idx+1)*width])
	}
	return out, nil
}

// IndexPutFirstAxis scatters the rows of values into a fresh zero tensor with
// firstDim rows: out[indices[k]] = values[k]. Rows not named by indices stay
// zero. Each index may appear at most once.
func IndexPutFirstAxis(values *tensor.Tensor, indices []int, firstDim int) (*tensor.Tensor, error) {
	if values.Rank() < 1 {
		return nil, fmt.Errorf("%w: cannot scatter a scalar", ErrShapeMismatch)
	}
	if values.Shape[0] != len(indices) {
		return nil, fmt.Errorf("%w: %d value rows for %d indices", ErrShapeMismatch, values.Shape[0], len(indices))
	}
	if firstDim < 0 {
		return nil, fmt.Errorf("%w: negative first dimension %d", ErrShapeMismatch, firstDim)
	}
	width := values.Width(1)
	shape := append([]int{firstDim}, values.Shape[1:]...)
	out := tensor.New(shape...)
	written := make([]bool, firstDim)
	for k, idx := range indices {
		if idx < 0 || idx >= firstDim {
			return nil, fmt.Errorf("%w: index %d at position %d, first axis has %d rows", ErrIndexOutOfRange, idx, k, firstDim)
		}
		if written[idx] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, idx)
		}
		written[idx] = true
		copy(out.Data[idx*width:(idx+1)*width], values.Data[k*width:(k+1)*width])
	}
	return out, nil
}

// Op is a differentiable operation with an explicit backward rule.
type Op interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
}

// IndexFirstAxisOp packs a [Batch, SeqLen, D...] tensor into [len(Indices), D...].
// Its backward rule is the forward of IndexPutFirstAxisOp over the same
// indices: the incoming gradient is scattered into zeros.
type IndexFirstAxisOp struct {
	Indices       []int
	Batch, SeqLen int
}

// IndexPutFirstAxisOp unpacks [len(Indices), D...] into a zero-filled
// [Batch, SeqLen, D...]. Its backward rule gathers the gradient rows at
// Indices and drops the rest.
type IndexPutFirstAxisOp struct {
	Indices       []int
	Batch, SeqLen int
}

// Inverse returns the op whose forward is the backward of op, or nil when op
// has no registered pair.
func Inverse(op Op) Op {
	switch o := op.(type) {
	case *IndexFirstAxisOp:
		return o.Inverse()
	case *IndexPutFirstAxisOp:
		return o.Inverse()
	default:
		return nil
	}
}

// NewPackOp builds the gather op for bk.
func NewPackOp(bk *Bookkeeping) *IndexFirstAxisOp {
	return &IndexFirstAxisOp{Indices: bk.Indices, Batch: bk.Batch, SeqLen: bk.SeqLen}
}

// Inverse returns the paired unpack op.
func (o *IndexFirstAxisOp) Inverse() *IndexPutFirstAxisOp {
	return &IndexPutFirstAxisOp{Indices: o.Indices, Batch: o.Batch, SeqLen: o.SeqLen}
}

func (o *IndexFirstAxisOp) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	flat, err := flattenBatch(x, o.Batch, o.SeqLen)
	if err != nil {
		return nil, err
	}
	return IndexFirstAxis(flat, o.Indices)
}

func (o *IndexFirstAxisOp) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return o.Inverse().Forward(grad)
}

// Inverse returns the paired pack op.
func (o *IndexPutFirstAxisOp) Inverse() *IndexFirstAxisOp {
	return &IndexFirstAxisOp{Indices: o.Indices, Batch: o.Batch, SeqLen: o.SeqLen}
}

func (o *IndexPutFirstAxisOp) Forward(values *tensor.Tensor) (*tensor.Tensor, error) {
	flat, err := IndexPutFirstAxis(values, o.Indices, o.Batch*o.SeqLen)
	if err != nil {
		return nil, err
	}
	shape := append([]int{o.Batch, o.SeqLen}, values.Shape[1:]...)
	return flat.Reshape(shape...)
}

func (o *IndexPutFirstAxisOp) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return o.Inverse().Forward(grad)
}

// flattenBatch views x [Batch, SeqLen, D...] as [Batch*SeqLen, D...].
func flattenBatch(x *tensor.Tensor, batch, seqLen int) (*tensor.Tensor, error) {
	if x.Rank() < 2 || x.Shape[0] != batch || x.Shape[1] != seqLen {
		return nil, fmt.Errorf("%w: tensor shape %v, want [%d %d ...]", ErrShapeMismatch, x.Shape, batch, seqLen)
	}
	shape := append([]int{batch * seqLen}, slices.Clone(x.Shape[2:])...)
	return x.Reshape(shape...)
}
