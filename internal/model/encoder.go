package model

import (
	"fmt"

	"github.com/samcharles93/flexbert/internal/padding"
	"github.com/samcharles93/flexbert/internal/tensor"
)

// Encoder is the stack of encoder layers followed by the final norm. It
// runs entirely on packed tokens; padding is removed on entry and restored
// on exit.
type Encoder struct {
	Layers    []*EncoderLayer
	FinalNorm Norm
}

// Forward packs hidden [B, S, H] with mask, runs every layer and returns
// the padded [B, S, H] result. Masked positions of the result are zero.
func (e *Encoder) Forward(hidden *tensor.Tensor, mask tensor.Mask) (*tensor.Tensor, error) {
	up, err := padding.UnpadInput(hidden, mask)
	if err != nil {
		return nil, err
	}
	packed, err := e.ForwardPacked(up.Hidden, up.CuSeqlens, up.MaxLen)
	if err != nil {
		return nil, err
	}
	return padding.PadInput(packed, up.Indices, up.Batch, up.SeqLen)
}

// ForwardWith is Forward for callers that already computed bk for mask.
func (e *Encoder) ForwardWith(hidden *tensor.Tensor, mask tensor.Mask, bk *padding.Bookkeeping) (*tensor.Tensor, error) {
	packed, err := e.PackedWith(hidden, mask, bk)
	if err != nil {
		return nil, err
	}
	return padding.PadInput(packed, bk.Indices, bk.Batch, bk.SeqLen)
}

// PackedWith packs hidden and runs the layers, returning packed output.
func (e *Encoder) PackedWith(hidden *tensor.Tensor, mask tensor.Mask, bk *padding.Bookkeeping) (*tensor.Tensor, error) {
	x, err := padding.UnpadInputOnly(hidden, mask)
	if err != nil {
		return nil, err
	}
	return e.ForwardPacked(x, bk.CuSeqlens, bk.MaxLen)
}

// ForwardPacked runs the layers over packed x [N, H]. cuSeqlens and maxLen
// are shared by every layer.
func (e *Encoder) ForwardPacked(x *tensor.Tensor, cuSeqlens []int, maxLen int) (*tensor.Tensor, error) {
	if x.Rank() != 2 {
		return nil, fmt.Errorf("%w: packed hidden states must be [tokens hidden], got %v", padding.ErrShapeMismatch, x.Shape)
	}
	if err := padding.ValidateCuSeqlens(cuSeqlens, x.Shape[0], maxLen); err != nil {
		return nil, err
	}
	h := x.Mat()
	for i, layer := range e.Layers {
		out, err := layer.Forward(&h, cuSeqlens, maxLen)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		h = out
	}
	if e.FinalNorm != nil {
		normed := tensor.NewMat(h.R, h.C)
		applyRows(e.FinalNorm, &normed, &h)
		h = normed
	}
	return h.Tensor(), nil
}
