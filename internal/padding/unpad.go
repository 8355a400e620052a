package padding

import (
	"fmt"

	"github.com/samcharles93/flexbert/internal/tensor"
)

// Unpadded is a packed batch together with the bookkeeping needed to run
// attention on it and to restore the padded layout afterwards.
type Unpadded struct {
	// Hidden is the packed tensor [TotalTokens, D...].
	Hidden *tensor.Tensor
	*Bookkeeping
}

// UnpadInput packs hidden [Batch, SeqLen, D...] according to mask and returns
// the packed tensor with its indices, cumulative lengths and max length.
func UnpadInput(hidden *tensor.Tensor, mask tensor.Mask) (*Unpadded, error) {
	if err := checkMaskShape(hidden, mask); err != nil {
		return nil, err
	}
	bk, err := ComputeBookkeeping(mask)
	if err != nil {
		return nil, err
	}
	packed, err := NewPackOp(bk).Forward(hidden)
	if err != nil {
		return nil, err
	}
	return &Unpadded{Hidden: packed, Bookkeeping: bk}, nil
}

// UnpadInputOnly packs hidden without returning bookkeeping. It serves call
// sites that already hold CuSeqlens and MaxLen for an unchanged mask.
func UnpadInputOnly(hidden *tensor.Tensor, mask tensor.Mask) (*tensor.Tensor, error) {
	if err := checkMaskShape(hidden, mask); err != nil {
		return nil, err
	}
	indices, err := Indices(mask)
	if err != nil {
		return nil, err
	}
	flat, err := flattenBatch(hidden, mask.Batch, mask.SeqLen)
	if err != nil {
		return nil, err
	}
	return IndexFirstAxis(flat, indices)
}

// PadInput restores a packed tensor [len(indices), D...] to
// [batch, seqLen, D...], writing zeros at every position not named by indices.
func PadInput(packed *tensor.Tensor, indices []int, batch, seqLen int) (*tensor.Tensor, error) {
	op := &IndexPutFirstAxisOp{Indices: indices, Batch: batch, SeqLen: seqLen}
	return op.Forward(packed)
}

func checkMaskShape(hidden *tensor.Tensor, mask tensor.Mask) error {
	if hidden.Rank() < 2 {
		return fmt.Errorf("%w: hidden states must be at least [batch seq], got %v", ErrShapeMismatch, hidden.Shape)
	}
	if hidden.Shape[0] != mask.Batch || hidden.Shape[1] != mask.SeqLen {
		return fmt.Errorf("%w: hidden %v vs mask [%d %d]", ErrShapeMismatch, hidden.Shape, mask.Batch, mask.SeqLen)
	}
	return nil
}
