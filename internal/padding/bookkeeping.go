// Package padding converts between the padded [batch, seq, ...] layout that
// callers use and the packed [tokens, ...] layout the encoder runs on.
//
// Packing keeps only the valid tokens of a batch, in row-major (b, s) order.
// The cumulative sequence lengths (CuSeqlens) delimit each original sequence
// inside the packed tensor so attention can be computed per sequence without
// ever touching padding.
package padding

import (
	"errors"
	"fmt"

	"github.com/samcharles93/flexbert/internal/tensor"
)

var (
	// ErrEmptySequence is returned when a mask row has no valid token.
	ErrEmptySequence = errors.New("padding: sequence has no valid tokens")
	// ErrIndexOutOfRange is returned when a gather/scatter index falls
	// outside the first axis of the tensor it addresses.
	ErrIndexOutOfRange = errors.New("padding: index out of range")
	// ErrDuplicateIndex is returned when a scatter would write one row twice.
	ErrDuplicateIndex = errors.New("padding: duplicate index")
	// ErrShapeMismatch is returned when tensor, mask and index shapes disagree.
	ErrShapeMismatch = errors.New("padding: shape mismatch")
)

// Bookkeeping is the per-batch metadata derived from a validity mask.
type Bookkeeping struct {
	// Lengths[b] is the number of valid tokens in row b.
	Lengths []int
	// Indices are the row-major positions of valid tokens in the flattened
	// [Batch*SeqLen] axis, strictly increasing.
	Indices []int
	// CuSeqlens is the exclusive prefix sum of Lengths (Batch+1 entries).
	CuSeqlens []int
	// MaxLen is the largest entry of Lengths.
	MaxLen int

	Batch, SeqLen int
}

// ComputeBookkeeping derives lengths, flat indices, cumulative offsets and the
// maximum length from mask. Every row must contain at least one valid token.
// The result is a pure function of the mask.
func ComputeBookkeeping(mask tensor.Mask) (*Bookkeeping, error) {
	if len(mask.Data) != mask.Batch*mask.SeqLen {
		return nil, fmt.Errorf("%w: mask data length %d for shape [%d %d]", ErrShapeMismatch, len(mask.Data), mask.Batch, mask.SeqLen)
	}
	bk := &Bookkeeping{
		Lengths:   make([]int, mask.Batch),
		Indices:   make([]int, 0, mask.Count()),
		CuSeqlens: make([]int, mask.Batch+1),
		Batch:     mask.Batch,
		SeqLen:    mask.SeqLen,
	}
	for b := 0; b < mask.Batch; b++ {
		row := mask.Row(b)
		n := 0
		for s, valid := range row {
			if valid {
				bk.Indices = append(bk.Indices, b*mask.SeqLen+s)
				n++
			}
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: row %d", ErrEmptySequence, b)
		}
		bk.Lengths[b] = n
		bk.CuSeqlens[b+1] = bk.CuSeqlens[b] + n
		if n > bk.MaxLen {
			bk.MaxLen = n
		}
	}
	return bk, nil
}

// Indices returns only the flat valid-token positions of mask, applying the
// same validation as ComputeBookkeeping.
func Indices(mask tensor.Mask) ([]int, error) {
	bk, err := ComputeBookkeeping(mask)
	if err != nil {
		return nil, err
	}
	return bk.Indices, nil
}

// TotalTokens returns the number of packed rows.
func (bk *Bookkeeping) TotalTokens() int {
	return bk.CuSeqlens[len(bk.CuSeqlens)-1]
}

// Span returns the packed row range [start, end) of sequence b.
func (bk *Bookkeeping) Span(b int) (start, end int) {
	return bk.CuSeqlens[b], bk.CuSeqlens[b+1]
}

// ValidateCuSeqlens checks that cuSeqlens is a well formed offset table for a
// packed tensor with total rows and that maxLen bounds every span.
func ValidateCuSeqlens(cuSeqlens []int, total, maxLen int) error {
	if len(cuSeqlens) < 2 {
		return fmt.Errorf("%w: cu_seqlens needs at least 2 entries, got %d", ErrShapeMismatch, len(cuSeqlens))
	}
	if cuSeqlens[0] != 0 {
		return fmt.Errorf("%w: cu_seqlens[0] = %d, want 0", ErrShapeMismatch, cuSeqlens[0])
	}
	for b := 1; b < len(cuSeqlens); b++ {
		n := cuSeqlens[b] - cuSeqlens[b-1]
		if n <= 0 {
			return fmt.Errorf("%w: sequence %d", ErrEmptySequence, b-1)
		}
		if n > maxLen {
			return fmt.Errorf("%w: sequence %d has length %d > max_len %d", ErrShapeMismatch, b-1, n, maxLen)
		}
	}
	if last := cuSeqlens[len(cuSeqlens)-1]; last != total {
		return fmt.Errorf("%w: cu_seqlens ends at %d, packed tensor has %d rows", ErrShapeMismatch, last, total)
	}
	return nil
}
