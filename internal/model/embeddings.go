package model

import (
	"fmt"

	"github.com/samcharles93/flexbert/internal/padding"
	"github.com/samcharles93/flexbert/internal/tensor"
)

// Embeddings maps token ids (and optional token type ids) to hidden vectors.
// Position information comes from the ALiBi attention bias, so there is no
// position table.
type Embeddings struct {
	Tokens     tensor.Mat // [vocab, hidden]
	TokenTypes tensor.Mat // [typeVocab, hidden], R == 0 when unused
	Norm       Norm
}

// Forward embeds a [B, S] batch of ids into a padded [B, S, hidden] tensor.
// typeIDs may be nil.
func (e *Embeddings) Forward(ids, typeIDs [][]int) (*tensor.Tensor, error) {
	batch := len(ids)
	if batch == 0 {
		return nil, fmt.Errorf("%w: empty batch", padding.ErrShapeMismatch)
	}
	seqLen := len(ids[0])
	if typeIDs != nil && len(typeIDs) != batch {
		return nil, fmt.Errorf("%w: token_type_ids has %d rows, input_ids has %d", padding.ErrShapeMismatch, len(typeIDs), batch)
	}
	hidden := e.Tokens.C
	out := tensor.New(batch, seqLen, hidden)
	row := make([]float32, hidden)
	for b := range ids {
		if len(ids[b]) != seqLen {
			return nil, fmt.Errorf("%w: input_ids row %d has length %d, want %d", padding.ErrShapeMismatch, b, len(ids[b]), seqLen)
		}
		if typeIDs != nil && len(typeIDs[b]) != seqLen {
			return nil, fmt.Errorf("%w: token_type_ids row %d has length %d, want %d", padding.ErrShapeMismatch, b, len(typeIDs[b]), seqLen)
		}
		for s, id := range ids[b] {
			if id < 0 || id >= e.Tokens.R {
				return nil, fmt.Errorf("%w: token id %d at (%d,%d) outside vocabulary of %d", padding.ErrIndexOutOfRange, id, b, s, e.Tokens.R)
			}
			copy(row, e.Tokens.Row(id))
			if e.TokenTypes.R > 0 {
				tt := 0
				if typeIDs != nil {
					tt = typeIDs[b][s]
				}
				if tt < 0 || tt >= e.TokenTypes.R {
					return nil, fmt.Errorf("%w: token type %d at (%d,%d) outside %d types", padding.ErrIndexOutOfRange, tt, b, s, e.TokenTypes.R)
				}
				tensor.Add(row, e.TokenTypes.Row(tt))
			}
			off := (b*seqLen + s) * hidden
			e.Norm.Apply(out.Data[off:off+hidden], row)
		}
	}
	return out, nil
}
