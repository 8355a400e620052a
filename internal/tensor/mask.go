package tensor

import "fmt"

// Mask is a [Batch, SeqLen] validity mask. True marks a real token.
type Mask struct {
	Batch, SeqLen int
	Data          []bool
}

// NewMask allocates an all-false mask.
func NewMask(batch, seqLen int) Mask {
	if batch < 0 || seqLen < 0 {
		panic("negative dimension for mask")
	}
	return Mask{Batch: batch, SeqLen: seqLen, Data: make([]bool, batch*seqLen)}
}

// MaskFromLengths builds a right-padded mask where row b has lengths[b] leading
// valid positions.
func MaskFromLengths(lengths []int, seqLen int) (Mask, error) {
	m := NewMask(len(lengths), seqLen)
	for b, n := range lengths {
		if n < 0 || n > seqLen {
			return Mask{}, fmt.Errorf("row %d: length %d outside [0, %d]", b, n, seqLen)
		}
		row := m.Row(b)
		for s := 0; s < n; s++ {
			row[s] = true
		}
	}
	return m, nil
}

// MaskFromInts converts a rectangular 0/1 attention mask. Any non-zero entry
// marks a valid token.
func MaskFromInts(rows [][]int) (Mask, error) {
	if len(rows) == 0 {
		return NewMask(0, 0), nil
	}
	seqLen := len(rows[0])
	m := NewMask(len(rows), seqLen)
	for b, r := range rows {
		if len(r) != seqLen {
			return Mask{}, fmt.Errorf("row %d: length %d, want %d", b, len(r), seqLen)
		}
		dst := m.Row(b)
		for s, v := range r {
			dst[s] = v != 0
		}
	}
	return m, nil
}

// Row returns a view of row b.
func (m Mask) Row(b int) []bool {
	if b < 0 || b >= m.Batch {
		panic("mask row out of range")
	}
	return m.Data[b*m.SeqLen : (b+1)*m.SeqLen]
}

// At reports whether (b, s) is a valid token.
func (m Mask) At(b, s int) bool {
	return m.Row(b)[s]
}

// Count returns the number of valid tokens.
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}
