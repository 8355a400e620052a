package model

import (
	"fmt"

	"github.com/samcharles93/flexbert/internal/tensor"
)

// Classifier is the sequence classification head: the first token of each
// sequence goes through dense+tanh and a linear projection to label logits.
type Classifier struct {
	Dense  tensor.Mat // [H, H]
	DenseB []float32
	Out    tensor.Mat // [labels, H]
	OutB   []float32
}

func newClassifier(hidden, labels int) *Classifier {
	return &Classifier{
		Dense:  tensor.NewMat(hidden, hidden),
		DenseB: make([]float32, hidden),
		Out:    tensor.NewMat(labels, hidden),
		OutB:   make([]float32, labels),
	}
}

// Forward pools packed encoder output and returns logits [B, labels].
func (c *Classifier) Forward(out *Output) (*tensor.Tensor, error) {
	hidden := c.Dense.C
	if out.Packed.Rank() != 2 || out.Packed.Shape[1] != hidden {
		return nil, fmt.Errorf("classifier expects [tokens %d], got %v", hidden, out.Packed.Shape)
	}
	packed := out.Packed.Mat()
	pooled := tensor.NewMat(out.Batch, hidden)
	for b := 0; b < out.Batch; b++ {
		start, _ := out.Span(b)
		copy(pooled.Row(b), packed.Row(start))
	}

	dense := tensor.NewMat(out.Batch, hidden)
	tensor.Linear(&dense, &pooled, &c.Dense, c.DenseB)
	for i := range dense.Data {
		dense.Data[i] = tensor.Tanh(dense.Data[i])
	}

	logits := tensor.NewMat(out.Batch, c.Out.R)
	tensor.Linear(&logits, &dense, &c.Out, c.OutB)
	return logits.Tensor(), nil
}

// Argmax returns the index of the largest logit in each row of logits.
func Argmax(logits *tensor.Tensor) []int {
	m := logits.Mat()
	preds := make([]int, m.R)
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		preds[i] = best
	}
	return preds
}
