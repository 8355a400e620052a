package model

import (
	"fmt"

	"github.com/samcharles93/flexbert/internal/tensor"
)

// Norm normalizes one row of hidden states.
type Norm interface {
	Apply(dst, src []float32)
	Kind() NormKind
	Params() (weight, bias []float32)
}

// LayerNorm is mean/variance normalization with an affine weight and bias.
type LayerNorm struct {
	Weight []float32
	Bias   []float32
	Eps    float32
}

func (n *LayerNorm) Apply(dst, src []float32) {
	tensor.LayerNorm(dst, src, n.Weight, n.Bias, n.Eps)
}

func (n *LayerNorm) Kind() NormKind { return NormLayerNorm }

func (n *LayerNorm) Params() ([]float32, []float32) { return n.Weight, n.Bias }

// RMSNorm scales by the reciprocal root mean square, with weight and no bias.
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

func (n *RMSNorm) Apply(dst, src []float32) {
	tensor.RMSNorm(dst, src, n.Weight, n.Eps)
}

func (n *RMSNorm) Kind() NormKind { return NormRMSNorm }

func (n *RMSNorm) Params() ([]float32, []float32) { return n.Weight, nil }

// NewNorm builds the norm for kind with unit weight and zero bias.
func NewNorm(kind NormKind, dim int, eps float32) (Norm, error) {
	w := make([]float32, dim)
	for i := range w {
		w[i] = 1
	}
	switch kind {
	case NormLayerNorm:
		return &LayerNorm{Weight: w, Bias: make([]float32, dim), Eps: eps}, nil
	case NormRMSNorm:
		return &RMSNorm{Weight: w, Eps: eps}, nil
	default:
		return nil, fmt.Errorf("%w: invalid normalization %v", ErrConfig, kind)
	}
}

// applyRows normalizes every row of src into dst.
func applyRows(n Norm, dst, src *tensor.Mat) {
	for i := 0; i < src.R; i++ {
		n.Apply(dst.Row(i), src.Row(i))
	}
}
