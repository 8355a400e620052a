package model

import (
	"github.com/samcharles93/flexbert/internal/attention"
	"github.com/samcharles93/flexbert/internal/tensor"
)

// MLP is the feed-forward block. For MLPGLU, Wi produces [input | gate] and
// the hidden activation is act(input) * gate.
type MLP struct {
	Kind MLPKind
	Act  Activation

	Wi tensor.Mat // [I, H] or [2I, H] for GLU
	Bi []float32
	Wo tensor.Mat // [H, I]
	Bo []float32
}

func newMLP(kind MLPKind, act Activation, hidden, inter int, bias bool) *MLP {
	rows := inter
	if kind == MLPGLU {
		rows = 2 * inter
	}
	m := &MLP{
		Kind: kind,
		Act:  act,
		Wi:   tensor.NewMat(rows, hidden),
		Wo:   tensor.NewMat(hidden, inter),
	}
	if bias {
		m.Bi = make([]float32, rows)
		m.Bo = make([]float32, hidden)
	}
	return m
}

// Forward maps packed [N, H] to packed [N, H].
func (m *MLP) Forward(x *tensor.Mat) tensor.Mat {
	up := tensor.NewMat(x.R, m.Wi.R)
	tensor.Linear(&up, x, &m.Wi, m.Bi)

	inter := m.Wo.C
	act := tensor.NewMat(x.R, inter)
	for i := 0; i < x.R; i++ {
		src, dst := up.Row(i), act.Row(i)
		if m.Kind == MLPGLU {
			for j := 0; j < inter; j++ {
				dst[j] = m.Act.apply(src[j]) * src[inter+j]
			}
			continue
		}
		for j := 0; j < inter; j++ {
			dst[j] = m.Act.apply(src[j])
		}
	}

	out := tensor.NewMat(x.R, m.Wo.R)
	tensor.Linear(&out, &act, &m.Wo, m.Bo)
	return out
}

// EncoderLayer is a pre-norm transformer block operating on packed tokens.
type EncoderLayer struct {
	AttnNorm Norm
	Attn     *attention.SelfAttention
	MLPNorm  Norm
	MLP      *MLP
}

// Forward runs one layer over packed x [N, H] and returns a new packed
// tensor of the same shape. x is not modified.
func (l *EncoderLayer) Forward(x *tensor.Mat, cuSeqlens []int, maxLen int) (tensor.Mat, error) {
	h := tensor.NewMat(x.R, x.C)
	applyRows(l.AttnNorm, &h, x)
	attn, err := l.Attn.Forward(&h, cuSeqlens, maxLen)
	if err != nil {
		return tensor.Mat{}, err
	}

	out := tensor.NewMat(x.R, x.C)
	copy(out.Data, x.Data)
	tensor.Add(out.Data, attn.Data)

	applyRows(l.MLPNorm, &h, &out)
	mlp := l.MLP.Forward(&h)
	tensor.Add(out.Data, mlp.Data)
	return out, nil
}
