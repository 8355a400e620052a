package attention

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/flexbert/internal/padding"
	"github.com/samcharles93/flexbert/internal/tensor"
)

// ErrInvalidShape reports mismatched attention operands.
var ErrInvalidShape = errors.New("attention: invalid shape")

// Options configures a call to Attend.
type Options struct {
	NumHeads int
	// Slopes holds one ALiBi slope per head. Nil disables the bias.
	Slopes   []float32
	Strategy Strategy
	// Pool runs per-sequence tasks. Nil runs everything on the caller.
	Pool *Pool
}

// Attend computes bidirectional multi-head attention over packed q, k, v
// ([N, NumHeads*headDim] each) and writes the result to dst.
//
// Sequence b owns packed rows [cuSeqlens[b], cuSeqlens[b+1]); a query only
// ever sees keys of its own sequence. maxLen must bound every sequence.
func Attend(dst, q, k, v *tensor.Mat, cuSeqlens []int, maxLen int, opts Options) error {
	if opts.NumHeads <= 0 {
		return fmt.Errorf("%w: num heads %d", ErrInvalidShape, opts.NumHeads)
	}
	if q.C%opts.NumHeads != 0 {
		return fmt.Errorf("%w: width %d not divisible by %d heads", ErrInvalidShape, q.C, opts.NumHeads)
	}
	for name, m := range map[string]*tensor.Mat{"k": k, "v": v, "dst": dst} {
		if m.R != q.R || m.C != q.C {
			return fmt.Errorf("%w: %s is [%d %d], q is [%d %d]", ErrInvalidShape, name, m.R, m.C, q.R, q.C)
		}
	}
	if opts.Slopes != nil && len(opts.Slopes) != opts.NumHeads {
		return fmt.Errorf("%w: %d alibi slopes for %d heads", ErrInvalidShape, len(opts.Slopes), opts.NumHeads)
	}
	if err := padding.ValidateCuSeqlens(cuSeqlens, q.R, maxLen); err != nil {
		return err
	}

	headDim := q.C / opts.NumHeads
	base := kernelBase{
		q: q, k: k, v: v,
		headDim: headDim,
		scale:   float32(1.0 / math.Sqrt(float64(headDim))),
		slopes:  opts.Slopes,
		cu:      cuSeqlens,
		maxLen:  maxLen,
	}
	nSeq := len(cuSeqlens) - 1

	switch opts.Strategy {
	case StrategyVarlen:
		opts.Pool.dispatch(&varlenKernel{kernelBase: base, out: dst}, nSeq, opts.NumHeads)
		return nil
	case StrategyPadded:
		return attendPadded(dst, base, nSeq, opts)
	default:
		return fmt.Errorf("unsupported attention strategy %v", opts.Strategy)
	}
}

type kernelBase struct {
	q, k, v *tensor.Mat
	headDim int
	scale   float32
	slopes  []float32
	cu      []int
	maxLen  int
}

func (kb *kernelBase) slope(h int) float32 {
	if kb.slopes == nil {
		return 0
	}
	return kb.slopes[h]
}

func (kb *kernelBase) scratchLen() int { return kb.maxLen }

// varlenKernel reads the packed operands in place.
type varlenKernel struct {
	kernelBase
	out *tensor.Mat
}

func (kv *varlenKernel) run(scoresBuf []float32, seq, h0, h1 int) {
	start, end := kv.cu[seq], kv.cu[seq+1]
	n := end - start
	scores := scoresBuf[:n]
	hd := kv.headDim
	for h := h0; h < h1; h++ {
		slope := kv.slope(h)
		lo, hi := h*hd, (h+1)*hd
		for i := 0; i < n; i++ {
			qh := kv.q.Row(start + i)[lo:hi]
			for j := 0; j < n; j++ {
				kh := kv.k.Row(start + j)[lo:hi]
				scores[j] = tensor.Dot(qh, kh)*kv.scale + alibiBias(slope, i, j)
			}
			tensor.Softmax(scores)
			out := kv.out.Row(start + i)[lo:hi]
			for d := range out {
				out[d] = 0
			}
			for j := 0; j < n; j++ {
				p := scores[j]
				vh := kv.v.Row(start + j)[lo:hi]
				for d := range out {
					out[d] += p * vh[d]
				}
			}
		}
	}
}

// paddedKernel works on [nSeq*maxLen, width] re-padded operands and masks keys
// beyond each sequence's length.
type paddedKernel struct {
	kernelBase
	pq, pk, pv, pout tensor.Mat
}

func (kp *paddedKernel) run(scoresBuf []float32, seq, h0, h1 int) {
	n := kp.cu[seq+1] - kp.cu[seq]
	maxLen := kp.maxLen
	scores := scoresBuf[:maxLen]
	hd := kp.headDim
	ninf := float32(math.Inf(-1))
	for h := h0; h < h1; h++ {
		slope := kp.slope(h)
		lo, hi := h*hd, (h+1)*hd
		for i := 0; i < maxLen; i++ {
			qh := kp.pq.Row(seq*maxLen + i)[lo:hi]
			for j := 0; j < maxLen; j++ {
				if j >= n {
					scores[j] = ninf
					continue
				}
				kh := kp.pk.Row(seq*maxLen + j)[lo:hi]
				scores[j] = tensor.Dot(qh, kh)*kp.scale + alibiBias(slope, i, j)
			}
			tensor.Softmax(scores)
			out := kp.pout.Row(seq*maxLen + i)[lo:hi]
			for d := range out {
				out[d] = 0
			}
			for j := 0; j < n; j++ {
				p := scores[j]
				vh := kp.pv.Row(seq*maxLen + j)[lo:hi]
				for d := range out {
					out[d] += p * vh[d]
				}
			}
		}
	}
}

func attendPadded(dst *tensor.Mat, base kernelBase, nSeq int, opts Options) error {
	indices := make([]int, 0, base.q.R)
	for s := 0; s < nSeq; s++ {
		for t := 0; t < base.cu[s+1]-base.cu[s]; t++ {
			indices = append(indices, s*base.maxLen+t)
		}
	}
	rows := nSeq * base.maxLen

	repad := func(m *tensor.Mat) (tensor.Mat, error) {
		p, err := padding.IndexPutFirstAxis(contiguous(m), indices, rows)
		if err != nil {
			return tensor.Mat{}, err
		}
		return p.Mat(), nil
	}
	pq, err := repad(base.q)
	if err != nil {
		return err
	}
	pk, err := repad(base.k)
	if err != nil {
		return err
	}
	pv, err := repad(base.v)
	if err != nil {
		return err
	}

	kern := &paddedKernel{
		kernelBase: base,
		pq:         pq,
		pk:         pk,
		pv:         pv,
		pout:       tensor.NewMat(rows, base.q.C),
	}
	opts.Pool.dispatch(kern, nSeq, opts.NumHeads)

	packed, err := padding.IndexFirstAxis(kern.pout.Tensor(), indices)
	if err != nil {
		return err
	}
	for i := 0; i < dst.R; i++ {
		copy(dst.Row(i), packed.Data[i*dst.C:(i+1)*dst.C])
	}
	return nil
}

// contiguous copies a possibly strided matrix into a dense [R, C] tensor.
func contiguous(m *tensor.Mat) *tensor.Tensor {
	t := tensor.New(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(t.Data[i*m.C:(i+1)*m.C], m.Row(i))
	}
	return t
}
