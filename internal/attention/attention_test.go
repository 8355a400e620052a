package attention

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/flexbert/internal/padding"
	"github.com/samcharles93/flexbert/internal/tensor"
)

func fillTestData(dst []float32, scale float32) {
	for i := range dst {
		dst[i] = float32(math.Sin(float64(i)*0.37)) * scale
	}
}

func cuFromLengths(lengths ...int) ([]int, int) {
	cu := make([]int, len(lengths)+1)
	maxLen := 0
	for i, n := range lengths {
		cu[i+1] = cu[i] + n
		maxLen = max(maxLen, n)
	}
	return cu, maxLen
}

// referenceAttention evaluates each sequence in isolation with plain loops.
func referenceAttention(q, k, v *tensor.Mat, cu []int, nHead int, slopes []float32) tensor.Mat {
	out := tensor.NewMat(q.R, q.C)
	hd := q.C / nHead
	scale := 1 / math.Sqrt(float64(hd))
	for s := 0; s+1 < len(cu); s++ {
		start, n := cu[s], cu[s+1]-cu[s]
		for h := 0; h < nHead; h++ {
			for i := 0; i < n; i++ {
				scores := make([]float64, n)
				maxv := math.Inf(-1)
				for j := 0; j < n; j++ {
					var dot float64
					for d := 0; d < hd; d++ {
						dot += float64(q.Row(start + i)[h*hd+d]) * float64(k.Row(start + j)[h*hd+d])
					}
					scores[j] = dot*scale - float64(slopes[h])*math.Abs(float64(i-j))
					maxv = math.Max(maxv, scores[j])
				}
				var sum float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxv)
					sum += scores[j]
				}
				for d := 0; d < hd; d++ {
					var acc float64
					for j := 0; j < n; j++ {
						acc += scores[j] / sum * float64(v.Row(start + j)[h*hd+d])
					}
					out.Row(start + i)[h*hd+d] = float32(acc)
				}
			}
		}
	}
	return out
}

func newQKV(n, width int) (q, k, v tensor.Mat) {
	q, k, v = tensor.NewMat(n, width), tensor.NewMat(n, width), tensor.NewMat(n, width)
	fillTestData(q.Data, 0.5)
	fillTestData(k.Data, 0.7)
	for i := range k.Data {
		k.Data[i] = -k.Data[i] + 0.1
	}
	fillTestData(v.Data, 1.3)
	for i := range v.Data {
		v.Data[i] += float32(i%5) * 0.2
	}
	return q, k, v
}

func TestALiBiSlopes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		heads int
		want  []float32
	}{
		{1, []float32{1.0 / 256}},
		{4, []float32{0.25, 0.0625, 0.015625, 0.00390625}},
		{8, []float32{0.5, 0.25, 0.125, 0.0625, 0.03125, 0.015625, 0.0078125, 0.00390625}},
		{6, []float32{0.25, 0.0625, 0.015625, 0.00390625, 0.5, 0.125}},
	}
	for _, tc := range cases {
		got := ALiBiSlopes(tc.heads)
		if diff := cmp.Diff(tc.want, got, cmpopts.EquateApprox(1e-6, 0)); diff != "" {
			t.Fatalf("%d heads (-want +got):\n%s", tc.heads, diff)
		}
	}
	if ALiBiSlopes(0) != nil {
		t.Fatal("expected nil slopes for zero heads")
	}
}

func TestAttendMatchesReference(t *testing.T) {
	t.Parallel()
	const nHead, hd = 4, 3
	cu, maxLen := cuFromLengths(3, 5, 1, 4)
	n := cu[len(cu)-1]
	q, k, v := newQKV(n, nHead*hd)
	slopes := ALiBiSlopes(nHead)
	want := referenceAttention(&q, &k, &v, cu, nHead, slopes)

	for _, strategy := range []Strategy{StrategyVarlen, StrategyPadded} {
		for _, workers := range []int{1, 3} {
			pool := NewPool(workers)
			got := tensor.NewMat(n, nHead*hd)
			err := Attend(&got, &q, &k, &v, cu, maxLen, Options{
				NumHeads: nHead, Slopes: slopes, Strategy: strategy, Pool: pool,
			})
			pool.Close()
			if err != nil {
				t.Fatalf("%v/%d workers: %v", strategy, workers, err)
			}
			if diff := cmp.Diff(want.Data, got.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
				t.Fatalf("%v/%d workers mismatch (-want +got):\n%s", strategy, workers, diff)
			}
		}
	}
}

func TestAttendStrategiesAgree(t *testing.T) {
	t.Parallel()
	const nHead, hd = 2, 4
	cu, maxLen := cuFromLengths(6, 2, 7)
	n := cu[len(cu)-1]
	q, k, v := newQKV(n, nHead*hd)
	slopes := ALiBiSlopes(nHead)

	varlen := tensor.NewMat(n, nHead*hd)
	padded := tensor.NewMat(n, nHead*hd)
	if err := Attend(&varlen, &q, &k, &v, cu, maxLen, Options{NumHeads: nHead, Slopes: slopes}); err != nil {
		t.Fatal(err)
	}
	if err := Attend(&padded, &q, &k, &v, cu, maxLen, Options{NumHeads: nHead, Slopes: slopes, Strategy: StrategyPadded}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(varlen.Data, padded.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Fatalf("strategies disagree (-varlen +padded):\n%s", diff)
	}
}

func TestAttendNoCrossSequenceLeakage(t *testing.T) {
	t.Parallel()
	const nHead, hd = 2, 2
	cu, maxLen := cuFromLengths(3, 5)
	n := cu[len(cu)-1]
	slopes := ALiBiSlopes(nHead)

	for _, strategy := range []Strategy{StrategyVarlen, StrategyPadded} {
		q, k, v := newQKV(n, nHead*hd)
		before := tensor.NewMat(n, nHead*hd)
		if err := Attend(&before, &q, &k, &v, cu, maxLen, Options{NumHeads: nHead, Slopes: slopes, Strategy: strategy}); err != nil {
			t.Fatal(err)
		}

		// Perturb one token of the second sequence in q, k and v.
		row := cu[1] + 2
		for _, m := range []*tensor.Mat{&q, &k, &v} {
			for d := range m.Row(row) {
				m.Row(row)[d] += 10
			}
		}
		after := tensor.NewMat(n, nHead*hd)
		if err := Attend(&after, &q, &k, &v, cu, maxLen, Options{NumHeads: nHead, Slopes: slopes, Strategy: strategy}); err != nil {
			t.Fatal(err)
		}

		first := before.Data[:cu[1]*nHead*hd]
		if diff := cmp.Diff(first, after.Data[:cu[1]*nHead*hd]); diff != "" {
			t.Fatalf("%v: sequence 0 changed after perturbing sequence 1:\n%s", strategy, diff)
		}
		if cmp.Equal(before.Data[cu[1]*nHead*hd:], after.Data[cu[1]*nHead*hd:]) {
			t.Fatalf("%v: perturbation had no effect on its own sequence", strategy)
		}
	}
}

func TestAttendSingleTokenSequence(t *testing.T) {
	t.Parallel()
	const nHead, hd = 2, 3
	cu, maxLen := cuFromLengths(1, 4, 1)
	n := cu[len(cu)-1]
	q, k, v := newQKV(n, nHead*hd)
	for _, strategy := range []Strategy{StrategyVarlen, StrategyPadded} {
		got := tensor.NewMat(n, nHead*hd)
		err := Attend(&got, &q, &k, &v, cu, maxLen, Options{NumHeads: nHead, Slopes: ALiBiSlopes(nHead), Strategy: strategy})
		if err != nil {
			t.Fatal(err)
		}
		for _, row := range []int{0, n - 1} {
			for d, val := range got.Row(row) {
				if math.IsNaN(float64(val)) {
					t.Fatalf("%v: NaN at row %d", strategy, row)
				}
				if val != v.Row(row)[d] {
					t.Fatalf("%v: row %d col %d = %f, want value row %f", strategy, row, d, val, v.Row(row)[d])
				}
			}
		}
	}
}

func TestAttendPoolIsDeterministic(t *testing.T) {
	t.Parallel()
	const nHead, hd = 8, 2
	cu, maxLen := cuFromLengths(5, 3, 9, 2, 4)
	n := cu[len(cu)-1]
	q, k, v := newQKV(n, nHead*hd)
	slopes := ALiBiSlopes(nHead)

	serial := tensor.NewMat(n, nHead*hd)
	if err := Attend(&serial, &q, &k, &v, cu, maxLen, Options{NumHeads: nHead, Slopes: slopes}); err != nil {
		t.Fatal(err)
	}
	pool := NewPool(4)
	defer pool.Close()
	for i := 0; i < 5; i++ {
		par := tensor.NewMat(n, nHead*hd)
		if err := Attend(&par, &q, &k, &v, cu, maxLen, Options{NumHeads: nHead, Slopes: slopes, Pool: pool}); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(serial.Data, par.Data); diff != "" {
			t.Fatalf("pooled result differs from serial:\n%s", diff)
		}
	}
}

func TestAttendValidation(t *testing.T) {
	t.Parallel()
	q, k, v := newQKV(4, 4)
	dst := tensor.NewMat(4, 4)

	if err := Attend(&dst, &q, &k, &v, []int{0, 2, 2, 4}, 2, Options{NumHeads: 2}); !errors.Is(err, padding.ErrEmptySequence) {
		t.Fatalf("expected ErrEmptySequence, got %v", err)
	}
	if err := Attend(&dst, &q, &k, &v, []int{0, 4}, 3, Options{NumHeads: 2}); !errors.Is(err, padding.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for small max_len, got %v", err)
	}
	if err := Attend(&dst, &q, &k, &v, []int{0, 4}, 4, Options{NumHeads: 3}); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape for head split, got %v", err)
	}
	if err := Attend(&dst, &q, &k, &v, []int{0, 4}, 4, Options{NumHeads: 2, Slopes: []float32{1}}); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape for slopes, got %v", err)
	}
	short := tensor.NewMat(3, 4)
	if err := Attend(&dst, &q, &short, &v, []int{0, 4}, 4, Options{NumHeads: 2}); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape for k rows, got %v", err)
	}
}

func TestSelfAttentionForward(t *testing.T) {
	t.Parallel()
	const hidden, heads = 8, 2
	a, err := NewSelfAttention(hidden, heads, true)
	if err != nil {
		t.Fatal(err)
	}
	tensor.FillRand(&a.Wqkv, 1, 0.5)
	tensor.FillRand(&a.Wo, 2, 0.5)
	tensor.FillRandSlice(a.Bqkv, 3, 0.1)
	tensor.FillRandSlice(a.Bo, 4, 0.1)

	cu, maxLen := cuFromLengths(3, 5)
	x := tensor.NewMat(cu[2], hidden)
	fillTestData(x.Data, 1)

	out, err := a.Forward(&x, cu, maxLen)
	if err != nil {
		t.Fatal(err)
	}
	if out.R != 8 || out.C != hidden {
		t.Fatalf("output shape [%d %d]", out.R, out.C)
	}

	a.Strategy = StrategyPadded
	padded, err := a.Forward(&x, cu, maxLen)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(out.Data, padded.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Fatalf("layer strategies disagree:\n%s", diff)
	}

	bad := tensor.NewMat(8, hidden+1)
	if _, err := a.Forward(&bad, cu, maxLen); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape, got %v", err)
	}
	if _, err := NewSelfAttention(10, 3, false); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape for 10/3, got %v", err)
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Strategy{"": StrategyVarlen, "varlen": StrategyVarlen, "Padded": StrategyPadded} {
		got, err := ParseStrategy(in)
		if err != nil || got != want {
			t.Fatalf("ParseStrategy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseStrategy("flash"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	var s Strategy
	if err := s.UnmarshalText([]byte("padded")); err != nil || s != StrategyPadded {
		t.Fatalf("UnmarshalText = %v, %v", s, err)
	}
}

func BenchmarkAttendVarlen(b *testing.B) {
	benchAttend(b, StrategyVarlen)
}

func BenchmarkAttendPadded(b *testing.B) {
	benchAttend(b, StrategyPadded)
}

func benchAttend(b *testing.B, strategy Strategy) {
	const nHead, hd = 12, 64
	cu, maxLen := cuFromLengths(128, 17, 64, 5, 128, 33, 90, 12)
	n := cu[len(cu)-1]
	q, k, v := newQKV(n, nHead*hd)
	dst := tensor.NewMat(n, nHead*hd)
	pool := NewPool(WorkersFor(nHead))
	defer pool.Close()
	opts := Options{NumHeads: nHead, Slopes: ALiBiSlopes(nHead), Strategy: strategy, Pool: pool}
	for b.Loop() {
		if err := Attend(&dst, &q, &k, &v, cu, maxLen, opts); err != nil {
			b.Fatal(err)
		}
	}
}
