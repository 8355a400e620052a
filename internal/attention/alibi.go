package attention

import "math"

// ALiBiSlopes returns the per-head slopes of the standard ALiBi schedule.
//
// For a power-of-two head count n the slopes are start^1 .. start^n with
// start = 2^(-8/n). Other head counts take the schedule of the closest lower
// power of two p and fill the remainder with every other slope of the 2p
// schedule.
func ALiBiSlopes(nHeads int) []float32 {
	if nHeads <= 0 {
		return nil
	}
	if isPowerOfTwo(nHeads) {
		return powerOfTwoSlopes(nHeads)
	}
	p := 1 << int(math.Floor(math.Log2(float64(nHeads))))
	slopes := powerOfTwoSlopes(p)
	extra := powerOfTwoSlopes(2 * p)
	for i := 0; len(slopes) < nHeads; i += 2 {
		slopes = append(slopes, extra[i])
	}
	return slopes
}

func powerOfTwoSlopes(n int) []float32 {
	start := math.Pow(2, -8/float64(n))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Pow(start, float64(i+1)))
	}
	return out
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// alibiBias is the additive score bias between query i and key j of the same
// sequence: -slope * |i - j|.
func alibiBias(slope float32, i, j int) float32 {
	d := i - j
	if d < 0 {
		d = -d
	}
	return -slope * float32(d)
}
