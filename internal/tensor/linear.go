package tensor

import (
	"runtime"
	"sync"
)

type linearTask struct {
	dst, x, w *Mat
	bias      []float32
	rs, re    int
	done      chan struct{}
}

type linearPool struct {
	size      int
	tasks     chan linearTask
	doneSlots chan chan struct{}
}

var (
	linearWorkPool *linearPool
	linearPoolOnce sync.Once
)

func getLinearPool() *linearPool {
	linearPoolOnce.Do(func() {
		linearWorkPool = newLinearPool()
	})
	return linearWorkPool
}

func newLinearPool() *linearPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &linearPool{
		size:      size,
		tasks:     make(chan linearTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < size; i++ {
		go func() {
			for task := range p.tasks {
				linearRange(task.dst, task.x, task.w, task.bias, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// Linear computes dst[i] = w * x[i] + bias for every row i of x.
//
// w is laid out [out, in]; x is [N, in]; dst must be [N, out]. bias may be
// nil. Rows are split across a shared worker pool; each output row is written
// by exactly one worker, so results do not depend on scheduling.
func Linear(dst, x, w *Mat, bias []float32) {
	if x.C != w.C || dst.R != x.R || dst.C != w.R {
		panic("linear shape mismatch")
	}
	if bias != nil && len(bias) != w.R {
		panic("linear bias length mismatch")
	}
	if x.R == 0 || w.R == 0 {
		return
	}

	pool := getLinearPool()
	workers := pool.size
	if workers > x.R {
		workers = x.R
	}
	if workers <= 1 {
		linearRange(dst, x, w, bias, 0, x.R)
		return
	}

	chunk := (x.R + workers - 1) / workers
	done := <-pool.doneSlots

	activeWorkers := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := rs + chunk
		if re > x.R {
			re = x.R
		}
		if rs >= re {
			break
		}
		activeWorkers++
		pool.tasks <- linearTask{
			dst:  dst,
			x:    x,
			w:    w,
			bias: bias,
			rs:   rs,
			re:   re,
			done: done,
		}
	}

	for i := 0; i < activeWorkers; i++ {
		<-done
	}
	pool.doneSlots <- done
}

func linearRange(dst, x, w *Mat, bias []float32, rs, re int) {
	for i := rs; i < re; i++ {
		xr := x.Data[i*x.Stride : i*x.Stride+x.C]
		out := dst.Data[i*dst.Stride : i*dst.Stride+dst.C]
		for o := 0; o < w.R; o++ {
			row := w.Data[o*w.Stride : o*w.Stride+w.C]
			var sum float32
			j := 0
			for ; j+3 < w.C; j += 4 {
				sum += row[j]*xr[j] + row[j+1]*xr[j+1] + row[j+2]*xr[j+2] + row[j+3]*xr[j+3]
			}
			for ; j < w.C; j++ {
				sum += row[j] * xr[j]
			}
			if bias != nil {
				sum += bias[o]
			}
			out[o] = sum
		}
	}
}
