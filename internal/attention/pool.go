package attention

import (
	"runtime"
	"sync"
)

// kernel computes attention for one sequence and a range of heads. scores is
// a worker-owned scratch buffer with room for at least max_len entries.
type kernel interface {
	run(scores []float32, seq, h0, h1 int)
	scratchLen() int
}

type task struct {
	k      kernel
	seq    int
	h0, h1 int
	wg     *sync.WaitGroup
}

// Pool runs attention tasks on a fixed set of workers. Each worker owns its
// score buffer, and every task writes a disjoint slice of the output, so a
// Pool may be shared by concurrent forward passes.
type Pool struct {
	size  int
	tasks chan task
	once  sync.Once
}

// WorkersFor caps GOMAXPROCS at the number of independent attention tasks.
func WorkersFor(nHead int) int {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if nHead > 0 && workers > nHead {
		workers = nHead
	}
	if workers < 1 {
		return 1
	}
	return workers
}

// NewPool starts workers goroutines. A pool of size 1 runs every task on the
// calling goroutine.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{size: workers}
	if workers == 1 {
		return p
	}
	p.tasks = make(chan task, workers*2)
	for i := 0; i < workers; i++ {
		go func() {
			var scores []float32
			for t := range p.tasks {
				scores = grow(scores, t.k.scratchLen())
				t.k.run(scores, t.seq, t.h0, t.h1)
				t.wg.Done()
			}
		}()
	}
	return p
}

// Size reports the worker count.
func (p *Pool) Size() int {
	if p == nil {
		return 1
	}
	return p.size
}

// Close stops the workers. The pool must not be used afterwards.
func (p *Pool) Close() {
	if p == nil || p.tasks == nil {
		return
	}
	p.once.Do(func() { close(p.tasks) })
}

// dispatch runs k over every sequence, splitting heads into chunks so that
// there are at least as many tasks as workers when possible.
func (p *Pool) dispatch(k kernel, nSeq, nHead int) {
	if p == nil || p.tasks == nil {
		scores := grow(nil, k.scratchLen())
		for s := 0; s < nSeq; s++ {
			k.run(scores, s, 0, nHead)
		}
		return
	}

	chunk := nHead
	if nSeq < p.size {
		perSeq := (p.size + nSeq - 1) / nSeq
		chunk = (nHead + perSeq - 1) / perSeq
	}
	if chunk < 1 {
		chunk = 1
	}

	var wg sync.WaitGroup
	for s := 0; s < nSeq; s++ {
		for h0 := 0; h0 < nHead; h0 += chunk {
			h1 := min(h0+chunk, nHead)
			wg.Add(1)
			p.tasks <- task{k: k, seq: s, h0: h0, h1: h1, wg: &wg}
		}
	}
	wg.Wait()
}

func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
