package tensor

import (
	"runtime"
	"sync"
)

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

// minRowsPerWorker keeps tiny projections on the calling goroutine.
const minRowsPerWorker = 64

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool()
	})
	return matVecWorkPool
}

func newMatVecPool() *matVecPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x, splitting rows across the shared worker pool.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}

	pool := getMatVecPool()
	workers := min(pool.size, w.R/minRowsPerWorker)
	if workers <= 1 {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots

	active := 0
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, w.R)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: re, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

// MatVecBias computes dst = w * x + bias. A nil bias is ignored.
func MatVecBias(dst []float32, w *Mat, x, bias []float32) {
	MatVec(dst, w, x)
	if bias != nil {
		Add(dst[:w.R], bias)
	}
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	if w.DType == F32 {
		for i := rs; i < re; i++ {
			row := w.Data[i*w.Stride : i*w.Stride+w.C]
			dst[i] = dot4(row, x)
		}
		return
	}
	row := make([]float32, w.C)
	for i := rs; i < re; i++ {
		w.RowTo(row, i)
		dst[i] = dot4(row, x)
	}
}

func dot4(row, x []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(row)
	j := 0
	for ; j+3 < n; j += 4 {
		s0 += row[j] * x[j]
		s1 += row[j+1] * x[j+1]
		s2 += row[j+2] * x[j+2]
		s3 += row[j+3] * x[j+3]
	}
	for ; j < n; j++ {
		s0 += row[j] * x[j]
	}
	return s0 + s1 + s2 + s3
}
