// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package workerpool provides a persistent, reusable worker pool. The
// device package uses one Pool per opened device as its set of execution
// units: kernel launches hand scheduling units to the pool instead of
// spawning goroutines per launch.
//
// Usage:
//
//	pool := workerpool.New(runtime.GOMAXPROCS(0))
//	defer pool.Close()
//
//	pool.ParallelForAtomic(numUnits, func(unit int) {
//	    runUnit(unit)
//	})
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Executor runs index-parallel loops. Pool implements it; Sequential is a
// single-threaded implementation used for deterministic debugging.
type Executor interface {
	NumWorkers() int
	ParallelFor(n int, fn func(start, end int))
	ParallelForAtomic(n int, fn func(i int))
}

// Pool is a persistent worker pool that can be reused across many parallel
// operations. Workers are spawned once at creation and reused.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New creates a new worker pool with the specified number of workers.
// Workers persist until Close is called. If numWorkers <= 0, uses GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan workItem, numWorkers*2),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close shuts down the worker pool. Pending work completes. Calling Close
// multiple times is safe; loops issued after Close run on the caller.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// ParallelFor executes fn over [0, n) split into one contiguous range per
// worker, and blocks until all ranges are done.
func (p *Pool) ParallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := min(p.numWorkers, n)
	if workers == 1 || p.closed.Load() {
		fn(0, n)
		return
	}

	chunkSize := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		p.workC <- workItem{
			fn:      func() { fn(start, end) },
			barrier: &wg,
		}
	}
	wg.Wait()
}

// ParallelForAtomic executes fn for each index in [0, n). Workers claim
// indices one at a time from a shared counter, which balances uneven
// per-index cost. Blocks until all work completes.
func (p *Pool) ParallelForAtomic(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	workers := min(p.numWorkers, n)
	if workers == 1 || p.closed.Load() {
		for i := range n {
			fn(i)
		}
		return
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		p.workC <- workItem{
			fn: func() {
				for {
					idx := int(next.Add(1)) - 1
					if idx >= n {
						return
					}
					fn(idx)
				}
			},
			barrier: &wg,
		}
	}
	wg.Wait()
}

// Sequential is an Executor that runs every loop on the calling goroutine.
type Sequential struct{}

func (Sequential) NumWorkers() int { return 1 }

func (Sequential) ParallelFor(n int, fn func(start, end int)) {
	if n > 0 {
		fn(0, n)
	}
}

func (Sequential) ParallelForAtomic(n int, fn func(i int)) {
	for i := range n {
		fn(i)
	}
}
