// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Grid is the geometry of a kernel launch.
type Grid struct {
	// Units is the number of scheduling units.
	Units int
	// Lanes is the number of lanes in each unit. 0 uses the device default.
	Lanes int
	// SharedInt32 is the shared scratch each unit receives, in int32 words.
	SharedInt32 int
}

// Kernel is the body every lane of every scheduling unit executes.
type Kernel func(l *Lane)

// Lane is the execution context of one lane. It is only valid inside the
// kernel invocation that received it.
type Lane struct {
	// Unit is the scheduling unit index in [0, Grid.Units).
	Unit int
	// ID is the lane index within the unit, in [0, Lanes).
	ID int
	// Lanes is the number of lanes in the unit.
	Lanes int
	// Shared is the unit's shared scratch. All lanes of a unit see the same
	// slice; it is zeroed at the start of the unit.
	Shared []int32

	barrier *Barrier
	state   *launchState
}

// Sync blocks until every lane of the unit has called Sync.
func (l *Lane) Sync() {
	l.barrier.Wait()
}

// Fail records err as the launch result. The first failure wins; the lane
// should return after calling Fail.
func (l *Lane) Fail(err error) {
	l.state.fail(fmt.Errorf("unit %d lane %d: %w", l.Unit, l.ID, err))
}

// Failed reports whether any lane of the launch has failed.
func (l *Lane) Failed() bool {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	return l.state.err != nil
}

type launchState struct {
	mu  sync.Mutex
	err error
}

func (s *launchState) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Launch runs kernel over grid and blocks until every unit has finished.
// Units are claimed by the execution units in index order; lanes of one unit
// run concurrently and may synchronize with Lane.Sync. Units never
// synchronize with each other.
//
// The returned error is ErrLaunch for a geometry the device cannot satisfy,
// or the first error reported through Lane.Fail.
func (d *Device) Launch(name string, grid Grid, kernel Kernel) error {
	if d.closed.Load() {
		return ErrClosed
	}
	lanes := grid.Lanes
	if lanes == 0 {
		lanes = d.cfg.Lanes
	}
	if lanes < 1 || lanes > MaxLanes {
		return fmt.Errorf("%w: %s: %d lanes per unit", ErrLaunch, name, lanes)
	}
	if grid.Units < 0 {
		return fmt.Errorf("%w: %s: %d units", ErrLaunch, name, grid.Units)
	}
	if shared := grid.SharedInt32 * 4; shared < 0 || shared > d.cfg.SharedLimit {
		return fmt.Errorf("%w: %s: %d bytes of shared scratch exceeds %d",
			ErrLaunch, name, shared, d.cfg.SharedLimit)
	}
	d.launches.Add(1)
	klog.V(2).Infof("device: launch %s units=%d lanes=%d shared=%d", name, grid.Units, lanes, grid.SharedInt32)

	state := &launchState{}
	d.pool.ParallelForAtomic(grid.Units, func(unit int) {
		runUnit(unit, lanes, grid.SharedInt32, kernel, state)
	})
	return state.err
}

// runUnit executes one scheduling unit. Lane 0 runs on the calling execution
// unit; the others get their own goroutines so that barriers can complete.
func runUnit(unit, lanes, sharedInt32 int, kernel Kernel, state *launchState) {
	var shared []int32
	if sharedInt32 > 0 {
		shared = make([]int32, sharedInt32)
	}
	barrier := NewBarrier(lanes)
	newLane := func(id int) *Lane {
		return &Lane{Unit: unit, ID: id, Lanes: lanes, Shared: shared, barrier: barrier, state: state}
	}
	if lanes == 1 {
		kernel(newLane(0))
		return
	}
	var wg sync.WaitGroup
	for id := 1; id < lanes; id++ {
		wg.Go(func() { kernel(newLane(id)) })
	}
	kernel(newLane(0))
	wg.Wait()
}

// Barrier is a reusable rendezvous point for a fixed number of parties.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	waiting    int
	generation uint64
}

// NewBarrier returns a barrier for n parties.
func NewBarrier(n int) *Barrier {
	if n < 1 {
		panic("device: barrier needs at least one party")
	}
	b := &Barrier{parties: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until all parties have called Wait for the current generation.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.generation
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for gen == b.generation {
		b.cond.Wait()
	}
}
