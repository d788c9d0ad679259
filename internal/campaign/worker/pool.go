// Package worker provides the bounded slot pool iterations run on.
package worker

import (
	"sync"
	"sync/atomic"
)

// SlotState represents the lifecycle state of a slot.
type SlotState int32

const (
	// SlotIdle indicates the slot is parked in the pool.
	SlotIdle SlotState = iota
	// SlotBusy indicates the slot is running an iteration.
	SlotBusy
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Slot is a unit of concurrency. A slot runs one iteration at a time and is
// reused for the life of the pool.
type Slot struct {
	// ID is unique within the pool, starting at 1.
	ID int

	state      atomic.Int32
	iterations atomic.Int64
}

// State returns the current slot state.
func (s *Slot) State() SlotState {
	return SlotState(s.state.Load())
}

// Iterations returns how many times the slot has been acquired.
func (s *Slot) Iterations() int64 {
	return s.iterations.Load()
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Created int `json:"created"`
	Active  int `json:"active"`
	Peak    int `json:"peak"`
	Max     int `json:"max"`
}

// Pool hands out at most max slots. preallocated slots are created up
// front, the rest lazily on demand. Slots are never destroyed.
//
// Acquire never blocks: when every slot is busy and the pool is at max the
// caller gets ok == false and must count the iteration as dropped.
type Pool struct {
	max  int
	idle chan *Slot

	mu      sync.Mutex
	created int

	active atomic.Int32
	peak   atomic.Int32
}

// New creates a pool. preallocated is clamped to [0, maxSlots] and maxSlots
// to >= 1.
func New(preallocated, maxSlots int) *Pool {
	if maxSlots < 1 {
		maxSlots = 1
	}
	if preallocated < 0 {
		preallocated = 0
	}
	if preallocated > maxSlots {
		preallocated = maxSlots
	}

	p := &Pool{
		max:  maxSlots,
		idle: make(chan *Slot, maxSlots),
	}
	for i := 0; i < preallocated; i++ {
		p.idle <- p.newSlotLocked()
	}
	return p
}

// newSlotLocked creates a slot. Callers hold mu or own p exclusively.
func (p *Pool) newSlotLocked() *Slot {
	p.created++
	return &Slot{ID: p.created}
}

// Acquire returns an idle slot, growing the pool if below max.
func (p *Pool) Acquire() (*Slot, bool) {
	var slot *Slot
	select {
	case slot = <-p.idle:
	default:
		p.mu.Lock()
		if p.created < p.max {
			slot = p.newSlotLocked()
		}
		p.mu.Unlock()
		if slot == nil {
			return nil, false
		}
	}

	slot.state.Store(int32(SlotBusy))
	slot.iterations.Add(1)
	n := p.active.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return slot, true
}

// Release parks a slot for reuse. Releasing an idle or nil slot is a no-op.
func (p *Pool) Release(slot *Slot) {
	if slot == nil || !slot.state.CompareAndSwap(int32(SlotBusy), int32(SlotIdle)) {
		return
	}
	p.active.Add(-1)
	// Capacity is max and at most max slots exist, so this never blocks.
	p.idle <- slot
}

// Active returns the number of busy slots.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	created := p.created
	p.mu.Unlock()
	return Stats{
		Created: created,
		Active:  int(p.active.Load()),
		Peak:    int(p.peak.Load()),
		Max:     p.max,
	}
}
