// Package trader implements the simulation's producers: agents that build
// random orders and submit them to the exchange, aligned on market cycles.
package trader

import (
	"context"
	"sync"
)

// CycleBarrier aligns a cohort of traders at the start of every market
// cycle: each party blocks in Await until the whole cohort has arrived, then
// all are released together and the barrier resets for the next cycle.
//
// Generations are broadcast by closing a channel, so waiters also unpark on
// context cancellation. A trader that finishes its run calls Leave so the
// remaining cohort keeps cycling instead of stalling on a party that will
// never arrive.
type CycleBarrier struct {
	mu      sync.Mutex
	parties int
	waiting int
	gen     chan struct{}

	// onCycle runs once per released generation, on the last arriver.
	onCycle func()
}

// NewCycleBarrier creates a barrier for the given cohort size. onCycle may
// be nil.
func NewCycleBarrier(parties int, onCycle func()) *CycleBarrier {
	if parties < 1 {
		parties = 1
	}
	return &CycleBarrier{
		parties: parties,
		gen:     make(chan struct{}),
		onCycle: onCycle,
	}
}

// Await blocks until the whole cohort has arrived or ctx ends. The last
// arriver trips the barrier and releases everyone.
func (b *CycleBarrier) Await(ctx context.Context) error {
	b.mu.Lock()
	gen := b.gen
	b.waiting++
	if b.waiting >= b.parties {
		b.releaseLocked()
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-gen:
		return nil
	case <-ctx.Done():
		// Withdraw from the current generation so the rest of the cohort
		// is not left waiting on a cancelled party.
		b.mu.Lock()
		if gen == b.gen {
			b.waiting--
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Leave permanently removes one party from the cohort. If the remaining
// parties are already all waiting, the generation trips immediately.
func (b *CycleBarrier) Leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.parties > 0 {
		b.parties--
	}
	if b.parties > 0 && b.waiting >= b.parties {
		b.releaseLocked()
	}
}

// Parties returns the current cohort size.
func (b *CycleBarrier) Parties() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parties
}

// releaseLocked trips the current generation. Caller holds b.mu.
func (b *CycleBarrier) releaseLocked() {
	if b.onCycle != nil {
		b.onCycle()
	}
	b.waiting = 0
	close(b.gen)
	b.gen = make(chan struct{})
}
