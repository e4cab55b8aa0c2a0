package executor

import (
	"context"
	"sync/atomic"
)

// Pool bounds the number of concurrent sandbox executions of one tier
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with capacity slots
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{slots: make(chan struct{}, capacity)}
}

// Permit is one reserved pool slot
type Permit struct {
	pool     *Pool
	released atomic.Bool
}

// Acquire blocks until a slot is free or ctx is done
func (p *Pool) Acquire(ctx context.Context) (*Permit, error) {
	select {
	case p.slots <- struct{}{}:
		return &Permit{pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns the slot. Only the first call has an effect; later calls
// return ErrPermitReleased.
func (p *Permit) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return ErrPermitReleased
	}
	<-p.pool.slots
	return nil
}

// Active returns the number of slots in use
func (p *Pool) Active() int {
	return len(p.slots)
}

// Capacity returns the total number of slots
func (p *Pool) Capacity() int {
	return cap(p.slots)
}
