// Package callpool bounds concurrent outbound tool calls.
package callpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent tool dispatches using a weighted semaphore.
// All outbound tool calls share one Pool so a wide plan cannot exhaust
// sockets or overwhelm a downstream server.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool that allows at most limit concurrent calls.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Map runs fn for every index in [0, n) concurrently, bounded by the
// pool, and waits for all of them. Errors land in the returned slice at
// their index; one call failing never cancels its siblings, since each
// failure becomes its own result downstream.
func Map(ctx context.Context, p *Pool, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Run(ctx, func() error {
				return fn(ctx, i)
			})
		}(i)
	}
	wg.Wait()
	return errs
}
