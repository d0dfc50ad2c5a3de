package mq

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// inflight caps deliveries that were fetched from the broker but not yet
// acked or nacked. Every Acquire must be paired with exactly one Release.
type inflight struct {
	sem *semaphore.Weighted
}

func newInflight(n int) *inflight {
	if n <= 0 {
		n = 1
	}
	return &inflight{sem: semaphore.NewWeighted(int64(n))}
}

func (f *inflight) Acquire(ctx context.Context) error { return f.sem.Acquire(ctx, 1) }

func (f *inflight) Release() { f.sem.Release(1) }
