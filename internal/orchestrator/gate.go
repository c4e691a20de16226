package orchestrator

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of run-driving operations in flight against the
// external service. It is injected rather than ambient so tests can saturate
// a small gate and observe release behavior.
type Gate struct {
	sem      *semaphore.Weighted
	held     atomic.Int64
	capacity int64
}

func NewGate(capacity int64) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{sem: semaphore.NewWeighted(capacity), capacity: capacity}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.held.Add(1)
	return nil
}

func (g *Gate) Release() {
	g.held.Add(-1)
	g.sem.Release(1)
}

// Held reports the number of slots currently taken.
func (g *Gate) Held() int64 {
	return g.held.Load()
}

func (g *Gate) Capacity() int64 {
	return g.capacity
}
