package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool runs blocking work on its own goroutines, at most size at a time.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 8
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Do waits for a free slot, runs fn on a worker goroutine and waits for it.
// If ctx ends first Do returns ctx.Err(); fn keeps its slot until it returns.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker slot failed: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size is the pool's concurrency limit.
func (p *Pool) Size() int { return int(p.size) }
