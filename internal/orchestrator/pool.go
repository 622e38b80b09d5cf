package orchestrator

import (
	"context"
	"sync"
)

// Pool bounds how many branches are worked on at once.
type Pool struct {
	sem chan struct{}
}

// NewPool returns a pool running at most n tasks concurrently.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{sem: make(chan struct{}, n)}
}

// Size reports the concurrency limit.
func (p *Pool) Size() int { return cap(p.sem) }

// Each calls fn for every index in [0, n) and waits for all calls to
// return. Indices not yet started when ctx is done are skipped.
func (p *Pool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n && ctx.Err() == nil; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case p.sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-p.sem
				wg.Done()
			}()
			fn(ctx, i)
		}(i)
	}
	wg.Wait()
}
