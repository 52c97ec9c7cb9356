// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"context"
	"sync"
)

// asyncTracker counts outstanding asynchronous tasks across all workers of
// an engine so an embedder can wait for deferred work to drain.
type asyncTracker struct {
	mu      sync.Mutex
	n       int64
	waiters []chan struct{}
}

func (a *asyncTracker) add() {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

func (a *asyncTracker) done() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n--
	if a.n > 0 {
		return
	}
	for _, ch := range a.waiters {
		close(ch)
	}
	a.waiters = nil
}

func (a *asyncTracker) count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// wait blocks until the counter reaches zero.
func (a *asyncTracker) wait(ctx context.Context) error {
	a.mu.Lock()
	if a.n <= 0 {
		a.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
