// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"sync"
)

// pool keeps released workers, with their module scopes, for reuse.
type pool struct {
	mu   sync.Mutex
	idle []*Worker
	max  int
}

func newPool(maxIdle int) *pool {
	return &pool{max: maxIdle}
}

// get pops the most recently released worker, or returns nil.
func (p *pool) get() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	w := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	w.pooled.Store(false)
	return w
}

// put returns w to the pool. Releasing a worker twice is a no-op; a full
// pool shuts the worker down instead.
func (p *pool) put(w *Worker) {
	if !w.pooled.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	if len(p.idle) < p.max {
		p.idle = append(p.idle, w)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	w.Shutdown()
}

func (p *pool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// drain empties the pool and returns its workers.
func (p *pool) drain() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := p.idle
	p.idle = nil
	return idle
}
