// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultIdleTimeout is how long an idle worker scheduler keeps its
// goroutine before exiting. It is recreated on the next submission.
const DefaultIdleTimeout = 30 * time.Second

type (
	// Clock abstracts the time source of schedulers.
	Clock interface {
		Now() time.Time
		After(d time.Duration) <-chan time.Time
	}

	realClock struct{}

	// Future is the pending result of a submitted or scheduled task.
	Future struct {
		done  chan struct{}
		once  sync.Once
		value any
		err   error

		// settled is invoked exactly once when the future completes.
		settled func()
	}

	task struct {
		due      time.Time
		seq      uint64
		interval time.Duration
		run      func(ctx context.Context) (any, error)
		future   *Future
		index    int
	}

	taskQueue []*task

	// scheduler is the lazily started single goroutine event loop of a
	// worker. Tasks run one at a time in due order; ties run in submission
	// order.
	scheduler struct {
		clock  Clock
		idle   time.Duration
		logger *log.Logger
		async  *asyncTracker

		mu      sync.Mutex
		queue   taskQueue
		seq     uint64
		wake    chan struct{}
		cancel  context.CancelFunc
		running bool
		busy    bool
	}
)

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func newFuture(settled func()) *Future {
	return &Future{done: make(chan struct{}), settled: settled}
}

// failedFuture returns a future already settled with err. It is not counted
// as outstanding.
func failedFuture(err error) *Future {
	f := newFuture(nil)
	f.settle(nil, err)
	return f
}

// Done is closed when the future completes or is cancelled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result waits for the future and returns its value.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel completes the future with ErrCancelled. It reports whether this call
// cancelled it; a task that already completed is not affected. A task that is
// running when cancelled finishes, but its result is discarded.
func (f *Future) Cancel() bool {
	return f.settle(nil, ErrCancelled)
}

// Cancelled reports whether the future was cancelled.
func (f *Future) Cancelled() bool {
	select {
	case <-f.done:
		return f.err == ErrCancelled //nolint:errorlint // sentinel identity
	default:
		return false
	}
}

func (f *Future) settle(v any, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = v, err
		// Outstanding already excludes the task once done is observable.
		if f.settled != nil {
			f.settled()
		}
		close(f.done)
		settled = true
	})
	return settled
}

func (f *Future) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if !q[i].due.Equal(q[j].due) {
		return q[i].due.Before(q[j].due)
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task) //nolint:forcetypeassert // heap only holds tasks
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

func newScheduler(clock Clock, idle time.Duration, async *asyncTracker, logger *log.Logger) *scheduler {
	return &scheduler{
		clock:  clock,
		idle:   idle,
		async:  async,
		logger: logger,
	}
}

// enqueue adds a task due after delay. The outstanding async counter is
// incremented now and decremented when the returned future settles.
func (s *scheduler) enqueue(delay, interval time.Duration, run func(ctx context.Context) (any, error)) *Future {
	s.async.add()
	f := newFuture(s.async.done)

	s.mu.Lock()
	s.seq++
	t := &task{
		due:      s.clock.Now().Add(max(delay, 0)),
		seq:      s.seq,
		interval: interval,
		run:      run,
		future:   f,
	}
	heap.Push(&s.queue, t)
	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.running = true
		// Each loop gets its own wake channel so a stopping loop cannot
		// swallow a wakeup meant for its successor.
		s.wake = make(chan struct{}, 1)
		go s.loop(ctx, s.wake)
	}
	s.notifyLocked()
	s.mu.Unlock()
	return f
}

func (s *scheduler) notifyLocked() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pending reports whether tasks are queued or running.
func (s *scheduler) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy || len(s.queue) > 0
}

// shutdown stops the loop and settles every queued task with
// ErrWorkerShutdown. A task that is currently running completes normally.
func (s *scheduler) shutdown() {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.wake = nil
	s.mu.Unlock()

	for _, t := range queued {
		t.future.settle(nil, ErrWorkerShutdown)
	}
}

func (s *scheduler) loop(ctx context.Context, wake <-chan struct{}) {
	for {
		t, wait, ok := s.next(ctx)
		if !ok {
			return
		}
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-s.clock.After(wait):
				if s.exitIfIdle(ctx) {
					return
				}
			}
			continue
		}
		s.execute(ctx, t)
	}
}

// next pops the next due task. When nothing is due it returns how long to
// wait instead.
func (s *scheduler) next(ctx context.Context) (*task, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return nil, 0, false
	}
	for len(s.queue) > 0 {
		head := s.queue[0]
		if head.future.isDone() {
			// Cancelled while queued.
			heap.Pop(&s.queue)
			continue
		}
		wait := head.due.Sub(s.clock.Now())
		if wait > 0 {
			return nil, wait, true
		}
		heap.Pop(&s.queue)
		s.busy = true
		return head, 0, true
	}
	return nil, s.idle, true
}

func (s *scheduler) exitIfIdle(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return true
	}
	if len(s.queue) > 0 {
		return false
	}
	s.running = false
	s.cancel()
	s.cancel = nil
	s.wake = nil
	s.logger.Debug("scheduler idle, stopping")
	return true
}

func (s *scheduler) execute(ctx context.Context, t *task) {
	v, err := t.run(ctx)

	s.mu.Lock()
	s.busy = false
	reschedule := t.interval > 0 && err == nil && ctx.Err() == nil && !t.future.isDone()
	if reschedule {
		// Fixed delay: the next run is measured from the end of this one.
		t.due = s.clock.Now().Add(t.interval)
		s.seq++
		t.seq = s.seq
		heap.Push(&s.queue, t)
	}
	s.mu.Unlock()

	switch {
	case reschedule:
	case ctx.Err() != nil && err == nil && t.interval > 0:
		t.future.settle(nil, ErrWorkerShutdown)
	default:
		t.future.settle(v, err)
	}
}
