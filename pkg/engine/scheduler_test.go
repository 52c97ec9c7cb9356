// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/invowk/modhost/internal/testutil"
	"github.com/invowk/modhost/pkg/script"
)

// recorder collects labels and fake timestamps of task runs.
type recorder struct {
	clock *testutil.FakeClock
	mu    sync.Mutex
	order []string
	at    []time.Time
}

func (r *recorder) task(label string) script.Function {
	return func(context.Context, ...any) (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, label)
		r.at = append(r.at, r.clock.Now())
		return label, nil
	}
}

func (r *recorder) runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func newClockEngine(t *testing.T) (*Engine, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	e, _, _ := newEngine(t, nil, func(o *Options) {
		o.Clock = clock
		o.IdleTimeout = time.Second
	})
	return e, clock
}

// drive advances the fake clock in steps until cond holds.
func drive(t *testing.T, clock *testutil.FakeClock, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached while advancing the clock")
		}
		clock.Advance(step)
		time.Sleep(time.Millisecond)
	}
}

func futuresDone(fs ...*Future) func() bool {
	return func() bool {
		for _, f := range fs {
			if !f.isDone() {
				return false
			}
		}
		return true
	}
}

func TestScheduler_SubmitOrder(t *testing.T) {
	t.Parallel()

	e, clock := newClockEngine(t)
	w := e.NewWorker()
	rec := &recorder{clock: clock}

	labels := []string{"first", "second", "third", "fourth"}
	var futures []*Future
	for _, label := range labels {
		futures = append(futures, w.Submit(nil, rec.task(label)))
	}
	for i, f := range futures {
		v, err := f.Result(context.Background())
		if err != nil {
			t.Fatalf("Result() error = %v", err)
		}
		if v != labels[i] {
			t.Errorf("future %d = %v, want %s", i, v, labels[i])
		}
	}
	rec.mu.Lock()
	order := slices.Clone(rec.order)
	rec.mu.Unlock()
	if diff := cmp.Diff(labels, order); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
	if n := e.Outstanding(); n != 0 {
		t.Errorf("Outstanding() = %d, want 0", n)
	}
}

func TestScheduler_Delays(t *testing.T) {
	t.Parallel()

	e, clock := newClockEngine(t)
	w := e.NewWorker()
	rec := &recorder{clock: clock}
	start := clock.Now()

	delays := map[string]time.Duration{"30ms": 30 * time.Millisecond, "10ms": 10 * time.Millisecond, "20ms": 20 * time.Millisecond}
	futures := []*Future{
		w.Schedule(delays["30ms"], nil, rec.task("30ms")),
		w.Schedule(delays["10ms"], nil, rec.task("10ms")),
		w.Schedule(delays["20ms"], nil, rec.task("20ms")),
		w.Submit(nil, rec.task("now")),
	}
	if n := e.Outstanding(); n != 4 {
		t.Errorf("Outstanding() = %d, want 4", n)
	}
	drive(t, clock, 5*time.Millisecond, futuresDone(futures...))

	if diff := cmp.Diff([]string{"now", "10ms", "20ms", "30ms"}, rec.order); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
	for i, label := range rec.order {
		if ran := rec.at[i].Sub(start); ran < delays[label] {
			t.Errorf("%s ran after %v", label, ran)
		}
	}
}

func TestScheduler_IntervalFixedDelay(t *testing.T) {
	t.Parallel()

	e, clock := newClockEngine(t)
	w := e.NewWorker()
	rec := &recorder{clock: clock}
	start := clock.Now()

	f := w.ScheduleInterval(10*time.Millisecond, nil, rec.task("tick"))
	drive(t, clock, 5*time.Millisecond, func() bool { return rec.runs() >= 3 })

	if !f.Cancel() {
		t.Fatal("Cancel() = false, want true")
	}
	if !f.Cancelled() {
		t.Error("Cancelled() = false")
	}
	if n := e.Outstanding(); n != 0 {
		t.Errorf("Outstanding() = %d, want 0 after cancelling", n)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	prev := start
	for _, at := range rec.at {
		if gap := at.Sub(prev); gap < 10*time.Millisecond {
			t.Errorf("interval run after %v, want at least 10ms", gap)
		}
		prev = at
	}
}

func TestScheduler_IntervalStopsOnError(t *testing.T) {
	t.Parallel()

	e, clock := newClockEngine(t)
	w := e.NewWorker()
	boom := errors.New("boom")
	var mu sync.Mutex
	runs := 0
	f := w.ScheduleInterval(10*time.Millisecond, nil, script.Function(func(context.Context, ...any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		runs++
		if runs == 2 {
			return nil, boom
		}
		return nil, nil
	}))
	drive(t, clock, 5*time.Millisecond, futuresDone(f))

	if _, err := f.Result(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Result() error = %v, want boom", err)
	}
	if n := e.Outstanding(); n != 0 {
		t.Errorf("Outstanding() = %d, want 0", n)
	}
}

func TestFuture_CancelDecrementsOnce(t *testing.T) {
	t.Parallel()

	e, clock := newClockEngine(t)
	w := e.NewWorker()
	rec := &recorder{clock: clock}

	f := w.Schedule(time.Hour, nil, rec.task("never"))
	keep := w.Schedule(time.Hour, nil, rec.task("kept"))
	if n := e.Outstanding(); n != 2 {
		t.Fatalf("Outstanding() = %d, want 2", n)
	}
	if !f.Cancel() {
		t.Fatal("first Cancel() = false")
	}
	if f.Cancel() {
		t.Error("second Cancel() = true")
	}
	if n := e.Outstanding(); n != 1 {
		t.Errorf("Outstanding() = %d, want 1", n)
	}
	if _, err := f.Result(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("Result() error = %v, want ErrCancelled", err)
	}

	drive(t, clock, 30*time.Minute, futuresDone(keep))
	if diff := cmp.Diff([]string{"kept"}, rec.order); diff != "" {
		t.Errorf("cancelled task ran (-want +got):\n%s", diff)
	}
}

func TestScheduler_Shutdown(t *testing.T) {
	t.Parallel()

	e, clock := newClockEngine(t)
	w := e.NewWorker()
	rec := &recorder{clock: clock}

	queued := []*Future{
		w.Schedule(time.Hour, nil, rec.task("a")),
		w.ScheduleInterval(time.Minute, nil, rec.task("b")),
	}
	w.Shutdown()
	for _, f := range queued {
		if _, err := f.Result(context.Background()); !errors.Is(err, ErrWorkerShutdown) {
			t.Errorf("Result() error = %v, want ErrWorkerShutdown", err)
		}
	}
	if n := e.Outstanding(); n != 0 {
		t.Errorf("Outstanding() = %d, want 0", n)
	}

	if v, err := w.Submit(nil, rec.task("after")).Result(context.Background()); err != nil || v != "after" {
		t.Errorf("Submit() after Shutdown = %v, %v, want the scheduler recreated", v, err)
	}
}

func TestScheduler_IdleTimeout(t *testing.T) {
	t.Parallel()

	e, clock := newClockEngine(t)
	w := e.NewWorker()
	rec := &recorder{clock: clock}
	running := func() bool {
		w.sched.mu.Lock()
		defer w.sched.mu.Unlock()
		return w.sched.running
	}

	if _, err := w.Submit(nil, rec.task("one")).Result(context.Background()); err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if !running() {
		t.Fatal("scheduler should keep running until the idle timeout")
	}
	drive(t, clock, 500*time.Millisecond, func() bool { return !running() })

	if _, err := w.Submit(nil, rec.task("two")).Result(context.Background()); err != nil {
		t.Fatalf("Result() after idle exit error = %v", err)
	}
	if rec.runs() != 2 {
		t.Errorf("runs = %d, want 2", rec.runs())
	}
}

func TestEngine_WaitAsync(t *testing.T) {
	t.Parallel()

	e, clock := newClockEngine(t)
	w := e.NewWorker()
	rec := &recorder{clock: clock}

	f := w.Schedule(time.Hour, nil, rec.task("late"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := e.WaitAsync(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitAsync() error = %v, want context.DeadlineExceeded", err)
	}

	done := make(chan struct{})
	go func() {
		_ = e.WaitAsync(context.Background())
		close(done)
	}()
	f.Cancel()
	testutil.Within(t, 5*time.Second, done, "WaitAsync after cancel")
}
