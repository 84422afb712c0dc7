// Package engine implements the three asynchronous DHT state machines of
// spec.md §4.8 — get, put, remove — sharing one shape: gather candidate
// peers (locally and/or via find-k-nodes), fan out RPCs to them, accumulate
// results under a lock until either the desired count is reached or an
// absolute deadline fires, then invoke the completion callback exactly
// once.
package engine

import (
	"sync"
	"time"

	"github.com/netmesh/overlay/scheduler"
)

// Operation is the common abort-once accumulator shared by Get, Put, and
// Remove: spec.md §4.8's "Abort" step, generalized over the
// operation-specific result type R.
type Operation[R any] struct {
	mu      sync.Mutex
	done    bool
	results []R
	cancels []func()

	sched *scheduler.Scheduler
	job   *scheduler.Job
}

// newOperation registers an abort job on sched to fire at deadline (at
// once if deadline has already passed); onAbort runs exactly once, either
// when the deadline fires or when completeIfReached advances the abort job
// to fire early.
func newOperation[R any](sched *scheduler.Scheduler, clk scheduler.Clock, deadline scheduler.AbsTime, onAbort func(results []R, timedOut bool)) *Operation[R] {
	op := &Operation[R]{sched: sched}
	delay := deadline.Sub(clk.Now())
	if delay < 0 {
		delay = 0
	}
	op.job = &scheduler.Job{Callback: func(any) { op.fire(onAbort) }}
	sched.Add(op.job, delay)
	return op
}

// addCancel registers c to be called on abort. If the operation has
// already completed, c runs immediately instead — an RPC started in the
// narrow race window between the abort job firing and this call must
// still be torn down.
func (op *Operation[R]) addCancel(c func()) {
	if c == nil {
		return
	}
	op.mu.Lock()
	if op.done {
		op.mu.Unlock()
		c()
		return
	}
	op.cancels = append(op.cancels, c)
	op.mu.Unlock()
}

// accumulate appends r under the operation's lock and returns the new
// result count; a no-op (returning the prior count) once the operation
// has already completed.
func (op *Operation[R]) accumulate(r R) int {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.done {
		return len(op.results)
	}
	op.results = append(op.results, r)
	return len(op.results)
}

// completeIfReached pulls the abort job forward to fire immediately once
// count reaches max (spec.md §4.8: "if result count reaches the requested
// maximum, advance the abort job to fire immediately"). max <= 0 means
// unbounded: never completes early.
func (op *Operation[R]) completeIfReached(count, max int) {
	if max > 0 && count >= max {
		op.sched.Advance(op.job)
	}
}

// fire is the abort job's callback: idempotent, so a completion racing a
// timeout can never double-invoke onAbort (spec.md §4.8, §5).
func (op *Operation[R]) fire(onAbort func(results []R, timedOut bool)) {
	op.mu.Lock()
	if op.done {
		op.mu.Unlock()
		return
	}
	op.done = true
	cancels := op.cancels
	results := op.results
	op.cancels = nil
	op.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	onAbort(results, len(results) == 0)
}

// DefaultTimeout is the get/put timeout that config.Default supplies.
// newOperation does not apply it: a zero or already-passed deadline makes
// the operation abort at once.
const DefaultTimeout = 30 * time.Second
