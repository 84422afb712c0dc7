// Package scheduler implements the single logical cron queue described in
// spec.md §4.2: a cooperative priority queue of (fire-time, period, job,
// argument) tuples. Exactly one job body runs at a time; long-running I/O
// inside a job body must be offloaded, since it stalls every other job.
package scheduler

import (
	"sync"
	"time"

	"github.com/netmesh/overlay/log"
)

// Job is one entry in the cron queue. Callback is invoked with Arg when
// the job fires; a Period of 0 makes the job one-shot.
type Job struct {
	fireAt AbsTime
	index  int // heap index, -1 when not queued

	Period   time.Duration
	Callback func(arg any)
	Arg      any

	running bool
}

// Scheduler owns one cron queue and runs it on a single goroutine.
type Scheduler struct {
	clock Clock
	log   *log.Logger

	mu        sync.Mutex
	queue     *jobQueue
	suspended bool
	wake      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
}

// New creates a Scheduler driven by clock and starts its run loop.
func New(clock Clock, logger *log.Logger) *Scheduler {
	s := &Scheduler{
		clock:   clock,
		log:     logger,
		queue:   newJobQueue(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// Add enqueues job to fire at clock.Now()+delay, rescheduling itself every
// Period thereafter (if nonzero) until Remove is called.
func (s *Scheduler) Add(job *Job, delay time.Duration) {
	s.mu.Lock()
	job.fireAt = s.clock.Now().Add(delay)
	job.index = -1
	s.queue.push(job)
	s.mu.Unlock()
	s.notify()
}

// Remove cancels job. It is a no-op if the job's callback is currently
// running (per spec.md §4.2): the running instance, and one already-queued
// reschedule taken when that run began, are left alone, but Period is
// cleared so the job is not queued again after that. A caller wishing to
// wait for a running instance to finish must coordinate through a
// separate signal, per spec.md §4.2.
func (s *Scheduler) Remove(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Period = 0
	if job.running {
		return
	}
	s.queue.remove(job)
}

// Advance pulls job's fire time to now, so it runs on the scheduler's next
// turn instead of waiting out its remaining delay. Used by DHT/RPC
// completion callbacks to fire an abort job early (spec.md §4.8).
func (s *Scheduler) Advance(job *Job) {
	s.mu.Lock()
	if job.index >= 0 {
		job.fireAt = s.clock.Now()
		s.queue.fix(job)
	}
	s.mu.Unlock()
	s.notify()
}

// Suspend pauses job dispatch so a caller can safely acquire locks that a
// cron job body would also need, without racing a concurrently firing job
// (spec.md §5). Resume must always be called to match.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
	s.notify()
}

// Stop terminates the run loop. Safe to call once.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.stopped)
	for {
		wait, job := s.next()
		if job != nil {
			s.fire(job)
			continue
		}
		var timer <-chan struct{}
		var cancel func() bool
		if wait > 0 {
			timer, cancel = s.clock.NewTimer(wait)
		}
		select {
		case <-s.stop:
			if cancel != nil {
				cancel()
			}
			return
		case <-s.wake:
			if cancel != nil {
				cancel()
			}
		case <-orNil(timer):
		}
	}
}

// next returns the next ready job (removing one-shots, rescheduling
// periodic ones), or a wait duration until one becomes ready.
func (s *Scheduler) next() (time.Duration, *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.suspended {
		return time.Hour, nil
	}
	top := s.queue.peek()
	if top == nil {
		return time.Hour, nil
	}
	now := s.clock.Now()
	if top.fireAt > now {
		return top.fireAt.Sub(now), nil
	}
	job := s.queue.popFront()
	if job.Period > 0 {
		job.fireAt = now.Add(job.Period)
		job.index = -1
		s.queue.push(job)
	}
	job.running = true
	return 0, job
}

func (s *Scheduler) fire(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cron job panicked", "recover", r)
		}
		s.mu.Lock()
		job.running = false
		s.mu.Unlock()
	}()
	job.Callback(job.Arg)
}

func orNil(ch <-chan struct{}) <-chan struct{} {
	if ch == nil {
		return nil
	}
	return ch
}
