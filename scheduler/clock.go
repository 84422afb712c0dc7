package scheduler

import (
	"sync"
	"time"
)

// AbsTime represents absolute monotonic time, mirroring go-ethereum's
// common/mclock.AbsTime: durations since an arbitrary but fixed reference
// point rather than wall-clock time, so comparisons are never affected by
// clock adjustments.
type AbsTime time.Duration

// Add returns t + d.
func (t AbsTime) Add(d time.Duration) AbsTime {
	return t + AbsTime(d)
}

// Sub returns the duration between two absolute times.
func (t AbsTime) Sub(t2 AbsTime) time.Duration {
	return time.Duration(t - t2)
}

// Clock abstracts timekeeping so the Scheduler's cron queue can be driven
// by a deterministic Simulated clock in tests instead of real sleeps,
// exactly as go-ethereum's p2p/les test suites do.
type Clock interface {
	Now() AbsTime
	Sleep(time.Duration)
	NewTimer(time.Duration) (<-chan struct{}, func() bool)
}

// System is the production Clock backed by the OS monotonic clock.
type System struct{}

var systemStart = time.Now()

func (System) Now() AbsTime {
	return AbsTime(time.Since(systemStart))
}

func (System) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (System) NewTimer(d time.Duration) (<-chan struct{}, func() bool) {
	t := time.NewTimer(d)
	ch := make(chan struct{}, 1)
	go func() {
		if _, ok := <-t.C; ok {
			ch <- struct{}{}
		}
	}()
	return ch, t.Stop
}

// Simulated is a Clock for tests: time only passes when Run is called.
type Simulated struct {
	mu      sync.Mutex
	now     AbsTime
	waiters []simWaiter
}

type simWaiter struct {
	at AbsTime
	ch chan struct{}
}

func (s *Simulated) Now() AbsTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Run advances the simulated clock by d, firing any timers whose deadline
// has now passed.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	now := s.now
	var fire []chan struct{}
	remaining := s.waiters[:0]
	for _, w := range s.waiters {
		if w.at <= now {
			fire = append(fire, w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
	s.mu.Unlock()

	for _, ch := range fire {
		ch <- struct{}{}
	}
}

func (s *Simulated) Sleep(d time.Duration) {
	ch, _ := s.NewTimer(d)
	<-ch
}

func (s *Simulated) NewTimer(d time.Duration) (<-chan struct{}, func() bool) {
	s.mu.Lock()
	ch := make(chan struct{}, 1)
	deadline := s.now.Add(d)
	s.waiters = append(s.waiters, simWaiter{at: deadline, ch: ch})
	s.mu.Unlock()

	stopped := false
	stop := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.waiters {
			if w.ch == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				stopped = true
				return true
			}
		}
		return !stopped
	}
	return ch, stop
}
