package scheduler

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmesh/overlay/log"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, log.LevelCrit)
}

func TestOneShotJobFiresOnce(t *testing.T) {
	clock := &Simulated{}
	s := New(clock, testLogger())
	defer s.Stop()

	var fired int32
	job := &Job{Callback: func(any) { atomic.AddInt32(&fired, 1) }}
	s.Add(job, 10*time.Millisecond)

	clock.Run(5 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))

	clock.Run(10 * time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)

	clock.Run(time.Hour)
	time.Sleep(5 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestPeriodicJobReschedules(t *testing.T) {
	clock := &Simulated{}
	s := New(clock, testLogger())
	defer s.Stop()

	var fired int32
	job := &Job{Period: 10 * time.Millisecond, Callback: func(any) { atomic.AddInt32(&fired, 1) }}
	s.Add(job, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		clock.Run(10 * time.Millisecond)
		require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == int32(i+1) }, time.Second, time.Millisecond)
	}
}

func TestAdvancePullsFireTimeToNow(t *testing.T) {
	clock := &Simulated{}
	s := New(clock, testLogger())
	defer s.Stop()

	var fired int32
	job := &Job{Callback: func(any) { atomic.AddInt32(&fired, 1) }}
	s.Add(job, time.Hour)

	s.Advance(job)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestRemoveBeforeFireCancels(t *testing.T) {
	clock := &Simulated{}
	s := New(clock, testLogger())
	defer s.Stop()

	var fired int32
	job := &Job{Callback: func(any) { atomic.AddInt32(&fired, 1) }}
	s.Add(job, 10*time.Millisecond)
	s.Remove(job)

	clock.Run(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestSuspendResumeBlocksDispatch(t *testing.T) {
	clock := &Simulated{}
	s := New(clock, testLogger())
	defer s.Stop()

	var fired int32
	job := &Job{Callback: func(any) { atomic.AddInt32(&fired, 1) }}
	s.Suspend()
	s.Add(job, 0)

	clock.Run(time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))

	s.Resume()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}
