package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAfterFires(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := make(chan struct{})
	s.After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("After never fired")
	}
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAfterCancel(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Bool
	h := s.After(20*time.Millisecond, func() { fired.Store(true) })
	h.Cancel()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.Zero(t, s.Pending())
}

func TestEveryTicks(t *testing.T) {
	s := New()
	defer s.Stop()

	var ticks atomic.Int64
	h := s.Every(10*time.Millisecond, func() { ticks.Add(1) })

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	h.Cancel()

	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no ticks after cancel")
}

func TestStopCancelsEverything(t *testing.T) {
	s := New()

	var fired atomic.Int64
	s.After(30*time.Millisecond, func() { fired.Add(1) })
	s.Every(10*time.Millisecond, func() { fired.Add(1) })
	s.Every(15*time.Millisecond, func() { fired.Add(1) })

	s.Stop()
	before := fired.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, before, fired.Load())
	assert.Zero(t, s.Pending())
}

func TestStoppedSchedulerAcceptsNoWork(t *testing.T) {
	s := New()
	s.Stop()

	var fired atomic.Bool
	s.After(5*time.Millisecond, func() { fired.Store(true) })
	s.Every(5*time.Millisecond, func() { fired.Store(true) })

	time.Sleep(30 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestCancelTwiceIsSafe(t *testing.T) {
	s := New()
	defer s.Stop()

	h := s.After(10*time.Millisecond, func() {})
	h.Cancel()
	h.Cancel()
}
