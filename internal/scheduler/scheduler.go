// Package scheduler owns every background timer in the process so shutdown
// can cancel them in one place.
package scheduler

import (
	"sync"
	"time"
)

// Handle cancels a scheduled function. Cancelling twice is a no-op.
type Handle interface {
	Cancel()
}

// Scheduler runs functions after a delay or on a fixed interval. All handles
// it hands out are cancelled together by Stop.
type Scheduler struct {
	mu      sync.Mutex
	handles map[int]*handle
	nextID  int
	stopped bool
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{handles: make(map[int]*handle)}
}

type handle struct {
	s      *Scheduler
	id     int
	timer  *time.Timer
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *handle) Cancel() {
	h.once.Do(func() {
		close(h.done)
		if h.timer != nil {
			h.timer.Stop()
		}
		if h.ticker != nil {
			h.ticker.Stop()
		}
		h.s.mu.Lock()
		delete(h.s.handles, h.id)
		h.s.mu.Unlock()
	})
}

// After runs fn once after d. The returned handle cancels the pending run.
func (s *Scheduler) After(d time.Duration, fn func()) Handle {
	h := &handle{s: s, done: make(chan struct{})}
	h.timer = time.NewTimer(d)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		h.timer.Stop()
		return h
	}
	h.id = s.nextID
	s.nextID++
	s.handles[h.id] = h
	s.mu.Unlock()

	go func() {
		select {
		case <-h.timer.C:
			h.Cancel()
			fn()
		case <-h.done:
		}
	}()
	return h
}

// Every runs fn on each tick of d until the handle is cancelled.
func (s *Scheduler) Every(d time.Duration, fn func()) Handle {
	h := &handle{s: s, done: make(chan struct{})}
	h.ticker = time.NewTicker(d)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		h.ticker.Stop()
		return h
	}
	h.id = s.nextID
	s.nextID++
	s.handles[h.id] = h
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-h.ticker.C:
				fn()
			case <-h.done:
				return
			}
		}
	}()
	return h
}

// Stop cancels every outstanding handle. The scheduler accepts no new work
// afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	pending := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		pending = append(pending, h)
	}
	s.mu.Unlock()

	for _, h := range pending {
		h.Cancel()
	}
}

// Pending returns the number of outstanding handles. Used by tests and the
// health endpoint.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
