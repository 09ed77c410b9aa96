package sched

import (
	"sync"
	"time"
)

// Scheduler owns named one-shot timers. Scheduling a key that is already
// pending replaces the previous timer, so a stale callback can never fire
// after its key has been rescheduled or cancelled. Cancellation on chat
// switch goes through CancelAll.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// After runs fn once after d, keyed. The key is released before fn runs so
// fn may reschedule itself.
func (s *Scheduler) After(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		// Only fire if we are still the registered timer for this key.
		if s.timers[key] == timer {
			delete(s.timers, key)
			s.mu.Unlock()
			fn()
			return
		}
		s.mu.Unlock()
	})
	s.timers[key] = timer
	s.mu.Unlock()
}

func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
}

func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	s.mu.Unlock()
}

// Pending reports whether a timer is registered for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}
