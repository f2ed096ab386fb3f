// Package timers schedules one pending action per key. Scheduling under a
// live key replaces the previous action, so phase deadlines reset cleanly
// when a dispute advances early.
package timers

import (
	"sync"
	"time"
)

type Store struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewStore() *Store {
	return &Store{timers: make(map[string]*time.Timer)}
}

// Schedule runs fn after d, replacing any action still pending on key. The
// key is released before fn runs, so fn may schedule again.
func (s *Store) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		if !ok || current != t {
			// Canceled or replaced after this timer fired.
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = t
}

// Cancel stops the pending action on key, reporting whether one existed.
func (s *Store) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// Len reports how many actions are pending.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown cancels everything and rejects further scheduling.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
