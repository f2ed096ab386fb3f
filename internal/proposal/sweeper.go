package proposal

import (
	"log/slog"
	"sync"
	"time"
)

// Sweeper expires stale pending proposals on an interval and hands each
// batch to the notifier so the parties hear about it.
type Sweeper struct {
	store    *Store
	interval time.Duration
	notify   func([]Proposal)
	stop     chan struct{}
	stopOnce sync.Once
}

func NewSweeper(store *Store, interval time.Duration, notify func([]Proposal)) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		notify:   notify,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(time.Now().UnixMilli())
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Sweeper) sweep(nowMs int64) {
	expired := s.store.SweepExpired(nowMs)
	if len(expired) == 0 {
		return
	}
	slog.Info("expired stale proposals", "count", len(expired))
	if s.notify != nil {
		s.notify(expired)
	}
}

// Stop halts the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
