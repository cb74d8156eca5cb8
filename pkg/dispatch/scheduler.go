package dispatch

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// scheduler is the single timer task of spec §4.8: in ALIVE it schedules
// pings at pingInterval; in POLLING it schedules reconnect attempts with
// backoff seeded from delay, bounded by retries. Rescheduling replaces the
// previous timer atomically, matching the teacher's pattern of a single
// cancellable handle rather than a pool of timers.
type scheduler struct {
	mu        sync.Mutex
	timer     *time.Timer
	stopped   bool
	backoff   *backoff.ExponentialBackOff
	attempts  int
	maxRetries int // -1 forever, 0 disabled (never used by scheduler directly), >0 bounded

	onPing      func()
	onReconnect func(attempt int) (ok bool)
}

func newScheduler(delay time.Duration, retries int, onPing func(), onReconnect func(int) bool) *scheduler {
	b := backoff.NewExponentialBackOff()
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	b.InitialInterval = delay
	b.MaxInterval = delay * 10
	b.MaxElapsedTime = 0 // no ceiling; retries/attempts governs when we stop, not elapsed time
	b.Reset()

	return &scheduler{
		backoff:     b,
		maxRetries:  retries,
		onPing:      onPing,
		onReconnect: onReconnect,
	}
}

// scheduleReconnectBootstrap schedules the first reconnect attempt after a
// short bootstrap delay rather than the full backoff interval (spec §4.8
// "first attempt may use a shorter bootstrap delay of a few hundred ms").
func (s *scheduler) scheduleReconnectBootstrap() {
	s.schedule(150 * time.Millisecond, s.fireReconnect)
}

// schedulePing arms the next ping at the configured interval.
func (s *scheduler) schedulePing(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.backoff.Reset()
	s.attempts = 0
	s.schedule(interval, s.firePing)
}

func (s *scheduler) schedule(d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, fire)
}

func (s *scheduler) firePing() {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if s.onPing != nil {
		s.onPing()
	}
}

func (s *scheduler) fireReconnect() {
	s.mu.Lock()
	stopped := s.stopped
	if stopped {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	exceeded := s.maxRetries > 0 && attempt > s.maxRetries
	next := s.backoff.NextBackOff()
	s.mu.Unlock()

	if exceeded {
		return // retries exhausted; the Connection Controller moved to DEAD when attempt maxRetries failed
	}

	ok := false
	if s.onReconnect != nil {
		ok = s.onReconnect(attempt)
	}
	if ok {
		return // controller will call schedulePing itself once ALIVE
	}
	if next == backoff.Stop {
		return
	}
	s.schedule(next, s.fireReconnect)
}

// shutdown cancels any pending timer; subsequent fires observe stopped and
// do nothing (spec §4.8 "Cancellation").
func (s *scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
