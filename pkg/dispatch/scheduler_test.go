package dispatch

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerPingFiresRepeatedly(t *testing.T) {
	var pings int32
	s := newScheduler(0, 0, func() { atomic.AddInt32(&pings, 1) }, nil)
	s.schedulePing(10 * time.Millisecond)
	defer s.shutdown()

	time.Sleep(10 * time.Millisecond) // let the first ping fire
	s.schedulePing(10 * time.Millisecond)
	time.Sleep(45 * time.Millisecond)

	if atomic.LoadInt32(&pings) == 0 {
		t.Fatal("expected at least one ping to have fired")
	}
}

func TestSchedulerReconnectStopsOnceOnReconnectSucceeds(t *testing.T) {
	var attempts int32
	s := newScheduler(5*time.Millisecond, 0, nil, func(attempt int) bool {
		atomic.AddInt32(&attempts, 1)
		return true // succeed on the very first attempt
	})
	defer s.shutdown()

	s.scheduleReconnectBootstrap()
	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly 1 reconnect attempt, got %d", got)
	}
}

func TestSchedulerReconnectRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	s := newScheduler(2*time.Millisecond, 0, nil, func(attempt int) bool {
		n := atomic.AddInt32(&attempts, 1)
		return n >= 3
	})
	defer s.shutdown()

	s.scheduleReconnectBootstrap()
	time.Sleep(300 * time.Millisecond)

	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Fatalf("expected at least 3 reconnect attempts, got %d", got)
	}
}

func TestSchedulerShutdownStopsFurtherFires(t *testing.T) {
	var pings int32
	s := newScheduler(0, 0, func() { atomic.AddInt32(&pings, 1) }, nil)
	s.schedulePing(5 * time.Millisecond)
	s.shutdown()

	before := atomic.LoadInt32(&pings)
	time.Sleep(30 * time.Millisecond)
	after := atomic.LoadInt32(&pings)
	if after != before {
		t.Fatalf("expected no pings after shutdown: before=%d after=%d", before, after)
	}
}
