package dispatch

import (
	"testing"
	"time"
)

func TestCorrelatorCompleteDeliversToAwaiter(t *testing.T) {
	c := newCorrelator()
	pr := c.begin("publish")

	want := &Frame{Type: FrameResponse, RequestID: pr.requestID}
	go c.complete(pr.requestID, want, nil)

	got, err := c.await(pr, 0)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got != want {
		t.Fatalf("await returned %+v, want %+v", got, want)
	}
}

func TestCorrelatorCompletesAtMostOnce(t *testing.T) {
	c := newCorrelator()
	pr := c.begin("publish")

	c.complete(pr.requestID, &Frame{RequestID: pr.requestID}, nil)
	// A second completion for the same id must be a no-op, not a panic on
	// an already-closed channel.
	c.complete(pr.requestID, &Frame{RequestID: pr.requestID}, ErrConnDead)

	if got, _ := c.await(pr, 0); got == nil || got.RequestID != pr.requestID {
		t.Fatalf("unexpected frame after double-complete: %+v", got)
	}
}

func TestCorrelatorAwaitTimesOut(t *testing.T) {
	c := newCorrelator()
	pr := c.begin("get")

	_, err := c.await(pr, 10*time.Millisecond)
	if err != ErrResponseTimeout {
		t.Fatalf("expected ErrResponseTimeout, got %v", err)
	}
	if c.outstanding() != 0 {
		t.Fatalf("expected no outstanding requests after timeout, got %d", c.outstanding())
	}
}

func TestCorrelatorAwaitTimeoutRaceWithLateComplete(t *testing.T) {
	c := newCorrelator()
	pr := c.begin("get")

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.complete(pr.requestID, &Frame{RequestID: pr.requestID}, nil)
	}()

	// Whichever of {timeout, late complete} wins, await must return exactly
	// once and never block forever.
	_, _ = c.await(pr, 50*time.Millisecond)
}

func TestCorrelatorFailAllWakesEveryPendingRequest(t *testing.T) {
	c := newCorrelator()
	prs := []*pendingRequest{c.begin("a"), c.begin("b"), c.begin("c")}

	done := make(chan error, len(prs))
	for _, pr := range prs {
		go func(pr *pendingRequest) {
			_, err := c.await(pr, 0)
			done <- err
		}(pr)
	}

	c.failAll(ErrConnDead)

	for range prs {
		if err := <-done; err != ErrConnDead {
			t.Fatalf("expected ErrConnDead, got %v", err)
		}
	}
	if c.outstanding() != 0 {
		t.Fatalf("expected no outstanding requests after failAll, got %d", c.outstanding())
	}
}

func TestCorrelatorCancelFreesWithoutWaking(t *testing.T) {
	c := newCorrelator()
	pr := c.begin("publish")
	c.cancel(pr.requestID)
	if c.outstanding() != 0 {
		t.Fatalf("expected cancel to remove the pending record, got %d outstanding", c.outstanding())
	}
}

func TestCorrelatorRequestIDsWrap(t *testing.T) {
	c := newCorrelator()
	c.nextID = requestIDWrapCeiling - 1
	first := c.begin("a")
	second := c.begin("b")
	if first.requestID != "999999999" {
		t.Fatalf("expected requestId just below the ceiling, got %q", first.requestID)
	}
	if second.requestID != "0" {
		t.Fatalf("expected requestId to wrap to 0, got %q", second.requestID)
	}
}
