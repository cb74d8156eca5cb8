package dispatch

import (
	"strconv"
	"sync"
	"time"
)

// requestIDWrapCeiling is the point at which the correlator's counter wraps
// back to zero. spec §4.3/§9 note the original's wraparound at ~10^9 exists
// only to keep the ASCII requestId printable-length, not for any protocol
// reason; SPEC_FULL keeps the wrap (wire compatibility) but widens nothing
// else about the scheme, per the open question in spec §9 being resolved
// as "keep the behavior, do not widen" since nothing in SPEC_FULL depends
// on the counter exceeding this range.
const requestIDWrapCeiling = 1_000_000_000

// pendingRequest is the Correlator's record for one in-flight invocation
// (spec §3 "Pending-request record").
type pendingRequest struct {
	requestID string
	method    string
	done      chan struct{}
	frame     *Frame
	err       error
}

// correlator assigns requestIds and suspends callers until a matching
// response arrives, mirroring the teacher's broker.resps channel-based
// wait/complete pattern but keyed by requestId instead of a single
// in-order channel, since callback delivery here is demultiplexed by id
// rather than strictly FIFO per connection.
type correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[string]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingRequest)}
}

// begin allocates a new requestId and inserts a pending record for it.
func (c *correlator) begin(method string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	if c.nextID >= requestIDWrapCeiling {
		c.nextID = 0
	}

	pr := &pendingRequest{
		requestID: strconv.FormatInt(id, 10),
		method:    method,
		done:      make(chan struct{}),
	}
	c.pending[pr.requestID] = pr
	return pr
}

// await blocks until complete is called for pr's requestId, or until
// timeout elapses (zero means wait indefinitely). It never returns both a
// frame and an error; the caller gets exactly one.
func (c *correlator) await(pr *pendingRequest, timeout time.Duration) (*Frame, error) {
	if timeout <= 0 {
		<-pr.done
		return pr.frame, pr.err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-pr.done:
		return pr.frame, pr.err
	case <-t.C:
		c.timeoutOne(pr.requestID)
		<-pr.done // complete (by us, just above) always closes done
		return pr.frame, pr.err
	}
}

// timeoutOne completes a still-pending record with ErrResponseTimeout; a
// no-op if the record already completed concurrently (race with an
// in-flight response), since complete only acts once per requestId.
func (c *correlator) timeoutOne(requestID string) {
	c.complete(requestID, nil, ErrResponseTimeout)
}

// cancel frees a pending record without waking it; used when a write fails
// before any response could plausibly arrive.
func (c *correlator) cancel(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// complete delivers a frame (or error) to the pending record for
// requestID, if one still exists, and wakes its waiter. Each record is
// completed at most once.
func (c *correlator) complete(requestID string, f *Frame, err error) {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pr.frame, pr.err = f, err
	close(pr.done)
}

// failAll synthesizes the given error for every still-pending record; used
// on connection loss (spec §4.4 step 2, §7 "EOF on the reader thread").
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.err = err
		close(pr.done)
	}
}

// outstanding reports how many invocations are currently awaiting a
// response; exposed for tests asserting no caller is left blocked after
// shutdown (spec §8).
func (c *correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
