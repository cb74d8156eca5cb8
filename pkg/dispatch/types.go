package dispatch

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// State is the Connection Controller's lifecycle state (spec §3, §4.7).
type State int32

const (
	StateStart State = iota
	StateAlive
	StatePolling
	StateDead
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateAlive:
		return "ALIVE"
	case StatePolling:
		return "POLLING"
	case StateDead:
		return "DEAD"
	case StateEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// queuedInvocation is what gets gob-encoded into a pqueue.Entry's blob.
// It deliberately omits requestId: a fresh one is assigned by the
// Correlator at drain time (spec §4.7 step 2b "stamp current sender, send
// via Correlator"), since a requestId frozen at enqueue time could collide
// with ones issued meanwhile.
type queuedInvocation struct {
	Method          string
	SecretSessionID string
	Units           []MessageUnit
	Raw             string
	Oneway          bool
}

func encodeQueuedInvocation(qi queuedInvocation) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(qi); err != nil {
		return nil, fmt.Errorf("dispatch: encode queued invocation: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeQueuedInvocation(b []byte) (queuedInvocation, error) {
	var qi queuedInvocation
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&qi); err != nil {
		return qi, fmt.Errorf("dispatch: decode queued invocation: %w", err)
	}
	return qi, nil
}

// embeddedType tags, e.g. "MSG_XML|publish", matching the convention spec
// §3 shows by example ("MSG_RAW|publish").
func embeddedTypeFor(method string) string { return "MSG_XML|" + method }

// Hooks are small, explicitly-registered callback interfaces (spec §9:
// "model as a small set of hook interfaces the facade registers once"),
// replacing the original's untyped listener pointers.
type Hooks struct {
	// OnReachAlive fires at most once per transition into ALIVE (initial
	// connect or reconnect).
	OnReachAlive func()
	// OnReachPolling fires at most once per transition into POLLING.
	OnReachPolling func()
	// OnReachDead fires at most once per transition into DEAD.
	OnReachDead func()
	// OnSendingFailed is consulted for a non-communication error while
	// draining the queue (spec §4.7 step 2e); returning true means the
	// entry should be dropped, false means the connection goes DEAD.
	OnSendingFailed func(entryMethod string, err error) (handled bool)
	// OnPostSend fires after each successfully drained batch.
	OnPostSend func(batchSize int)
}
