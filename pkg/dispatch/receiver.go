package dispatch

import (
	"io"
	"sync"
)

// callbackReceiver is the background reader described in spec §4.4: it
// owns the inbound side of the transport, demultiplexing RESPONSE/EXCEPTION
// frames to the Correlator and INVOKE frames (ping, update, updateOneway)
// to the Subscription Router, replying on the same socket it read from.
//
// When a parallel UDP socket is active, a second instance of this loop runs
// over it; both share handlerMu so a handler never sees concurrent
// invocation from the two sockets (spec §4.4 "serializes handler
// invocations ... through a shared mutex").
type callbackReceiver struct {
	log   Logger
	corr  *correlator
	rt    *router
	t     *transport
	onLost func(error) // invoked once, from whichever loop notices EOF first
	active func() bool // reports whether handlers should receive updates at all

	handlerMu *sync.Mutex

	lostOnce sync.Once
}

func newCallbackReceiver(log Logger, corr *correlator, rt *router, t *transport, onLost func(error), active func() bool) *callbackReceiver {
	return &callbackReceiver{
		log:       log,
		corr:      corr,
		rt:        rt,
		t:         t,
		onLost:    onLost,
		active:    active,
		handlerMu: &sync.Mutex{},
	}
}

// runTCP runs the primary receive loop; it returns once the connection is
// lost. Must be started in its own goroutine.
func (cr *callbackReceiver) runTCP() {
	cr.run(cr.t.recvFrame, cr.t.sendFrame)
}

// runUDP runs the secondary receive loop for oneway updates delivered over
// UDP (spec §4.4 "If the UDP socket is active, a second receiver runs the
// same loop on UDP"). Responses to UDP-delivered invokes are still written
// back over the UDP socket's own send path.
func (cr *callbackReceiver) runUDP() {
	cr.run(cr.t.recvFrameUDP, func(b []byte) error { _, err := cr.t.udpConn.Write(b); return err })
}

func (cr *callbackReceiver) run(recv func() (*Frame, error), send func([]byte) error) {
	for {
		f, err := recv()
		if err != nil {
			if err == io.EOF {
				cr.notifyLost(ErrConnDead)
			} else {
				cr.log.Log(LogLevelWarn, "callback receiver read error", "err", err)
				cr.notifyLost(wrapErr(KindNoConnection, "receive", err))
			}
			return
		}

		switch f.Type {
		case FrameResponse, FrameException:
			// EXCEPTION frames are delivered as frames; the awaiting caller
			// turns them into a remote *Error.
			cr.corr.complete(f.RequestID, f, nil)

		case FrameInvoke:
			cr.handleInvoke(f, send)

		default:
			cr.log.Log(LogLevelWarn, "callback receiver saw unexpected frame type", "type", f.Type)
		}
	}
}

func (cr *callbackReceiver) notifyLost(err error) {
	cr.lostOnce.Do(func() {
		cr.corr.failAll(err)
		if cr.onLost != nil {
			cr.onLost(err)
		}
	})
}

func (cr *callbackReceiver) handleInvoke(f *Frame, send func([]byte) error) {
	switch f.Method {
	case "ping":
		cr.replyPingOK(f, send)

	case "update", "updateOneway":
		cr.handleUpdate(f, send)

	default:
		resp := EncodeException(f.RequestID, f.Method, f.SecretSessionID, "user.update.error",
			"no handler for inbound method "+f.Method)
		if err := send(resp); err != nil {
			cr.log.Log(LogLevelWarn, "failed writing exception reply", "err", err)
		}
	}
}

// replyPingOK synthesizes a minimal OK response unit per incoming unit, or
// a single OK unit if the ping carried none (spec §4.4 step 4 "ping").
func (cr *callbackReceiver) replyPingOK(f *Frame, send func([]byte) error) {
	units := f.Units
	if len(units) == 0 {
		units = []MessageUnit{{Qos: "<qos><state id='OK'/></qos>"}}
	} else {
		out := make([]MessageUnit, len(units))
		for i := range units {
			out[i] = MessageUnit{Qos: "<qos><state id='OK'/></qos>"}
		}
		units = out
	}
	resp := EncodeResponse(f.RequestID, f.Method, f.SecretSessionID, units)
	if err := send(resp); err != nil {
		cr.log.Log(LogLevelWarn, "failed writing ping reply", "err", err)
	}
}

func (cr *callbackReceiver) handleUpdate(f *Frame, send func([]byte) error) {
	oneway := f.Method == "updateOneway"

	if cr.active != nil && !cr.active() {
		// Dispatcher paused: still acknowledge so the peer is never
		// starved, but never reach application handler code.
		if oneway {
			return
		}
		results := make([]MessageUnit, len(f.Units))
		for i := range results {
			results[i] = MessageUnit{Qos: "<qos><state id='OK'/></qos>"}
		}
		if err := send(EncodeResponse(f.RequestID, f.Method, f.SecretSessionID, results)); err != nil {
			cr.log.Log(LogLevelWarn, "failed writing paused-dispatcher reply", "err", err)
		}
		return
	}

	cr.handlerMu.Lock()
	results := make([]MessageUnit, 0, len(f.Units))
	var firstErr error
	for _, u := range f.Units {
		subID := extractSubscriptionID(u.Qos)
		h, ok := cr.rt.lookup(subID)
		if !ok {
			// No handler registered at all (not even a default): spec
			// §4.4 says respond with a synthetic OK rather than failing.
			results = append(results, MessageUnit{Qos: "<qos><state id='OK'/></qos>"})
			continue
		}
		ack, err := safeInvoke(h, u)
		if err != nil {
			if oneway {
				cr.log.Log(LogLevelWarn, "update handler error (oneway, logged only)", "err", err, "key", u.Key)
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, MessageUnit{Qos: ack})
	}
	cr.handlerMu.Unlock()

	if oneway {
		return
	}

	var resp []byte
	if firstErr != nil {
		resp = EncodeException(f.RequestID, f.Method, f.SecretSessionID, "user.update.error", firstErr.Error())
	} else {
		resp = EncodeResponse(f.RequestID, f.Method, f.SecretSessionID, results)
	}
	if err := send(resp); err != nil {
		cr.log.Log(LogLevelWarn, "failed writing update reply", "err", err)
	}
}

// safeInvoke recovers from a panicking handler and turns it into an error,
// since a crashing application callback must not take down the receiver
// goroutine (spec §4.4 "any exception from handler code is caught").
func safeInvoke(h UpdateHandler, u MessageUnit) (ack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wrapErr(KindInternalUnknown, "update handler panicked", nil)
		}
	}()
	return h(u)
}
