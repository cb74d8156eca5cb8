package dispatch

import (
	"crypto/sha1"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/dispatchmq/client/pkg/dispatch/pqueue"
)

// dispatchNamespace seeds the deterministic subscriptionId derivation
// (spec §4.7 "Subscribe stability"). Any fixed namespace works as long as
// it is stable across process restarts; it is not a secret.
var dispatchNamespace = uuid.NewSHA1(uuid.Nil, []byte("dispatchmq.subscriptionId"))

// Client is the Session Facade (C9): the external API wrapping the
// Connection Controller (C7) and Subscription Router (C5). Construct one
// with New and call Connect before issuing any other operation.
type Client struct {
	cfg   cfg
	log   Logger
	hooks Hooks

	// mu guards state and the fields below it. It is held only across
	// short state-check/transition sections, never across a blocking
	// network wait or a handler callback — this is what lets a handler
	// invoked from the Callback Receiver turn around and call back into
	// the Client without deadlocking, without needing an actual reentrant
	// mutex (spec §4.9, §5).
	mu               sync.Mutex
	state            State
	secretSessionID  string
	connectReturnQos string // "" is the canonical START marker (spec §9)
	absoluteName     string
	lastUniqueID     int64
	dispatcherActive bool

	transport *transport
	corr      *correlator
	router    *router
	queue     *pqueue.Queue
	sched     *scheduler
	tcpRecv   *callbackReceiver
	udpRecv   *callbackReceiver

	shutdownOnce sync.Once
}

// New constructs a Client with the given options but does not connect.
func New(opts ...Opt) (*Client, error) {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}

	q, err := pqueue.Open(c.queueDBName, c.queueTablePrefix, c.queueNodeID, c.queueName, c.queueMaxEntries, c.queueMaxBytes)
	if err != nil {
		return nil, wrapErr(KindDbUnavailable, "open persistent queue", err)
	}

	cl := &Client{
		cfg:              c,
		log:              c.logger,
		state:            StateStart,
		dispatcherActive: true,
		transport:        newTransport(c),
		corr:             newCorrelator(),
		router:           newRouter(),
		queue:            q,
	}
	return cl, nil
}

// SetHooks installs the connection/drain lifecycle hooks (spec §9).
func (c *Client) SetHooks(h Hooks) { c.hooks = h }

// SetDefaultUpdateHandler installs the fallback handler used when a
// callback's subscriptionId has no specific registration (spec §4.5).
func (c *Client) SetDefaultUpdateHandler(h UpdateHandler) { c.router.setDefault(h) }

func (c *Client) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) nextUniqueID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= c.lastUniqueID {
		now = c.lastUniqueID + 1
	}
	c.lastUniqueID = now
	return now
}

// Connect establishes the session. Per the state table (spec §4.7): from
// START it dials and dispatches; on failure, if failsafe is enabled, it
// moves to POLLING with the connect intent queued and returns the queued
// acknowledgement instead of an error. A second Connect call while already
// ALIVE returns the cached connect response.
func (c *Client) Connect(connectQos string) (string, error) {
	c.mu.Lock()
	state := c.state
	cached := c.connectReturnQos
	c.mu.Unlock()

	switch state {
	case StateAlive:
		return cached, nil
	case StateDead:
		return "", ErrDead
	case StateEnd:
		return "", ErrShuttingDown
	case StatePolling:
		// A connect intent racing an existing POLLING session: queue it
		// like any other enqueueable invocation (spec §4.7 table).
		return c.enqueueAndAck(queuedInvocation{Method: "connect", Raw: connectQos}, 9, true)
	}

	// StateStart: dial and perform the handshake synchronously.
	if err := c.transport.connect(); err != nil {
		if c.cfg.failsafe() {
			c.transitionPolling()
			return c.enqueueAndAck(queuedInvocation{Method: "connect", Raw: connectQos}, 9, true)
		}
		c.transitionDead()
		return "", wrapErr(KindNoConnectionDead, "initial connect failed and failsafe disabled", err)
	}

	f, err := c.doConnectHandshake(connectQos)
	if err != nil {
		c.transport.shutdown()
		if c.cfg.failsafe() {
			c.transitionPolling()
			return c.enqueueAndAck(queuedInvocation{Method: "connect", Raw: connectQos}, 9, true)
		}
		c.transitionDead()
		return "", wrapErr(KindConnectFailed, "connect handshake failed", err)
	}

	c.mu.Lock()
	c.secretSessionID = f.SecretSessionID
	c.connectReturnQos = f.Raw
	c.absoluteName = extractAbsoluteName(f.Raw)
	c.mu.Unlock()

	c.startReceivers()
	c.transitionAlive()
	return f.Raw, nil
}

func (c *Client) doConnectHandshake(connectQos string) (*Frame, error) {
	pr := c.corr.begin("connect")
	frameBytes := EncodeRaw(FrameInvoke, pr.requestID, "connect", "", stampUTC(connectQos))
	if err := c.transport.sendFrame(frameBytes); err != nil {
		c.corr.cancel(pr.requestID)
		return nil, err
	}
	// No callback receiver runs yet (startReceivers follows a successful
	// handshake), so the reply is read directly off the transport,
	// bounded by dialTimeout.
	c.corr.cancel(pr.requestID)
	if c.cfg.dialTimeout > 0 {
		c.transport.conn.SetReadDeadline(time.Now().Add(c.cfg.dialTimeout))
		defer c.transport.conn.SetReadDeadline(time.Time{})
	}
	f, err := c.transport.recvFrame()
	if err != nil {
		return nil, wrapErr(KindNoConnection, "read connect reply", err)
	}
	if f.Type == FrameException {
		return nil, &Error{Kind: KindConnectFailed, Message: f.ErrorMessage, Remote: true}
	}
	return f, nil
}

func (c *Client) startReceivers() {
	c.tcpRecv = newCallbackReceiver(c.log, c.corr, c.router, c.transport, c.onConnectionLost, c.isDispatcherActive)
	go c.tcpRecv.runTCP()
	if c.cfg.useUDPOneway && c.transport.udpConn != nil {
		c.udpRecv = newCallbackReceiver(c.log, c.corr, c.router, c.transport, c.onConnectionLost, c.isDispatcherActive)
		c.udpRecv.handlerMu = c.tcpRecv.handlerMu // shared receiver mutex (spec §4.4)
		go c.udpRecv.runUDP()
	}

	c.sched = newScheduler(c.cfg.delay, c.cfg.retries, c.onPingTick, c.onReconnectAttempt)
	if c.cfg.pingInterval > 0 {
		c.sched.schedulePing(c.cfg.pingInterval)
	}
}

// onConnectionLost is called by whichever receiver loop first observes
// EOF/a read error. It synthesizes ConnectionLost for every pending
// request (already done inside the receiver before this is invoked) and
// transitions the Controller.
func (c *Client) onConnectionLost(err error) {
	c.handleCommFailure()
}

// handleCommFailure moves the Controller to POLLING if failsafe is
// enabled (retries/delay configured), otherwise straight to DEAD (spec
// §7 "Communication errors in ALIVE are recoverable if failsafe is
// enabled"). Every send/receive failure observed while ALIVE routes
// through this single decision point.
func (c *Client) handleCommFailure() {
	if c.cfg.failsafe() {
		c.transitionPolling()
		return
	}
	c.transitionDead()
}

func (c *Client) transitionAlive() {
	c.mu.Lock()
	already := c.state == StateAlive
	c.state = StateAlive
	c.mu.Unlock()
	if !already && c.hooks.OnReachAlive != nil {
		c.hooks.OnReachAlive()
	}
	if c.sched != nil && c.cfg.pingInterval > 0 {
		c.sched.schedulePing(c.cfg.pingInterval)
	}
}

func (c *Client) transitionPolling() {
	c.mu.Lock()
	already := c.state == StatePolling
	if c.state == StateDead || c.state == StateEnd {
		c.mu.Unlock()
		return
	}
	c.state = StatePolling
	c.mu.Unlock()
	if !already && c.hooks.OnReachPolling != nil {
		c.hooks.OnReachPolling()
	}
	if c.sched != nil {
		c.sched.scheduleReconnectBootstrap()
	}
}

func (c *Client) transitionDead() {
	c.mu.Lock()
	already := c.state == StateDead
	c.state = StateDead
	c.mu.Unlock()
	if c.sched != nil {
		c.sched.shutdown()
	}
	if !already && c.hooks.OnReachDead != nil {
		c.hooks.OnReachDead()
	}
}

// onPingTick fires from the scheduler while ALIVE (spec §4.8). A failed
// ping is treated exactly like any other ALIVE communication failure.
func (c *Client) onPingTick() {
	if c.getState() != StateAlive {
		return
	}
	if _, err := c.Ping(""); err != nil {
		c.log.Log(LogLevelDebug, "scheduled ping failed", "err", err)
	}
	if c.getState() == StateAlive {
		c.sched.schedulePing(c.cfg.pingInterval)
	}
}

// onReconnectAttempt is invoked by the scheduler while POLLING. On success
// it redials, re-handshakes, transitions ALIVE, and drains the queue
// (spec §4.7 "Queue-drain protocol on POLLING→ALIVE").
func (c *Client) onReconnectAttempt(attempt int) bool {
	if c.getState() != StatePolling {
		return true // nothing to do; treat as "handled" so the scheduler stops retrying this cycle
	}

	c.mu.Lock()
	connectQos := c.connectReturnQos // reuse whatever qos last round-tripped, if any
	c.mu.Unlock()

	if err := c.transport.connect(); err != nil {
		c.log.Log(LogLevelDebug, "reconnect attempt failed", "attempt", attempt, "err", err)
		if c.cfg.retries > 0 && attempt >= c.cfg.retries {
			c.transitionDead()
		}
		return false
	}

	f, err := c.doConnectHandshake(connectQos)
	if err != nil {
		c.transport.shutdown()
		c.log.Log(LogLevelDebug, "reconnect handshake failed", "attempt", attempt, "err", err)
		if c.cfg.retries > 0 && attempt >= c.cfg.retries {
			c.transitionDead()
		}
		return false
	}

	c.mu.Lock()
	c.secretSessionID = f.SecretSessionID
	c.connectReturnQos = f.Raw
	c.mu.Unlock()

	c.startReceivers()
	c.transitionAlive()
	c.drainQueue()
	return true
}

// drainQueue implements spec §4.7's POLLING→ALIVE drain protocol: pop
// same-priority batches, stamp and send each via the Correlator, and
// remove them from the queue once the broker has acknowledged.
func (c *Client) drainQueue() {
	const batchMax = 256
	const batchMaxBytes = 4 << 20

	for c.getState() == StateAlive && !c.queue.Empty() {
		batch := c.queue.PeekWithSamePriority(batchMax, batchMaxBytes)
		if len(batch) == 0 {
			return
		}

		var sent []int64
		for _, e := range batch {
			qi, err := decodeQueuedInvocation(e.Blob)
			if err != nil {
				c.log.Log(LogLevelError, "corrupt queued invocation, dropping", "uniqueId", e.UniqueID, "err", err)
				sent = append(sent, e.UniqueID)
				continue
			}

			_, err = c.sendQueuedInvocation(qi)
			if err == nil {
				sent = append(sent, e.UniqueID)
				continue
			}

			if isCommError(err) {
				if len(sent) > 0 {
					c.queue.RandomRemove(sent)
				}
				c.handleCommFailure()
				return
			}

			handled := false
			if c.hooks.OnSendingFailed != nil {
				handled = c.hooks.OnSendingFailed(qi.Method, err)
			}
			if handled {
				sent = append(sent, e.UniqueID)
				continue
			}
			if len(sent) > 0 {
				c.queue.RandomRemove(sent)
			}
			c.transitionDead()
			return
		}

		if len(sent) > 0 {
			c.queue.RandomRemove(sent)
			if c.hooks.OnPostSend != nil {
				c.hooks.OnPostSend(len(sent))
			}
		}
	}
}

func (c *Client) sendQueuedInvocation(qi queuedInvocation) (*Frame, error) {
	c.mu.Lock()
	sessID := c.secretSessionID
	c.mu.Unlock()

	pr := c.corr.begin(qi.Method)
	var frameBytes []byte
	if qi.Raw != "" {
		frameBytes = EncodeRaw(FrameInvoke, pr.requestID, qi.Method, sessID, qi.Raw)
	} else {
		frameBytes = EncodeInvoke(pr.requestID, qi.Method, sessID, qi.Units)
	}

	if err := c.transport.sendFrame(frameBytes); err != nil {
		c.corr.cancel(pr.requestID)
		return nil, err
	}
	if qi.Oneway {
		return nil, nil
	}
	f, err := c.corr.await(pr, c.cfg.responseTimeout)
	if err != nil {
		return nil, err
	}
	if f.Type == FrameException {
		return nil, &Error{Kind: KindInternalUnknown, Message: f.ErrorMessage, Remote: true}
	}
	return f, nil
}

func isCommError(err error) bool {
	de, ok := err.(*Error)
	if !ok {
		return false
	}
	switch de.Kind {
	case KindNoConnection, KindNoConnectionPolling, KindNoConnectionDead, KindResponseTimeout:
		return true
	default:
		return false
	}
}

// enqueueAndAck persists a queued invocation and synthesizes the
// "<qos><state id='OK' info='QUEUED'/></qos>" acknowledgement described in
// spec §8 scenario 4.
func (c *Client) enqueueAndAck(qi queuedInvocation, priority int, persistent bool) (string, error) {
	blob, err := encodeQueuedInvocation(qi)
	if err != nil {
		return "", wrapErr(KindInternalUnknown, "encode queued invocation", err)
	}
	entry := pqueueEntryFor(c.nextUniqueID(), priority, persistent, qi.Method, blob)
	if err := c.queue.Put(entry); err != nil {
		return "", wrapErr(KindQueueQuotaExceeded, "queue full", err)
	}
	c.log.Log(LogLevelDebug, "queued invocation while POLLING",
		"method", qi.Method, "queueEntries", c.queue.NumEntries(), "queueBytes", humanize.Bytes(uint64(c.queue.NumBytes())))
	return "<qos><state id='OK' info='QUEUED'/></qos>", nil
}

// Disconnect tears down the session. Idempotent: calling it again once
// already DEAD/END is a no-op returning nil, matching spec §8's "double
// disconnect in DEAD state is a no-op".
func (c *Client) Disconnect(qos string) error {
	state := c.getState()
	if state == StateDead || state == StateEnd {
		return nil
	}
	if state != StateAlive {
		return ErrNotConnected
	}

	pr := c.corr.begin("disconnect")
	frameBytes := EncodeRaw(FrameInvoke, pr.requestID, "disconnect", c.secretSessionID, stampUTC(qos))
	_ = c.transport.sendFrame(frameBytes) // best-effort; we are tearing down regardless
	c.corr.cancel(pr.requestID)

	c.transitionDead()
	c.transport.shutdown()
	return nil
}

// Shutdown idempotently tears down the Client: cancels the scheduler,
// closes the transport, wakes every pending caller with ErrShuttingDown,
// and closes the persistent queue handle (spec §7 "shutdown is
// idempotent").
func (c *Client) Shutdown() error {
	var closeErr error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.state = StateEnd
		c.mu.Unlock()

		if c.sched != nil {
			c.sched.shutdown()
		}
		c.corr.failAll(ErrShuttingDown)
		c.transport.shutdown()
		c.router.clear()
		closeErr = c.queue.Close()
	})
	return closeErr
}

// Publish sends one message unit and waits for the broker's acknowledging
// qos, per spec §4.7's publish row: sent immediately while ALIVE, queued
// (priority 5) while POLLING and failsafe, rejected outright while DEAD.
func (c *Client) Publish(u MessageUnit) (string, error) {
	qos, err := c.invokeUnits("publish", []MessageUnit{u}, 5, false)
	if err != nil {
		return "", err
	}
	return qos, nil
}

// queuePublishArr durably enqueues units as a publishArr invocation and
// fans the single QUEUED ack out to one string per unit.
func (c *Client) queuePublishArr(units []MessageUnit) ([]string, error) {
	qos, err := c.enqueueAndAck(queuedInvocation{Method: "publishArr", Units: units}, 5, true)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(units))
	for i := range out {
		out[i] = qos
	}
	return out, nil
}

// PublishArr sends a batch of units in a single invocation, returning one
// ack qos per unit on success.
func (c *Client) PublishArr(units []MessageUnit) ([]string, error) {
	units = stampUnits(units)
	state := c.getState()
	switch state {
	case StateDead, StateEnd:
		return nil, ErrDead
	case StatePolling:
		if !c.cfg.failsafe() {
			return nil, ErrPolling
		}
		return c.queuePublishArr(units)
	case StateStart:
		return nil, ErrNotConnected
	}

	pr := c.corr.begin("publishArr")
	f := EncodeInvoke(pr.requestID, "publishArr", c.secretSessionID, units)
	if err := c.transport.sendFrame(f); err != nil {
		c.corr.cancel(pr.requestID)
		c.handleCommFailure()
		// spec §4.7: a comm error on an ALIVE publish moves to POLLING and
		// queues the message, it does not fail the call outright.
		if c.cfg.failsafe() {
			return c.queuePublishArr(units)
		}
		return nil, wrapErr(KindNoConnection, "send publishArr", err)
	}
	resp, err := c.corr.await(pr, c.cfg.responseTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Type == FrameException {
		return nil, &Error{Kind: KindInternalUnknown, Message: resp.ErrorMessage, Remote: true}
	}
	out := make([]string, len(resp.Units))
	for i, ru := range resp.Units {
		out[i] = ru.Qos
	}
	return out, nil
}

// queuePublishOneway durably enqueues units as a oneway publishOneway
// invocation; there is no ack to return to the caller beyond success/error.
func (c *Client) queuePublishOneway(units []MessageUnit) error {
	_, err := c.enqueueAndAck(queuedInvocation{Method: "publishOneway", Units: units, Oneway: true}, 5, true)
	return err
}

// PublishOneway sends units without waiting for any acknowledgement
// (spec §4.2 "useUdpForOneway", §4.7). While ALIVE it writes directly
// (preferring the UDP socket when configured); while POLLING and failsafe
// it is durably queued just like a normal publish, since a oneway send
// has no way to signal loss to the caller otherwise.
func (c *Client) PublishOneway(units []MessageUnit) error {
	units = stampUnits(units)
	state := c.getState()
	switch state {
	case StateDead, StateEnd:
		return ErrDead
	case StateStart:
		return ErrNotConnected
	case StatePolling:
		if !c.cfg.failsafe() {
			return ErrPolling
		}
		return c.queuePublishOneway(units)
	}

	pr := c.corr.begin("publishOneway")
	f := EncodeInvoke(pr.requestID, "publishOneway", c.secretSessionID, units)
	var err error
	if c.cfg.useUDPOneway {
		err = c.transport.sendFrameUDP(f)
	} else {
		err = c.transport.sendFrame(f)
	}
	c.corr.cancel(pr.requestID) // oneway: nobody will ever complete this requestId
	if err != nil {
		c.handleCommFailure()
		// spec §4.7: same queue-on-comm-error treatment as publish/publishArr.
		if c.cfg.failsafe() {
			return c.queuePublishOneway(units)
		}
		return wrapErr(KindNoConnection, "send publishOneway", err)
	}
	return nil
}

// queueSubscribe derives a deterministic subscriptionId, registers handler
// immediately, and durably enqueues the subscribe invocation, rolling the
// registration back if the enqueue itself fails (e.g. quota exceeded).
func (c *Client) queueSubscribe(key, qos string, handler UpdateHandler) (string, error) {
	subID := deterministicSubscriptionID(c.cfg.sessionName, key)
	c.router.put(subID, handler)
	unit := MessageUnit{Key: key, Qos: qos}
	if _, err := c.enqueueAndAck(queuedInvocation{Method: "subscribe", Units: []MessageUnit{unit}}, 7, true); err != nil {
		c.router.remove(subID)
		return "", err
	}
	return subID, nil
}

// Subscribe registers handler for key and returns a subscriptionId. While
// ALIVE the broker assigns and confirms the id synchronously. While
// POLLING and failsafe, a deterministic id is derived up front (spec §4.7
// "Subscribe stability") so the handler can be registered and start
// receiving the moment the connection is re-established and the queued
// subscribe drains, without waiting for the broker's own (re-)confirmation.
func (c *Client) Subscribe(key, qos string, handler UpdateHandler) (string, error) {
	qos = stampUTC(qos)
	state := c.getState()
	switch state {
	case StateDead, StateEnd:
		return "", ErrDead
	case StateStart:
		return "", ErrNotConnected
	case StatePolling:
		if !c.cfg.failsafe() {
			return "", ErrPolling
		}
		return c.queueSubscribe(key, qos, handler)
	}

	pr := c.corr.begin("subscribe")
	frameBytes := EncodeInvoke(pr.requestID, "subscribe", c.secretSessionID, []MessageUnit{{Key: key, Qos: qos}})
	if err := c.transport.sendFrame(frameBytes); err != nil {
		c.corr.cancel(pr.requestID)
		c.handleCommFailure()
		// spec §4.7: same queue-on-comm-error treatment as publish.
		if c.cfg.failsafe() {
			return c.queueSubscribe(key, qos, handler)
		}
		return "", wrapErr(KindNoConnection, "send subscribe", err)
	}
	resp, err := c.corr.await(pr, c.cfg.responseTimeout)
	if err != nil {
		return "", err
	}
	if resp.Type == FrameException {
		return "", &Error{Kind: KindInternalUnknown, Message: resp.ErrorMessage, Remote: true}
	}

	subID := ""
	if len(resp.Units) > 0 {
		subID = extractSubscriptionID(resp.Units[0].Qos)
	}
	if subID == "" {
		subID = deterministicSubscriptionID(c.cfg.sessionName, key)
	}
	c.router.put(subID, handler)
	return subID, nil
}

// UnSubscribe, Erase and Get all fail outright while POLLING (spec §4.7's
// table has no queued form for them: re-subscribing on reconnect is
// sufficient to restore delivery, so there is nothing useful a queued
// unSubscribe/erase/get would accomplish before the broker session itself
// is rebuilt).
func (c *Client) UnSubscribe(key, qos string) (string, error) {
	resp, err := c.invokeUnits("unSubscribe", []MessageUnit{{Key: key, Qos: qos}}, 0, true)
	if err != nil {
		return "", err
	}
	return resp, nil
}

func (c *Client) Erase(key, qos string) (string, error) {
	resp, err := c.invokeUnits("erase", []MessageUnit{{Key: key, Qos: qos}}, 0, true)
	if err != nil {
		return "", err
	}
	return resp, nil
}

func (c *Client) Get(key, qos string) ([]MessageUnit, error) {
	qos = stampUTC(qos)
	state := c.getState()
	if err := c.rejectIfNotAlive(state, true); err != nil {
		return nil, err
	}
	pr := c.corr.begin("get")
	frameBytes := EncodeInvoke(pr.requestID, "get", c.secretSessionID, []MessageUnit{{Key: key, Qos: qos}})
	if err := c.transport.sendFrame(frameBytes); err != nil {
		c.corr.cancel(pr.requestID)
		c.handleCommFailure()
		return nil, wrapErr(KindNoConnection, "send get", err)
	}
	resp, err := c.corr.await(pr, c.cfg.responseTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Type == FrameException {
		return nil, &Error{Kind: KindInternalUnknown, Message: resp.ErrorMessage, Remote: true}
	}
	return resp.Units, nil
}

// Ping synchronously checks the connection is alive; used both by callers
// directly and internally by the scheduler's periodic liveness check
// (spec §4.8).
func (c *Client) Ping(qos string) (string, error) {
	qos = stampUTC(qos)
	state := c.getState()
	if err := c.rejectIfNotAlive(state, true); err != nil {
		return "", err
	}
	pr := c.corr.begin("ping")
	frameBytes := EncodeRaw(FrameInvoke, pr.requestID, "ping", c.secretSessionID, qos)
	if err := c.transport.sendFrame(frameBytes); err != nil {
		c.corr.cancel(pr.requestID)
		c.handleCommFailure()
		return "", wrapErr(KindNoConnection, "send ping", err)
	}
	resp, err := c.corr.await(pr, c.cfg.responseTimeout)
	if err != nil {
		c.handleCommFailure()
		return "", err
	}
	if resp.Type == FrameException {
		return "", &Error{Kind: KindInternalUnknown, Message: resp.ErrorMessage, Remote: true}
	}
	return resp.Raw, nil
}

// rejectIfNotAlive implements the portion of spec §4.7's table shared by
// get/ping: no queued form, fail immediately whenever the session is not
// ALIVE. unSubscribe/erase get the same treatment inside invokeUnits.
func (c *Client) rejectIfNotAlive(state State, failPollingToo bool) error {
	switch state {
	case StateAlive:
		return nil
	case StatePolling:
		if failPollingToo {
			return ErrPolling
		}
		return nil
	case StateDead, StateEnd:
		return ErrDead
	default:
		return ErrNotConnected
	}
}

// invokeUnits is the shared path for single-unit request/response
// invocations (publish, unSubscribe, erase). failPolling marks methods with
// no queued form at all (unSubscribe/erase, spec §4.7's table): they fail
// outright both while POLLING and on an ALIVE comm error, rather than being
// queued like publish. priority is only used for the queued branch.
func (c *Client) invokeUnits(method string, units []MessageUnit, priority int, failPolling bool) (string, error) {
	units = stampUnits(units)
	state := c.getState()
	switch state {
	case StateDead, StateEnd:
		return "", ErrDead
	case StateStart:
		return "", ErrNotConnected
	case StatePolling:
		if failPolling {
			return "", ErrPolling
		}
		if !c.cfg.failsafe() {
			return "", ErrPolling
		}
		return c.enqueueAndAck(queuedInvocation{Method: method, Units: units}, priority, true)
	}

	pr := c.corr.begin(method)
	frameBytes := EncodeInvoke(pr.requestID, method, c.secretSessionID, units)
	if err := c.transport.sendFrame(frameBytes); err != nil {
		c.corr.cancel(pr.requestID)
		c.handleCommFailure()
		// spec §4.7: publish queues on an ALIVE comm error like its POLLING
		// row; unSubscribe/erase have no queued form and fail outright here too.
		if !failPolling && c.cfg.failsafe() {
			return c.enqueueAndAck(queuedInvocation{Method: method, Units: units}, priority, true)
		}
		return "", wrapErr(KindNoConnection, "send "+method, err)
	}
	resp, err := c.corr.await(pr, c.cfg.responseTimeout)
	if err != nil {
		return "", err
	}
	if resp.Type == FrameException {
		return "", &Error{Kind: KindInternalUnknown, Message: resp.ErrorMessage, Remote: true}
	}
	if len(resp.Units) > 0 {
		return resp.Units[0].Qos, nil
	}
	return resp.Raw, nil
}

// extractAbsoluteName pulls the canonical client identifier out of a
// connect response qos, following the same "<... id='...'/>" convention
// used elsewhere in the wire protocol's XML qos documents.
func extractAbsoluteName(qos string) string {
	const marker = "<session id='"
	i := indexOf(qos, marker)
	if i < 0 {
		return ""
	}
	rest := qos[i+len(marker):]
	j := indexOf(rest, "'")
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func pqueueEntryFor(uniqueID int64, priority int, persistent bool, method string, blob []byte) pqueue.Entry {
	return pqueue.Entry{
		UniqueID:     uniqueID,
		Priority:     priority,
		Persistent:   persistent,
		EmbeddedType: embeddedTypeFor(method),
		Blob:         blob,
	}
}

// stampUTC appends a __UTC clientProperty carrying the send-side timestamp
// to qos, mirroring the original's practice of marking every outgoing
// Invocation (not just connect) with when the client dispatched it.
func stampUTC(qos string) string {
	return qos + "<clientProperty name='__UTC'>" + time.Now().UTC().Format(time.RFC3339Nano) + "</clientProperty>"
}

// stampUnits returns a copy of units with each Qos stamped via stampUTC,
// leaving the caller's slice untouched.
func stampUnits(units []MessageUnit) []MessageUnit {
	out := make([]MessageUnit, len(units))
	for i, u := range units {
		u.Qos = stampUTC(u.Qos)
		out[i] = u
	}
	return out
}

// deterministicSubscriptionID derives a stable subscriptionId from
// (sessionName, key) so that a subscribe issued while POLLING, and whose
// response is therefore never seen, still routes later callbacks
// correctly once the broker's own confirmation eventually arrives or is
// lost (spec §4.7 "Subscribe stability").
func deterministicSubscriptionID(sessionName, key string) string {
	id := uuid.NewSHA1(dispatchNamespace, []byte(sessionName+"|"+key))
	return "sub_" + shortHash(id.String())
}

func shortHash(s string) string {
	h := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", h[:8])
}
