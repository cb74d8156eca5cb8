package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// SetCallbackDispatcherActive toggles whether inbound update/ping frames
// are processed at all. Disabling it is used to pause callback delivery
// around a maintenance window without tearing the session down; frames
// still arrive and are read off the socket (so the peer is never starved)
// but are answered with a synthetic OK and never reach any handler. It
// also tells the broker via an administrative publish (spec §4.9, §6.2's
// "__cmd:" convention), mirroring the original's sendAdministrativeCommand.
func (c *Client) SetCallbackDispatcherActive(active bool) {
	c.mu.Lock()
	c.dispatcherActive = active
	sessionPath := c.absoluteName
	c.mu.Unlock()
	if sessionPath == "" {
		sessionPath = "/client/" + c.cfg.sessionName
	}

	path := fmt.Sprintf("__cmd:%s/?dispatcherActive=%t", sessionPath, active)
	if _, err := c.AdminPublish(path, ""); err != nil {
		c.log.Log(LogLevelWarn, "failed to notify broker of dispatcherActive change", "active", active, "err", err)
	}
}

// dispatcherActive is read by the Callback Receiver before invoking any
// handler; see receiver.go's handleUpdate gate. Declared here because it
// is part of the administrative surface rather than the core state
// machine.
func (c *Client) isDispatcherActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcherActive
}

// adminQueueOid rewrites a topic/session/subject key into the "__cmd:"
// history/callback/subject queue-entries convention Receive polls (spec
// §4.9, §6.2), mirroring the original's receive()'s oid rewrite: a "topic"
// key drains a history queue, a "session" key a callback queue, and a
// "subject" key a subject queue.
func adminQueueOid(key string) (string, error) {
	switch {
	case strings.Contains(key, "topic"):
		return "__cmd:" + key + "/?historyQueueEntries", nil
	case strings.Contains(key, "session"):
		return "__cmd:" + key + "/?callbackQueueEntries", nil
	case strings.Contains(key, "subject"):
		return "__cmd:" + key + "/?subjectQueueEntries", nil
	default:
		return "", newErr(KindIllegalArgument, fmt.Sprintf("receive: can't parse %q", key))
	}
}

// Receive pulls up to maxEntries messages already queued for topic by
// rewriting it into the admin "__cmd:.../?historyQueueEntries" (or
// callbackQueueEntries/subjectQueueEntries) convention and issuing a get
// (spec §6.2), rather than through a push subscription. If consumable is
// true, each returned message is erased from the broker's side queue as it
// is delivered; otherwise messages remain available to subsequent Receive
// calls, mirroring a peek.
func (c *Client) Receive(topic string, maxEntries int, timeout time.Duration, consumable bool) ([]MessageUnit, error) {
	oid, err := adminQueueOid(topic)
	if err != nil {
		return nil, err
	}
	qos := fmt.Sprintf("<qos><querySpec type='XPATH'><maxEntries>%d</maxEntries><consumable>%t</consumable></querySpec></qos>",
		maxEntries, consumable)

	prevTimeout := c.cfg.responseTimeout
	if timeout > 0 {
		c.mu.Lock()
		c.cfg.responseTimeout = timeout
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.cfg.responseTimeout = prevTimeout
			c.mu.Unlock()
		}()
	}

	return c.Get(oid, qos)
}

// Request implements a request/reply exchange over a temporary topic: it
// publishes msg with a JMSReplyTo clientProperty pointing at a throwaway
// topic, then reads that topic's history queue with a single Receive call
// (timeout bounds the wait for that get's response) and fails with
// ErrResponseTimeout if it returns no message. The temporary topic is
// erased before returning either way. This follows the original's
// request(), which uses receive() rather than subscribing (spec §4.7
// supplemented feature).
func (c *Client) Request(msg MessageUnit, timeout time.Duration, maxEntries int) ([]MessageUnit, error) {
	replyTopic := fmt.Sprintf("%s-%d", c.cfg.sessionName, c.nextUniqueID())
	defer func() {
		_, _ = c.Erase(replyTopic, "<qos><forceDestroy>true</forceDestroy></qos>")
	}()

	msg.Qos = msg.Qos + "<clientProperty name='JMSReplyTo'>" + replyTopic + "</clientProperty>"
	if _, err := c.Publish(msg); err != nil {
		return nil, err
	}

	out, err := c.Receive("topic/"+replyTopic, maxEntries, timeout, true)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrResponseTimeout
	}
	return out, nil
}

// AdminGet issues a get against an admin MBean-style path, e.g.
// "__cmd:client/queue/numEntries" (spec §6.2's "__cmd:" convention for
// querying the broker's own runtime state).
func (c *Client) AdminGet(path string) ([]MessageUnit, error) {
	return c.Get(path, "<qos/>")
}

// AdminPublish writes a value to an admin path, e.g.
// "__cmd:client/?dispatcherActive=false" on the broker side.
func (c *Client) AdminPublish(path, value string) (string, error) {
	return c.Publish(MessageUnit{Key: path, Content: []byte(value), Qos: "<qos/>"})
}
