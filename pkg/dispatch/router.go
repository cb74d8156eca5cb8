package dispatch

import "sync"

// UpdateHandler is invoked for every callback delivered to a subscription.
// It returns the acknowledgement string to send back for non-oneway
// updates; the returned error, if any, is converted to an EXCEPTION frame
// for non-oneway updates and logged-only for oneway ones (spec §4.4/§4.5).
type UpdateHandler func(unit MessageUnit) (ackQos string, err error)

// router maps subscriptionId to handler and holds a single default
// handler, mirroring spec §4.5's Subscription Router. Removal is safe even
// while the Callback Receiver currently holds a reference to the handler
// it is invoking, because lookup copies the handler value out under the
// lock rather than returning a pointer into the map.
type router struct {
	mu      sync.RWMutex
	byID    map[string]UpdateHandler
	dflt    UpdateHandler
}

func newRouter() *router {
	return &router{byID: make(map[string]UpdateHandler)}
}

// put registers (or replaces) the handler for subscriptionId.
func (r *router) put(subscriptionID string, h UpdateHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[subscriptionID] = h
}

// remove deregisters subscriptionID. Safe to call while a delivery for that
// id is in flight; the in-flight call already holds its own copy of h.
func (r *router) remove(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, subscriptionID)
}

// setDefault installs the fallback handler used when lookup finds no
// registered subscriptionId.
func (r *router) setDefault(h UpdateHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dflt = h
}

// lookup tries byID first, then falls back to the default handler. ok is
// false only when neither is set.
func (r *router) lookup(subscriptionID string) (UpdateHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, found := r.byID[subscriptionID]; found {
		return h, true
	}
	if r.dflt != nil {
		return r.dflt, true
	}
	return nil, false
}

// extractSubscriptionID pulls the subscribe id out of a qos string using
// the xmlBlaster convention demonstrated in spec §8 scenario 1
// ("subscribe response contains a `subscribe id=`"): a
// <subscribe id='...'/> element. Returns "" if none is present, in which
// case callers fall back to the default handler.
func extractSubscriptionID(qos string) string {
	const marker = "<subscribe id='"
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

// clear removes every registered handler, including the default.
func (r *router) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]UpdateHandler)
	r.dflt = nil
}
