package wire

import (
	"log"
	"sync"
)

// Handler consumes a decoded envelope. Handlers run on the receive loop and
// must return quickly; long-running work is queued by the handler itself.
type Handler func(Envelope)

// Router fans decoded envelopes out to registered handlers. Handlers for the
// envelope's type run first, then the "all" handlers, each list in
// registration order. The router does no sequencing or deduplication; the
// presence registry (timestamps) and the sync coordinator (versions) own
// their respective conflict policies.
type Router struct {
	mu       sync.RWMutex
	handlers map[MessageType][]Handler
	all      []Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[MessageType][]Handler)}
}

func (r *Router) Subscribe(t MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], h)
}

// SubscribeAll registers a handler for every envelope regardless of type,
// used for cross-cutting logging.
func (r *Router) SubscribeAll(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, h)
}

func (r *Router) Dispatch(env Envelope) {
	r.mu.RLock()
	typed := r.handlers[env.Type]
	all := r.all
	r.mu.RUnlock()
	for _, h := range typed {
		h(env)
	}
	for _, h := range all {
		h(env)
	}
}

// DispatchRaw decodes a wire frame and dispatches it. Malformed frames and
// unknown types are logged and dropped; a misbehaving peer must never crash
// the receive loop.
func (r *Router) DispatchRaw(b []byte) {
	env, err := Decode(b)
	if err != nil {
		log.Printf("wire: dropping frame: %v", err)
		return
	}
	r.Dispatch(env)
}
