package broadcast

import (
	"errors"
	"sync"
)

// ErrClosed is returned when publishing on a closed endpoint.
var ErrClosed = errors.New("broadcast: channel closed")

// Hub is an in-process transport. Each Join returns an endpoint that sees
// every other endpoint's publications.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
}

func NewHub() *Hub { return &Hub{endpoints: make(map[*Endpoint]struct{})} }

// Join attaches a new endpoint with a fresh origin.
func (h *Hub) Join() *Endpoint {
	ep := &Endpoint{hub: h, origin: newOrigin(), box: newMailbox()}
	h.mu.Lock()
	h.endpoints[ep] = struct{}{}
	h.mu.Unlock()
	return ep
}

func (h *Hub) leave(ep *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints, ep)
	h.mu.Unlock()
}

func (h *Hub) deliver(from *Endpoint, m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ep := range h.endpoints {
		if ep == from {
			continue
		}
		ep.box.push(m)
	}
}

// Endpoint is a Hub member.
type Endpoint struct {
	hub    *Hub
	origin string
	box    *mailbox

	mu     sync.Mutex
	closed bool
}

func (ep *Endpoint) Origin() string { return ep.origin }

func (ep *Endpoint) Publish(key, value string) error {
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed {
		return ErrClosed
	}
	ep.hub.deliver(ep, Message{Key: key, Value: value, Origin: ep.origin})
	return nil
}

func (ep *Endpoint) Subscribe(fn func(Message)) func() { return ep.box.subscribe(fn) }

func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()
	ep.hub.leave(ep)
	ep.box.close()
	return nil
}
