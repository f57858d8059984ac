// Package broadcast carries full-document change notifications between
// independent engine contexts. A Channel endpoint never receives its own
// publications, mirroring the storage-change event model it replaces.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// Message is one published document write.
type Message struct {
	Key    string
	Value  string
	Origin string
}

// Channel is one context's endpoint on a shared transport.
type Channel interface {
	// Origin identifies this endpoint; it is stamped on every publication.
	Origin() string
	Publish(key, value string) error
	// Subscribe registers fn for messages from other endpoints. Delivery is
	// asynchronous and ordered per endpoint. The returned func unsubscribes.
	Subscribe(fn func(Message)) (unsubscribe func())
	Close() error
}

func newOrigin() string { return uuid.NewString() }

// mailbox is an unbounded, ordered delivery queue drained by one goroutine.
// Publishers never block on a slow subscriber.
type mailbox struct {
	mu      sync.Mutex
	pending []Message
	subs    map[int]func(Message)
	nextID  int
	signal  chan struct{}
	done    chan struct{}
	closed  bool
}

func newMailbox() *mailbox {
	mb := &mailbox{
		subs:   make(map[int]func(Message)),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go mb.run()
	return mb
}

func (mb *mailbox) subscribe(fn func(Message)) func() {
	mb.mu.Lock()
	id := mb.nextID
	mb.nextID++
	mb.subs[id] = fn
	mb.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			mb.mu.Lock()
			delete(mb.subs, id)
			mb.mu.Unlock()
		})
	}
}

func (mb *mailbox) push(m Message) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.pending = append(mb.pending, m)
	mb.mu.Unlock()
	select {
	case mb.signal <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run() {
	for {
		select {
		case <-mb.done:
			return
		case <-mb.signal:
		}
		for {
			mb.mu.Lock()
			if len(mb.pending) == 0 || mb.closed {
				mb.mu.Unlock()
				break
			}
			m := mb.pending[0]
			mb.pending = mb.pending[1:]
			fns := make([]func(Message), 0, len(mb.subs))
			for _, fn := range mb.subs {
				fns = append(fns, fn)
			}
			mb.mu.Unlock()
			for _, fn := range fns {
				fn(m)
			}
		}
	}
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.closed = true
	mb.pending = nil
	mb.mu.Unlock()
	close(mb.done)
}
