package engine

import "sync"

// Event names.
const (
	EventUploaded          = "upload.completed"
	EventGenerateStarted   = "generate.started"
	EventJobCompleted      = "job.completed"
	EventJobFailed         = "job.failed"
	EventMovedToBackground = "job.background"
	EventResumed           = "job.resumed"
	EventTextureStarted    = "texture.started"
	EventTextureCompleted  = "texture.completed"
	EventTextureFailed     = "texture.failed"
	EventTextureCancelled  = "texture.cancelled"
	EventStateSynced       = "state.synced"
	EventNotify            = "notify"
)

// Event represents an engine lifecycle event.
// Minimal and stable: name + job ID and optional fields via key/values.
// Notify events carry "kind", "title", "message" and, when actionable,
// "action" ("View", answered with OpenResult).
type Event struct {
	Name   string
	JobID  string
	Fields map[string]any
}

// EventPublisher receives events from the engine. Publish is called with the
// engine lock held; implementations must be non-blocking and must not call
// back into the engine synchronously.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher records every engine event in publish order. The e2e
// stack and the engine tests read it back to assert lifecycle and notify
// traffic per job.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Count returns how many events named name were published.
func (p *MemoryPublisher) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// ChanPublisher forwards events to a buffered channel, dropping when full.
type ChanPublisher struct {
	C chan Event
}

func NewChanPublisher(size int) *ChanPublisher { return &ChanPublisher{C: make(chan Event, size)} }

func (p *ChanPublisher) Publish(e Event) {
	select {
	case p.C <- e:
	default:
	}
}

// ForJob returns the names of events published for jobID, oldest first.
func (p *MemoryPublisher) ForJob(jobID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.JobID == jobID {
			out = append(out, e.Name)
		}
	}
	return out
}
