package events

import (
	"context"
	"sync"
)

// GlobalRunID is the special run ID for subscribing to all run events.
// Subscribers to this ID receive events for ALL runs.
const GlobalRunID = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to all subscribers of the run.
	Publish(ctx context.Context, event Event)
	// PublishAll sends events in order.
	PublishAll(ctx context.Context, events []Event)
	// Subscribe returns a channel that receives events for the given run.
	// Use GlobalRunID ("*") to receive events for all runs.
	Subscribe(runID string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(runID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory implementation of Publisher.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to all subscribers of the run.
// Also sends to global subscribers (those subscribed to GlobalRunID).
// Non-blocking: skips subscribers with full buffers.
func (p *MemoryPublisher) Publish(_ context.Context, event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}

	if event.RunID != GlobalRunID {
		for _, ch := range p.subscribers[GlobalRunID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// PublishAll sends events in order.
func (p *MemoryPublisher) PublishAll(ctx context.Context, events []Event) {
	for _, e := range events {
		p.Publish(ctx, e)
	}
}

// Subscribe returns a channel that receives events for the given run.
func (p *MemoryPublisher) Subscribe(runID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[runID] = append(p.subscribers[runID], ch)
	return ch
}

// Unsubscribe removes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(runID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[runID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(p.subscribers[runID]) == 0 {
		delete(p.subscribers, runID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true

	for runID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, runID)
	}
}

// SubscriberCount returns the number of subscribers for a run.
func (p *MemoryPublisher) SubscriberCount(runID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[runID])
}

// NopPublisher is a no-op publisher for testing or when events are disabled.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, Event) {}

// PublishAll does nothing.
func (NopPublisher) PublishAll(context.Context, []Event) {}

// Subscribe returns a closed channel.
func (NopPublisher) Subscribe(string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (NopPublisher) Unsubscribe(string, <-chan Event) {}

// Close does nothing.
func (NopPublisher) Close() {}

// Recorder is a Publisher that keeps every event in memory, for tests and
// audit logs. It also fans out to an inner publisher when one is set.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	inner  Publisher
}

// NewRecorder creates a Recorder that forwards to inner (may be nil).
func NewRecorder(inner Publisher) *Recorder {
	return &Recorder{inner: inner}
}

// Publish records and forwards the event.
func (r *Recorder) Publish(ctx context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	if r.inner != nil {
		r.inner.Publish(ctx, event)
	}
}

// PublishAll records and forwards events in order.
func (r *Recorder) PublishAll(ctx context.Context, events []Event) {
	for _, e := range events {
		r.Publish(ctx, e)
	}
}

// Subscribe delegates to the inner publisher.
func (r *Recorder) Subscribe(runID string) <-chan Event {
	if r.inner == nil {
		return NopPublisher{}.Subscribe(runID)
	}
	return r.inner.Subscribe(runID)
}

// Unsubscribe delegates to the inner publisher.
func (r *Recorder) Unsubscribe(runID string, ch <-chan Event) {
	if r.inner != nil {
		r.inner.Unsubscribe(runID, ch)
	}
}

// Close delegates to the inner publisher.
func (r *Recorder) Close() {
	if r.inner != nil {
		r.inner.Close()
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of recorded events in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
