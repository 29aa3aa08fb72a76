// Package realtime fans engine events out to SSE subscribers.
package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeRunStarted     = "run.started"
	TypeRunCompleted   = "run.completed"
	TypeCommandChanged = "command.changed"
	TypeNotify         = "notify"
)

const subscriberBuffer = 32

// Event is one message on the stream.
type Event struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	CommandID   string    `json:"command_id,omitempty"`
	CommandName string    `json:"command_name,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	Action      string    `json:"action,omitempty"`
	Status      string    `json:"status,omitempty"`
	Trigger     string    `json:"trigger,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Broker is an in-memory fan-out bus. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Broker struct {
	seq     atomic.Int64
	dropped atomic.Int64

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscriber]struct{})}
}

// Publish stamps evt with the next sequence number and delivers it.
func (b *Broker) Publish(evt Event) {
	evt.ID = b.seq.Add(1)
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns an event channel and a cancel func that closes it.
// After Close the returned channel is already closed.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.close()
	}
}

// Close ends every subscription so streaming handlers return.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.close()
	}
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
