package emit

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the default bounded buffer size per
// subscription: a best-effort bounded view that drops to a Lag marker
// rather than block the publisher.
const DefaultSubscriberBuffer = 256

// Subscription is a per-subscriber ordered view of one execution's topic.
// Events arrive on C; when the subscriber falls behind, the oldest events
// are dropped and a Lag event is delivered in their place so the
// subscriber can refetch via a snapshot and resume.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	bus    *Bus
	execID string
	mu     sync.Mutex
	closed bool
}

// Unsubscribe stops delivery to this subscription and releases its buffer.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.execID, s)
}

func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
	default:
		// Buffer full: drop the oldest event to make room, then deliver a
		// LAG marker in its place so the subscriber knows to resync.
		select {
		case <-s.ch:
		default:
		}
		lag := Event{ExecutionID: evt.ExecutionID, Kind: Lag, Seq: evt.Seq}
		select {
		case s.ch <- lag:
		default:
		}
	}
}

func (s *Subscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// topic holds the subscribers for one execution-id and its sequence
// counter. Topics close once a terminal event has been published; new
// subscribers to a closed topic receive only the final snapshot-equivalent
// event synthetically.
type topic struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	seq         int64
	closed      bool
	lastEvent   Event
}

// Bus is the in-process fan-out bus. One Bus instance typically backs one
// engine process; callers subscribe per execution-id and publish events
// from the scheduler/executor call sites directly (no outbox/poll layer).
type Bus struct {
	mu             sync.Mutex
	topics         map[string]*topic
	subscriberSize int
	sinks          []Sink
}

// Sink is a cross-cutting observer attached to every event published on
// the bus, regardless of per-execution subscriptions (logging, tracing).
type Sink interface {
	Observe(Event)
}

// NewBus returns an empty Bus with the default subscriber buffer size.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic), subscriberSize: DefaultSubscriberBuffer}
}

// AttachSink registers a cross-cutting observer (e.g. LogSink, OtelSink)
// that receives every event published on the bus.
func (b *Bus) AttachSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Bus) topicFor(executionID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subscribers: make(map[*Subscription]struct{})}
		b.topics[executionID] = t
	}
	return t
}

var globalSeq int64

// Publish delivers evt to every subscriber of evt.ExecutionID, in
// publish-call order. If evt.Kind is terminal, the topic closes after
// delivery: further Subscribe calls receive only evt.
func (b *Bus) Publish(evt Event) {
	if evt.Seq == 0 {
		evt.Seq = atomic.AddInt64(&globalSeq, 1)
	}

	t := b.topicFor(evt.ExecutionID)
	t.mu.Lock()
	t.lastEvent = evt
	subs := make([]*Subscription, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	if evt.Kind.IsTerminal() {
		t.closed = true
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.deliver(evt)
	}

	b.mu.Lock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()
	for _, sink := range sinks {
		sink.Observe(evt)
	}
}

// Subscribe returns a Subscription delivering events for executionID in
// order. If the topic is already closed (terminal event published),
// the new subscriber immediately receives that final event.
func (b *Bus) Subscribe(executionID string) *Subscription {
	t := b.topicFor(executionID)
	sub := &Subscription{ch: make(chan Event, b.subscriberSize), bus: b, execID: executionID}
	sub.C = sub.ch

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		sub.ch <- t.lastEvent
		close(sub.ch)
		return sub
	}
	t.subscribers[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(executionID string, sub *Subscription) {
	t := b.topicFor(executionID)
	t.mu.Lock()
	delete(t.subscribers, sub)
	t.mu.Unlock()
	sub.closeChan()
}
