package loader

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is one observable step of an instance's load pipeline: a state
// transition, a guest status signal, a line of guest output, or a resource
// sample.
type Event struct {
	Kind   string `json:"kind"`
	State  string `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Broker fans pipeline events out to per-instance subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after an instance is destroyed) receive a closed channel
// instead of blocking forever. Each marker is a few bytes, which is
// acceptable for the expected instance volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives pipeline events for the given
// instance and an unsubscribe function. If the instance has already been
// destroyed (Close was called), the returned channel is immediately closed.
func (b *Broker) Subscribe(instanceID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[instanceID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[instanceID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given instance.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(instanceID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[instanceID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscribers to avoid blocking the pipeline.
		}
	}
}

// Close signals that no more events will be published for the given
// instance. All subscriber channels are closed and future Subscribe calls
// return a closed channel.
func (b *Broker) Close(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[instanceID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[instanceID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
