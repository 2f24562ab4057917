package timerd

import (
	"sync"

	"github.com/seantiz/strand/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans timer lifecycle events out to subscribers. It is safe for
// concurrent use.
//
// Once the broker closes, late subscribers receive an already-closed channel
// instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch  chan model.TimerEvent
	tag string
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int]*subscriber),
	}
}

// Subscribe returns a channel that receives timer events and an unsubscribe
// function. A non-empty tag restricts the stream to events whose timer
// carries that tag; the empty tag receives everything. If the broker has
// already closed, the returned channel is immediately closed.
func (b *Broker) Subscribe(tag string) (<-chan model.TimerEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.TimerEvent, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch, tag: tag}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish sends ev to every subscriber whose filter matches.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(ev model.TimerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.tag != "" && sub.tag != ev.Timer.Tag {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop the event for slow subscribers to avoid blocking the queue.
		}
	}
}

// Close signals that no more events will be published. All subscriber
// channels are closed and future Subscribe calls return a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
