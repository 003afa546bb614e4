// Package eventbus implements the single broadcaster with channel-scoped
// subscriptions described in spec §4.9. Delivery is best-effort and
// fire-and-forget: a slow or dead subscriber is dropped rather than
// allowed to stall publication.
package eventbus

import "sync"

// Channel names a topic a subscriber can listen to.
type Channel string

// ChannelChanges is the one channel the core publishes to today; the
// design leaves room for future channels.
const ChannelChanges Channel = "changes"

// EventType tags the envelope's payload shape.
type EventType string

const (
	EventConnected      EventType = "Connected"
	EventChangesUpdated EventType = "ChangesUpdated"
	EventChangeStatus   EventType = "ChangeStatus"
	EventSubscribed     EventType = "Subscribed"
	EventUnsubscribed   EventType = "Unsubscribed"
	EventPong           EventType = "Pong"
)

// Event is the tagged envelope {type, data} carried to subscribers.
type Event struct {
	Type EventType
	Data any
}

const subscriberOutboxSize = 32

// Subscriber is one registered listener. A subscriber may listen on
// multiple channels through the same outbox, preserving delivery order
// across all of them.
type Subscriber struct {
	ID     string
	outbox chan Event

	mu       sync.Mutex
	channels map[Channel]bool
}

func newSubscriber(id string) *Subscriber {
	return &Subscriber{ID: id, outbox: make(chan Event, subscriberOutboxSize), channels: make(map[Channel]bool)}
}

// Outbox is the channel a transport (e.g. a websocket writer goroutine)
// should drain to deliver events to this subscriber.
func (s *Subscriber) Outbox() <-chan Event {
	return s.outbox
}

type publishJob struct {
	channel Channel
	event   Event
}

// Bus is the process-wide singleton broadcaster.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	queue     chan publishJob
	done      chan struct{}
	closeOnce sync.Once
}

const publishQueueSize = 256

// NewBus constructs a Bus and starts its independent dispatch goroutine, so
// a slow subscriber cannot stall the caller of Publish.
func NewBus() *Bus {
	b := &Bus{
		subscribers: make(map[string]*Subscriber),
		queue:       make(chan publishJob, publishQueueSize),
		done:        make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Connect registers id with no channel subscriptions yet, creating its
// Subscriber and outbox. Used when a transport (e.g. a websocket) accepts a
// connection before the client has asked to subscribe to anything.
func (b *Bus) Connect(id string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		sub = newSubscriber(id)
		b.subscribers[id] = sub
	}
	return sub
}

// Subscribe registers id for channel, creating its Subscriber on first use,
// and returns it.
func (b *Bus) Subscribe(id string, channel Channel) *Subscriber {
	sub := b.Connect(id)
	sub.mu.Lock()
	sub.channels[channel] = true
	sub.mu.Unlock()
	return sub
}

// Unsubscribe removes id's interest in channel without dropping its
// connection entirely.
func (b *Bus) Unsubscribe(id string, channel Channel) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	delete(sub.channels, channel)
	sub.mu.Unlock()
}

// Remove drops a subscriber entirely, e.g. when its connection closes or it
// fails a keep-alive.
func (b *Bus) Remove(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Publish enqueues event for delivery to every subscriber of channel.
// Publish never blocks on delivery; if the dispatch queue itself is full
// the event is dropped.
func (b *Bus) Publish(channel Channel, event Event) {
	select {
	case b.queue <- publishJob{channel: channel, event: event}:
	default:
	}
}

// SubscriberCount reports how many clients are currently connected,
// regardless of what channels they're subscribed to. Used by internal/metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops the dispatch goroutine. Already-queued jobs are discarded.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case job := <-b.queue:
			b.deliver(job.channel, job.event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(channel Channel, event Event) {
	b.mu.RLock()
	var interested []*Subscriber
	for _, sub := range b.subscribers {
		sub.mu.Lock()
		ok := sub.channels[channel]
		sub.mu.Unlock()
		if ok {
			interested = append(interested, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range interested {
		select {
		case sub.outbox <- event:
		default:
			// Outbound queue full: this subscriber is too slow to keep up.
			b.Remove(sub.ID)
		}
	}
}
