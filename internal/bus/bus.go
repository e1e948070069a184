package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It carries row change notifications from the embedded backend and link
// state changes. Delivery to a single subscriber preserves publish order.
//
// Plain subscribers never slow the publisher: when their buffer is full the
// event is dropped and counted. Blocking subscribers apply back-pressure
// instead; Publish waits for buffer space until they unsubscribe.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Int64
}

type subscription struct {
	namespace string
	match     func(Event) bool
	ch        chan Event
	block     bool
	done      chan struct{}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind and whose match function (if any) accepts it. It returns once
// every blocking subscriber has accepted the event or gone away.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.match != nil && !sub.match(evt) {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.block {
			select {
			case sub.ch <- evt:
			case <-sub.done:
			}
			continue
		}
		select {
		case sub.ch <- evt:
		case <-sub.done:
		default:
			// Subscriber is full; never block the publisher.
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeFunc(namespace, bufSize, nil)
}

// SubscribeFunc is Subscribe with an extra predicate evaluated on the
// publisher's goroutine. A nil match accepts every event in the namespace.
// The unsubscribe function is idempotent.
func (b *Bus) SubscribeFunc(namespace string, bufSize int, match func(Event) bool) (<-chan Event, func()) {
	return b.subscribe(&subscription{namespace: namespace, match: match, ch: make(chan Event, bufSize)})
}

// SubscribeBlocking is SubscribeFunc without loss: when the buffer is full
// Publish waits for the subscriber. The subscriber must keep reading until
// it unsubscribes.
func (b *Bus) SubscribeBlocking(namespace string, bufSize int, match func(Event) bool) (<-chan Event, func()) {
	return b.subscribe(&subscription{namespace: namespace, match: match, ch: make(chan Event, bufSize), block: true})
}

func (b *Bus) subscribe(sub *subscription) (<-chan Event, func()) {
	sub.done = make(chan struct{})
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			// Release publishers waiting on this subscriber first.
			close(sub.done)
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
