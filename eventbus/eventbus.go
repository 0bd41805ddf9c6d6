// Package eventbus provides the in-process publish/subscribe fabric used to
// fan out session state changes and decoded stanzas to interested
// subsystems. Delivery is best-effort: each subscriber owns a bounded buffer
// and a slow subscriber sheds events rather than blocking publishers.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// Listener receives events published to a topic. Listeners run on a
// dedicated per-subscription goroutine; a panicking listener is isolated and
// never prevents delivery to other subscribers of the same topic.
type Listener func(topic string, event any)

// Bus is an in-process topic bus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	closed bool
	log    *slog.Logger
	buffer int
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report dropped events and recovered
// listener panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithBuffer sets the per-subscription buffer size. Non-positive values are
// ignored.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics: make(map[string][]*Subscription),
		log:    slog.Default(),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscription is the handle returned by Subscribe. Closing it (directly or
// via Bus.Unsubscribe) stops delivery; events already buffered are still
// delivered in order before the listener goroutine exits.
type Subscription struct {
	bus      *Bus
	topic    string
	ch       chan any
	closed   atomic.Bool
	drained  chan struct{}
	listener Listener
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string { return s.topic }

// Close detaches the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s)
	close(s.ch)
}

// run delivers buffered events in publish order until the channel closes.
func (s *Subscription) run() {
	defer close(s.drained)
	for evt := range s.ch {
		s.deliver(evt)
	}
}

func (s *Subscription) deliver(evt any) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.log.Error("eventbus.listener.panic",
				slog.String("topic", s.topic),
				slog.String("panic", fmt.Sprintf("%v", r)))
		}
	}()
	s.listener(s.topic, evt)
}

// Subscribe registers a listener for a topic and returns its handle.
func (b *Bus) Subscribe(topic string, fn Listener) *Subscription {
	sub := &Subscription{
		bus:      b,
		topic:    topic,
		ch:       make(chan any, b.buffer),
		drained:  make(chan struct{}),
		listener: fn,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	go sub.run()
	return sub
}

// Unsubscribe detaches a subscription previously returned by Subscribe.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// Publish fans an event out to every listener subscribed to the topic at
// publish time. Per-topic publish order is preserved for each listener. A
// subscriber whose buffer is full misses the event (logged, never blocking).
func (b *Bus) Publish(topic string, event any) {
	// The read lock is held across the send loop so a concurrent Close
	// cannot close a channel mid-send. Sends never block (bounded buffer
	// with shed-on-full), so the lock is short-lived.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.topics[topic] {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.log.Warn("eventbus.publish.drop", slog.String("topic", topic))
		}
	}
}

// Close shuts the bus down: all subscriptions are detached and their
// buffered events delivered. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.topics {
		all = append(all, subs...)
	}
	b.topics = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
		<-sub.drained
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}
