// Package bus provides the in-process publish/subscribe bus that connects the
// pipeline stages. Each topic keeps per-subscriber FIFO ordering; every
// subscriber receives every message published after it subscribed.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed          = errors.New("bus: closed")
	ErrSubscriberExists   = errors.New("bus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("bus: subscriber not found")
)

// DefaultBuffer is the per-subscriber queue size used when none is given.
const DefaultBuffer = 64

// Message is a payload delivered on a topic.
type Message struct {
	Topic string
	Data  []byte
}

// Stats holds delivery counters for one subscriber.
type Stats struct {
	Delivered uint64
	Dropped   uint64
}

// Subscription is a single consumer's view of a topic.
type Subscription struct {
	id        string
	topic     string
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
	delivered uint64
	dropped   uint64
}

// C returns the receive channel. It is never closed; select on Done as well.
func (s *Subscription) C() <-chan Message { return s.ch }

// Done is closed when the subscription is removed or the bus is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Bus routes messages from publishers to topic subscribers.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]map[string]*Subscription
	closed    bool
	published uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[string]*Subscription)}
}

// Subscribe registers id on topic with a bounded queue of the given size.
func (b *Bus) Subscribe(topic, id string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		b.topics[topic] = subs
	}
	if _, exists := subs[id]; exists {
		return nil, ErrSubscriberExists
	}

	s := &Subscription{
		id:    id,
		topic: topic,
		ch:    make(chan Message, buffer),
		done:  make(chan struct{}),
	}
	subs[id] = s
	return s, nil
}

// Unsubscribe removes id from topic.
func (b *Bus) Unsubscribe(topic, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.topics[topic][id]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(b.topics[topic], id)
	s.close()
	return nil
}

// Publish delivers data to every subscriber of topic, blocking while a
// subscriber's queue is full. It returns ctx.Err() if ctx ends first; in that
// case some subscribers may already have received the message.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	subs, err := b.snapshot(topic)
	if err != nil {
		return err
	}

	msg := Message{Topic: topic, Data: data}
	for _, s := range subs {
		select {
		case s.ch <- msg:
			atomic.AddUint64(&s.delivered, 1)
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TryPublish delivers data without blocking. Subscribers with a full queue
// miss the message; the number of such drops is returned.
func (b *Bus) TryPublish(topic string, data []byte) (int, error) {
	subs, err := b.snapshot(topic)
	if err != nil {
		return 0, err
	}

	msg := Message{Topic: topic, Data: data}
	dropped := 0
	for _, s := range subs {
		select {
		case s.ch <- msg:
			atomic.AddUint64(&s.delivered, 1)
		default:
			atomic.AddUint64(&s.dropped, 1)
			dropped++
		}
	}
	return dropped, nil
}

func (b *Bus) snapshot(topic string) ([]*Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	atomic.AddUint64(&b.published, 1)

	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		subs = append(subs, s)
	}
	return subs, nil
}

// Stats returns the counters for a subscriber.
func (b *Bus) Stats(topic, id string) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.topics[topic][id]
	if !ok {
		return Stats{}, ErrSubscriberNotFound
	}
	return Stats{
		Delivered: atomic.LoadUint64(&s.delivered),
		Dropped:   atomic.LoadUint64(&s.dropped),
	}, nil
}

// Published returns the number of publish calls accepted by the bus.
func (b *Bus) Published() uint64 {
	return atomic.LoadUint64(&b.published)
}

// Close shuts the bus down and releases every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, s := range subs {
			s.close()
		}
	}
	b.topics = nil
}
