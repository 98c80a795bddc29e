package gateway

import (
	"sync"
)

// AllStreams subscribes an observer to every stream.
const AllStreams = "*"

// Item is one queued outbound message. Generation is zero for messages that
// are not tied to a stream run.
type Item struct {
	StreamID   string
	Generation uint64
	FrameID    uint64
	Payload    []byte
}

// Sender writes encoded messages to an observer.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// Subscriber is an observer with its own bounded outbound queue. When the
// queue is full the oldest item is dropped.
type Subscriber struct {
	id       string
	capacity int

	mu        sync.Mutex
	queue     []Item
	streams   map[string]bool
	dropped   uint64
	delivered uint64
	closed    bool

	notify chan struct{}
	done   chan struct{}
}

func newSubscriber(id string, capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = 1
	}
	return &Subscriber{
		id:       id,
		capacity: capacity,
		queue:    make([]Item, 0, capacity),
		streams:  make(map[string]bool),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// Done is closed when the subscriber is detached.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) follow(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[streamID] = true
}

func (s *Subscriber) unfollow(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
}

// Streams returns the followed stream ids.
func (s *Subscriber) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.streams))
	for id := range s.streams {
		out = append(out, id)
	}
	return out
}

func (s *Subscriber) wants(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[AllStreams] || s.streams[streamID]
}

// push queues item, dropping the oldest queued item if the queue is full.
// It never blocks and reports whether an item was dropped.
func (s *Subscriber) push(item Item) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.queue) >= s.capacity {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, item)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// next blocks until an item is queued or the subscriber is detached.
func (s *Subscriber) next() (Item, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Item{}, false
		}
		if len(s.queue) > 0 {
			item := s.queue[0]
			copy(s.queue, s.queue[1:])
			s.queue = s.queue[:len(s.queue)-1]
			s.mu.Unlock()
			return item, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return Item{}, false
		}
	}
}

// purge removes queued items matching drop and returns how many went.
func (s *Subscriber) purge(drop func(Item) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	removed := 0
	for _, item := range s.queue {
		if drop(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = Item{}
	}
	s.queue = kept
	return removed
}

func (s *Subscriber) markDelivered() {
	s.mu.Lock()
	s.delivered++
	s.mu.Unlock()
}

// Len returns the number of queued items.
func (s *Subscriber) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many items were dropped because the queue was full.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Delivered returns how many items were written to the observer.
func (s *Subscriber) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
