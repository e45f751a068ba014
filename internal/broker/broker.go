// Package broker fans the raw PTY byte stream out to subscribers.
// Publishing never blocks: a subscriber whose queue is full loses the
// packet and receives a discontinuity marker so it can resync from the
// parser. The local stdout passthrough does not go through the broker —
// the session writes stdout synchronously before publishing.
package broker

import (
	"sync"
)

// DefaultCapacity is the per-subscriber queue depth.
const DefaultCapacity = 64

// Packet is one delivery to a subscriber. A Discontinuity packet carries
// no data; Missed is the total number of packets this subscriber has
// lost so far, as of the marker.
type Packet struct {
	Data          []byte
	Discontinuity bool
	Missed        uint64
}

// Subscriber is one bounded receiver of the byte stream.
type Subscriber struct {
	C <-chan Packet

	c      chan Packet
	b      *Broker
	missed uint64
	marked bool // a discontinuity marker is owed on next successful send
}

// Missed returns how many packets this subscriber has lost so far.
func (s *Subscriber) Missed() uint64 {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.missed
}

// Close releases the subscriber's slot.
func (s *Subscriber) Close() {
	s.b.unsubscribe(s)
}

// Broker is a single-writer multi-reader fan-out.
type Broker struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	capacity int
	closed   bool
}

// New creates a broker with the given per-subscriber capacity (0 uses
// the default).
func New(capacity int) *Broker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broker{
		subs:     make(map[*Subscriber]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new receiver. Returns nil after Close.
func (b *Broker) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	s := &Subscriber{c: make(chan Packet, b.capacity), b: b}
	s.C = s.c
	b.subs[s] = struct{}{}
	return s
}

func (b *Broker) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.c)
	}
}

// Publish delivers data to every subscriber without blocking. The slice
// is copied once; subscribers must not mutate packet data.
func (b *Broker) Publish(data []byte) {
	if len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.marked {
			// Owe this subscriber a marker before any further data.
			select {
			case s.c <- Packet{Discontinuity: true, Missed: s.missed}:
				s.marked = false
			default:
				s.missed++
				continue
			}
		}
		select {
		case s.c <- Packet{Data: buf}:
		default:
			s.missed++
			s.marked = true
		}
	}
}

// SubscriberCount reports active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.c)
	}
}
