package pipeline

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// sinkBuffer is the per-subscriber channel depth. A subscriber that falls
// this far behind starts losing messages rather than slowing the consumer.
const sinkBuffer = 64

// Sink fans one stream of values out to any number of subscribers. Sends
// never block: a subscriber whose channel is full is skipped for that
// message and the skip is counted. The consumer goroutine is the only
// publisher; subscribers come and go from HTTP handlers and the recorder.
type Sink[T any] struct {
	mu          sync.Mutex
	subscribers map[string]chan T
	closed      bool
	skipped     uint64
}

// NewSink returns an empty sink.
func NewSink[T any]() *Sink[T] {
	return &Sink[T]{subscribers: make(map[string]chan T)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber and returns its ID and channel. The
// channel is closed on Unsubscribe or when the sink closes. Subscribing to
// a closed sink returns an already-closed channel.
func (s *Sink[T]) Subscribe() (string, <-chan T) {
	id := randomID()
	ch := make(chan T, sinkBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown IDs are
// a no-op.
func (s *Sink[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Publish delivers v to every subscriber that has buffer room. Slow
// subscribers are skipped, never waited on.
func (s *Sink[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- v:
		default:
			s.skipped++
		}
	}
}

// Close closes every subscriber channel and marks the sink closed.
func (s *Sink[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Skipped returns how many sends were dropped because a subscriber was
// full.
func (s *Sink[T]) Skipped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Subscribers returns the current subscriber count.
func (s *Sink[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
