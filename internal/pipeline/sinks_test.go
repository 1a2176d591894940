package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkDeliversToSubscribers(t *testing.T) {
	s := NewSink[int]()
	idA, chA := s.Subscribe()
	_, chB := s.Subscribe()
	assert.Equal(t, 2, s.Subscribers())

	s.Publish(7)
	assert.Equal(t, 7, <-chA)
	assert.Equal(t, 7, <-chB)

	s.Unsubscribe(idA)
	assert.Equal(t, 1, s.Subscribers())
	_, open := <-chA
	assert.False(t, open)

	// Publishing after an unsubscribe only reaches the remaining channel.
	s.Publish(8)
	assert.Equal(t, 8, <-chB)
}

func TestSinkSkipsFullSubscriber(t *testing.T) {
	s := NewSink[int]()
	_, ch := s.Subscribe()

	for i := 0; i < sinkBuffer+5; i++ {
		s.Publish(i)
	}
	assert.Equal(t, uint64(5), s.Skipped())

	// The buffered messages are intact and in order.
	for i := 0; i < sinkBuffer; i++ {
		assert.Equal(t, i, <-ch)
	}
}

func TestSinkCloseReleasesSubscribers(t *testing.T) {
	s := NewSink[string]()
	_, ch := s.Subscribe()
	s.Close()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, s.Subscribers())

	// Publish after close is a no-op, not a panic.
	s.Publish("late")

	// Subscribing to a closed sink yields an already-closed channel.
	_, late := s.Subscribe()
	_, open = <-late
	require.False(t, open)
}
