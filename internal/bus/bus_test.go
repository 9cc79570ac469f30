package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	b.Publish(EventTickStart, map[string]int{"current": 3})

	e1 := <-s1.C
	e2 := <-s2.C
	assert.Equal(t, EventTickStart, e1.Kind)
	assert.Equal(t, EventTickStart, e2.Kind)
}

func TestSlowSubscriberDropsOldestKeepsOrder(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(EventEnqueue, 1)
	b.Publish(EventEnqueue, 2)
	b.Publish(EventEnqueue, 3) // overflows: 1 is dropped

	e := <-sub.C
	assert.Equal(t, 2, e.Data)
	e = <-sub.C
	assert.Equal(t, 3, e.Data)

	select {
	case <-sub.C:
		t.Fatal("unexpected extra event")
	default:
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	sub.Close()
	assert.Equal(t, 0, b.Subscribers())

	// Publishing after close must not panic.
	b.Publish(EventSubmitSkip, nil)

	_, open := <-sub.C
	assert.False(t, open)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Subscribers())
}
