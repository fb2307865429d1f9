package notify

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lighthouse/internal/cluster"
)

func note(id string) cluster.FailureNotification {
	return cluster.FailureNotification{ReplicaID: id, DetectedAt: time.Unix(0, 0)}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(4)

	n, err := bus.Publish(note("a"))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrNoSubscribers)
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	bus := NewBus(16)
	s1 := bus.Subscribe()
	s2 := bus.Subscribe()

	for i := 0; i < 10; i++ {
		delivered, err := bus.Publish(note(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
		assert.Equal(t, 2, delivered)
	}

	for _, sub := range []*Subscription{s1, s2} {
		for i := 0; i < 10; i++ {
			got := <-sub.C()
			assert.Equal(t, fmt.Sprintf("r%d", i), got.ReplicaID)
		}
		assert.NoError(t, sub.Err())
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	bus := NewBus(2)
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	received := make(chan string, 16)
	go func() {
		for n := range fast.C() {
			received <- n.ReplicaID
		}
	}()

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(note(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
		// let the fast reader keep up
		require.Eventually(t, func() bool { return len(received) == i+1 }, time.Second, time.Millisecond)
	}

	assert.ErrorIs(t, slow.Err(), ErrEvicted)
	assert.NoError(t, fast.Err())
	assert.Equal(t, uint64(1), bus.Evicted())
	assert.Equal(t, 1, bus.Len())

	// the evicted subscriber still holds what it buffered before eviction
	var drained []string
	for n := range slow.C() {
		drained = append(drained, n.ReplicaID)
	}
	assert.Equal(t, []string{"r0", "r1"}, drained)
}

func TestClosedSubscriberDetaches(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	sub.Close()

	assert.ErrorIs(t, sub.Err(), ErrUnsubscribed)
	assert.Equal(t, 0, bus.Len())

	_, err := bus.Publish(note("a"))
	assert.ErrorIs(t, err, ErrNoSubscribers)
	assert.Equal(t, 0, bus.Len())
	assert.Equal(t, uint64(0), bus.Evicted())

	// closing twice is harmless
	sub.Close()
}

func TestBusClose(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()

	bus.Close()
	bus.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrBusClosed)

	_, err := bus.Publish(note("a"))
	assert.ErrorIs(t, err, ErrBusClosed)

	late := bus.Subscribe()
	assert.ErrorIs(t, late.Err(), ErrBusClosed)
	assert.Equal(t, 0, bus.Len())
}

func TestConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus(128)
	var wg sync.WaitGroup

	subs := make([]*Subscription, 20)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i] = bus.Subscribe()
		}(i)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		delivered, err := bus.Publish(note(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
		assert.Equal(t, 20, delivered)
	}

	for _, sub := range subs {
		assert.Len(t, sub.C(), 50)
	}
}

func TestDefaultBuffer(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe()
	assert.Equal(t, DefaultSubscriberBuffer, cap(sub.C()))
}
