// Package notify fans failure notifications out to every live subscriber.
//
// Each subscriber owns an independent bounded channel. Publish never blocks:
// a subscriber whose channel is full is evicted. Its channel is closed and
// Err reports ErrEvicted.
package notify

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/dreamware/lighthouse/internal/cluster"
	"github.com/dreamware/lighthouse/internal/common"
)

const DefaultSubscriberBuffer = 64

var (
	ErrNoSubscribers = errors.New("notify: no subscriber accepted the notification")
	ErrBusClosed     = errors.New("notify: bus closed")
	ErrEvicted       = errors.New("notify: subscriber evicted for falling behind")
	ErrUnsubscribed  = errors.New("notify: subscription closed by consumer")
)

var logger = common.InitLogger()

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus *Bus
	id  uint64
	ch  chan cluster.FailureNotification
	mu  sync.Mutex
	err error // non-nil once closed
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() uint64 { return s.id }

// C delivers notifications in publish order. It is closed when the
// subscription ends for any reason; Err then reports why.
func (s *Subscription) C() <-chan cluster.FailureNotification { return s.ch }

// Err returns nil while the subscription is attached.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.mu.Lock()
	closed := s.closeLocked(ErrUnsubscribed)
	s.mu.Unlock()
	if closed {
		s.bus.subs.Delete(s.id)
		logger.V(1).Info("Subscriber detached", "subscription", s.id)
	}
}

func (s *Subscription) closeLocked(reason error) bool {
	if s.err != nil {
		return false
	}
	s.err = reason
	close(s.ch)
	return true
}

// offer attempts a non-blocking send. It reports whether n was delivered and
// whether the subscription is still attached afterwards.
func (s *Subscription) offer(n cluster.FailureNotification) (delivered, attached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, false
	}
	select {
	case s.ch <- n:
		return true, true
	default:
		s.closeLocked(ErrEvicted)
		return false, false
	}
}

// Bus is safe for concurrent use. Publishes are serialized so that every
// subscriber observes the same order.
type Bus struct {
	subs      *xsync.Map[uint64, *Subscription]
	nextID    atomic.Uint64
	evicted   atomic.Uint64
	closed    atomic.Bool
	publishMu sync.Mutex
	buffer    int
}

// NewBus creates a bus whose subscribers buffer up to buffer notifications.
// A non-positive buffer selects DefaultSubscriberBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Bus{
		subs:   xsync.NewMap[uint64, *Subscription](),
		buffer: buffer,
	}
}

// Subscribe attaches a new subscriber. On a closed bus the returned
// subscription is already closed with ErrBusClosed.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus: b,
		id:  b.nextID.Add(1),
		ch:  make(chan cluster.FailureNotification, b.buffer),
	}
	b.subs.Store(sub.id, sub)
	// Close may have swept the map before the store.
	if b.closed.Load() {
		b.subs.Delete(sub.id)
		sub.mu.Lock()
		sub.closeLocked(ErrBusClosed)
		sub.mu.Unlock()
		return sub
	}
	logger.V(1).Info("Subscriber attached", "subscription", sub.id, "total_subscribers", b.subs.Size())
	return sub
}

// Publish offers n to every attached subscriber without blocking. It returns
// the number of subscribers that received n, and ErrNoSubscribers when that
// number is zero.
func (b *Bus) Publish(n cluster.FailureNotification) (int, error) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	if b.closed.Load() {
		return 0, ErrBusClosed
	}

	var delivered int
	b.subs.Range(func(id uint64, sub *Subscription) bool {
		ok, attached := sub.offer(n)
		if ok {
			delivered++
		}
		if !attached {
			b.subs.Delete(id)
			if errors.Is(sub.Err(), ErrEvicted) {
				b.evicted.Add(1)
				logger.Info("Evicted slow subscriber", "subscription", id, "replica_id", n.ReplicaID)
			}
		}
		return true
	})

	if delivered == 0 {
		return 0, ErrNoSubscribers
	}
	return delivered, nil
}

// Len returns the number of attached subscriptions. A subscriber evicted
// during a publish is no longer counted once that publish returns.
func (b *Bus) Len() int {
	return b.subs.Size()
}

// Evicted returns how many subscribers have been evicted since creation.
func (b *Bus) Evicted() uint64 {
	return b.evicted.Load()
}

// Close ends every subscription with ErrBusClosed. Later publishes fail and
// later subscriptions start closed.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	logger.Info("Closing notification bus", "total_subscribers", b.subs.Size())
	b.subs.Range(func(id uint64, sub *Subscription) bool {
		sub.mu.Lock()
		sub.closeLocked(ErrBusClosed)
		sub.mu.Unlock()
		return true
	})
	b.subs.Clear()
}
