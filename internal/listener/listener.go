// Package listener carries lighthouse failure notifications across the
// boundary into a host control loop.
//
// A Listener owns the failure stream inside one worker goroutine. A reader
// goroutine performs the blocking Recv and hands results to the worker,
// which polls with a bounded timeout so that a stop request is observed
// within one poll interval even while the stream is silent. Decoded events
// land in a bounded Queue; the host drains it with Next, which never blocks
// longer than the timeout it is given.
//
// Stream errors become ConnectionLost events followed by a reconnect with
// exponential backoff. The Coordinator in shutdown.go sequences teardown.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dreamware/lighthouse/internal/client"
	"github.com/dreamware/lighthouse/internal/cluster"
	"github.com/dreamware/lighthouse/internal/common"
)

var logger = common.InitLogger()

// EventKind tags what an Event carries.
type EventKind int

const (
	EventFailure EventKind = iota
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventFailure:
		return "failure"
	case EventConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is what the host receives. Failure is set for EventFailure, Err for
// EventConnectionLost.
type Event struct {
	Kind       EventKind
	Failure    cluster.FailureNotification
	Err        error
	ReceivedAt time.Time
}

// Config tunes a Listener. Zero fields take the DefaultConfig value.
type Config struct {
	// PollTimeout bounds how long the worker waits on the stream before
	// re-checking the stop flag.
	PollTimeout   time.Duration
	QueueCapacity int
	// ReconnectInitial and ReconnectMax shape the reconnect backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// DefaultConfig returns the settings used by the replica agent.
func DefaultConfig() Config {
	return Config{
		PollTimeout:      100 * time.Millisecond,
		QueueCapacity:    128,
		ReconnectInitial: time.Second,
		ReconnectMax:     10 * time.Second,
	}
}

type recvResult struct {
	n   cluster.FailureNotification
	err error
}

// Listener is a Worker that subscribes to failures through sub.
type Listener struct {
	sub   client.Subscriber
	cfg   Config
	queue *Queue

	stopFlag atomic.Bool
	// stopCtx is canceled by RequestStop and interrupts reconnect waits.
	// hardCtx is canceled by Kill and tears down the stream itself.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	hardCtx    context.Context
	kill       context.CancelFunc

	connected atomic.Bool
	startOnce sync.Once
	done      chan struct{}
}

// New builds a Listener that subscribes through sub and queues events for
// the host. It does nothing until Start.
//
// Parameters:
//   - sub: opens failure streams; called again after every lost stream
//   - cfg: tuning; non-positive fields fall back to DefaultConfig
//
// Example:
//
//	l := listener.New(c, listener.DefaultConfig())
//	l.Start()
//	coord := listener.NewCoordinator(l, l.Queue(), 2*time.Second)
//	defer coord.Stop()
//	for {
//		ev, ok := l.Next(100 * time.Millisecond)
//		...
//	}
func New(sub client.Subscriber, cfg Config) *Listener {
	def := DefaultConfig()
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = def.ReconnectInitial
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = cfg.ReconnectInitial
	}

	hardCtx, kill := context.WithCancel(context.Background())
	stopCtx, stopCancel := context.WithCancel(hardCtx)
	return &Listener{
		sub:        sub,
		cfg:        cfg,
		queue:      NewQueue(cfg.QueueCapacity),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		hardCtx:    hardCtx,
		kill:       kill,
		done:       make(chan struct{}),
	}
}

// Start launches the worker. Calling it more than once has no effect.
func (l *Listener) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// RequestStop asks the worker to exit. The worker observes it within one
// poll interval unless it is stuck opening a connection.
func (l *Listener) RequestStop() {
	l.stopFlag.Store(true)
	l.stopCancel()
}

// Kill tears down the stream and any pending connect. Used when the worker
// misses its shutdown grace period.
func (l *Listener) Kill() {
	l.stopFlag.Store(true)
	l.kill()
}

// Done is closed when the worker has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Next returns the next event, waiting at most timeout.
func (l *Listener) Next(timeout time.Duration) (Event, bool) {
	return l.queue.Pop(timeout)
}

// Queue exposes the event queue for the shutdown coordinator.
func (l *Listener) Queue() *Queue { return l.queue }

// Connected reports whether a failure stream is currently open.
func (l *Listener) Connected() bool { return l.connected.Load() }

func (l *Listener) stopRequested() bool { return l.stopFlag.Load() }

func (l *Listener) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.ReconnectInitial
	b.MaxInterval = l.cfg.ReconnectMax
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	b.Reset()
	return b
}

func (l *Listener) run() {
	defer close(l.done)
	logger.Info("Failure listener started", "poll_timeout", l.cfg.PollTimeout)

	b := l.newBackOff()
	for !l.stopRequested() {
		stream, err := l.connect(b)
		if err != nil {
			break
		}
		b.Reset()

		err = l.consume(stream)
		_ = stream.Close()
		l.connected.Store(false)
		if l.stopRequested() {
			break
		}

		logger.Info("Failure stream lost, reconnecting", "err", errString(err))
		l.queue.Push(Event{Kind: EventConnectionLost, Err: err, ReceivedAt: time.Now()})

		// wait before the first reconnect attempt
		select {
		case <-time.After(b.NextBackOff()):
		case <-l.stopCtx.Done():
		}
	}
	logger.Info("Failure listener stopped")
}

// connect opens a stream, retrying with backoff until it succeeds or stop is
// requested.
func (l *Listener) connect(b *backoff.ExponentialBackOff) (client.FailureStream, error) {
	op := func() (client.FailureStream, error) {
		if l.stopRequested() {
			return nil, backoff.Permanent(context.Canceled)
		}
		stream, err := l.sub.SubscribeFailures(l.hardCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return stream, nil
	}

	stream, err := backoff.Retry(l.stopCtx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Info("Failure stream subscribe failed", "err", err.Error(), "retry_in", next)
		}))
	if err != nil {
		return nil, err
	}
	if l.stopRequested() {
		_ = stream.Close()
		return nil, context.Canceled
	}
	l.connected.Store(true)
	logger.Info("Failure stream connected")
	return stream, nil
}

// consume forwards notifications from stream into the queue until the
// stream fails or stop is requested. It returns the stream error, or nil on
// stop.
func (l *Listener) consume(stream client.FailureStream) error {
	results := make(chan recvResult, 1)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		for {
			n, err := stream.Recv()
			select {
			case results <- recvResult{n: n, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(l.cfg.PollTimeout)
	defer poll.Stop()

	for {
		if l.stopRequested() {
			return nil
		}
		select {
		case r := <-results:
			if r.err != nil {
				return r.err
			}
			l.queue.Push(Event{Kind: EventFailure, Failure: r.n, ReceivedAt: time.Now()})
		case <-poll.C:
		case <-l.hardCtx.Done():
			return l.hardCtx.Err()
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
