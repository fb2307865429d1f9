package listener

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrGraceExceeded is logged when a worker has to be killed.
var ErrGraceExceeded = errors.New("listener: shutdown grace period exceeded")

// State is the shutdown lifecycle. Transitions only move forward.
type State int32

const (
	StateRunning State = iota
	StateStopRequested
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Worker is the goroutine a Coordinator shuts down. Listener implements it.
type Worker interface {
	// RequestStop asks the worker to exit cooperatively.
	RequestStop()
	// Kill forces the worker's blocking resources closed.
	Kill()
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
}

// Coordinator drives a Worker from RUNNING to STOPPED. If the worker has not
// exited within the grace period after a stop request it is killed; the
// coordinator still reaches STOPPED and logs a warning. Once STOPPED, the
// event queue is closed and whatever is left in it is discarded.
type Coordinator struct {
	worker Worker
	queue  *Queue
	grace  time.Duration

	state  atomic.Int32
	forced atomic.Bool
	once   sync.Once
}

// NewCoordinator returns a coordinator for w. queue may be nil.
func NewCoordinator(w Worker, queue *Queue, grace time.Duration) *Coordinator {
	return &Coordinator{worker: w, queue: queue, grace: grace}
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

// Forced reports whether shutdown had to kill the worker.
func (c *Coordinator) Forced() bool { return c.forced.Load() }

// Stop shuts the worker down and returns once STOPPED. It is idempotent;
// concurrent callers all return after the first one completes.
func (c *Coordinator) Stop() {
	c.once.Do(c.stop)
}

func (c *Coordinator) stop() {
	start := time.Now()
	c.state.Store(int32(StateStopRequested))
	c.worker.RequestStop()

	c.state.Store(int32(StateDraining))
	timer := time.NewTimer(c.grace)
	defer timer.Stop()

	select {
	case <-c.worker.Done():
	case <-timer.C:
		c.forced.Store(true)
		logger.Info("Listener worker missed shutdown grace period, forcing termination",
			"severity", "warning", "error", ErrGraceExceeded, "grace", c.grace)
		c.worker.Kill()
		// Give the killed worker one more grace period to unwind before
		// abandoning it.
		timer.Reset(c.grace)
		select {
		case <-c.worker.Done():
		case <-timer.C:
			logger.Error(ErrGraceExceeded, "Listener worker did not exit after kill, abandoning it")
		}
	}

	c.state.Store(int32(StateStopped))
	discarded := 0
	if c.queue != nil {
		c.queue.Close()
		discarded = c.queue.Drain()
	}
	logger.Info("Failure listener shut down",
		"forced", c.forced.Load(), "elapsed", time.Since(start), "discarded_events", discarded)
}
