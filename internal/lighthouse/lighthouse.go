package lighthouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/lighthouse/internal/clock"
	"github.com/dreamware/lighthouse/internal/cluster"
	"github.com/dreamware/lighthouse/internal/common"
	"github.com/dreamware/lighthouse/internal/notify"
)

var (
	ErrStopped        = errors.New("lighthouse: stopped")
	ErrInvalidRequest = errors.New("lighthouse: invalid request")
)

var logger = common.InitLogger()

// Lighthouse owns the membership state and the two periodic tasks that scan
// it. RPC front ends call Heartbeat, Join and SubscribeFailures; all of them
// are safe for concurrent use.
type Lighthouse struct {
	cfg      Config
	clock    clock.Clock
	state    *state
	bus      *notify.Bus
	registry *prometheus.Registry
	metrics  *metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option customizes a Lighthouse at construction time.
type Option func(*Lighthouse)

// WithClock replaces the wall clock used for heartbeat aging and join
// timeouts.
func WithClock(c clock.Clock) Option {
	return func(l *Lighthouse) { l.clock = c }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(l *Lighthouse) { l.registry = reg }
}

// New validates cfg and builds a Lighthouse. Call Start to run the failure
// detector and quorum former.
func New(cfg Config, opts ...Option) (*Lighthouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Lighthouse{
		cfg:    cfg,
		clock:  clock.Real{},
		state:  newState(),
		bus:    notify.NewBus(cfg.SubscriberBuffer),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.registry == nil {
		l.registry = prometheus.NewRegistry()
	}
	l.metrics = newMetrics(l.registry, l)
	return l, nil
}

// Config returns the validated configuration the Lighthouse runs with.
func (l *Lighthouse) Config() Config { return l.cfg }

// Registry exposes the metrics registry for a /metrics handler.
func (l *Lighthouse) Registry() *prometheus.Registry { return l.registry }

// Start launches the failure detector and the quorum former on their own
// tickers. They run until ctx is canceled or Stop is called.
func (l *Lighthouse) Start(ctx context.Context) {
	l.wg.Add(2)
	go l.runPeriodic(ctx, "failure detector", l.cfg.FailureTick, l.detectFailures)
	go l.runPeriodic(ctx, "quorum former", l.cfg.QuorumTick, l.formQuorum)
	logger.Info("Lighthouse started",
		"heartbeat_timeout", l.cfg.HeartbeatTimeout,
		"failure_tick", l.cfg.FailureTick,
		"quorum_tick", l.cfg.QuorumTick,
		"join_timeout", l.cfg.JoinTimeout,
		"min_replicas", l.cfg.MinReplicas)
}

func (l *Lighthouse) runPeriodic(ctx context.Context, name string, period time.Duration, pass func()) {
	defer l.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pass()
		case <-ctx.Done():
			logger.Info("Periodic task stopping due to context cancellation", "task", name)
			return
		case <-l.stopCh:
			logger.Info("Periodic task stopping", "task", name)
			return
		}
	}
}

// Stop halts the periodic tasks, wakes blocked joiners and closes every
// failure subscription. It is safe to call more than once.
func (l *Lighthouse) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
		l.bus.Close()
		logger.Info("Lighthouse stopped")
	})
}

// Stopped reports whether Stop has been called.
func (l *Lighthouse) Stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Lighthouse) detectFailures() {
	res := l.state.detectFailures(l.clock.Now(), l.cfg.HeartbeatTimeout, func(n cluster.FailureNotification) error {
		_, err := l.bus.Publish(n)
		return err
	})
	l.metrics.failuresDetected.Add(float64(len(res.Failed)))
	l.metrics.undelivered.Add(float64(len(res.Undelivered)))
	l.metrics.recoveries.Add(float64(len(res.Recovered)))
	if res.Reset {
		l.metrics.participantResets.Inc()
	}
}

func (l *Lighthouse) formQuorum() {
	if q := l.state.formQuorum(l.clock.Now(), l.cfg.MinReplicas, l.cfg.JoinTimeout); q != nil {
		l.metrics.quorumsFormed.Inc()
	}
}

// Heartbeat refreshes replicaID's liveness, inserting it if unknown.
func (l *Lighthouse) Heartbeat(replicaID string) error {
	if replicaID == "" {
		return fmt.Errorf("%w: replica id is required", ErrInvalidRequest)
	}
	if l.Stopped() {
		return ErrStopped
	}
	l.state.heartbeat(replicaID, l.clock.Now())
	l.metrics.heartbeatsReceived.Inc()
	return nil
}

// Join registers req as a participant and waits for the round to resolve.
//
// It returns the cached assignment immediately when the last quorum already
// includes the replica at req.CurrentStep. Otherwise it blocks until the
// round finalizes, a failure resets it, the hold time elapses or ctx ends.
// Every outcome other than a finalized round is Pending; only a malformed
// request, a stopped service or a canceled ctx produce an error.
func (l *Lighthouse) Join(ctx context.Context, req cluster.JoinRequest) (cluster.JoinResponse, error) {
	if req.ReplicaID == "" {
		return cluster.Pending(), fmt.Errorf("%w: replica id is required", ErrInvalidRequest)
	}
	if req.TargetWorldSize < 0 || req.TargetMinWorldSize < 0 {
		return cluster.Pending(), fmt.Errorf("%w: world sizes must not be negative", ErrInvalidRequest)
	}
	if l.Stopped() {
		return cluster.Pending(), ErrStopped
	}

	cached, r := l.state.join(req, l.clock.Now())
	if cached != nil {
		return cluster.Assigned(cached), nil
	}

	timer := time.NewTimer(l.cfg.joinWait(time.Duration(req.TimeoutMS) * time.Millisecond))
	defer timer.Stop()

	select {
	case <-r.done:
		if _, ok := r.result.Member(req.ReplicaID); ok {
			return cluster.Assigned(r.result), nil
		}
		logger.V(1).Info("Join round abandoned", "replica_id", req.ReplicaID, "round", r.id)
	case <-timer.C:
		logger.V(1).Info("Join timed out waiting for quorum", "replica_id", req.ReplicaID, "round", r.id)
	case <-ctx.Done():
		l.metrics.joinsPending.Inc()
		return cluster.Pending(), ctx.Err()
	case <-l.stopCh:
		return cluster.Pending(), ErrStopped
	}
	l.metrics.joinsPending.Inc()
	return cluster.Pending(), nil
}

// SubscribeFailures attaches a new failure subscriber. After Stop the
// subscription is returned already closed.
func (l *Lighthouse) SubscribeFailures() *notify.Subscription {
	return l.bus.Subscribe()
}

// Status returns a snapshot of membership state.
func (l *Lighthouse) Status() cluster.StatusResponse {
	status := l.state.snapshot()
	now := l.clock.Now()
	status.HeartbeatAgesMS = make(map[string]int64, len(status.Heartbeats))
	for id, seen := range status.Heartbeats {
		status.HeartbeatAgesMS[id] = now.Sub(seen).Milliseconds()
	}
	status.Subscribers = l.bus.Len()
	return status
}
