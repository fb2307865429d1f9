// Package main implements a demo replica agent: the client half of the
// lighthouse protocol as a training worker would run it.
//
// The agent:
//   - heartbeats the lighthouse every HEARTBEAT_INTERVAL
//   - joins a quorum for each step, simulating a step of STEP_INTERVAL
//   - runs a failure listener that owns the lighthouse failure stream
//   - drains the listener from its control loop with bounded waits, and
//     aborts the in-flight step when a member of its quorum fails
//
// Configuration (environment):
//   - REPLICA_ID: replica name; a per-process uuid is appended (default "replica")
//   - LIGHTHOUSE_ADDR: lighthouse URL for http, host:port for grpc
//   - LIGHTHOUSE_TRANSPORT: "http" (default) or "grpc"
//   - REPLICA_ADDR: address advertised to quorum peers
//   - TARGET_WORLD_SIZE, TARGET_MIN_WORLD_SIZE, SHRINK_ONLY
//   - HEARTBEAT_INTERVAL, STEP_INTERVAL, LISTENER_POLL_TIMEOUT,
//     LISTENER_SHUTDOWN_GRACE (Go durations), FAILURE_QUEUE_CAPACITY
//
// Example usage:
//
//	REPLICA_ID=trainer-0 TARGET_WORLD_SIZE=2 \
//	LIGHTHOUSE_ADDR=http://localhost:29510 ./replica
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/lighthouse/internal/client"
	"github.com/dreamware/lighthouse/internal/cluster"
	"github.com/dreamware/lighthouse/internal/common"
	"github.com/dreamware/lighthouse/internal/conf"
	"github.com/dreamware/lighthouse/internal/listener"
)

var logger = common.InitLogger()

func main() {
	cfg, err := conf.LoadReplicaConfig()
	if err != nil {
		logger.Error(err, "Failed to load configuration")
		os.Exit(1)
	}
	c, err := client.New(cfg.Transport, cfg.LighthouseAddr)
	if err != nil {
		logger.Error(err, "Failed to create lighthouse client")
		os.Exit(1)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newAgent(cfg, c)
	if err := a.run(ctx); err != nil {
		logger.Error(err, "Replica exited with error", "replica_id", a.id)
		os.Exit(1)
	}
	logger.Info("Replica exited", "replica_id", a.id, "step", a.step.Load())
}

var errJoinPending = errors.New("join pending")

type agent struct {
	cfg    *conf.ReplicaConfig
	id     string
	client client.Client

	listener *listener.Listener
	shutdown *listener.Coordinator

	step   atomic.Int64
	quorum atomic.Pointer[cluster.QuorumAssignment]
	// abort is signaled by the control loop when a quorum peer fails.
	abort  chan string
	aborts atomic.Int64
}

func newAgent(cfg *conf.ReplicaConfig, c client.Client) *agent {
	l := listener.New(c, listener.Config{
		PollTimeout:   cfg.PollTimeout,
		QueueCapacity: cfg.QueueCapacity,
	})
	return &agent{
		cfg:      cfg,
		id:       cluster.NewReplicaID(cfg.ReplicaName),
		client:   c,
		listener: l,
		shutdown: listener.NewCoordinator(l, l.Queue(), cfg.ShutdownGrace),
		abort:    make(chan string, 1),
	}
}

// run drives the agent until ctx ends, then shuts the listener down.
func (a *agent) run(ctx context.Context) error {
	logger.Info("Replica starting", "replica_id", a.id, "lighthouse", a.cfg.LighthouseAddr,
		"transport", a.cfg.Transport)
	a.listener.Start()
	defer a.shutdown.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.trainLoop(gctx) })
	g.Go(func() error { return a.controlLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		hbCtx, cancel := context.WithTimeout(ctx, a.cfg.HeartbeatInterval)
		if err := a.client.Heartbeat(hbCtx, a.id); err != nil && ctx.Err() == nil {
			logger.Info("Heartbeat failed", "replica_id", a.id, "err", err.Error())
		}
		cancel()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// trainLoop joins a quorum for the current step, runs the step, and moves on.
// A step is abandoned when the control loop reports a failed peer.
func (a *agent) trainLoop(ctx context.Context) error {
	for {
		q, err := a.joinQuorum(ctx)
		if err != nil {
			return err
		}
		a.quorum.Store(q)
		me, _ := q.Member(a.id)
		logger.Info("Quorum assigned", "replica_id", a.id, "quorum_id", q.QuorumID,
			"rank", me.Rank, "world_size", len(q.Members), "step", q.Step)

		if err := a.runStep(ctx, q); err != nil {
			return err
		}
	}
}

// runStep waits out one step under q. Only a failed member of q aborts it;
// signals about peers already missing from q were raised against an older
// quorum and are dropped.
func (a *agent) runStep(ctx context.Context, q *cluster.QuorumAssignment) error {
	timer := time.NewTimer(a.cfg.StepInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			a.step.Store(max(a.step.Load(), q.Step) + 1)
			return nil
		case failed := <-a.abort:
			if _, ok := q.Member(failed); !ok {
				logger.V(1).Info("Dropping abort for peer outside current quorum",
					"replica_id", a.id, "failed_peer", failed, "quorum_id", q.QuorumID)
				continue
			}
			logger.Info("Step aborted, rejoining", "replica_id", a.id, "step", a.step.Load(),
				"failed_peer", failed)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// joinQuorum retries Join until it returns an assignment. Pending answers and
// transient errors back off; a rejected request ends the agent.
func (a *agent) joinQuorum(ctx context.Context) (*cluster.QuorumAssignment, error) {
	op := func() (*cluster.QuorumAssignment, error) {
		resp, err := a.client.Join(ctx, cluster.JoinRequest{
			ReplicaID:          a.id,
			Address:            a.cfg.Address,
			TargetWorldSize:    a.cfg.TargetWorldSize,
			TargetMinWorldSize: a.cfg.TargetMinWorldSize,
			CurrentStep:        a.step.Load(),
			ShrinkOnly:         a.cfg.ShrinkOnly,
		})
		switch {
		case errors.Is(err, client.ErrRejected):
			return nil, backoff.Permanent(err)
		case err != nil:
			return nil, err
		case resp.Status != cluster.JoinAssigned:
			return nil, errJoinPending
		}
		return resp.Quorum, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.V(1).Info("Join not assigned, retrying", "replica_id", a.id, "err", err.Error(), "retry_in", next)
		}))
}

// controlLoop is the host side of the listener: bounded dequeues so that it
// notices ctx promptly even when no failures arrive.
func (a *agent) controlLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		ev, ok := a.listener.Next(a.cfg.PollTimeout)
		if !ok {
			continue
		}
		a.handleEvent(ev)
	}
	return ctx.Err()
}

func (a *agent) handleEvent(ev listener.Event) {
	switch ev.Kind {
	case listener.EventConnectionLost:
		logger.Info("Lost lighthouse failure stream", "replica_id", a.id, "err", ev.Err)
	case listener.EventFailure:
		failed := ev.Failure.ReplicaID
		if _, ok := a.quorum.Load().Member(failed); !ok || failed == a.id {
			logger.V(1).Info("Ignoring failure outside current quorum", "failed", failed)
			return
		}
		a.aborts.Add(1)
		logger.Info("Quorum peer failed, aborting in-flight step", "replica_id", a.id,
			"failed", failed, "detected_at", ev.Failure.DetectedAt)
		select {
		case a.abort <- failed:
		default:
		}
	}
}
