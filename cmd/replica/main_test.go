package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lighthouse/internal/client"
	"github.com/dreamware/lighthouse/internal/cluster"
	"github.com/dreamware/lighthouse/internal/conf"
	"github.com/dreamware/lighthouse/internal/lighthouse"
	"github.com/dreamware/lighthouse/internal/listener"
	"github.com/dreamware/lighthouse/internal/rpc"
)

func testReplicaConfig(name, addr string) *conf.ReplicaConfig {
	return &conf.ReplicaConfig{
		ReplicaName:        name,
		LighthouseAddr:     addr,
		Transport:          "http",
		Address:            name + ":29500",
		TargetWorldSize:    2,
		TargetMinWorldSize: 1,
		HeartbeatInterval:  50 * time.Millisecond,
		StepInterval:       time.Minute,
		PollTimeout:        20 * time.Millisecond,
		QueueCapacity:      16,
		ShutdownGrace:      time.Second,
	}
}

func TestHandleEvent(t *testing.T) {
	a := newAgent(testReplicaConfig("self", "http://127.0.0.1:1"), client.NewHTTPClient("http://127.0.0.1:1"))
	a.quorum.Store(&cluster.QuorumAssignment{Members: []cluster.QuorumMember{
		{ReplicaID: a.id}, {ReplicaID: "peer"},
	}})

	a.handleEvent(listener.Event{Kind: listener.EventConnectionLost, Err: assert.AnError})
	a.handleEvent(listener.Event{Kind: listener.EventFailure, Failure: cluster.FailureNotification{ReplicaID: "stranger"}})
	assert.Equal(t, int64(0), a.aborts.Load())

	a.handleEvent(listener.Event{Kind: listener.EventFailure, Failure: cluster.FailureNotification{ReplicaID: "peer"}})
	assert.Equal(t, int64(1), a.aborts.Load())
	select {
	case failed := <-a.abort:
		assert.Equal(t, "peer", failed)
	default:
		t.Fatal("abort not signaled")
	}

	// a second failure before the train loop reacts must not block
	a.handleEvent(listener.Event{Kind: listener.EventFailure, Failure: cluster.FailureNotification{ReplicaID: "peer"}})
	a.handleEvent(listener.Event{Kind: listener.EventFailure, Failure: cluster.FailureNotification{ReplicaID: "peer"}})
	assert.Equal(t, int64(3), a.aborts.Load())
}

func TestRunStepDropsStaleAbort(t *testing.T) {
	cfg := testReplicaConfig("self", "http://127.0.0.1:1")
	cfg.StepInterval = 30 * time.Millisecond
	a := newAgent(cfg, client.NewHTTPClient("http://127.0.0.1:1"))

	// raised against the previous quorum while the agent was rejoining
	a.abort <- "gone"
	q := &cluster.QuorumAssignment{QuorumID: 2, Step: 4, Members: []cluster.QuorumMember{
		{ReplicaID: a.id, Step: 4}, {ReplicaID: "peer", Step: 4},
	}}
	require.NoError(t, a.runStep(context.Background(), q))
	assert.Equal(t, int64(5), a.step.Load())
	assert.Empty(t, a.abort)

	cfg.StepInterval = time.Minute
	a.abort <- "peer"
	start := time.Now()
	require.NoError(t, a.runStep(context.Background(), q))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(5), a.step.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.runStep(ctx, q), context.Canceled)
}

func TestAgentID(t *testing.T) {
	a := newAgent(testReplicaConfig("trainer", "http://127.0.0.1:1"), client.NewHTTPClient("http://127.0.0.1:1"))
	b := newAgent(testReplicaConfig("trainer", "http://127.0.0.1:1"), client.NewHTTPClient("http://127.0.0.1:1"))
	assert.True(t, strings.HasPrefix(a.id, "trainer:"))
	assert.NotEqual(t, a.id, b.id)
}

// TestAgentsFormQuorumAndAbortOnPeerFailure runs two agents against a real
// lighthouse, kills one, and expects the survivor to abort its step.
func TestAgentsFormQuorumAndAbortOnPeerFailure(t *testing.T) {
	cfg := lighthouse.DefaultConfig()
	cfg.HeartbeatTimeout = 300 * time.Millisecond
	cfg.FailureTick = 20 * time.Millisecond
	cfg.QuorumTick = 20 * time.Millisecond
	lh, err := lighthouse.New(cfg)
	require.NoError(t, err)
	lh.Start(context.Background())
	defer lh.Stop()

	server := httptest.NewServer(rpc.NewHTTPServer(lh, "").Handler())
	defer server.Close()

	start := func(name string) (*agent, context.CancelFunc, chan error) {
		c := client.NewHTTPClient(server.URL)
		a := newAgent(testReplicaConfig(name, server.URL), c)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- a.run(ctx) }()
		return a, cancel, done
	}

	a, cancelA, doneA := start("a")
	b, cancelB, doneB := start("b")
	defer cancelB()

	require.Eventually(t, func() bool {
		qa, qb := a.quorum.Load(), b.quorum.Load()
		return qa != nil && qb != nil && len(qa.Members) == 2 && qa.QuorumID == qb.QuorumID
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return lh.Status().Subscribers == 2 }, 2*time.Second, 10*time.Millisecond)

	cancelA()
	select {
	case err := <-doneA:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent a did not stop")
	}
	assert.Equal(t, listener.StateStopped, a.shutdown.State())

	require.Eventually(t, func() bool { return b.aborts.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)

	cancelB()
	select {
	case err := <-doneB:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent b did not stop")
	}
	assert.False(t, b.shutdown.Forced())
}
