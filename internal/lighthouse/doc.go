// Package lighthouse implements the rendezvous service that tracks replica
// liveness, detects failures and forms quorums for synchronized training
// steps.
//
// # Overview
//
// A single Lighthouse owns all membership state:
//
//	┌──────────────────────────────────────────┐
//	│               Lighthouse                 │
//	├──────────────────────────────────────────┤
//	│  state (one mutex)                       │
//	│    heartbeats   replica -> last seen     │
//	│    participants current round            │
//	│    failures     replica -> detected at   │
//	│    lastQuorum   cached assignment        │
//	├──────────────────────────────────────────┤
//	│  failure detector   every FailureTick    │
//	│  quorum former      every QuorumTick     │
//	│  notify.Bus         failure fan-out      │
//	└──────────────────────────────────────────┘
//
// RPC handlers (package rpc) and both periodic tasks are callers of the
// state, never owners; each acquires the state mutex for the duration of a
// single operation, so no caller ever observes a half-applied pass.
//
// # Failure detection
//
// On each FailureTick the detector scans heartbeats. A replica whose last
// heartbeat is older than HeartbeatTimeout and that is not already in the
// failure set is published to the bus, recorded as failed and removed from
// heartbeats and participants. A replica in the failure set that heartbeats
// again is removed from it, re-arming detection. If at least one failure in
// the pass reached a subscriber, the current quorum round is abandoned once:
// waiters receive Pending and must rejoin, so the next quorum is computed
// from a post-failure view. A failure nobody was told about still cleans up
// that replica but does not reset the round.
//
// # Quorum formation
//
// Join upserts the caller into the current round and blocks. On each
// QuorumTick the former finalizes the round when the participant count
// reaches max(MinReplicas, declared minimums) and either every participant's
// target world size has joined or JoinTimeout has passed since the round's
// first join. Ranks follow lexical replica id order. The assignment is cached
// and handed back unchanged to repeated joins at the same step.
//
// # Usage
//
//	lh, err := lighthouse.New(lighthouse.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	lh.Start(ctx)
//	defer lh.Stop()
//
//	sub := lh.SubscribeFailures()
//	for n := range sub.C() {
//	    log.Printf("replica %s failed", n.ReplicaID)
//	}
package lighthouse
