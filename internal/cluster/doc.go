// Package cluster defines the wire types exchanged between the lighthouse and
// its replicas, and the small JSON-over-HTTP helpers the HTTP transport uses.
//
// # Overview
//
// Every message that crosses a process boundary is one of a closed set of
// tagged variants:
//
//	FailureNotification   server -> subscriber, one per detected failure
//	JoinResponse          server -> joiner, either "assigned" (carrying a
//	                      QuorumAssignment) or "pending"
//	HeartbeatRequest      replica -> server
//	JoinRequest           replica -> server
//
// A fourth variant, ConnectionLost, never travels on the wire; the client-side
// listener synthesizes it when its stream breaks (see package listener).
//
// # Topology
//
//	              ┌──────────────┐
//	              │  Lighthouse  │
//	              │              │
//	              │ - Heartbeats │
//	              │ - Quorum     │
//	              │ - Failures   │
//	              └──────┬───────┘
//	                     │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│ Replica A │ │ Replica B │ │ Replica C │
//	│ heartbeat │ │ heartbeat │ │ heartbeat │
//	│ join      │ │ join      │ │ join      │
//	│ subscribe │ │ subscribe │ │ subscribe │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Identity
//
// A ReplicaID is opaque. Replica agents suffix their configured name with a
// fresh UUID at process start (NewReplicaID), so a restarted worker reusing
// the same name is never conflated with the instance it replaces.
//
// # Encoding
//
// All variants are JSON encoded. The HTTP transport streams failures as
// newline-delimited JSON; the gRPC transport carries the same structs through
// a JSON codec. Field names are stable and snake_case.
package cluster
