// Package client provides lighthouse RPC stubs for replicas. HTTPClient and
// GRPCClient implement the same Client interface; the failure listener only
// depends on SubscribeFailures.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/lighthouse/internal/cluster"
)

var (
	// ErrUnavailable means the lighthouse is stopped or unreachable; the
	// caller may retry.
	ErrUnavailable = errors.New("client: lighthouse unavailable")
	// ErrRejected means the lighthouse refused the request as malformed.
	ErrRejected = errors.New("client: request rejected")
)

// FailureStream yields failure notifications until it ends. Recv returns
// io.EOF when the server closes the stream cleanly. Close may be called from
// any goroutine and unblocks a pending Recv.
type FailureStream interface {
	Recv() (cluster.FailureNotification, error)
	Close() error
}

// Subscriber opens failure streams.
type Subscriber interface {
	SubscribeFailures(ctx context.Context) (FailureStream, error)
}

// Client is the replica-side view of a lighthouse, independent of transport.
// Heartbeat, Join and Status map transport failures onto ErrUnavailable and
// ErrRejected.
type Client interface {
	Subscriber
	Heartbeat(ctx context.Context, replicaID string) error
	Join(ctx context.Context, req cluster.JoinRequest) (cluster.JoinResponse, error)
	Status(ctx context.Context) (cluster.StatusResponse, error)
	Close() error
}

// New returns a client for transport "http" or "grpc".
func New(transport, addr string) (Client, error) {
	switch transport {
	case "http":
		return NewHTTPClient(addr), nil
	case "grpc":
		return NewGRPCClient(addr)
	default:
		return nil, fmt.Errorf("client: unknown transport %q", transport)
	}
}
