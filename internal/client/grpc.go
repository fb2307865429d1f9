package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/dreamware/lighthouse/internal/cluster"
	"github.com/dreamware/lighthouse/internal/rpc"
)

// GRPCClient talks to lighthouse.v1.Lighthouse using the JSON codec.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient connects lazily to target (host:port or any grpc target).
func NewGRPCClient(target string, opts ...grpc.DialOption) (*GRPCClient, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	}
	conn, err := grpc.NewClient(target, append(dialOpts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) Heartbeat(ctx context.Context, replicaID string) error {
	err := c.conn.Invoke(ctx, rpc.HeartbeatMethod, &cluster.HeartbeatRequest{ReplicaID: replicaID}, &rpc.Empty{})
	return mapStatus(err)
}

func (c *GRPCClient) Join(ctx context.Context, req cluster.JoinRequest) (cluster.JoinResponse, error) {
	var resp cluster.JoinResponse
	if err := c.conn.Invoke(ctx, rpc.JoinMethod, &req, &resp); err != nil {
		return cluster.Pending(), mapStatus(err)
	}
	return resp, nil
}

func (c *GRPCClient) Status(ctx context.Context) (cluster.StatusResponse, error) {
	var st cluster.StatusResponse
	err := c.conn.Invoke(ctx, rpc.StatusMethod, &rpc.Empty{}, &st)
	return st, mapStatus(err)
}

// SubscribeFailures opens the server stream and waits for the server to
// accept it.
func (c *GRPCClient) SubscribeFailures(ctx context.Context) (FailureStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, &rpc.ServiceDesc.Streams[0], rpc.SubscribeFailuresMethod)
	if err != nil {
		cancel()
		return nil, mapStatus(err)
	}
	if err := stream.SendMsg(&rpc.Empty{}); err != nil {
		cancel()
		return nil, mapStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, mapStatus(err)
	}
	md, err := stream.Header()
	if err != nil {
		cancel()
		return nil, mapStatus(err)
	}
	if md == nil {
		// Trailers-only response: the server refused the stream and the
		// status is only visible through RecvMsg.
		err := stream.RecvMsg(&cluster.FailureNotification{})
		cancel()
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: failure stream refused", ErrUnavailable)
		}
		return nil, mapStatus(err)
	}
	return &grpcFailureStream{stream: stream, cancel: cancel}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

type grpcFailureStream struct {
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *grpcFailureStream) Recv() (cluster.FailureNotification, error) {
	var n cluster.FailureNotification
	if err := s.stream.RecvMsg(&n); err != nil {
		if errors.Is(err, io.EOF) {
			return cluster.FailureNotification{}, io.EOF
		}
		return cluster.FailureNotification{}, mapStatus(err)
	}
	return n, nil
}

func (s *grpcFailureStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func mapStatus(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %w", ErrRejected, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %w", context.Canceled, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}
