package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/dreamware/lighthouse/internal/cluster"
	"github.com/dreamware/lighthouse/internal/lighthouse"
	"github.com/dreamware/lighthouse/internal/notify"
)

const (
	ServiceName = "lighthouse.v1.Lighthouse"

	HeartbeatMethod         = "/" + ServiceName + "/Heartbeat"
	JoinMethod              = "/" + ServiceName + "/Join"
	StatusMethod            = "/" + ServiceName + "/Status"
	SubscribeFailuresMethod = "/" + ServiceName + "/SubscribeFailures"
)

// Empty is the request and response body of argument-less calls.
type Empty struct{}

// LighthouseServer is the gRPC service surface.
type LighthouseServer interface {
	Heartbeat(context.Context, *cluster.HeartbeatRequest) (*Empty, error)
	Join(context.Context, *cluster.JoinRequest) (*cluster.JoinResponse, error)
	Status(context.Context, *Empty) (*cluster.StatusResponse, error)
	SubscribeFailures(*Empty, FailureStreamServer) error
}

// FailureStreamServer is the server side of SubscribeFailures.
type FailureStreamServer interface {
	Send(*cluster.FailureNotification) error
	grpc.ServerStream
}

type failureStreamServer struct {
	grpc.ServerStream
}

func (s *failureStreamServer) Send(n *cluster.FailureNotification) error {
	return s.ServerStream.SendMsg(n)
}

// ServiceDesc describes lighthouse.v1.Lighthouse for grpc.Server and for
// clients opening the failure stream.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LighthouseServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeFailures",
			Handler:       subscribeFailuresHandler,
			ServerStreams: true,
		},
	},
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(cluster.HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LighthouseServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: HeartbeatMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(LighthouseServer).Heartbeat(ctx, req.(*cluster.HeartbeatRequest))
	})
}

func joinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(cluster.JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LighthouseServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: JoinMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(LighthouseServer).Join(ctx, req.(*cluster.JoinRequest))
	})
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LighthouseServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatusMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(LighthouseServer).Status(ctx, req.(*Empty))
	})
}

func subscribeFailuresHandler(srv any, stream grpc.ServerStream) error {
	in := new(Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(LighthouseServer).SubscribeFailures(in, &failureStreamServer{stream})
}

// service adapts a Lighthouse to LighthouseServer.
type service struct {
	lh *lighthouse.Lighthouse
}

func (s *service) Heartbeat(_ context.Context, req *cluster.HeartbeatRequest) (*Empty, error) {
	if err := s.lh.Heartbeat(req.ReplicaID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *service) Join(ctx context.Context, req *cluster.JoinRequest) (*cluster.JoinResponse, error) {
	resp, err := s.lh.Join(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &resp, nil
}

func (s *service) Status(context.Context, *Empty) (*cluster.StatusResponse, error) {
	st := s.lh.Status()
	return &st, nil
}

func (s *service) SubscribeFailures(_ *Empty, stream FailureStreamServer) error {
	if s.lh.Stopped() {
		return toStatus(lighthouse.ErrStopped)
	}
	sub := s.lh.SubscribeFailures()
	defer sub.Close()

	// Send headers now so the client's stream is established before the
	// first failure.
	if err := stream.SendHeader(nil); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case n, ok := <-sub.C():
			if !ok {
				logger.Info("Failure subscription ended", "subscription", sub.ID(), "reason", sub.Err())
				return toStatus(sub.Err())
			}
			if err := stream.Send(&n); err != nil {
				return err
			}
		}
	}
}

// toStatus maps lighthouse and bus errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lighthouse.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, lighthouse.ErrStopped), errors.Is(err, notify.ErrBusClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, notify.ErrEvicted):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

var grpcOpts = []grpc.ServerOption{
	grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionIdle: 15 * time.Minute,
		Time:              5 * time.Second,
		Timeout:           1 * time.Second,
	}),
	grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}),
}

// GRPCServer wraps the gRPC server and its health service.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	addr         string
}

// NewGRPCServer registers the lighthouse and health services for lh.
func NewGRPCServer(lh *lighthouse.Lighthouse, addr string, opts ...grpc.ServerOption) *GRPCServer {
	grpcServer := grpc.NewServer(append(append([]grpc.ServerOption{}, grpcOpts...), opts...)...)
	grpcServer.RegisterService(&ServiceDesc, &service{lh: lh})

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		addr:         addr,
	}
}

// Serve accepts connections on lis until the server stops.
func (s *GRPCServer) Serve(lis net.Listener) error {
	logger.Info("gRPC server listening", "address", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves until ctx is canceled
// or the server fails.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		logger.Error(err, "Failed to listen", "address", s.addr)
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		return ctx.Err()
	case err := <-serverErrCh:
		return err
	}
}

// Shutdown gracefully stops the server, forcing it when ctx expires first.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down gRPC server...")
	s.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("gRPC server stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.Info("Graceful shutdown timeout, forcing stop", "timeout", ctx.Err())
		s.grpcServer.Stop()
		return ctx.Err()
	}
}
