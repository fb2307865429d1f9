package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dreamware/lighthouse/internal/cluster"
	"github.com/dreamware/lighthouse/internal/lighthouse"
)

func newBufconnPair(t *testing.T, lh *lighthouse.Lighthouse) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(lh, "bufnet")
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in, out any) error {
	return conn.Invoke(ctx, method, in, out, grpc.CallContentSubtype(CodecName))
}

func TestGRPCHeartbeatAndStatus(t *testing.T) {
	lh := newTestLighthouse(t, stableConfig())
	_, conn := newBufconnPair(t, lh)
	ctx := context.Background()

	require.NoError(t, invoke(ctx, conn, HeartbeatMethod, &cluster.HeartbeatRequest{ReplicaID: "a"}, &Empty{}))

	var st cluster.StatusResponse
	require.NoError(t, invoke(ctx, conn, StatusMethod, &Empty{}, &st))
	assert.Contains(t, st.Heartbeats, "a")

	err := invoke(ctx, conn, HeartbeatMethod, &cluster.HeartbeatRequest{}, &Empty{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCJoin(t *testing.T) {
	lh := newTestLighthouse(t, stableConfig())
	_, conn := newBufconnPair(t, lh)

	var resp cluster.JoinResponse
	err := invoke(context.Background(), conn, JoinMethod, &cluster.JoinRequest{
		ReplicaID: "a", Address: "a:29500", TargetWorldSize: 1, CurrentStep: 9,
		Data: map[string]any{"store": "tcp://a:29600"},
	}, &resp)
	require.NoError(t, err)
	require.Equal(t, cluster.JoinAssigned, resp.Status)
	m, ok := resp.Quorum.Member("a")
	require.True(t, ok)
	assert.Equal(t, 0, m.Rank)
	assert.Equal(t, "tcp://a:29600", m.Data["store"])

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = invoke(ctx, conn, JoinMethod, &cluster.JoinRequest{ReplicaID: "b", TargetWorldSize: 3, TargetMinWorldSize: 3}, &resp)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestGRPCSubscribeFailures(t *testing.T) {
	lh := newTestLighthouse(t, fastConfig())
	_, conn := newBufconnPair(t, lh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], SubscribeFailuresMethod, grpc.CallContentSubtype(CodecName))
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&Empty{}))
	require.NoError(t, stream.CloseSend())
	_, err = stream.Header()
	require.NoError(t, err)
	require.Equal(t, 1, lh.Status().Subscribers)

	require.NoError(t, lh.Heartbeat("r"))

	var n cluster.FailureNotification
	require.NoError(t, stream.RecvMsg(&n))
	assert.Equal(t, "r", n.ReplicaID)
	assert.False(t, n.DetectedAt.IsZero())

	lh.Stop()
	err = stream.RecvMsg(&n)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPCAfterStop(t *testing.T) {
	lh := newTestLighthouse(t, fastConfig())
	_, conn := newBufconnPair(t, lh)
	lh.Stop()

	err := invoke(context.Background(), conn, HeartbeatMethod, &cluster.HeartbeatRequest{ReplicaID: "a"}, &Empty{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	var resp cluster.JoinResponse
	err = invoke(context.Background(), conn, JoinMethod, &cluster.JoinRequest{ReplicaID: "a"}, &resp)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPCHealth(t *testing.T) {
	lh := newTestLighthouse(t, fastConfig())
	srv, conn := newBufconnPair(t, lh)

	health := grpc_health_v1.NewHealthClient(conn)
	resp, err := health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestToStatus(t *testing.T) {
	assert.NoError(t, toStatus(nil))
	assert.Equal(t, codes.InvalidArgument, status.Code(toStatus(lighthouse.ErrInvalidRequest)))
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(lighthouse.ErrStopped)))
	assert.Equal(t, codes.Canceled, status.Code(toStatus(context.Canceled)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))
}
