package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeLeader struct {
	isLeader bool
	addr     string
}

func (f fakeLeader) IsLeader() bool   { return f.isLeader }
func (f fakeLeader) LeaderAddr() string { return f.addr }

type fakeForwarder struct {
	reply any
	err   error
	calls int
}

func (f *fakeForwarder) Forward(ctx context.Context, fullMethod string, req any) (any, error) {
	f.calls++
	return f.reply, f.err
}

func noopHandler(reply any) grpc.UnaryHandler {
	return func(ctx context.Context, req any) (any, error) { return reply, nil }
}

func TestIsReadOnlyMatchesConventionalPrefixes(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"/orchestrator.API/ListInstances", true},
		{"/orchestrator.API/GetPlan", true},
		{"/orchestrator.API/WatchTasks", true},
		{"/orchestrator.API/StreamEvents", true},
		{"/orchestrator.API/GetClusterInfo", true},
		{"/orchestrator.API/CreateRunSpec", false},
		{"/orchestrator.API/DeleteGroup", false},
		{"/orchestrator.API/KillInstance", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, IsReadOnly(tc.method), tc.method)
	}
}

func TestUnaryInterceptorAllowsReadsRegardlessOfLeadership(t *testing.T) {
	interceptor := UnaryInterceptor(fakeLeader{isLeader: false}, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/orchestrator.API/ListInstances"}

	reply, err := interceptor(context.Background(), nil, info, noopHandler("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
}

func TestUnaryInterceptorAllowsWritesWhenLeader(t *testing.T) {
	interceptor := UnaryInterceptor(fakeLeader{isLeader: true}, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/orchestrator.API/CreateRunSpec"}

	reply, err := interceptor(context.Background(), nil, info, noopHandler("created"))
	require.NoError(t, err)
	assert.Equal(t, "created", reply)
}

func TestUnaryInterceptorRejectsWritesWhenNotLeaderAndNoForwarder(t *testing.T) {
	interceptor := UnaryInterceptor(fakeLeader{isLeader: false, addr: "10.0.0.2:7070"}, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/orchestrator.API/CreateRunSpec"}

	_, err := interceptor(context.Background(), nil, info, noopHandler("created"))
	require.Error(t, err)

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.FailedPrecondition, st.Code())

	addr, ok := RedirectAddr(err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:7070", addr)
}

func TestUnaryInterceptorRejectsWithUnavailableWhenNoLeaderElected(t *testing.T) {
	interceptor := UnaryInterceptor(fakeLeader{isLeader: false, addr: ""}, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/orchestrator.API/CreateRunSpec"}

	_, err := interceptor(context.Background(), nil, info, noopHandler("created"))
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
}

func TestUnaryInterceptorForwardsWritesWhenForwarderSet(t *testing.T) {
	fwd := &fakeForwarder{reply: "forwarded-ok"}
	interceptor := UnaryInterceptor(fakeLeader{isLeader: false, addr: "10.0.0.2:7070"}, fwd)
	info := &grpc.UnaryServerInfo{FullMethod: "/orchestrator.API/CreateRunSpec"}

	reply, err := interceptor(context.Background(), "req", info, noopHandler("created"))
	require.NoError(t, err)
	assert.Equal(t, "forwarded-ok", reply)
	assert.Equal(t, 1, fwd.calls)
}

func TestUnaryInterceptorReturnsUnavailableWhenForwardFails(t *testing.T) {
	fwd := &fakeForwarder{err: errors.New("dial failed")}
	interceptor := UnaryInterceptor(fakeLeader{isLeader: false, addr: "10.0.0.2:7070"}, fwd)
	info := &grpc.UnaryServerInfo{FullMethod: "/orchestrator.API/CreateRunSpec"}

	_, err := interceptor(context.Background(), "req", info, noopHandler("created"))
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
}
