// Package proxy implements the leader-only write gate: a gRPC interceptor
// that lets read-only RPCs through on any node but rejects (or forwards)
// writes unless the receiving node is the Raft leader. Generalized from
// the teacher's pkg/api.ReadOnlyInterceptor, which drew the same
// read/write line by method-name prefix for the Unix-socket listener；
// here the same classification gates every listener, keyed off actual
// leadership instead of the transport the request arrived on.
package proxy

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rs/zerolog"

	"github.com/flywheel-sh/orchestratord/internal/log"
)

// LeaderChecker reports this node's current leadership state, matching
// election.Election's IsLeader/LeaderAddr.
type LeaderChecker interface {
	IsLeader() bool
	LeaderAddr() string
}

// Forwarder relays a write request to the current leader's address.
// Implementations typically dial a grpc.ClientConn per leader address and
// invoke fullMethod with req, returning the leader's reply. A nil
// Forwarder makes the interceptor reject-only: callers get back the
// leader's address and retry themselves, which is the cheaper default for
// a control plane where clients already know how to re-resolve the
// leader.
type Forwarder interface {
	Forward(ctx context.Context, fullMethod string, req any) (any, error)
}

// readOnlyPrefixes mirrors the teacher's own List/Get/Inspect/Watch/
// Describe/Show convention for read methods.
var readOnlyPrefixes = []string{"List", "Get", "Inspect", "Watch", "Describe", "Show", "Stream"}

// readOnlyMethods are exceptions that don't fit the prefix convention.
var readOnlyMethods = map[string]bool{
	"StreamEvents":    true,
	"GetClusterInfo":  true,
	"Health":          true,
}

// IsReadOnly reports whether fullMethod ("/pkg.Service/MethodName") names
// a read-only RPC.
func IsReadOnly(fullMethod string) bool {
	parts := strings.Split(fullMethod, "/")
	name := parts[len(parts)-1]
	if readOnlyMethods[name] {
		return true
	}
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// UnaryInterceptor builds the leader-gate interceptor. leader must be
// non-nil; forward may be nil, in which case non-leader writes are
// rejected with the leader's address for the caller to retry against.
func UnaryInterceptor(leader LeaderChecker, forward Forwarder) grpc.UnaryServerInterceptor {
	lg := log.WithComponent("proxy")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if IsReadOnly(info.FullMethod) || leader.IsLeader() {
			return handler(ctx, req)
		}
		return handleNonLeaderWrite(ctx, info.FullMethod, req, leader, forward, lg)
	}
}

func handleNonLeaderWrite(ctx context.Context, fullMethod string, req any, leader LeaderChecker, forward Forwarder, lg zerolog.Logger) (any, error) {
	leaderAddr := leader.LeaderAddr()

	if forward != nil {
		lg.Debug().Str("method", fullMethod).Str("leader_addr", leaderAddr).Msg("forwarding write to leader")
		reply, err := forward.Forward(ctx, fullMethod, req)
		if err != nil {
			return nil, status.Errorf(codes.Unavailable, "forwarding to leader %s failed: %v", leaderAddr, err)
		}
		return reply, nil
	}

	if leaderAddr == "" {
		return nil, status.Error(codes.Unavailable, "no leader elected yet")
	}
	return nil, status.Errorf(codes.FailedPrecondition, "not the leader, current leader is at: %s", leaderAddr)
}

// RedirectAddr extracts the leader address from a FailedPrecondition
// error produced by this package's reject path, for clients that want to
// retry directly instead of re-resolving leadership from scratch.
func RedirectAddr(err error) (string, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.FailedPrecondition {
		return "", false
	}
	const prefix = "not the leader, current leader is at: "
	msg := st.Message()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.TrimPrefix(msg, prefix), true
}
