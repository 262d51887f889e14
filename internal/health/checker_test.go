package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

func TestNewCheckerBuildsHTTPChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker, err := NewChecker(domain.HealthCheck{Type: domain.HealthCheckHTTP, Path: "/healthz"}, server.Listener.Addr().String())
	require.NoError(t, err)

	result := checker.Check(context.Background())
	assert.True(t, result.Healthy)
}

func TestNewCheckerBuildsTCPChecker(t *testing.T) {
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	checker, err := NewChecker(domain.HealthCheck{Type: domain.HealthCheckTCP}, ln.Addr().String())
	require.NoError(t, err)

	result := checker.Check(context.Background())
	assert.True(t, result.Healthy)
}

func TestNewCheckerRejectsEmptyExecCommand(t *testing.T) {
	_, err := NewChecker(domain.HealthCheck{Type: domain.HealthCheckExec}, "")
	assert.Error(t, err)
}

func TestNewCheckerRejectsUnknownType(t *testing.T) {
	_, err := NewChecker(domain.HealthCheck{Type: "bogus"}, "addr")
	assert.Error(t, err)
}

func TestExecCheckerRunsCommand(t *testing.T) {
	checker, err := NewChecker(domain.HealthCheck{Type: domain.HealthCheckExec, Command: []string{"true"}, TimeoutSeconds: 5}, "")
	require.NoError(t, err)

	result := checker.Check(context.Background())
	assert.True(t, result.Healthy)
}
