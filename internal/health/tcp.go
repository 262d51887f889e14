package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// tcpChecker reports healthy when a connection attempt succeeds.
type tcpChecker struct {
	address string
	timeout time.Duration
}

func (t *tcpChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: t.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return Result{Message: fmt.Sprintf("dial %s failed: %v", t.address, err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer conn.Close()

	return Result{Healthy: true, Message: fmt.Sprintf("connected to %s", t.address), CheckedAt: start, Duration: time.Since(start)}
}
