// Package health implements HTTP, TCP, and exec task health checkers plus
// a per-task Monitor that runs them on an interval and reports consecutive
// pass/fail counts as a rolled-up healthy flag.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// Result is the outcome of one health check invocation.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker performs a single health probe.
type Checker interface {
	Check(ctx context.Context) Result
}

// NewChecker builds a Checker from a HealthCheck declaration and the
// resolved host:port address of the endpoint it targets (already
// allocated by the matcher's port assignment for this instance).
func NewChecker(hc domain.HealthCheck, address string) (Checker, error) {
	timeout := time.Duration(hc.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	switch hc.Type {
	case domain.HealthCheckHTTP:
		path := hc.Path
		if path == "" {
			path = "/"
		}
		return &httpChecker{url: "http://" + address + path, timeout: timeout}, nil

	case domain.HealthCheckTCP:
		return &tcpChecker{address: address, timeout: timeout}, nil

	case domain.HealthCheckExec:
		if len(hc.Command) == 0 {
			return nil, fmt.Errorf("exec health check requires a non-empty command")
		}
		return &execChecker{command: hc.Command, timeout: timeout}, nil

	default:
		return nil, fmt.Errorf("unknown health check type %q", hc.Type)
	}
}
