package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// execChecker runs a command and considers exit code 0 healthy.
//
// A command health check against a task's container can only actually run
// inside the agent that owns the container; this process has no such
// access and only executes locally, which is useful for checks that
// target a sidecar reachable from the control plane itself. Checks that
// must run inside the task's own container are declared to the offer-bus
// driver at launch time instead and reported back as task status updates,
// the same way Mesos delegates COMMAND health checks to its agent.
type execChecker struct {
	command []string
	timeout time.Duration
}

func (e *execChecker) Check(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := fmt.Sprintf("command failed: %v", err)
		if stderr.Len() > 0 {
			msg = fmt.Sprintf("%s (stderr: %s)", msg, stderr.String())
		}
		return Result{Message: msg, CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "command exited 0", CheckedAt: start, Duration: time.Since(start)}
}
