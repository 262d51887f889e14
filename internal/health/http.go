package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// httpChecker probes a task's HTTP endpoint, treating any 2xx/3xx
// response as healthy.
type httpChecker struct {
	url     string
	timeout time.Duration
}

func (h *httpChecker) Check(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return Result{Message: fmt.Sprintf("failed to build request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 400
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
