package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/log"
)

// Reporter receives a task's updated health verdict; normally wired to
// the tracker via a MesosUpdate-shaped op.
type Reporter interface {
	ReportHealth(instanceID, taskID string, healthy bool)
}

// Monitor runs one Checker per (instance, task) on its declared interval
// and reports debounced verdicts to a Reporter.
type Monitor struct {
	clk      clock.Clock
	reporter Reporter
	log      zerolog.Logger

	mu     sync.Mutex
	cancel map[string]context.CancelFunc // keyed by task ID
}

// NewMonitor constructs a Monitor.
func NewMonitor(clk clock.Clock, reporter Reporter) *Monitor {
	return &Monitor{
		clk:      clk,
		reporter: reporter,
		log:      log.WithComponent("health"),
		cancel:   make(map[string]context.CancelFunc),
	}
}

// Watch starts checking taskID at the interval/threshold declared by hc
// against address, until Unwatch is called. Replaces any existing watch
// for the same taskID.
func (m *Monitor) Watch(instanceID, taskID string, hc domain.HealthCheck, address string, startedAt time.Time) error {
	checker, err := NewChecker(hc, address)
	if err != nil {
		return err
	}

	m.Unwatch(taskID)

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel[taskID] = cancel
	m.mu.Unlock()

	go m.run(ctx, checker, instanceID, taskID, hc, startedAt)
	return nil
}

// Unwatch stops checking taskID.
func (m *Monitor) Unwatch(taskID string) {
	m.mu.Lock()
	cancel, ok := m.cancel[taskID]
	delete(m.cancel, taskID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Monitor) run(ctx context.Context, checker Checker, instanceID, taskID string, hc domain.HealthCheck, startedAt time.Time) {
	interval := time.Duration(hc.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := m.clk.NewTicker(interval)
	defer ticker.Stop()

	status := NewTaskHealth(startedAt)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			now := m.clk.Now()
			if status.InGracePeriod(hc, now) {
				continue
			}
			result := checker.Check(ctx)
			prevHealthy := status.Healthy
			status.Update(result, hc)

			if status.Healthy != nil && (prevHealthy == nil || *prevHealthy != *status.Healthy) {
				m.log.Debug().Str("instance_id", instanceID).Str("task_id", taskID).
					Bool("healthy", *status.Healthy).Str("message", result.Message).Msg("health verdict changed")
				m.reporter.ReportHealth(instanceID, taskID, *status.Healthy)
			}
		}
	}
}
