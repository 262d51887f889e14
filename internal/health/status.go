package health

import (
	"time"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// TaskHealth tracks consecutive pass/fail counts for one task's health
// check, rolling up to the tri-state *bool the state machine expects
// (nil until the first result, then the debounced healthy/unhealthy
// verdict).
type TaskHealth struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	StartedAt            time.Time

	Healthy *bool
}

// NewTaskHealth starts tracking from startedAt, the moment the task began
// its grace period.
func NewTaskHealth(startedAt time.Time) *TaskHealth {
	return &TaskHealth{StartedAt: startedAt}
}

// Update folds in a new Result: a single healthy result sets Healthy to
// true, and Healthy turns false once MaxConsecutiveFailures (at least one)
// consecutive failures have been seen.
func (s *TaskHealth) Update(result Result, hc domain.HealthCheck) {
	s.LastResult = result

	maxFailures := hc.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 1
	}

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		healthy := true
		s.Healthy = &healthy
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= maxFailures {
		healthy := false
		s.Healthy = &healthy
	}
}

// InGracePeriod reports whether the task is still within its configured
// start-up grace period, during which failing checks should not yet flip
// Healthy to false.
func (s *TaskHealth) InGracePeriod(hc domain.HealthCheck, now time.Time) bool {
	if hc.GracePeriodSeconds <= 0 {
		return false
	}
	return now.Sub(s.StartedAt) < time.Duration(hc.GracePeriodSeconds)*time.Second
}
