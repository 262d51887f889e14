// Package offers implements the launch queue and offer-match manager:
// tracking pending launches per run-spec with exponential backoff and
// launch-token throttling, and presenting incoming offers to the set of
// active matchers.
package offers

import (
	"sync"
	"time"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// Queue tracks one run-spec's outstanding launch demand.
type Queue struct {
	mu sync.Mutex
	clk clock.Clock

	runSpecID string
	backoff   domain.BackoffPolicy

	pending             int
	consecutiveFailures int
	backoffDeadline      time.Time

	tokens    int
	maxTokens int
}

// NewQueue creates a launch queue for one run-spec with the given backoff
// policy and a starting launch-token pool.
func NewQueue(clk clock.Clock, runSpecID string, backoff domain.BackoffPolicy, maxTokens int) *Queue {
	if maxTokens <= 0 {
		maxTokens = 1
	}
	return &Queue{clk: clk, runSpecID: runSpecID, backoff: backoff, tokens: maxTokens, maxTokens: maxTokens}
}

// SetPending sets the number of instances this run-spec still needs
// launched.
func (q *Queue) SetPending(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = n
}

// Pending reports the current outstanding launch demand.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Ready reports whether this queue may currently attempt a launch: demand
// is non-zero, the backoff deadline has passed, and at least one launch
// token is available.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending <= 0 {
		return false
	}
	if q.clk.Now().Before(q.backoffDeadline) {
		return false
	}
	return q.tokens > 0
}

// TakeToken consumes one launch token; callers must check Ready first.
func (q *Queue) TakeToken() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tokens > 0 {
		q.tokens--
	}
}

// RefillTokens restores the token pool to its maximum, called on a
// periodic tick by the offer-match manager.
func (q *Queue) RefillTokens() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tokens = q.maxTokens
}

// LaunchSucceeded resets backoff and decrements pending by one.
func (q *Queue) LaunchSucceeded() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consecutiveFailures = 0
	q.backoffDeadline = time.Time{}
	if q.pending > 0 {
		q.pending--
	}
}

// LaunchFailed advances the exponential backoff deadline:
// base * factor^consecutiveFailures, capped at maxLaunchDelay.
func (q *Queue) LaunchFailed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consecutiveFailures++
	delay := backoffDelay(q.backoff, q.consecutiveFailures)
	q.backoffDeadline = q.clk.Now().Add(delay)
}

func backoffDelay(policy domain.BackoffPolicy, failures int) time.Duration {
	delay := float64(policy.Base)
	for i := 0; i < failures; i++ {
		delay *= policy.Factor
	}
	d := time.Duration(delay)
	if d > policy.MaxLaunchDelay {
		d = policy.MaxLaunchDelay
	}
	return d
}
