package offers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
)

func testBackoff() domain.BackoffPolicy {
	return domain.BackoffPolicy{Base: time.Second, Factor: 2, MaxLaunchDelay: 30 * time.Second}
}

func TestQueueReadyRequiresPendingDemand(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := NewQueue(clk, "/app", testBackoff(), 1)
	assert.False(t, q.Ready(), "no pending demand yet")

	q.SetPending(1)
	assert.True(t, q.Ready())
}

func TestQueueBackoffDelaysRetryAfterFailure(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := NewQueue(clk, "/app", testBackoff(), 1)
	q.SetPending(1)

	q.LaunchFailed()
	assert.False(t, q.Ready(), "should be in backoff immediately after a failure")

	clk.Advance(2 * time.Second)
	assert.True(t, q.Ready(), "backoff deadline of 1s*2^1 should have elapsed")
}

func TestQueueBackoffCapsAtMaxLaunchDelay(t *testing.T) {
	clk := clock.NewFake(time.Now())
	policy := domain.BackoffPolicy{Base: time.Second, Factor: 10, MaxLaunchDelay: 5 * time.Second}
	q := NewQueue(clk, "/app", policy, 1)
	q.SetPending(1)

	for i := 0; i < 5; i++ {
		q.LaunchFailed()
	}
	assert.Equal(t, 5*time.Second, backoffDelay(policy, q.consecutiveFailures))
}

func TestQueueLaunchSucceededResetsBackoffAndDecrementsPending(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := NewQueue(clk, "/app", testBackoff(), 1)
	q.SetPending(2)
	q.LaunchFailed()

	q.LaunchSucceeded()
	assert.Equal(t, 1, q.Pending())
	assert.True(t, q.backoffDeadline.IsZero())
}

func TestQueueTokenThrottleLimitsConcurrentLaunches(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := NewQueue(clk, "/app", testBackoff(), 1)
	q.SetPending(5)
	assert.True(t, q.Ready())

	q.TakeToken()
	assert.False(t, q.Ready(), "token pool exhausted")

	q.RefillTokens()
	assert.True(t, q.Ready())
}
