package executor

import (
	"math"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// RestartCounts is the current state of a task-replace restart: how many
// old/new instances exist and in what condition.
type RestartCounts struct {
	Target int // N: desired instance count at the new version

	RunningOld int // old-version instances currently alive (any non-terminal condition)
	AliveNew   int // new-version instances currently alive
	ReadyNew   int // new-version instances that are healthy and past readiness checks
	StartedNew int // new-version instances already launched (alive or in flight)
}

// RestartDecision is what the Restart supervisor should do on this tick.
type RestartDecision struct {
	KillOldCount  int // how many old instances to decommission now
	LaunchCount   int // how many new instances to launch now
	Done          bool
}

// PlanRestart computes the task-replace decision for one tick, honoring
// both minimumHealthCapacity and maximumOverCapacity:
//
//	H = ceil(N * minHealthy)
//	C = floor(N * (1 + maxOver))
//
// When H == C (no headroom) and enough old instances remain, one extra old
// instance is killed immediately to make room rather than over-reserving
// volumes for resident (single-instance-volume) apps.
func PlanRestart(c RestartCounts, strategy domain.UpgradeStrategy, residentVolume bool) RestartDecision {
	n := c.Target
	h := int(math.Ceil(float64(n) * strategy.MinimumHealthCapacity))
	capacity := int(math.Floor(float64(n) * (1 + strategy.MaximumOverCapacity)))

	if c.ReadyNew >= n && c.RunningOld == 0 {
		return RestartDecision{Done: true}
	}

	nrToKillImmediately := max0(c.RunningOld - h)
	if h == capacity && c.RunningOld >= capacity && residentVolume {
		nrToKillImmediately = max0(c.RunningOld - h + 1)
	}
	oldAliveAfterKill := max0(c.RunningOld - nrToKillImmediately)

	leftCapacity := max0(capacity - oldAliveAfterKill - c.StartedNew)
	launchCount := leftCapacity
	if remaining := n - c.StartedNew; launchCount > remaining {
		launchCount = remaining
	}
	if launchCount < 0 {
		launchCount = 0
	}

	return RestartDecision{KillOldCount: nrToKillImmediately, LaunchCount: launchCount}
}

// OnNewInstanceReady reports that one more old instance should be killed,
// per "whenever a new instance becomes ready, kill one old instance".
func OnNewInstanceReady(runningOld int) int {
	if runningOld <= 0 {
		return 0
	}
	return 1
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
