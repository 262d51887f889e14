package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

func TestPlanRestartKillsOldDownToHealthFloor(t *testing.T) {
	strategy := domain.UpgradeStrategy{MinimumHealthCapacity: 0.5, MaximumOverCapacity: 0.2}
	counts := RestartCounts{Target: 10, RunningOld: 10, AliveNew: 0, ReadyNew: 0, StartedNew: 0}

	d := PlanRestart(counts, strategy, false)
	// H = ceil(10*0.5) = 5, so at most 10-5=5 old may be killed immediately.
	assert.Equal(t, 5, d.KillOldCount)
	assert.False(t, d.Done)
}

func TestPlanRestartLaunchesUpToOverCapacity(t *testing.T) {
	strategy := domain.UpgradeStrategy{MinimumHealthCapacity: 0.5, MaximumOverCapacity: 0.2}
	counts := RestartCounts{Target: 10, RunningOld: 5, AliveNew: 0, ReadyNew: 0, StartedNew: 0}

	d := PlanRestart(counts, strategy, false)
	// C = floor(10*1.2) = 12, leftCapacity = 12-5-0 = 7, capped at N-started = 10.
	assert.Equal(t, 7, d.LaunchCount)
}

func TestPlanRestartNoHeadroomKillsOneExtraForResidentVolume(t *testing.T) {
	strategy := domain.UpgradeStrategy{MinimumHealthCapacity: 1.0, MaximumOverCapacity: 0.0}
	counts := RestartCounts{Target: 3, RunningOld: 3, AliveNew: 0, ReadyNew: 0, StartedNew: 0}

	d := PlanRestart(counts, strategy, true)
	// H = C = 3, runningOld >= C, resident volume: kill runningOld-H+1 = 1.
	assert.Equal(t, 1, d.KillOldCount)
}

func TestPlanRestartCompletesWhenAllNewReadyAndNoOldAlive(t *testing.T) {
	strategy := domain.UpgradeStrategy{MinimumHealthCapacity: 0.5, MaximumOverCapacity: 0.2}
	counts := RestartCounts{Target: 3, RunningOld: 0, AliveNew: 3, ReadyNew: 3, StartedNew: 3}

	d := PlanRestart(counts, strategy, false)
	assert.True(t, d.Done)
}

func TestPlanStartLaunchesUpToTarget(t *testing.T) {
	launchCount, done := PlanStart(5, 0, 0)
	assert.Equal(t, 5, launchCount)
	assert.False(t, done)

	launchCount, done = PlanStart(5, 5, 5)
	assert.Equal(t, 0, launchCount)
	assert.True(t, done)
}

func TestPlanStopDecommissionsAllAndCompletesWhenTerminal(t *testing.T) {
	instances := []*domain.Instance{
		{ID: "i-1", Goal: domain.GoalRunning, Condition: domain.ConditionRunning},
		{ID: "i-2", Goal: domain.GoalDecommissioned, Condition: domain.ConditionKilled},
	}
	toDecommission, done := PlanStop(instances)
	assert.Equal(t, []string{"i-1"}, toDecommission)
	assert.False(t, done)

	instances[0].Goal = domain.GoalDecommissioned
	instances[0].Condition = domain.ConditionKilled
	_, done = PlanStop(instances)
	assert.True(t, done)
}
