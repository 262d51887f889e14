package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

func TestApplyLaunchEphemeral(t *testing.T) {
	now := time.Now()
	eff := Apply(nil, Op{Kind: OpLaunchEphemeral, NewInstanceID: "i-1", RunSpecID: "/app", Now: now})
	require.Equal(t, EffectUpdate, eff.Kind)
	assert.Equal(t, domain.ConditionStaging, eff.Instance.Condition)
	assert.Equal(t, domain.GoalRunning, eff.Instance.Goal)

	eff = Apply(eff.Instance, Op{Kind: OpLaunchEphemeral, NewInstanceID: "i-1", Now: now})
	assert.Equal(t, EffectFailure, eff.Kind)
}

func TestApplyReserveAndLaunchOnReservation(t *testing.T) {
	now := time.Now()
	eff := Apply(nil, Op{Kind: OpReserve, NewInstanceID: "i-2", RunSpecID: "/app", Now: now})
	require.Equal(t, EffectUpdate, eff.Kind)
	require.Equal(t, domain.ConditionReserved, eff.Instance.Condition)
	require.Equal(t, domain.ReservationNew, eff.Instance.Reservation.State)

	eff = Apply(eff.Instance, Op{Kind: OpLaunchOnReservation, Now: now})
	require.Equal(t, EffectUpdate, eff.Kind)
	assert.Equal(t, domain.ConditionStaging, eff.Instance.Condition)
	assert.Equal(t, domain.ReservationLaunched, eff.Instance.Reservation.State)

	// LaunchOnReservation only applies to a Reserved instance.
	eff2 := Apply(eff.Instance, Op{Kind: OpLaunchOnReservation, Now: now})
	assert.Equal(t, EffectFailure, eff2.Kind)
}

func baseRunningInstance(taskIDs ...string) *domain.Instance {
	tasks := map[string]*domain.Task{}
	for _, id := range taskIDs {
		tasks[id] = &domain.Task{ID: id, Condition: domain.ConditionRunning}
	}
	return &domain.Instance{
		ID:        "i-3",
		RunSpecID: "/app",
		Condition: domain.ConditionRunning,
		Goal:      domain.GoalRunning,
		Tasks:     tasks,
	}
}

func TestResolveConditionAgreement(t *testing.T) {
	inst := baseRunningInstance("t1", "t2")
	cond, healthy := resolveCondition(inst)
	assert.Equal(t, domain.ConditionRunning, cond)
	assert.Nil(t, healthy)
}

func TestResolveConditionAnyMatchTakesPrecedence(t *testing.T) {
	inst := baseRunningInstance("t1", "t2")
	inst.Tasks["t2"].Condition = domain.ConditionStaging
	cond, _ := resolveCondition(inst)
	// Staging is listed before nothing else matches; Running is an
	// agreement state so a single non-running task breaks agreement and
	// Staging (any-match) wins.
	assert.Equal(t, domain.ConditionStaging, cond)
}

func TestHealthyRollup(t *testing.T) {
	inst := baseRunningInstance("t1", "t2")
	_, healthy := resolveCondition(inst)
	assert.Nil(t, healthy, "no task has reported health")

	truthy, falsy := true, false
	inst.Tasks["t1"].Healthy = &truthy
	inst.Tasks["t2"].Healthy = &truthy
	_, healthy = resolveCondition(inst)
	require.NotNil(t, healthy)
	assert.True(t, *healthy)

	inst.Tasks["t2"].Healthy = &falsy
	_, healthy = resolveCondition(inst)
	require.NotNil(t, healthy)
	assert.False(t, *healthy)
}

func TestMesosUpdateRecoverableLossMarksUnreachable(t *testing.T) {
	now := time.Now()
	inst := baseRunningInstance("t1")
	eff := Apply(inst, Op{
		Kind: OpMesosUpdate,
		Now:  now,
		Status: BusStatus{
			TaskID:     "t1",
			Condition:  domain.ConditionGone,
			LostReason: "agent-disconnected",
		},
	})
	require.Equal(t, EffectUpdate, eff.Kind)
	assert.Equal(t, domain.ConditionUnreachable, eff.Instance.Condition)
	require.NotNil(t, eff.Instance.UnreachableSince)
}

func TestMesosUpdatePermanentLossExpungesWithoutReservation(t *testing.T) {
	now := time.Now()
	inst := baseRunningInstance("t1")
	eff := Apply(inst, Op{
		Kind: OpMesosUpdate,
		Now:  now,
		Status: BusStatus{
			TaskID:     "t1",
			Condition:  domain.ConditionGone,
			LostReason: "command-failed",
		},
	})
	assert.Equal(t, EffectExpunge, eff.Kind)
}

func TestMesosUpdatePermanentLossSuspendsReservation(t *testing.T) {
	now := time.Now()
	inst := baseRunningInstance("t1")
	inst.Reservation = &domain.Reservation{State: domain.ReservationLaunched}
	eff := Apply(inst, Op{
		Kind: OpMesosUpdate,
		Now:  now,
		Status: BusStatus{
			TaskID:     "t1",
			Condition:  domain.ConditionGone,
			LostReason: "executor-terminated",
		},
	})
	require.Equal(t, EffectUpdate, eff.Kind)
	assert.Equal(t, domain.ReservationSuspended, eff.Instance.Reservation.State)
}

func TestMesosUpdateUnknownToSlaveAlwaysExpunges(t *testing.T) {
	now := time.Now()
	inst := baseRunningInstance("t1")
	eff := Apply(inst, Op{
		Kind: OpMesosUpdate,
		Now:  now,
		Status: BusStatus{
			TaskID:     "t1",
			Condition:  domain.ConditionUnreachable,
			LostReason: "agent-disconnected",
			Message:    "Task is unknown to the slave",
		},
	})
	assert.Equal(t, EffectExpunge, eff.Kind)
}

func TestUnreachableEscalatesToInactiveThenExpunge(t *testing.T) {
	start := time.Now()
	inst := baseRunningInstance("t1")
	inst.UnreachableStrategy = domain.UnreachableBehavior{Enabled: true, InactiveAfter: 60 * time.Second, ExpungeAfter: 3600 * time.Second}

	eff := Apply(inst, Op{Kind: OpMesosUpdate, Now: start, Status: BusStatus{
		TaskID: "t1", Condition: domain.ConditionUnreachable, LostReason: "agent-disconnected",
	}})
	require.Equal(t, EffectUpdate, eff.Kind)
	require.Equal(t, domain.ConditionUnreachable, eff.Instance.Condition)

	later := start.Add(65 * time.Second)
	eff2 := Apply(eff.Instance, Op{Kind: OpMesosUpdate, Now: later, Status: BusStatus{
		TaskID: "t1", Condition: domain.ConditionUnreachable, LostReason: "agent-disconnected",
	}})
	require.Equal(t, EffectUpdate, eff2.Kind)
	assert.Equal(t, domain.ConditionUnreachableInactive, eff2.Instance.Condition)

	muchLater := start.Add(3601 * time.Second)
	eff3 := Apply(eff.Instance, Op{Kind: OpMesosUpdate, Now: muchLater, Status: BusStatus{
		TaskID: "t1", Condition: domain.ConditionUnreachable, LostReason: "agent-disconnected",
	}})
	assert.Equal(t, EffectExpunge, eff3.Kind)
}

func TestChangeGoalDecommissionedExpungesOnlyWhenAllTerminal(t *testing.T) {
	now := time.Now()
	inst := baseRunningInstance("t1")

	eff := Apply(inst, Op{Kind: OpChangeGoal, Goal: domain.GoalDecommissioned, Now: now})
	require.Equal(t, EffectUpdate, eff.Kind, "running task is not terminal yet")

	inst.Tasks["t1"].Condition = domain.ConditionFinished
	eff = Apply(inst, Op{Kind: OpChangeGoal, Goal: domain.GoalDecommissioned, Now: now})
	assert.Equal(t, EffectExpunge, eff.Kind)
}

func TestReservationTimeoutRequiresReservedInstance(t *testing.T) {
	now := time.Now()
	inst := baseRunningInstance("t1")
	eff := Apply(inst, Op{Kind: OpReservationTimeout, Now: now})
	assert.Equal(t, EffectFailure, eff.Kind)

	reserved := &domain.Instance{ID: "i-4", Condition: domain.ConditionReserved, Tasks: map[string]*domain.Task{}}
	eff = Apply(reserved, Op{Kind: OpReservationTimeout, Now: now})
	assert.Equal(t, EffectExpunge, eff.Kind)
}

func TestForceExpungeOnAbsentInstanceIsNoop(t *testing.T) {
	eff := Apply(nil, Op{Kind: OpForceExpunge, NewInstanceID: "missing", Now: time.Now()})
	assert.Equal(t, EffectNoop, eff.Kind)
	assert.Equal(t, "missing", eff.NoopID)
}
