package kill

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
)

type fakeBus struct {
	sent []string
}

func (f *fakeBus) SendKill(taskID, reason string) error {
	f.sent = append(f.sent, taskID)
	return nil
}

type fakeExpunger struct {
	forced []string
}

func (f *fakeExpunger) ForceExpunge(instanceID string) error {
	f.forced = append(f.forced, instanceID)
	return nil
}

type fakeTracker struct {
	instances map[string]*domain.Instance
}

func (f *fakeTracker) Get(id string) (*domain.Instance, bool) {
	i, ok := f.instances[id]
	return i, ok
}

func TestKillSendsToBusForLiveInstance(t *testing.T) {
	bus := &fakeBus{}
	expunge := &fakeExpunger{}
	tracker := &fakeTracker{instances: map[string]*domain.Instance{
		"i-1": {ID: "i-1", Condition: domain.ConditionRunning, Tasks: map[string]*domain.Task{"t-1": {ID: "t-1"}}},
	}}
	clk := clock.NewFake(time.Now())
	svc := New(bus, expunge, tracker, clk, Config{})

	require.NoError(t, svc.Kill([]string{"i-1"}, "test"))
	assert.Equal(t, []string{"t-1"}, bus.sent)
	assert.Equal(t, 1, svc.InFlightCount())
}

func TestKillKnownLostForcesExpungeWithoutSendingToBus(t *testing.T) {
	bus := &fakeBus{}
	expunge := &fakeExpunger{}
	tracker := &fakeTracker{instances: map[string]*domain.Instance{
		"i-1": {ID: "i-1", Condition: domain.ConditionUnreachable, Tasks: map[string]*domain.Task{"t-1": {ID: "t-1"}}},
	}}
	clk := clock.NewFake(time.Now())
	svc := New(bus, expunge, tracker, clk, Config{})

	require.NoError(t, svc.Kill([]string{"i-1"}, "test"))
	assert.Empty(t, bus.sent)
	assert.Equal(t, []string{"i-1"}, expunge.forced)
}

func TestKillRetriesOnTimeoutThenEscalates(t *testing.T) {
	bus := &fakeBus{}
	expunge := &fakeExpunger{}
	tracker := &fakeTracker{instances: map[string]*domain.Instance{
		"i-1": {ID: "i-1", Condition: domain.ConditionRunning, Tasks: map[string]*domain.Task{"t-1": {ID: "t-1"}}},
	}}
	clk := clock.NewFake(time.Now())
	svc := New(bus, expunge, tracker, clk, Config{RetryTimeout: time.Second, RetryMax: 2})

	require.NoError(t, svc.Kill([]string{"i-1"}, "test"))
	require.Equal(t, 1, svc.InFlightCount())

	for i := 0; i < 3; i++ {
		clk.Advance(2 * time.Second)
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, []string{"i-1"}, expunge.forced)
	assert.Equal(t, 0, svc.InFlightCount())
}

func TestWatchFiresWhenAllInstancesTerminal(t *testing.T) {
	bus := &fakeBus{}
	expunge := &fakeExpunger{}
	tracker := &fakeTracker{instances: map[string]*domain.Instance{
		"i-1": {ID: "i-1", Condition: domain.ConditionRunning, Tasks: map[string]*domain.Task{"t-1": {ID: "t-1"}}},
		"i-2": {ID: "i-2", Condition: domain.ConditionRunning, Tasks: map[string]*domain.Task{"t-2": {ID: "t-2"}}},
	}}
	clk := clock.NewFake(time.Now())
	svc := New(bus, expunge, tracker, clk, Config{})

	done := svc.Watch([]string{"i-1", "i-2"})

	svc.NotifyTerminal("i-1")
	select {
	case <-done:
		t.Fatal("watch fired before all instances terminated")
	case <-time.After(20 * time.Millisecond):
	}

	svc.NotifyTerminal("i-2")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not fire after all instances terminated")
	}
}

func TestWatchWithNoInstancesCompletesImmediately(t *testing.T) {
	bus := &fakeBus{}
	expunge := &fakeExpunger{}
	tracker := &fakeTracker{instances: map[string]*domain.Instance{}}
	clk := clock.NewFake(time.Now())
	svc := New(bus, expunge, tracker, clk, Config{})

	done := svc.Watch(nil)
	select {
	case <-done:
	default:
		t.Fatal("watch with no instances must complete synchronously")
	}
}
