package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
)

type fakeBatchSender struct {
	sent []string
}

func (f *fakeBatchSender) SendReconcileBatch(instanceID string, taskIDs []string) error {
	f.sent = append(f.sent, instanceID)
	return nil
}

type fakeKiller struct {
	killed []string
}

func (f *fakeKiller) Kill(instanceIDs []string, reason string) error {
	f.killed = append(f.killed, instanceIDs...)
	return nil
}

func TestTrackerTickSendsBatchAndIncrementsAttempts(t *testing.T) {
	bus := &fakeBatchSender{}
	killer := &fakeKiller{}
	clk := clock.NewFake(time.Now())
	tr := NewTracker(bus, killer, clk, 3)

	tr.Add(&domain.Instance{ID: "i-1", Tasks: map[string]*domain.Task{"t-1": {ID: "t-1"}}})
	tr.Tick()

	assert.Equal(t, []string{"i-1"}, bus.sent)
	assert.Empty(t, killer.killed)
}

func TestTrackerEscalatesToKillAfterMaxReconciliations(t *testing.T) {
	bus := &fakeBatchSender{}
	killer := &fakeKiller{}
	clk := clock.NewFake(time.Now())
	tr := NewTracker(bus, killer, clk, 2)

	tr.Add(&domain.Instance{ID: "i-1", Tasks: map[string]*domain.Task{"t-1": {ID: "t-1"}}})
	tr.Tick()
	tr.Tick()
	tr.Tick()

	assert.Equal(t, []string{"i-1"}, killer.killed)
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerStagingStatusResetsAttempts(t *testing.T) {
	bus := &fakeBatchSender{}
	killer := &fakeKiller{}
	clk := clock.NewFake(time.Now())
	tr := NewTracker(bus, killer, clk, 2)

	tr.Add(&domain.Instance{ID: "i-1", Tasks: map[string]*domain.Task{"t-1": {ID: "t-1"}}})
	tr.Tick()
	tr.Tick()
	require.Equal(t, 1, tr.Len())

	tr.OnStatusUpdate("i-1", domain.ConditionStaging)
	tr.Tick()
	tr.Tick()
	// with attempts reset to 0 after 2 ticks, a third tick still sends
	// (2 prior + reset) rather than escalating immediately.
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerNonStagingStatusUpdateRemovesEntry(t *testing.T) {
	bus := &fakeBatchSender{}
	killer := &fakeKiller{}
	clk := clock.NewFake(time.Now())
	tr := NewTracker(bus, killer, clk, 3)

	tr.Add(&domain.Instance{ID: "i-1"})
	tr.OnStatusUpdate("i-1", domain.ConditionRunning)

	assert.Equal(t, 0, tr.Len())
}
