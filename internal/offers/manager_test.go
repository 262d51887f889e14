package offers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
)

type fakeDriver struct {
	declined []string
	signals  []ReviveSignal
}

func (f *fakeDriver) DeclineOffer(offerID string, _ time.Duration) error {
	f.declined = append(f.declined, offerID)
	return nil
}

func (f *fakeDriver) SendSignal(signal ReviveSignal) error {
	f.signals = append(f.signals, signal)
	return nil
}

func cpuOnlyOffer(id string, cpus float64) domain.Offer {
	c := cpus
	return domain.Offer{ID: id, Resources: []domain.OfferedResource{{Name: "cpus", Role: "*", Scalar: &c}}}
}

func cpuOnlySpec(id string, cpus float64) *domain.RunSpec {
	return &domain.RunSpec{ID: id, Containers: []domain.ContainerSpec{{Resources: domain.ResourceSpec{Cpus: cpus}}}}
}

func TestManagerFirstMatcherWinsAndSkipsRemaining(t *testing.T) {
	clk := clock.NewFake(time.Now())
	driver := &fakeDriver{}
	mgr := NewManager(driver, clk, Config{})

	spec := cpuOnlySpec("/app", 1)
	q := NewQueue(clk, "/app", testBackoff(), 1)
	q.SetPending(1)
	mgr.SetMatcher(&SpecMatcher{Spec: spec, Queue: q, DefaultBehavior: domain.RolesBehaviorAny, RunningFn: func() []*domain.Instance { return nil }})

	result, runSpecID, ok := mgr.HandleOffer(cpuOnlyOffer("o-1", 2))
	require.True(t, ok)
	assert.Equal(t, "/app", runSpecID)
	assert.NotEmpty(t, result.Operations)
	assert.Empty(t, driver.declined, "a matched offer must not be declined")
}

func TestManagerDeclinesUnmatchedOffer(t *testing.T) {
	clk := clock.NewFake(time.Now())
	driver := &fakeDriver{}
	mgr := NewManager(driver, clk, Config{})

	spec := cpuOnlySpec("/app", 4)
	q := NewQueue(clk, "/app", testBackoff(), 1)
	q.SetPending(1)
	mgr.SetMatcher(&SpecMatcher{Spec: spec, Queue: q, DefaultBehavior: domain.RolesBehaviorAny, RunningFn: func() []*domain.Instance { return nil }})

	_, _, ok := mgr.HandleOffer(cpuOnlyOffer("o-2", 1))
	assert.False(t, ok)
	assert.Equal(t, []string{"o-2"}, driver.declined)
}

func TestManagerSkipsMatcherNotReadyDueToBackoff(t *testing.T) {
	clk := clock.NewFake(time.Now())
	driver := &fakeDriver{}
	mgr := NewManager(driver, clk, Config{})

	spec := cpuOnlySpec("/app", 1)
	q := NewQueue(clk, "/app", testBackoff(), 1)
	q.SetPending(1)
	q.LaunchFailed()
	mgr.SetMatcher(&SpecMatcher{Spec: spec, Queue: q, DefaultBehavior: domain.RolesBehaviorAny, RunningFn: func() []*domain.Instance { return nil }})

	_, _, ok := mgr.HandleOffer(cpuOnlyOffer("o-3", 2))
	assert.False(t, ok, "matcher in backoff must not consume the offer")
}

func TestManagerEvaluateSignalSendsReviveWhenDemandPresent(t *testing.T) {
	clk := clock.NewFake(time.Now())
	driver := &fakeDriver{}
	mgr := NewManager(driver, clk, Config{MinReviveOffersInterval: time.Second})

	spec := cpuOnlySpec("/app", 1)
	q := NewQueue(clk, "/app", testBackoff(), 1)
	q.SetPending(1)
	mgr.SetMatcher(&SpecMatcher{Spec: spec, Queue: q, DefaultBehavior: domain.RolesBehaviorAny, RunningFn: func() []*domain.Instance { return nil }})

	mgr.EvaluateSignal()
	require.Len(t, driver.signals, 1)
	assert.Equal(t, SignalRevive, driver.signals[0])

	mgr.EvaluateSignal()
	assert.Len(t, driver.signals, 1, "repeated evaluation within minReviveOffersInterval must not resend")
}

func TestManagerEvaluateSignalSuppressesWhenDemandDrops(t *testing.T) {
	clk := clock.NewFake(time.Now())
	driver := &fakeDriver{}
	mgr := NewManager(driver, clk, Config{MinReviveOffersInterval: time.Second, SuppressEnabled: true})

	spec := cpuOnlySpec("/app", 1)
	q := NewQueue(clk, "/app", testBackoff(), 1)
	q.SetPending(1)
	mgr.SetMatcher(&SpecMatcher{Spec: spec, Queue: q, DefaultBehavior: domain.RolesBehaviorAny, RunningFn: func() []*domain.Instance { return nil }})
	mgr.EvaluateSignal()

	q.SetPending(0)
	clk.Advance(2 * time.Second)
	mgr.EvaluateSignal()

	require.Len(t, driver.signals, 2)
	assert.Equal(t, SignalSuppress, driver.signals[1])
}
