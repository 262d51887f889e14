package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/errs"
	"github.com/flywheel-sh/orchestratord/internal/events"
	"github.com/flywheel-sh/orchestratord/internal/statemachine"
	"github.com/flywheel-sh/orchestratord/internal/storage"
)

// fakeRepository is an in-memory storage.Repository, just enough of one
// to exercise the tracker without a real bbolt file.
type fakeRepository struct {
	instances map[string]*domain.Instance
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{instances: make(map[string]*domain.Instance)}
}

func (r *fakeRepository) PutRunSpec(*domain.RunSpec) error                { return nil }
func (r *fakeRepository) GetRunSpec(string) (*domain.RunSpec, error)      { return nil, errs.NewNotFound("fake", "n/a") }
func (r *fakeRepository) ListRunSpecs() ([]*domain.RunSpec, error)        { return nil, nil }
func (r *fakeRepository) DeleteRunSpec(string) error                      { return nil }
func (r *fakeRepository) PutGroup(*domain.Group) error                    { return nil }
func (r *fakeRepository) GetGroup(string) (*domain.Group, error)          { return nil, errs.NewNotFound("fake", "n/a") }
func (r *fakeRepository) ListGroups() ([]*domain.Group, error)            { return nil, nil }
func (r *fakeRepository) DeleteGroup(string) error                        { return nil }
func (r *fakeRepository) PutPlan(*domain.DeploymentPlan) error            { return nil }
func (r *fakeRepository) GetPlan(string) (*domain.DeploymentPlan, error)  { return nil, errs.NewNotFound("fake", "n/a") }
func (r *fakeRepository) ListPlans() ([]*domain.DeploymentPlan, error)    { return nil, nil }
func (r *fakeRepository) DeletePlan(string) error                        { return nil }
func (r *fakeRepository) StorageVersion() (int, error)                   { return 0, nil }
func (r *fakeRepository) SetStorageVersion(int) error                    { return nil }
func (r *fakeRepository) Close() error                                  { return nil }

func (r *fakeRepository) PutInstance(i *domain.Instance) error {
	r.instances[i.ID] = i
	return nil
}

func (r *fakeRepository) GetInstance(id string) (*domain.Instance, error) {
	i, ok := r.instances[id]
	if !ok {
		return nil, errs.NewNotFound("fake.GetInstance", "instance %q not found", id)
	}
	return i, nil
}

func (r *fakeRepository) ListInstances() ([]*domain.Instance, error) {
	out := make([]*domain.Instance, 0, len(r.instances))
	for _, i := range r.instances {
		out = append(out, i)
	}
	return out, nil
}

func (r *fakeRepository) ListInstancesByRunSpec(runSpecID string) ([]*domain.Instance, error) {
	var out []*domain.Instance
	for _, i := range r.instances {
		if i.RunSpecID == runSpecID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *fakeRepository) DeleteInstance(id string) error {
	delete(r.instances, id)
	return nil
}

var _ storage.Repository = (*fakeRepository)(nil)

func newTestTracker(t *testing.T) (*Tracker, *fakeRepository, *clock.Fake) {
	t.Helper()
	repo := newFakeRepository()
	clk := clock.NewFake(time.Now())
	trk, err := New(repo, events.NewBroker(), clk)
	require.NoError(t, err)
	return trk, repo, clk
}

func launchInstance(t *testing.T, trk *Tracker, instanceID, runSpecID string) {
	t.Helper()
	_, err := trk.Process(instanceID, statemachine.Op{
		Kind:          statemachine.OpLaunchEphemeral,
		NewInstanceID: instanceID,
		RunSpecID:     runSpecID,
		Now:           time.Now(),
	})
	require.NoError(t, err)
}

func TestProcessLaunchEphemeralPersistsAndIndexes(t *testing.T) {
	trk, repo, _ := newTestTracker(t)
	launchInstance(t, trk, "inst-1", "/app/web")

	inst, ok := trk.Get("inst-1")
	require.True(t, ok)
	assert.Equal(t, domain.ConditionStaging, inst.Condition)

	_, err := repo.GetInstance("inst-1")
	assert.NoError(t, err)
}

func TestForceExpungeRemovesInstance(t *testing.T) {
	trk, repo, _ := newTestTracker(t)
	launchInstance(t, trk, "inst-1", "/app/web")

	require.NoError(t, trk.ForceExpunge("inst-1"))

	_, ok := trk.Get("inst-1")
	assert.False(t, ok)
	_, err := repo.GetInstance("inst-1")
	assert.Error(t, err)
}

func TestReservationTimeoutExpungesReservedInstance(t *testing.T) {
	trk, _, _ := newTestTracker(t)
	_, err := trk.Process("inst-1", statemachine.Op{
		Kind:          statemachine.OpReserve,
		NewInstanceID: "inst-1",
		RunSpecID:     "/app/web",
		Now:           time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, trk.ReservationTimeout("inst-1"))

	_, ok := trk.Get("inst-1")
	assert.False(t, ok)
}

func TestReportHealthPreservesTaskCondition(t *testing.T) {
	repo := newFakeRepository()
	repo.instances["inst-1"] = &domain.Instance{
		ID:        "inst-1",
		RunSpecID: "/app/web",
		Condition: domain.ConditionRunning,
		Tasks: map[string]*domain.Task{
			"task-1": {ID: "task-1", InstanceID: "inst-1", Condition: domain.ConditionRunning},
		},
	}
	clk := clock.NewFake(time.Now())
	trk, err := New(repo, events.NewBroker(), clk)
	require.NoError(t, err)

	trk.ReportHealth("inst-1", "task-1", true)

	inst, ok := trk.Get("inst-1")
	require.True(t, ok)
	task := inst.Tasks["task-1"]
	require.NotNil(t, task)
	assert.Equal(t, domain.ConditionRunning, task.Condition)
	require.NotNil(t, task.Healthy)
	assert.True(t, *task.Healthy)
}

func TestReportHealthOnUnknownInstanceIsNoop(t *testing.T) {
	trk, _, _ := newTestTracker(t)
	trk.ReportHealth("missing", "missing", true)
	_, ok := trk.Get("missing")
	assert.False(t, ok)
}
