// Package tracker holds the in-memory Map<run-spec-id, Map<instance-id,
// instance>> and is the sole mutator of instance state: every write goes
// through Process, which calls statemachine.Apply, persists the
// result, and only then publishes it. Grounded on the teacher's
// pkg/reconciler.go ticker+store pattern for the "durability before
// publish" ordering and on pkg/scheduler.go for per-key serialization via
// named locks.
package tracker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/errs"
	"github.com/flywheel-sh/orchestratord/internal/events"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/statemachine"
	"github.com/flywheel-sh/orchestratord/internal/storage"
)

const maxPersistRetries = 3

// Update is one element of the tracker's update stream.
type Update struct {
	RunSpecID string
	Instance  *domain.Instance // nil when Expunged
	Expunged  bool
	Events    []statemachine.Event
}

// Tracker is the instance tracker described in the component design.
type Tracker struct {
	repo  storage.Repository
	bus   *events.Broker
	clk   clock.Clock
	log   zerolog.Logger

	mu     sync.RWMutex
	bySpec map[string]map[string]*domain.Instance
	byID   map[string]string // instance id -> run-spec id

	locksMu  sync.Mutex
	keyLocks map[string]*sync.Mutex

	subMu       sync.Mutex
	subscribers []chan Update
}

// New constructs a Tracker and loads every instance currently in repo.
func New(repo storage.Repository, bus *events.Broker, clk clock.Clock) (*Tracker, error) {
	t := &Tracker{
		repo:     repo,
		bus:      bus,
		clk:      clk,
		log:      log.WithComponent("tracker"),
		bySpec:   make(map[string]map[string]*domain.Instance),
		byID:     make(map[string]string),
		keyLocks: make(map[string]*sync.Mutex),
	}

	instances, err := repo.ListInstances()
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "tracker.New", err)
	}
	for _, i := range instances {
		t.index(i)
	}
	return t, nil
}

func (t *Tracker) index(i *domain.Instance) {
	if t.bySpec[i.RunSpecID] == nil {
		t.bySpec[i.RunSpecID] = make(map[string]*domain.Instance)
	}
	t.bySpec[i.RunSpecID][i.ID] = i
	t.byID[i.ID] = i.RunSpecID
}

func (t *Tracker) unindex(i *domain.Instance) {
	delete(t.bySpec[i.RunSpecID], i.ID)
	delete(t.byID, i.ID)
}

// InstancesBySpec returns a shallow snapshot suitable for iteration; the
// returned map and its values must be treated as read-only.
func (t *Tracker) InstancesBySpec() map[string]map[string]*domain.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]map[string]*domain.Instance, len(t.bySpec))
	for spec, instances := range t.bySpec {
		inner := make(map[string]*domain.Instance, len(instances))
		for id, inst := range instances {
			inner[id] = inst
		}
		out[spec] = inner
	}
	return out
}

// Get returns the instance with the given id, or (nil, false).
func (t *Tracker) Get(instanceID string) (*domain.Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	specID, ok := t.byID[instanceID]
	if !ok {
		return nil, false
	}
	return t.bySpec[specID][instanceID], true
}

// SpecInstances returns every instance currently tracked for runSpecID.
func (t *Tracker) SpecInstances(runSpecID string) []*domain.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	instances := t.bySpec[runSpecID]
	out := make([]*domain.Instance, 0, len(instances))
	for _, i := range instances {
		out = append(out, i)
	}
	return out
}

// Subscribe registers ch to receive every future Update. The channel is
// never closed by the tracker; callers own its lifecycle.
func (t *Tracker) Subscribe(ch chan Update) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subscribers = append(t.subscribers, ch)
}

func (t *Tracker) publish(u Update) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- u:
		default:
			t.log.Warn().Str("instance_id", u.RunSpecID).Msg("update subscriber channel full, dropping")
		}
	}
}

// lockFor returns the named lock serializing mutations for key (an
// instance id or, for LaunchEphemeral/Reserve, the owning run-spec id).
func (t *Tracker) lockFor(key string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	m, ok := t.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		t.keyLocks[key] = m
	}
	return m
}

// currentInstanceKey returns the op's serialization key: the run-spec id
// for ops that create a new instance, the instance id otherwise.
func currentInstanceKey(op statemachine.Op) string {
	switch op.Kind {
	case statemachine.OpLaunchEphemeral, statemachine.OpReserve:
		return op.RunSpecID
	default:
		return op.NewInstanceID
	}
}

// Process is the tracker's sole mutator: it serializes per instance/
// run-spec key, loads the current instance (if any), applies op through
// statemachine.Apply, persists the resulting effect, and publishes an
// Update only after a successful persist.
func (t *Tracker) Process(instanceID string, op statemachine.Op) (statemachine.Effect, error) {
	key := instanceID
	if key == "" {
		key = currentInstanceKey(op)
	}
	lock := t.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	t.mu.RLock()
	current, _ := t.byID[instanceID]
	var existing *domain.Instance
	if current != "" {
		existing = t.bySpec[current][instanceID]
	}
	t.mu.RUnlock()

	effect := statemachine.Apply(existing, op)

	switch effect.Kind {
	case statemachine.EffectNoop, statemachine.EffectFailure:
		return effect, nil

	case statemachine.EffectUpdate:
		if err := t.persistWithRetry(effect.Instance, false); err != nil {
			return effect, t.reloadAndFail(instanceID, err)
		}
		t.mu.Lock()
		t.index(effect.Instance)
		t.mu.Unlock()
		t.publish(Update{RunSpecID: effect.Instance.RunSpecID, Instance: effect.Instance, Events: effect.Events})
		return effect, nil

	case statemachine.EffectExpunge:
		if err := t.persistWithRetry(effect.Instance, true); err != nil {
			return effect, t.reloadAndFail(instanceID, err)
		}
		t.mu.Lock()
		t.unindex(effect.Instance)
		t.mu.Unlock()
		t.publish(Update{RunSpecID: effect.Instance.RunSpecID, Expunged: true, Events: effect.Events})
		return effect, nil

	default:
		return effect, errs.NewFatal("tracker.Process", "unknown effect kind %q", effect.Kind)
	}
}

func (t *Tracker) persistWithRetry(inst *domain.Instance, expunge bool) error {
	var err error
	for attempt := 0; attempt < maxPersistRetries; attempt++ {
		if expunge {
			err = t.repo.DeleteInstance(inst.ID)
		} else {
			err = t.repo.PutInstance(inst)
		}
		if err == nil {
			return nil
		}
		t.log.Warn().Err(err).Int("attempt", attempt).Str("instance_id", inst.ID).Msg("persist failed, retrying")
	}
	return err
}

// reloadAndFail reloads instanceID from the repository so the in-memory
// map can't drift from durable state after a persistence failure, then
// returns the failure wrapped for the caller.
func (t *Tracker) reloadAndFail(instanceID string, cause error) error {
	reloaded, err := t.repo.GetInstance(instanceID)
	t.mu.Lock()
	if err == nil {
		t.index(reloaded)
	} else if errs.IsClass(err, errs.NotFound) {
		if specID, ok := t.byID[instanceID]; ok {
			delete(t.bySpec[specID], instanceID)
			delete(t.byID, instanceID)
		}
	}
	t.mu.Unlock()
	return errs.Wrap(errs.Transient, "tracker.Process", cause)
}

// SetGoal is a convenience wrapper constructing a ChangeGoal op.
func (t *Tracker) SetGoal(instanceID string, goal domain.Goal) (statemachine.Effect, error) {
	return t.Process(instanceID, statemachine.Op{
		Kind: statemachine.OpChangeGoal,
		Goal: goal,
		Now:  t.clk.Now(),
	})
}

// ForceExpunge satisfies kill.Expunger: it drives instanceID straight to
// Expunged, bypassing the bus, for known-lost instances and kill-retry
// escalation.
func (t *Tracker) ForceExpunge(instanceID string) error {
	_, err := t.Process(instanceID, statemachine.Op{
		Kind: statemachine.OpForceExpunge,
		Now:  t.clk.Now(),
	})
	return err
}

// ReservationTimeout satisfies reconcile.GoalSetter: it expunges a
// Reserved instance whose reservation timeout has elapsed with no launch.
func (t *Tracker) ReservationTimeout(instanceID string) error {
	_, err := t.Process(instanceID, statemachine.Op{
		Kind: statemachine.OpReservationTimeout,
		Now:  t.clk.Now(),
	})
	return err
}

// ReportHealth satisfies health.Reporter: it folds a debounced health
// verdict into the named task without disturbing its current condition.
func (t *Tracker) ReportHealth(instanceID, taskID string, healthy bool) {
	inst, ok := t.Get(instanceID)
	if !ok {
		return
	}
	task, ok := inst.Tasks[taskID]
	if !ok {
		return
	}
	h := healthy
	_, err := t.Process(instanceID, statemachine.Op{
		Kind: statemachine.OpMesosUpdate,
		Status: statemachine.BusStatus{
			TaskID:    taskID,
			Condition: task.Condition,
			Healthy:   &h,
		},
		Now: t.clk.Now(),
	})
	if err != nil {
		t.log.Warn().Err(err).Str("instance_id", instanceID).Str("task_id", taskID).Msg("health report failed to apply")
	}
}
