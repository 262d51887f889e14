package app

import (
	"sync"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/errs"
	"github.com/flywheel-sh/orchestratord/internal/offers"
	"github.com/flywheel-sh/orchestratord/internal/storage"
	"github.com/flywheel-sh/orchestratord/internal/tracker"
)

const defaultLaunchTokens = 5

// specRegistry is the live set of active RunSpecs: it owns each one's
// launch queue and keeps the offer manager's matcher set in sync with
// storage. Nothing else in this package reaches into storage.Repository's
// run-spec bucket directly.
type specRegistry struct {
	repo storage.Repository
	clk  clock.Clock
	trk  *tracker.Tracker

	// manager is set by Node after construction (and re-set on every
	// leadership transition, since the manager is rebuilt around the
	// current term's driver); reads take mu.
	mu      sync.RWMutex
	manager *offers.Manager
	specs   map[string]*domain.RunSpec
	queues  map[string]*offers.Queue
}

func newSpecRegistry(repo storage.Repository, trk *tracker.Tracker, clk clock.Clock) *specRegistry {
	return &specRegistry{
		repo:   repo,
		clk:    clk,
		trk:    trk,
		specs:  make(map[string]*domain.RunSpec),
		queues: make(map[string]*offers.Queue),
	}
}

// setManager installs manager as the active offer manager and re-installs
// every already-registered spec's matcher into it. Called once at
// construction and again on every leadership transition, since the
// manager (and the driver it wraps) is rebuilt fresh each term.
func (r *specRegistry) setManager(manager *offers.Manager) {
	r.mu.Lock()
	r.manager = manager
	specs := make([]*domain.RunSpec, 0, len(r.specs))
	for _, s := range r.specs {
		specs = append(specs, s)
	}
	r.mu.Unlock()

	for _, s := range specs {
		r.register(s)
	}
}

// loadFromRepository rebuilds the registry (and every matcher) from
// durable storage, run on process start.
func (r *specRegistry) loadFromRepository() error {
	specs, err := r.repo.ListRunSpecs()
	if err != nil {
		return errs.Wrap(errs.Fatal, "specRegistry.loadFromRepository", err)
	}
	for _, spec := range specs {
		r.register(spec)
	}
	return nil
}

// Put persists spec and installs (or replaces) its matcher.
func (r *specRegistry) Put(spec *domain.RunSpec) error {
	if err := r.repo.PutRunSpec(spec); err != nil {
		return err
	}
	r.register(spec)
	return nil
}

// Remove deletes spec's durable record and retires its matcher.
func (r *specRegistry) Remove(runSpecID string) error {
	if err := r.repo.DeleteRunSpec(runSpecID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.specs, runSpecID)
	delete(r.queues, runSpecID)
	manager := r.manager
	r.mu.Unlock()
	if manager != nil {
		manager.RemoveMatcher(runSpecID)
	}
	return nil
}

func (r *specRegistry) register(spec *domain.RunSpec) {
	r.mu.Lock()
	r.specs[spec.ID] = spec
	queue, ok := r.queues[spec.ID]
	if !ok {
		queue = offers.NewQueue(r.clk, spec.ID, spec.Backoff, defaultLaunchTokens)
		r.queues[spec.ID] = queue
	}
	manager := r.manager
	r.mu.Unlock()

	if manager == nil {
		return
	}
	manager.SetMatcher(&offers.SpecMatcher{
		Spec:            spec,
		Queue:           queue,
		DefaultBehavior: domain.RolesBehaviorUnreserved,
		RunningFn:       func() []*domain.Instance { return r.trk.SpecInstances(spec.ID) },
	})
}

// get returns the active definition of runSpecID.
func (r *specRegistry) get(runSpecID string) (*domain.RunSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[runSpecID]
	return spec, ok
}

// List returns every registered RunSpec.
func (r *specRegistry) List() []*domain.RunSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.RunSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// enqueueLaunch records one more pending launch for runSpecID, satisfying
// executor.Launcher.
func (r *specRegistry) enqueueLaunch(runSpecID string) error {
	r.mu.RLock()
	queue, ok := r.queues[runSpecID]
	r.mu.RUnlock()
	if !ok {
		return errs.NewNotFound("specRegistry.enqueueLaunch", "run-spec %q has no launch queue", runSpecID)
	}
	queue.SetPending(queue.Pending() + 1)
	return nil
}

func (r *specRegistry) launchSucceeded(runSpecID string) {
	if q, ok := r.queue(runSpecID); ok {
		q.LaunchSucceeded()
	}
}

func (r *specRegistry) launchFailed(runSpecID string) {
	if q, ok := r.queue(runSpecID); ok {
		q.LaunchFailed()
	}
}

func (r *specRegistry) queue(runSpecID string) (*offers.Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[runSpecID]
	return q, ok
}

// hasUnfulfilledDemand reports whether any queue still has pending
// launches, feeding the offer manager's revive/suppress decision.
func (r *specRegistry) hasUnfulfilledDemand() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.queues {
		if q.Pending() > 0 {
			return true
		}
	}
	return false
}
