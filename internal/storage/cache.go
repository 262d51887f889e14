package storage

import (
	"hash/fnv"
	"sync"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

const lockStripes = 64

// stripedLocks gives per-id mutual exclusion without allocating one mutex
// per id: ids hash onto a fixed set of stripes, and two different ids that
// happen to share a stripe simply serialize against each other too.
type stripedLocks struct {
	mus [lockStripes]sync.Mutex
}

func (s *stripedLocks) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &s.mus[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// LazyCaching wraps a Repository with a leader-local in-memory read cache.
// Reads populate the cache on miss; writes update both the backing store
// and the cache; Invalidate drops everything, for use on leader loss, since
// a new leader's cache must not serve another leader's stale reads.
// Per-id access is serialized through stripedLocks so a read-populate race
// can't lose a concurrent write.
type LazyCaching struct {
	backing Repository
	locks   stripedLocks

	mu        sync.RWMutex
	runSpecs  map[string]*domain.RunSpec
	groups    map[string]*domain.Group
	instances map[string]*domain.Instance
	plans     map[string]*domain.DeploymentPlan

	// id lists cache the {category -> ids} half of the contract,
	// populated on first List call per category and kept in sync by
	// every Put/Delete; *Loaded distinguishes "not yet populated" from
	// "populated and empty".
	runSpecIDs        []string
	runSpecIDsLoaded  bool
	groupIDs          []string
	groupIDsLoaded    bool
	instanceIDs       []string
	instanceIDsLoaded bool
	planIDs           []string
	planIDsLoaded     bool
}

// NewLazyCaching wraps backing with a leader-local cache.
func NewLazyCaching(backing Repository) *LazyCaching {
	return &LazyCaching{
		backing:   backing,
		runSpecs:  make(map[string]*domain.RunSpec),
		groups:    make(map[string]*domain.Group),
		instances: make(map[string]*domain.Instance),
		plans:     make(map[string]*domain.DeploymentPlan),
	}
}

// Invalidate drops every cached entry. Call this when this process stops
// being leader: a stale cache must never outlive the leadership term that
// populated it.
func (c *LazyCaching) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runSpecs = make(map[string]*domain.RunSpec)
	c.groups = make(map[string]*domain.Group)
	c.instances = make(map[string]*domain.Instance)
	c.plans = make(map[string]*domain.DeploymentPlan)

	c.runSpecIDs, c.runSpecIDsLoaded = nil, false
	c.groupIDs, c.groupIDsLoaded = nil, false
	c.instanceIDs, c.instanceIDsLoaded = nil, false
	c.planIDs, c.planIDsLoaded = nil, false
}

// addID appends id to *ids if loaded and id isn't already present, a
// no-op otherwise (an unloaded list will simply be populated in full on
// its next List call). Caller must hold c.mu.
func addID(ids *[]string, loaded bool, id string) {
	if !loaded {
		return
	}
	for _, existing := range *ids {
		if existing == id {
			return
		}
	}
	*ids = append(*ids, id)
}

// removeID drops id from *ids if loaded. Caller must hold c.mu.
func removeID(ids *[]string, loaded bool, id string) {
	if !loaded {
		return
	}
	for i, existing := range *ids {
		if existing == id {
			*ids = append((*ids)[:i], (*ids)[i+1:]...)
			return
		}
	}
}

func (c *LazyCaching) PutRunSpec(spec *domain.RunSpec) error {
	defer c.locks.lock(spec.ID)()
	if err := c.backing.PutRunSpec(spec); err != nil {
		return err
	}
	c.mu.Lock()
	c.runSpecs[spec.ID] = spec
	addID(&c.runSpecIDs, c.runSpecIDsLoaded, spec.ID)
	c.mu.Unlock()
	return nil
}

func (c *LazyCaching) GetRunSpec(id string) (*domain.RunSpec, error) {
	defer c.locks.lock(id)()
	c.mu.RLock()
	if v, ok := c.runSpecs[id]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err := c.backing.GetRunSpec(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.runSpecs[id] = v
	c.mu.Unlock()
	return v, nil
}

func (c *LazyCaching) ListRunSpecs() ([]*domain.RunSpec, error) {
	c.mu.RLock()
	if c.runSpecIDsLoaded {
		ids := append([]string(nil), c.runSpecIDs...)
		c.mu.RUnlock()
		return c.runSpecsByID(ids)
	}
	c.mu.RUnlock()

	specs, err := c.backing.ListRunSpecs()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(specs))
	c.mu.Lock()
	for _, s := range specs {
		c.runSpecs[s.ID] = s
		ids = append(ids, s.ID)
	}
	c.runSpecIDs = ids
	c.runSpecIDsLoaded = true
	c.mu.Unlock()
	return specs, nil
}

func (c *LazyCaching) runSpecsByID(ids []string) ([]*domain.RunSpec, error) {
	out := make([]*domain.RunSpec, 0, len(ids))
	for _, id := range ids {
		v, err := c.GetRunSpec(id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *LazyCaching) DeleteRunSpec(id string) error {
	defer c.locks.lock(id)()
	if err := c.backing.DeleteRunSpec(id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.runSpecs, id)
	removeID(&c.runSpecIDs, c.runSpecIDsLoaded, id)
	c.mu.Unlock()
	return nil
}

func (c *LazyCaching) PutGroup(g *domain.Group) error {
	defer c.locks.lock(g.ID)()
	if err := c.backing.PutGroup(g); err != nil {
		return err
	}
	c.mu.Lock()
	c.groups[g.ID] = g
	addID(&c.groupIDs, c.groupIDsLoaded, g.ID)
	c.mu.Unlock()
	return nil
}

func (c *LazyCaching) GetGroup(id string) (*domain.Group, error) {
	defer c.locks.lock(id)()
	c.mu.RLock()
	if v, ok := c.groups[id]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err := c.backing.GetGroup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.groups[id] = v
	c.mu.Unlock()
	return v, nil
}

func (c *LazyCaching) ListGroups() ([]*domain.Group, error) {
	c.mu.RLock()
	if c.groupIDsLoaded {
		ids := append([]string(nil), c.groupIDs...)
		c.mu.RUnlock()
		return c.groupsByID(ids)
	}
	c.mu.RUnlock()

	groups, err := c.backing.ListGroups()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(groups))
	c.mu.Lock()
	for _, g := range groups {
		c.groups[g.ID] = g
		ids = append(ids, g.ID)
	}
	c.groupIDs = ids
	c.groupIDsLoaded = true
	c.mu.Unlock()
	return groups, nil
}

func (c *LazyCaching) groupsByID(ids []string) ([]*domain.Group, error) {
	out := make([]*domain.Group, 0, len(ids))
	for _, id := range ids {
		v, err := c.GetGroup(id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *LazyCaching) DeleteGroup(id string) error {
	defer c.locks.lock(id)()
	if err := c.backing.DeleteGroup(id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.groups, id)
	removeID(&c.groupIDs, c.groupIDsLoaded, id)
	c.mu.Unlock()
	return nil
}

func (c *LazyCaching) PutInstance(i *domain.Instance) error {
	defer c.locks.lock(i.ID)()
	if err := c.backing.PutInstance(i); err != nil {
		return err
	}
	c.mu.Lock()
	c.instances[i.ID] = i
	addID(&c.instanceIDs, c.instanceIDsLoaded, i.ID)
	c.mu.Unlock()
	return nil
}

func (c *LazyCaching) GetInstance(id string) (*domain.Instance, error) {
	defer c.locks.lock(id)()
	c.mu.RLock()
	if v, ok := c.instances[id]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err := c.backing.GetInstance(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.instances[id] = v
	c.mu.Unlock()
	return v, nil
}

func (c *LazyCaching) ListInstances() ([]*domain.Instance, error) {
	c.mu.RLock()
	if c.instanceIDsLoaded {
		ids := append([]string(nil), c.instanceIDs...)
		c.mu.RUnlock()
		return c.instancesByID(ids)
	}
	c.mu.RUnlock()

	instances, err := c.backing.ListInstances()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(instances))
	c.mu.Lock()
	for _, i := range instances {
		c.instances[i.ID] = i
		ids = append(ids, i.ID)
	}
	c.instanceIDs = ids
	c.instanceIDsLoaded = true
	c.mu.Unlock()
	return instances, nil
}

func (c *LazyCaching) instancesByID(ids []string) ([]*domain.Instance, error) {
	out := make([]*domain.Instance, 0, len(ids))
	for _, id := range ids {
		v, err := c.GetInstance(id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ListInstancesByRunSpec is not part of the {category -> ids} cache
// contract (it's a secondary index, not a category), so it always reads
// through to the backing store.
func (c *LazyCaching) ListInstancesByRunSpec(runSpecID string) ([]*domain.Instance, error) {
	return c.backing.ListInstancesByRunSpec(runSpecID)
}

func (c *LazyCaching) DeleteInstance(id string) error {
	defer c.locks.lock(id)()
	if err := c.backing.DeleteInstance(id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.instances, id)
	removeID(&c.instanceIDs, c.instanceIDsLoaded, id)
	c.mu.Unlock()
	return nil
}

func (c *LazyCaching) PutPlan(p *domain.DeploymentPlan) error {
	defer c.locks.lock(p.ID)()
	if err := c.backing.PutPlan(p); err != nil {
		return err
	}
	c.mu.Lock()
	c.plans[p.ID] = p
	addID(&c.planIDs, c.planIDsLoaded, p.ID)
	c.mu.Unlock()
	return nil
}

func (c *LazyCaching) GetPlan(id string) (*domain.DeploymentPlan, error) {
	defer c.locks.lock(id)()
	c.mu.RLock()
	if v, ok := c.plans[id]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err := c.backing.GetPlan(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.plans[id] = v
	c.mu.Unlock()
	return v, nil
}

func (c *LazyCaching) ListPlans() ([]*domain.DeploymentPlan, error) {
	c.mu.RLock()
	if c.planIDsLoaded {
		ids := append([]string(nil), c.planIDs...)
		c.mu.RUnlock()
		return c.plansByID(ids)
	}
	c.mu.RUnlock()

	plans, err := c.backing.ListPlans()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(plans))
	c.mu.Lock()
	for _, p := range plans {
		c.plans[p.ID] = p
		ids = append(ids, p.ID)
	}
	c.planIDs = ids
	c.planIDsLoaded = true
	c.mu.Unlock()
	return plans, nil
}

func (c *LazyCaching) plansByID(ids []string) ([]*domain.DeploymentPlan, error) {
	out := make([]*domain.DeploymentPlan, 0, len(ids))
	for _, id := range ids {
		v, err := c.GetPlan(id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *LazyCaching) DeletePlan(id string) error {
	defer c.locks.lock(id)()
	if err := c.backing.DeletePlan(id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.plans, id)
	removeID(&c.planIDs, c.planIDsLoaded, id)
	c.mu.Unlock()
	return nil
}

func (c *LazyCaching) StorageVersion() (int, error)  { return c.backing.StorageVersion() }
func (c *LazyCaching) SetStorageVersion(v int) error { return c.backing.SetStorageVersion(v) }

func (c *LazyCaching) Close() error { return c.backing.Close() }
