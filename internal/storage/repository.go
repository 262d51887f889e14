// Package storage is the orchestrator's durable Repository: a bbolt-backed
// key-value store, one bucket per record category, JSON-encoded values,
// the same shape as the teacher's pkg/storage/boltdb.go. On top of the
// bucket store this package layers a leader-local read cache (cache.go)
// and an ascending-version migration runner (migrate.go).
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/errs"
)

var (
	bucketRunSpecs = []byte("run_specs")
	bucketGroups   = []byte("groups")
	bucketInstances = []byte("instances")
	bucketPlans    = []byte("deployment_plans")
	bucketMeta     = []byte("meta")
)

// metaStorageVersionKey holds the migration runner's stored version record.
var metaStorageVersionKey = []byte("storage_version")

// Repository is the durable store of desired and observed state. All
// methods are safe for concurrent use; callers needing read-modify-write
// atomicity must take care of it themselves (the tracker and planner
// serialize per run-spec/instance id for this reason).
type Repository interface {
	PutRunSpec(spec *domain.RunSpec) error
	GetRunSpec(id string) (*domain.RunSpec, error)
	ListRunSpecs() ([]*domain.RunSpec, error)
	DeleteRunSpec(id string) error

	PutGroup(g *domain.Group) error
	GetGroup(id string) (*domain.Group, error)
	ListGroups() ([]*domain.Group, error)
	DeleteGroup(id string) error

	PutInstance(i *domain.Instance) error
	GetInstance(id string) (*domain.Instance, error)
	ListInstances() ([]*domain.Instance, error)
	ListInstancesByRunSpec(runSpecID string) ([]*domain.Instance, error)
	DeleteInstance(id string) error

	PutPlan(p *domain.DeploymentPlan) error
	GetPlan(id string) (*domain.DeploymentPlan, error)
	ListPlans() ([]*domain.DeploymentPlan, error)
	DeletePlan(id string) error

	// StorageVersion and SetStorageVersion back the migration runner.
	StorageVersion() (int, error)
	SetStorageVersion(v int) error

	Close() error
}

// BoltRepository implements Repository on top of bbolt.
type BoltRepository struct {
	db *bolt.DB
}

// NewBoltRepository opens (creating if absent) the bbolt file under
// dataDir and ensures every bucket exists.
func NewBoltRepository(dataDir string) (*BoltRepository, error) {
	path := filepath.Join(dataDir, "orchestrator.db")

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.NewFatal("storage.NewBoltRepository", "open %s: %w", path, err)
	}

	buckets := [][]byte{bucketRunSpecs, bucketGroups, bucketInstances, bucketPlans, bucketMeta}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.NewFatal("storage.NewBoltRepository", "init buckets: %w", err)
	}

	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) Close() error { return r.db.Close() }

func put(db *bolt.DB, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.Validation, "storage.put", err)
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func get[T any](db *bolt.DB, bucket []byte, key string) (*T, error) {
	var v T
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return errs.NewNotFound("storage.get", "%s/%s", bucket, key)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func list[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			out = append(out, &item)
			return nil
		})
	})
	return out, err
}

func del(db *bolt.DB, bucket []byte, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (r *BoltRepository) PutRunSpec(spec *domain.RunSpec) error {
	return put(r.db, bucketRunSpecs, spec.ID, spec)
}

func (r *BoltRepository) GetRunSpec(id string) (*domain.RunSpec, error) {
	return get[domain.RunSpec](r.db, bucketRunSpecs, id)
}

func (r *BoltRepository) ListRunSpecs() ([]*domain.RunSpec, error) {
	return list[domain.RunSpec](r.db, bucketRunSpecs)
}

func (r *BoltRepository) DeleteRunSpec(id string) error {
	return del(r.db, bucketRunSpecs, id)
}

func (r *BoltRepository) PutGroup(g *domain.Group) error {
	return put(r.db, bucketGroups, g.ID, g)
}

func (r *BoltRepository) GetGroup(id string) (*domain.Group, error) {
	return get[domain.Group](r.db, bucketGroups, id)
}

func (r *BoltRepository) ListGroups() ([]*domain.Group, error) {
	return list[domain.Group](r.db, bucketGroups)
}

func (r *BoltRepository) DeleteGroup(id string) error {
	return del(r.db, bucketGroups, id)
}

func (r *BoltRepository) PutInstance(i *domain.Instance) error {
	return put(r.db, bucketInstances, i.ID, i)
}

func (r *BoltRepository) GetInstance(id string) (*domain.Instance, error) {
	return get[domain.Instance](r.db, bucketInstances, id)
}

func (r *BoltRepository) ListInstances() ([]*domain.Instance, error) {
	return list[domain.Instance](r.db, bucketInstances)
}

func (r *BoltRepository) ListInstancesByRunSpec(runSpecID string) ([]*domain.Instance, error) {
	all, err := r.ListInstances()
	if err != nil {
		return nil, err
	}
	var out []*domain.Instance
	for _, i := range all {
		if i.RunSpecID == runSpecID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *BoltRepository) DeleteInstance(id string) error {
	return del(r.db, bucketInstances, id)
}

func (r *BoltRepository) PutPlan(p *domain.DeploymentPlan) error {
	return put(r.db, bucketPlans, p.ID, p)
}

func (r *BoltRepository) GetPlan(id string) (*domain.DeploymentPlan, error) {
	return get[domain.DeploymentPlan](r.db, bucketPlans, id)
}

func (r *BoltRepository) ListPlans() ([]*domain.DeploymentPlan, error) {
	return list[domain.DeploymentPlan](r.db, bucketPlans)
}

func (r *BoltRepository) DeletePlan(id string) error {
	return del(r.db, bucketPlans, id)
}

func (r *BoltRepository) StorageVersion() (int, error) {
	v, err := get[int](r.db, bucketMeta, string(metaStorageVersionKey))
	if errs.IsClass(err, errs.NotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return *v, nil
}

func (r *BoltRepository) SetStorageVersion(v int) error {
	return put(r.db, bucketMeta, string(metaStorageVersionKey), v)
}
