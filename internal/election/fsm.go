// Package election wraps hashicorp/raft to give the orchestrator leader
// election plus a replicated command log: a Command passed to
// Election.Apply is committed to the Raft log and applied by every node's
// FSM to its repository. Nothing else in this module calls Apply; the
// tracker and the run-spec registry write to storage.Repository directly,
// and those writes are not replicated. Non-leaders reject writes (see
// internal/proxy); only the election loop itself needs Raft directly.
package election

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/metrics"
	"github.com/flywheel-sh/orchestratord/internal/storage"
)

// Op enumerates the replicated command kinds.
type Op string

const (
	OpPutRunSpec    Op = "put_run_spec"
	OpDeleteRunSpec Op = "delete_run_spec"
	OpPutGroup      Op = "put_group"
	OpDeleteGroup   Op = "delete_group"
	OpPutInstance   Op = "put_instance"
	OpDeleteInstance Op = "delete_instance"
	OpPutPlan       Op = "put_plan"
	OpDeletePlan    Op = "delete_plan"
)

// Command is the envelope applied through Raft, mirroring the teacher's
// manager.Command{Op, Data} shape.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// FSM replays committed Commands against a storage.Repository. Only the
// leader produces new commands (via Apply on the owning Election); every
// node, leader or follower, runs an FSM to stay caught up so it can take
// over instantly if elected.
type FSM struct {
	mu   sync.RWMutex
	repo storage.Repository
}

// NewFSM wraps repo as a Raft finite state machine.
func NewFSM(repo storage.Repository) *FSM {
	return &FSM{repo: repo}
}

// Apply applies one committed Raft log entry.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)
	metrics.RaftAppliedIndex.Set(float64(l.Index))

	switch cmd.Op {
	case OpPutRunSpec:
		var v domain.RunSpec
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.repo.PutRunSpec(&v)

	case OpDeleteRunSpec:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.repo.DeleteRunSpec(id)

	case OpPutGroup:
		var v domain.Group
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.repo.PutGroup(&v)

	case OpDeleteGroup:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.repo.DeleteGroup(id)

	case OpPutInstance:
		var v domain.Instance
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.repo.PutInstance(&v)

	case OpDeleteInstance:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.repo.DeleteInstance(id)

	case OpPutPlan:
		var v domain.DeploymentPlan
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.repo.PutPlan(&v)

	case OpDeletePlan:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.repo.DeletePlan(id)

	default:
		return fmt.Errorf("unknown command op %q", cmd.Op)
	}
}

// Snapshot lets Raft compact its log by serializing the whole repository
// contents in one shot.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	runSpecs, err := f.repo.ListRunSpecs()
	if err != nil {
		return nil, err
	}
	groups, err := f.repo.ListGroups()
	if err != nil {
		return nil, err
	}
	instances, err := f.repo.ListInstances()
	if err != nil {
		return nil, err
	}
	plans, err := f.repo.ListPlans()
	if err != nil {
		return nil, err
	}

	return &snapshot{
		RunSpecs:  runSpecs,
		Groups:    groups,
		Instances: instances,
		Plans:     plans,
	}, nil
}

// Restore replaces the FSM's repository contents with a prior snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var s snapshot
	if err := json.NewDecoder(rc).Decode(&s); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range s.RunSpecs {
		if err := f.repo.PutRunSpec(v); err != nil {
			return err
		}
	}
	for _, v := range s.Groups {
		if err := f.repo.PutGroup(v); err != nil {
			return err
		}
	}
	for _, v := range s.Instances {
		if err := f.repo.PutInstance(v); err != nil {
			return err
		}
	}
	for _, v := range s.Plans {
		if err := f.repo.PutPlan(v); err != nil {
			return err
		}
	}
	return nil
}

type snapshot struct {
	RunSpecs  []*domain.RunSpec        `json:"run_specs"`
	Groups    []*domain.Group          `json:"groups"`
	Instances []*domain.Instance       `json:"instances"`
	Plans     []*domain.DeploymentPlan `json:"plans"`
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := json.NewEncoder(sink).Encode(s)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
