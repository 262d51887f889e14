package election

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/flywheel-sh/orchestratord/internal/errs"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/metrics"
	"github.com/flywheel-sh/orchestratord/internal/storage"
)

// Config configures an Election node. Timeouts match the teacher's
// LAN-tuned settings: ~2-3s failover instead of Raft's WAN-oriented
// defaults.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	CommitTimeout      time.Duration
	LeaderLeaseTimeout time.Duration
}

func (c *Config) withDefaults() *Config {
	cp := *c
	if cp.HeartbeatTimeout == 0 {
		cp.HeartbeatTimeout = 500 * time.Millisecond
	}
	if cp.ElectionTimeout == 0 {
		cp.ElectionTimeout = 500 * time.Millisecond
	}
	if cp.CommitTimeout == 0 {
		cp.CommitTimeout = 50 * time.Millisecond
	}
	if cp.LeaderLeaseTimeout == 0 {
		cp.LeaderLeaseTimeout = 250 * time.Millisecond
	}
	return &cp
}

// LeadershipCallback is invoked with true on acquiring leadership and false
// on losing it (including at shutdown).
type LeadershipCallback func(isLeader bool)

// Election wraps a *raft.Raft bound to a storage.Repository-backed FSM,
// the single-writer persistence layer the rest of the orchestrator applies
// commands through.
type Election struct {
	cfg  *Config
	raft *raft.Raft
	fsm  *FSM

	onLeadership LeadershipCallback
	wasLeader    atomic.Bool
}

// New creates an Election bound to repo and starts its Raft instance
// without forming a cluster: call Bootstrap to start a fresh single-node
// cluster, or AddVoter on an existing leader to add this node to one.
func New(cfg *Config, repo storage.Repository, onLeadership LeadershipCallback) (*Election, error) {
	cfg = cfg.withDefaults()
	fsm := NewFSM(repo)

	r, err := newRaft(cfg, fsm)
	if err != nil {
		return nil, err
	}

	e := &Election{cfg: cfg, raft: r, fsm: fsm, onLeadership: onLeadership}
	return e, nil
}

func newRaft(cfg *Config, fsm *FSM) (*raft.Raft, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	raftCfg.CommitTimeout = cfg.CommitTimeout
	raftCfg.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "election.newRaft", fmt.Errorf("resolve bind addr: %w", err))
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "election.newRaft", fmt.Errorf("tcp transport: %w", err))
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "election.newRaft", fmt.Errorf("snapshot store: %w", err))
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "election.newRaft", fmt.Errorf("log store: %w", err))
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "election.newRaft", fmt.Errorf("stable store: %w", err))
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "election.newRaft", fmt.Errorf("new raft: %w", err))
	}
	return r, nil
}

// Bootstrap starts a brand-new single-node cluster with this node as its
// only member.
func (e *Election) Bootstrap() error {
	cfg := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(e.cfg.NodeID), Address: raft.ServerAddress(e.cfg.BindAddr)},
		},
	}
	if err := e.raft.BootstrapCluster(cfg).Error(); err != nil {
		return errs.Wrap(errs.Fatal, "election.Bootstrap", err)
	}
	return nil
}

// AddVoter adds a new node to the cluster. Only the leader may call this.
func (e *Election) AddVoter(nodeID, addr string) error {
	if !e.IsLeader() {
		return errs.NewPrecondition("election.AddVoter", "not leader, current leader is %s", e.LeaderAddr())
	}
	future := e.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return errs.Wrap(errs.Transient, "election.AddVoter", err)
	}
	return nil
}

// RemoveServer removes a node from the cluster.
func (e *Election) RemoveServer(nodeID string) error {
	if !e.IsLeader() {
		return errs.NewPrecondition("election.RemoveServer", "not leader, current leader is %s", e.LeaderAddr())
	}
	future := e.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return errs.Wrap(errs.Transient, "election.RemoveServer", err)
	}
	return nil
}

func (e *Election) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

func (e *Election) LeaderAddr() string {
	addr, _ := e.raft.LeaderWithID()
	return string(addr)
}

// Stats reports a snapshot of Raft's internal counters for /metrics-style
// exposition and debugging.
func (e *Election) Stats() map[string]any {
	stats := map[string]any{
		"state":          e.raft.State().String(),
		"last_log_index": e.raft.LastIndex(),
		"applied_index":  e.raft.AppliedIndex(),
		"leader":         e.LeaderAddr(),
	}
	if cf := e.raft.GetConfiguration(); cf.Error() == nil {
		stats["peers"] = len(cf.Configuration().Servers)
	}
	return stats
}

// WatchLeadership must be run in its own goroutine; it blocks on Raft's
// leaderCh and invokes onLeadership on every transition until ctx-like
// shutdown (stop via raft.Shutdown()).
func (e *Election) WatchLeadership() {
	for isLeader := range e.raft.LeaderCh() {
		metrics.RaftLeader.Set(boolToFloat(isLeader))
		e.wasLeader.Store(isLeader)
		if e.onLeadership != nil {
			e.onLeadership(isLeader)
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Apply marshals and replicates cmd through the Raft log, blocking until
// it is committed (or the default timeout elapses). Only meaningful when
// this node IsLeader(); Raft itself will return ErrNotLeader otherwise.
func (e *Election) Apply(op Op, data any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	raw, err := json.Marshal(data)
	if err != nil {
		return errs.Wrap(errs.Validation, "election.Apply", err)
	}
	cmd := Command{Op: op, Data: raw}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errs.Wrap(errs.Validation, "election.Apply", err)
	}

	future := e.raft.Apply(payload, 5*time.Second)
	if err := future.Error(); err != nil {
		log.WithComponent("election").Error().Err(err).Str("op", string(op)).Msg("raft apply failed")
		return errs.Wrap(errs.Transient, "election.Apply", err)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok && respErr != nil {
			return errs.Wrap(errs.Conflict, "election.Apply", respErr)
		}
	}
	return nil
}

// Shutdown gracefully leaves the Raft cluster.
func (e *Election) Shutdown() error {
	return e.raft.Shutdown().Error()
}
