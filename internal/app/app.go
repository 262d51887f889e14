// Package app wires the orchestrator's packages into one runnable node:
// durable storage, the instance tracker, Raft leader election, offer
// matching, the kill/reconcile/health loops and the offer-bus driver.
// It is this module's analog of the teacher's pkg/manager.Manager —
// New/Bootstrap/Shutdown around a single struct — except that leadership
// here gates which subsystems run rather than gating cluster membership
// changes: a follower keeps its tracker and repository warm but holds no
// offer-bus connection and runs no scheduling loops, the way only a Mesos
// framework leader subscribes to the bus.
package app

import (
	"context"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/election"
	"github.com/flywheel-sh/orchestratord/internal/errs"
	"github.com/flywheel-sh/orchestratord/internal/events"
	"github.com/flywheel-sh/orchestratord/internal/executor"
	"github.com/flywheel-sh/orchestratord/internal/health"
	"github.com/flywheel-sh/orchestratord/internal/kill"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/offerbus"
	"github.com/flywheel-sh/orchestratord/internal/offers"
	"github.com/flywheel-sh/orchestratord/internal/proxy"
	"github.com/flywheel-sh/orchestratord/internal/reconcile"
	"github.com/flywheel-sh/orchestratord/internal/statemachine"
	"github.com/flywheel-sh/orchestratord/internal/storage"
	"github.com/flywheel-sh/orchestratord/internal/tracker"
)

// Config configures a Node.
type Config struct {
	NodeID   string
	DataDir  string
	BindAddr string // Raft transport address

	OfferBusAddr string // gRPC address of the offer-bus endpoint

	MinReviveOffersInterval time.Duration
	SuppressEnabled         bool
	MaxReconciliations      int
	OverdueScanInterval     time.Duration
	ReconcileTickInterval   time.Duration
	DefaultDialOpts         []grpc.DialOption
}

func (c Config) withDefaults() Config {
	if c.MinReviveOffersInterval <= 0 {
		c.MinReviveOffersInterval = 5 * time.Second
	}
	if c.MaxReconciliations <= 0 {
		c.MaxReconciliations = 3
	}
	if c.OverdueScanInterval <= 0 {
		c.OverdueScanInterval = 30 * time.Second
	}
	if c.ReconcileTickInterval <= 0 {
		c.ReconcileTickInterval = 10 * time.Second
	}
	return c
}

// Node is one running orchestrator process: always-on storage and
// tracking, plus a leader-gated scheduling core started and stopped by
// the election's LeadershipCallback.
type Node struct {
	cfg Config
	clk clock.Clock

	repo    storage.Repository
	bus     *events.Broker
	trk     *tracker.Tracker
	elect   *election.Election
	offersM *offers.Manager
	killSvc *kill.Service
	overdue *reconcile.OverdueScanner
	rtrk    *reconcile.Tracker
	healthM *health.Monitor

	specs *specRegistry

	mu            sync.Mutex
	leading       bool
	driver        *offerbus.Driver
	driverStop    context.CancelFunc
	reconcileStop chan struct{}
}

// New constructs a Node: opens storage, loads the tracker, and prepares
// (but does not start) election and the leader-gated subsystems.
func New(cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	clk := clock.Real{}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Fatal, "app.New", err)
	}

	repo, err := storage.NewBoltRepository(cfg.DataDir)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "app.New", err)
	}

	bus := events.NewBroker()

	trk, err := tracker.New(repo, bus, clk)
	if err != nil {
		repo.Close()
		return nil, errs.Wrap(errs.Fatal, "app.New", err)
	}

	n := &Node{
		cfg:  cfg,
		clk:  clk,
		repo: repo,
		bus:  bus,
		trk:  trk,
	}
	n.specs = newSpecRegistry(repo, trk, clk)

	n.killSvc = kill.New(noopBus{}, trk, trk, clk, kill.Config{})
	n.rtrk = reconcile.NewTracker(noopBatch{}, n.killSvc, clk, cfg.MaxReconciliations)
	n.overdue = reconcile.NewOverdueScanner(trk, trk, clk, reconcile.Config{
		Interval:  cfg.OverdueScanInterval,
		OnOverdue: n.onOverdueInstance,
	})
	n.healthM = health.NewMonitor(clk, trk)
	n.offersM = offers.NewManager(noopDriver{}, clk, offers.Config{
		MinReviveOffersInterval: cfg.MinReviveOffersInterval,
		SuppressEnabled:         cfg.SuppressEnabled,
		NeedsOffers:             func() bool { return n.specs.hasUnfulfilledDemand() },
	})
	n.specs.setManager(n.offersM)

	elect, err := election.New(&election.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	}, repo, n.onLeadershipChange)
	if err != nil {
		repo.Close()
		return nil, errs.Wrap(errs.Fatal, "app.New", err)
	}
	n.elect = elect

	if err := n.specs.loadFromRepository(); err != nil {
		repo.Close()
		return nil, errs.Wrap(errs.Fatal, "app.New", err)
	}

	return n, nil
}

// Bootstrap forms a new single-node Raft cluster. Call only on a node
// starting a fresh deployment; joining nodes use Election.AddVoter
// against the existing leader instead.
func (n *Node) Bootstrap() error {
	return n.elect.Bootstrap()
}

// Tracker exposes the instance tracker for the admin API layer.
func (n *Node) Tracker() *tracker.Tracker { return n.trk }

// Repository exposes durable storage for the admin API layer.
func (n *Node) Repository() storage.Repository { return n.repo }

// Election exposes the leadership checker for the proxy interceptor.
func (n *Node) Election() *election.Election { return n.elect }

// KillService exposes the kill actor for the admin API layer.
func (n *Node) KillService() *kill.Service { return n.killSvc }

// HealthMonitor exposes the health monitor so the agent-facing surface
// can register watches as tasks start.
func (n *Node) HealthMonitor() *health.Monitor { return n.healthM }

// Specs exposes the run-spec registry for the admin API layer.
func (n *Node) Specs() *specRegistry { return n.specs }

// UnaryInterceptor builds this node's leader-only write gate.
func (n *Node) UnaryInterceptor(forward proxy.Forwarder) grpc.UnaryServerInterceptor {
	return proxy.UnaryInterceptor(n.elect, forward)
}

// onLeadershipChange is election's LeadershipCallback: it starts or stops
// every subsystem that only makes sense on the current leader.
func (n *Node) onLeadershipChange(isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leading = isLeader

	if isLeader {
		n.bus.Publish(&events.Event{Type: events.LeaderAcquired, Timestamp: n.clk.Now()})
		n.startLeaderLocked()
	} else {
		n.bus.Publish(&events.Event{Type: events.LeaderLost, Timestamp: n.clk.Now()})
		n.stopLeaderLocked()
	}
}

func (n *Node) startLeaderLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	n.driverStop = cancel

	transport, err := offerbus.DialGRPC(ctx, n.cfg.OfferBusAddr, n.cfg.DefaultDialOpts...)
	if err != nil {
		log.WithComponent("app").Error().Err(err).Msg("failed to dial offer bus, staying passive this term")
		return
	}

	driver := offerbus.New(transport, offerbus.Handlers{
		ResourceOffers: n.handleResourceOffers,
		StatusUpdate:   n.handleStatusUpdate,
		Error: func(msg string) {
			log.WithComponent("app").Warn().Str("message", msg).Msg("offer bus error event")
		},
	})
	n.driver = driver
	n.offersM = offers.NewManager(driver, n.clk, offers.Config{
		MinReviveOffersInterval: n.cfg.MinReviveOffersInterval,
		SuppressEnabled:         n.cfg.SuppressEnabled,
		NeedsOffers:             func() bool { return n.specs.hasUnfulfilledDemand() },
	})
	n.specs.setManager(n.offersM)
	n.killSvc = kill.New(driver, n.trk, n.trk, n.clk, kill.Config{})
	n.rtrk = reconcile.NewTracker(driver, n.killSvc, n.clk, n.cfg.MaxReconciliations)

	if err := driver.Subscribe(ctx); err != nil {
		log.WithComponent("app").Error().Err(err).Msg("offer bus subscribe failed")
	}
	go func() {
		if err := driver.Run(ctx); err != nil {
			log.WithComponent("app").Warn().Err(err).Msg("offer bus driver stopped")
		}
	}()

	n.overdue.Start()
	stop := make(chan struct{})
	n.reconcileStop = stop
	go n.rtrk.Run(n.cfg.ReconcileTickInterval, stop)
}

func (n *Node) stopLeaderLocked() {
	if n.driverStop != nil {
		n.driverStop()
		n.driverStop = nil
	}
	if n.driver != nil {
		_ = n.driver.Close()
		n.driver = nil
	}
	n.overdue.Stop()
	if n.reconcileStop != nil {
		close(n.reconcileStop)
		n.reconcileStop = nil
	}
}

// onOverdueInstance is the overdue scanner's callback: a stuck instance
// becomes a reconciliation candidate.
func (n *Node) onOverdueInstance(instanceID string) {
	inst, ok := n.trk.Get(instanceID)
	if !ok {
		return
	}
	n.rtrk.Add(inst)
}

// handleResourceOffers is the leader's core matching loop: each offer is
// presented to the offer manager, and a match is turned into a tracked
// instance plus an outbound LaunchTasks call.
func (n *Node) handleResourceOffers(offersIn []domain.Offer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, offer := range offersIn {
		result, runSpecID, ok := n.offersM.HandleOffer(offer)
		if !ok {
			continue
		}
		n.launchFromMatch(ctx, offer.ID, runSpecID, result)
	}
	n.offersM.EvaluateSignal()
}

func (n *Node) launchFromMatch(ctx context.Context, offerID, runSpecID string, result domain.MatchResult) {
	spec, ok := n.specs.get(runSpecID)
	if !ok {
		log.WithComponent("app").Warn().Str("run_spec_id", runSpecID).Msg("matched offer for unknown run-spec")
		return
	}

	instanceID := clock.UUIDMinter{}.NewID()
	for i := range result.Operations {
		if result.Operations[i].TaskID == "" {
			result.Operations[i].TaskID = instanceID
		}
	}

	_, err := n.trk.Process(instanceID, statemachine.Op{
		Kind:                statemachine.OpLaunchEphemeral,
		NewInstanceID:       instanceID,
		RunSpecID:           spec.ID,
		RunSpecVersion:      spec.Version,
		UnreachableStrategy: spec.UnreachableStrategy,
		Now:                 n.clk.Now(),
	})
	if err != nil {
		log.WithComponent("app").Error().Err(err).Str("run_spec_id", runSpecID).Msg("failed to record launched instance")
		n.specs.launchFailed(runSpecID)
		return
	}

	if err := n.driver.LaunchTasks(ctx, offerID, result.Operations); err != nil {
		log.WithComponent("app").Warn().Err(err).Str("offer_id", offerID).Msg("launchTasks send failed")
		n.specs.launchFailed(runSpecID)
		return
	}
	n.specs.launchSucceeded(runSpecID)
}

// handleStatusUpdate resolves the bus's task-keyed status report back to
// its owning instance (the bus speaks tasks, the tracker speaks
// instances) and folds it through the state machine.
func (n *Node) handleStatusUpdate(status offerbus.StatusUpdate) {
	instanceID := findInstanceIDForTask(n.trk, status.TaskID)
	if instanceID == "" {
		log.WithComponent("app").Debug().Str("task_id", status.TaskID).Msg("status update for unknown task")
		return
	}

	_, err := n.trk.Process(instanceID, statemachine.Op{
		Kind:   statemachine.OpMesosUpdate,
		Status: statemachine.BusStatus(status),
		Now:    n.clk.Now(),
	})
	if err != nil {
		log.WithComponent("app").Warn().Err(err).Str("instance_id", instanceID).Msg("status update failed to apply")
	}

	if status.Condition.Terminal() {
		n.killSvc.NotifyTerminal(instanceID)
	}
	n.rtrk.OnStatusUpdate(instanceID, status.Condition)
}

func findInstanceIDForTask(trk *tracker.Tracker, taskID string) string {
	for _, instances := range trk.InstancesBySpec() {
		for _, inst := range instances {
			if _, ok := inst.Tasks[taskID]; ok {
				return inst.ID
			}
		}
	}
	return ""
}

// Shutdown releases every resource Bootstrap/New acquired, in reverse
// order, the way the teacher's Manager.Shutdown tears down ingress/dns/
// raft/store.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if n.leading {
		n.stopLeaderLocked()
		n.leading = false
	}
	n.mu.Unlock()

	if err := n.elect.Shutdown(); err != nil {
		log.WithComponent("app").Warn().Err(err).Msg("election shutdown failed")
	}
	return n.repo.Close()
}

// executorAdapter bridges the deployment executor's Launcher interface to
// the run-spec registry's launch-queue bookkeeping: Launch only marks one
// more instance as pending demand, the actual instance is created once a
// matching offer arrives.
type executorAdapter struct{ n *Node }

func (a executorAdapter) Launch(runSpecID string, version time.Time) error {
	return a.n.specs.enqueueLaunch(runSpecID)
}

// Executor builds a deployment executor bound to this node's tracker,
// launch queues and kill service.
func (n *Node) Executor() *executor.Executor {
	return executor.New(n.trk, executorAdapter{n: n}, n.killSvc, n.clk)
}

// noopBus/noopDriver/noopBatch stand in for the offer-bus driver before
// this node has won an election term: a follower's kill/reconcile/offers
// subsystems exist (so admin reads keep working) but never reach the
// bus: kill and reconcile sends are rejected with a Precondition error,
// while offer declines and revive/suppress signals are dropped and report
// success.
type noopBus struct{}

func (noopBus) SendKill(taskID, reason string) error {
	return errs.NewPrecondition("app.noopBus", "not the leader, cannot send kill for task %s", taskID)
}

type noopBatch struct{}

func (noopBatch) SendReconcileBatch(instanceID string, taskIDs []string) error {
	return errs.NewPrecondition("app.noopBatch", "not the leader, cannot reconcile instance %s", instanceID)
}

type noopDriver struct{}

func (noopDriver) DeclineOffer(offerID string, filterDuration time.Duration) error { return nil }
func (noopDriver) SendSignal(signal offers.ReviveSignal) error                     { return nil }
