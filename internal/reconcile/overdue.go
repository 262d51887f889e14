// Package reconcile implements the overdue scan (flagging stuck launches
// and expired reservation timeouts) and the ReconciliationTracker streaming
// pipeline that drives batched bus reconcile requests with an escalating
// attempts counter.
package reconcile

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/metrics"
)

const defaultOverdueInterval = 30 * time.Second

// stuckConditions are the conditions a task may be reconcile-flagged from.
var stuckConditions = map[domain.TaskCondition]bool{
	domain.ConditionCreated:  true,
	domain.ConditionStarting: true,
	domain.ConditionStaging:  true,
}

// InstanceLister reads every tracked instance, grouped by run-spec.
type InstanceLister interface {
	InstancesBySpec() map[string]map[string]*domain.Instance
}

// GoalSetter routes a reservation-timeout instance through the state
// machine.
type GoalSetter interface {
	ReservationTimeout(instanceID string) error
}

// OverdueScanner periodically scans instances for stuck launches and
// expired reservations.
type OverdueScanner struct {
	tracker          InstanceLister
	goals            GoalSetter
	clk              clock.Clock
	log              zerolog.Logger
	interval         time.Duration
	confirmTimeout   time.Duration
	onOverdue        func(instanceID string)
	stopCh           chan struct{}
}

// Config tunes the overdue scanner.
type Config struct {
	Interval              time.Duration
	TaskLaunchConfirmTimeout time.Duration
	OnOverdue             func(instanceID string)
}

// NewOverdueScanner constructs a scanner that has not yet started.
func NewOverdueScanner(tracker InstanceLister, goals GoalSetter, clk clock.Clock, cfg Config) *OverdueScanner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultOverdueInterval
	}
	onOverdue := cfg.OnOverdue
	if onOverdue == nil {
		onOverdue = func(string) {}
	}
	return &OverdueScanner{
		tracker:        tracker,
		goals:          goals,
		clk:            clk,
		log:            log.WithComponent("reconcile"),
		interval:       interval,
		confirmTimeout: cfg.TaskLaunchConfirmTimeout,
		onOverdue:      onOverdue,
		stopCh:         make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called.
func (s *OverdueScanner) Start() {
	go s.run()
}

// Stop ends the scan loop.
func (s *OverdueScanner) Stop() {
	close(s.stopCh)
}

func (s *OverdueScanner) run() {
	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			s.scan()
		case <-s.stopCh:
			return
		}
	}
}

// scan runs one overdue cycle: flag stuck tasks and process expired
// reservation timeouts.
func (s *OverdueScanner) scan() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	now := s.clk.Now()
	bySpec := s.tracker.InstancesBySpec()

	overdueCount := 0
	for _, instances := range bySpec {
		for _, inst := range instances {
			if s.isReconcileCandidate(inst, now) {
				overdueCount++
				s.onOverdue(inst.ID)
			}
			if s.isReservationTimedOut(inst, now) {
				if err := s.goals.ReservationTimeout(inst.ID); err != nil {
					s.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("reservation timeout processing failed")
				}
			}
		}
	}
	metrics.OverdueInstancesTotal.Add(float64(overdueCount))
}

func (s *OverdueScanner) isReconcileCandidate(inst *domain.Instance, now time.Time) bool {
	for _, task := range inst.Tasks {
		if !stuckConditions[task.Condition] {
			continue
		}
		if s.confirmTimeout > 0 && now.Sub(inst.UpdatedAt) > s.confirmTimeout {
			return true
		}
	}
	return false
}

func (s *OverdueScanner) isReservationTimedOut(inst *domain.Instance, now time.Time) bool {
	if inst.Reservation == nil || inst.Reservation.Timeout == nil {
		return false
	}
	return !inst.Reservation.Timeout.After(now)
}
