package reconcile

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/log"
)

const defaultMaxReconciliations = 3

// entry is one instance's reconciliation bookkeeping.
type entry struct {
	instance *domain.Instance
	attempts int
}

// BatchSender sends a batch reconcile request to the offer-bus driver for
// the given instance's tasks.
type BatchSender interface {
	SendReconcileBatch(instanceID string, taskIDs []string) error
}

// Killer is notified when an instance has exhausted its reconciliation
// attempts and should instead be killed.
type Killer interface {
	Kill(instanceIDs []string, reason string) error
}

// Tracker maintains {instance-id -> {instance, attempts}} and drives the
// batched-reconcile-then-escalate-to-kill pipeline described for the
// reconciliation tick.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry

	bus               BatchSender
	kill              Killer
	clk               clock.Clock
	log               zerolog.Logger
	maxReconciliations int
}

// NewTracker constructs a ReconciliationTracker.
func NewTracker(bus BatchSender, kill Killer, clk clock.Clock, maxReconciliations int) *Tracker {
	if maxReconciliations <= 0 {
		maxReconciliations = defaultMaxReconciliations
	}
	return &Tracker{
		entries:            make(map[string]*entry),
		bus:                bus,
		kill:               kill,
		clk:                clk,
		log:                log.WithComponent("reconcile"),
		maxReconciliations: maxReconciliations,
	}
}

// Add registers (or re-registers) inst as a reconciliation candidate with
// a fresh attempts counter.
func (t *Tracker) Add(inst *domain.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[inst.ID] = &entry{instance: inst}
}

// Remove drops instanceID from tracking, called on receipt of a
// ReconciliationStatusUpdate from the bus.
func (t *Tracker) Remove(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, instanceID)
}

// OnStatusUpdate handles a bus ReconciliationStatusUpdate: removes the
// entry, except that a Staging condition resets attempts to zero instead
// (docker pull can legitimately take a long time).
func (t *Tracker) OnStatusUpdate(instanceID string, condition domain.InstanceCondition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if condition == domain.ConditionStaging {
		if e, ok := t.entries[instanceID]; ok {
			e.attempts = 0
		}
		return
	}
	delete(t.entries, instanceID)
}

// Tick runs one reconciliation cycle: entries under the attempts ceiling
// get a batch reconcile request and an incremented counter; entries at or
// over the ceiling are hand off to the kill service instead.
func (t *Tracker) Tick() {
	t.mu.Lock()
	var toReconcile []*entry
	var toKill []string
	for id, e := range t.entries {
		if e.attempts >= t.maxReconciliations {
			toKill = append(toKill, id)
			delete(t.entries, id)
			continue
		}
		toReconcile = append(toReconcile, e)
	}
	for _, e := range toReconcile {
		e.attempts++
	}
	t.mu.Unlock()

	for _, e := range toReconcile {
		taskIDs := make([]string, 0, len(e.instance.Tasks))
		for id := range e.instance.Tasks {
			taskIDs = append(taskIDs, id)
		}
		if err := t.bus.SendReconcileBatch(e.instance.ID, taskIDs); err != nil {
			t.log.Warn().Err(err).Str("instance_id", e.instance.ID).Msg("reconcile batch send failed")
		}
	}

	if len(toKill) > 0 {
		if err := t.kill.Kill(toKill, "reconciliation attempts exhausted"); err != nil {
			t.log.Warn().Err(err).Int("count", len(toKill)).Msg("escalation kill failed")
		}
	}
}

// Len reports the number of instances currently tracked, for backpressure
// and metrics.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Run ticks the tracker on interval until stopCh closes.
func (t *Tracker) Run(interval time.Duration, stopCh <-chan struct{}) {
	ticker := t.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			t.Tick()
		case <-stopCh:
			return
		}
	}
}
