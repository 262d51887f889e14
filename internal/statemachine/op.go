// Package statemachine implements the orchestrator's instance state
// machine: a pure function of (instance, op) -> Effect. It never touches
// storage, the clock, or the event bus directly — internal/tracker drives
// it and owns persistence/publication around each call, the way the
// teacher keeps pkg/scheduler's decisions separate from pkg/storage
// writes.
package statemachine

import (
	"time"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// OpKind enumerates the state machine's input operations.
type OpKind string

const (
	OpLaunchEphemeral     OpKind = "LaunchEphemeral"
	OpReserve             OpKind = "Reserve"
	OpLaunchOnReservation OpKind = "LaunchOnReservation"
	OpMesosUpdate         OpKind = "MesosUpdate"
	OpReservationTimeout  OpKind = "ReservationTimeout"
	OpForceExpunge        OpKind = "ForceExpunge"
	OpChangeGoal          OpKind = "ChangeGoal"
	OpRevert              OpKind = "Revert"
)

// BusStatus is the offer bus's report of one task's condition, the
// MesosUpdate payload.
type BusStatus struct {
	TaskID    string
	Condition domain.TaskCondition
	Healthy   *bool
	// LostReason is populated only when Condition reports a lost task
	// (the bus's TASK_LOST equivalent); see recoverableLostReasons.
	LostReason string
	// Message is the bus's free-text status message; checked verbatim
	// for the "Task is unknown to the slave" always-expunge case.
	Message string
	At      time.Time
}

// Op is one state machine input: Kind plus the fields relevant to it.
type Op struct {
	Kind OpKind

	// LaunchEphemeral / Reserve: identifies the new instance.
	NewInstanceID     string
	RunSpecID         string
	RunSpecVersion    time.Time
	UnreachableStrategy domain.UnreachableBehavior

	// MesosUpdate
	Status BusStatus

	// ChangeGoal
	Goal domain.Goal

	// Revert
	Previous *domain.Instance

	Now time.Time
}

// EffectKind enumerates the four effect shapes the state machine returns.
type EffectKind string

const (
	EffectUpdate  EffectKind = "Update"
	EffectExpunge EffectKind = "Expunge"
	EffectNoop    EffectKind = "Noop"
	EffectFailure EffectKind = "Failure"
)

// Event is a side-channel notification the caller should publish once the
// effect has been durably applied (internal/events.Event construction
// happens at the tracker, not here, to keep this package free of the
// events package's Type vocabulary coupling).
type Event struct {
	Kind    string
	Message string
}

// Effect is the state machine's output.
type Effect struct {
	Kind EffectKind

	Instance     *domain.Instance // Update, Expunge
	PrevInstance *domain.Instance // Update only, for diffing by callers
	Events       []Event

	NoopID string // Noop

	FailureReason string // Failure
}
