package statemachine

import (
	"strings"
	"time"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// agreementStates: the instance takes this condition only if every task
// shares it.
var agreementStates = []domain.InstanceCondition{
	domain.ConditionCreated,
	domain.ConditionReserved,
	domain.ConditionRunning,
	domain.ConditionFinished,
	domain.ConditionKilled,
}

// anyMatchStates: the instance takes the first of these that any task has.
var anyMatchStates = []domain.InstanceCondition{
	domain.ConditionError,
	domain.ConditionFailed,
	domain.ConditionGone,
	domain.ConditionDropped,
	domain.ConditionUnreachable,
	domain.ConditionKilling,
	domain.ConditionStarting,
	domain.ConditionStaging,
	domain.ConditionUnknown,
}

// recoverableLostReasons are TASK_LOST reasons treated as possibly
// transient (agent flapping, network partition): the task may still come
// back, so the instance is marked Unreachable rather than expunged.
var recoverableLostReasons = map[string]bool{
	"slave-disconnected":  true,
	"agent-disconnected":  true,
	"network-unreachable": true,
	"transient":           true,
}

const unknownToSlaveMessage = "Task is unknown to the slave"

// Apply runs the pure (instance, op) -> Effect transition. instance may be
// nil (absent instance), matching the "only on absent instance" /
// "only on Reserved instance" preconditions in the op table.
func Apply(instance *domain.Instance, op Op) Effect {
	switch op.Kind {
	case OpLaunchEphemeral:
		return applyLaunchEphemeral(instance, op)
	case OpReserve:
		return applyReserve(instance, op)
	case OpLaunchOnReservation:
		return applyLaunchOnReservation(instance, op)
	case OpMesosUpdate:
		return applyMesosUpdate(instance, op)
	case OpReservationTimeout:
		return applyReservationTimeout(instance, op)
	case OpForceExpunge:
		return applyForceExpunge(instance, op)
	case OpChangeGoal:
		return applyChangeGoal(instance, op)
	case OpRevert:
		return applyRevert(instance, op)
	default:
		return Effect{Kind: EffectFailure, FailureReason: "unknown op kind " + string(op.Kind)}
	}
}

func applyLaunchEphemeral(instance *domain.Instance, op Op) Effect {
	if instance != nil {
		return Effect{Kind: EffectFailure, FailureReason: "LaunchEphemeral requires an absent instance"}
	}
	inst := &domain.Instance{
		ID:                  op.NewInstanceID,
		RunSpecID:           op.RunSpecID,
		RunSpecVersion:      op.RunSpecVersion,
		Condition:           domain.ConditionStaging,
		Goal:                domain.GoalRunning,
		Tasks:               map[string]*domain.Task{},
		UnreachableStrategy: op.UnreachableStrategy,
		CreatedAt:           op.Now,
		UpdatedAt:           op.Now,
	}
	return Effect{Kind: EffectUpdate, Instance: inst, Events: []Event{{Kind: "created", Message: inst.ID}}}
}

func applyReserve(instance *domain.Instance, op Op) Effect {
	if instance != nil {
		return Effect{Kind: EffectFailure, FailureReason: "Reserve requires an absent instance"}
	}
	inst := &domain.Instance{
		ID:             op.NewInstanceID,
		RunSpecID:      op.RunSpecID,
		RunSpecVersion: op.RunSpecVersion,
		Condition:      domain.ConditionReserved,
		Goal:           domain.GoalRunning,
		Tasks:          map[string]*domain.Task{},
		Reservation:    &domain.Reservation{State: domain.ReservationNew},
		UnreachableStrategy: op.UnreachableStrategy,
		CreatedAt:      op.Now,
		UpdatedAt:      op.Now,
	}
	return Effect{Kind: EffectUpdate, Instance: inst, Events: []Event{{Kind: "reserved", Message: inst.ID}}}
}

func applyLaunchOnReservation(instance *domain.Instance, op Op) Effect {
	if instance == nil || instance.Condition != domain.ConditionReserved {
		return Effect{Kind: EffectFailure, FailureReason: "LaunchOnReservation requires a Reserved instance"}
	}
	next := cloneInstance(instance)
	next.Condition = domain.ConditionStaging
	next.Reservation.State = domain.ReservationLaunched
	next.Reservation.Timeout = nil
	next.UpdatedAt = op.Now
	return Effect{Kind: EffectUpdate, Instance: next, PrevInstance: instance,
		Events: []Event{{Kind: "launched_on_reservation", Message: instance.ID}}}
}

func applyMesosUpdate(instance *domain.Instance, op Op) Effect {
	if instance == nil {
		return Effect{Kind: EffectNoop, NoopID: op.Status.TaskID}
	}
	task, ok := instance.Tasks[op.Status.TaskID]
	if !ok {
		return Effect{Kind: EffectNoop, NoopID: op.Status.TaskID}
	}

	next := cloneInstance(instance)
	nextTask := *task

	condition := op.Status.Condition
	expungeDueToLoss := false
	suspendReservation := false

	if strings.Contains(op.Status.Message, unknownToSlaveMessage) {
		return forceExpungeEffect(instance, "task unknown to agent")
	}

	if condition == domain.ConditionGone || condition == domain.ConditionUnreachable {
		if recoverableLostReasons[op.Status.LostReason] {
			condition = domain.ConditionUnreachable
		} else {
			condition = domain.ConditionGone
			if instance.Reservation != nil {
				suspendReservation = true
			} else {
				expungeDueToLoss = true
			}
		}
	}

	nextTask.Condition = condition
	nextTask.Healthy = op.Status.Healthy
	next.Tasks[nextTask.ID] = &nextTask

	if expungeDueToLoss {
		return forceExpungeEffect(instance, "task permanently lost")
	}

	if suspendReservation {
		next.Reservation.State = domain.ReservationSuspended
		next.Reservation.Timeout = nil
	}

	resolved, healthy := resolveCondition(next)
	wasUnreachable := instance.Condition == domain.ConditionUnreachable || instance.Condition == domain.ConditionUnreachableInactive
	if resolved == domain.ConditionUnreachable && !wasUnreachable {
		now := op.Now
		next.UnreachableSince = &now
	} else if resolved != domain.ConditionUnreachable {
		next.UnreachableSince = nil
	}

	resolved = escalateUnreachable(next, resolved, op.Now)
	if resolved == forceExpungeSentinel {
		return forceExpungeEffect(instance, "unreachable past expunge deadline")
	}

	next.Condition = resolved
	next.Healthy = healthy
	next.UpdatedAt = op.Now

	return Effect{Kind: EffectUpdate, Instance: next, PrevInstance: instance,
		Events: []Event{{Kind: "status_updated", Message: nextTask.ID}}}
}

// forceExpungeSentinel is returned internally by escalateUnreachable to
// signal "past expungeAfter"; callers translate it into an Expunge effect
// rather than ever storing it as a real condition.
const forceExpungeSentinel domain.InstanceCondition = "__force_expunge__"

// escalateUnreachable applies the Unreachable -> UnreachableInactive ->
// expunge timing rule described in §4.4: once UnreachableSince is at least
// inactiveAfter old the condition advances to UnreachableInactive; at
// expungeAfter it must be force-expunged.
func escalateUnreachable(inst *domain.Instance, resolved domain.InstanceCondition, now time.Time) domain.InstanceCondition {
	if resolved != domain.ConditionUnreachable || inst.UnreachableSince == nil || !inst.UnreachableStrategy.Enabled {
		return resolved
	}
	elapsed := now.Sub(*inst.UnreachableSince)
	if elapsed >= inst.UnreachableStrategy.ExpungeAfter {
		return forceExpungeSentinel
	}
	if elapsed >= inst.UnreachableStrategy.InactiveAfter {
		return domain.ConditionUnreachableInactive
	}
	return resolved
}

func applyReservationTimeout(instance *domain.Instance, op Op) Effect {
	if instance == nil || instance.Condition != domain.ConditionReserved {
		return Effect{Kind: EffectFailure, FailureReason: "ReservationTimeout requires a Reserved instance"}
	}
	return Effect{Kind: EffectExpunge, Instance: instance,
		Events: []Event{{Kind: "reservation_timed_out", Message: instance.ID}}}
}

func applyForceExpunge(instance *domain.Instance, op Op) Effect {
	if instance == nil {
		return Effect{Kind: EffectNoop, NoopID: op.NewInstanceID}
	}
	return forceExpungeEffect(instance, "forced")
}

func forceExpungeEffect(instance *domain.Instance, reason string) Effect {
	return Effect{Kind: EffectExpunge, Instance: instance,
		Events: []Event{{Kind: "expunged", Message: reason}}}
}

func applyChangeGoal(instance *domain.Instance, op Op) Effect {
	if instance == nil {
		return Effect{Kind: EffectFailure, FailureReason: "ChangeGoal requires an existing instance"}
	}
	next := cloneInstance(instance)
	next.Goal = op.Goal
	next.UpdatedAt = op.Now

	if op.Goal == domain.GoalDecommissioned && next.AllTasksTerminal() {
		return Effect{Kind: EffectExpunge, Instance: next,
			Events: []Event{{Kind: "decommissioned", Message: instance.ID}}}
	}
	return Effect{Kind: EffectUpdate, Instance: next, PrevInstance: instance,
		Events: []Event{{Kind: "goal_changed", Message: string(op.Goal)}}}
}

func applyRevert(instance *domain.Instance, op Op) Effect {
	if op.Previous == nil {
		return Effect{Kind: EffectFailure, FailureReason: "Revert requires a previous snapshot"}
	}
	return Effect{Kind: EffectUpdate, Instance: op.Previous, PrevInstance: instance,
		Events: []Event{{Kind: "reverted", Message: op.Previous.ID}}}
}

// resolveCondition implements §4.4's condition computation: agreement
// states first (all tasks must share), then any-match states (first
// listed that any task has), falling back to Unknown. It also computes
// the instance-level healthy rollup.
func resolveCondition(inst *domain.Instance) (domain.InstanceCondition, *bool) {
	if len(inst.Tasks) == 0 {
		return inst.Condition, inst.Healthy
	}

	for _, want := range agreementStates {
		all := true
		for _, t := range inst.Tasks {
			if t.Condition != want {
				all = false
				break
			}
		}
		if all {
			return want, rollupHealth(inst)
		}
	}

	for _, want := range anyMatchStates {
		for _, t := range inst.Tasks {
			if t.Condition == want {
				return want, rollupHealth(inst)
			}
		}
	}

	return domain.ConditionUnknown, rollupHealth(inst)
}

func rollupHealth(inst *domain.Instance) *bool {
	seenReport := false
	healthy := true
	for _, t := range inst.Tasks {
		if t.Healthy == nil {
			continue
		}
		seenReport = true
		if !*t.Healthy {
			healthy = false
		}
	}
	if !seenReport {
		return nil
	}
	return &healthy
}

func cloneInstance(i *domain.Instance) *domain.Instance {
	next := *i
	next.Tasks = make(map[string]*domain.Task, len(i.Tasks))
	for k, v := range i.Tasks {
		t := *v
		next.Tasks[k] = &t
	}
	if i.AgentInfo != nil {
		ai := *i.AgentInfo
		next.AgentInfo = &ai
	}
	if i.Reservation != nil {
		r := *i.Reservation
		next.Reservation = &r
	}
	if i.UnreachableSince != nil {
		t := *i.UnreachableSince
		next.UnreachableSince = &t
	}
	return &next
}
