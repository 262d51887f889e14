package executor

import "github.com/flywheel-sh/orchestratord/internal/domain"

// PlanStop reports which instances still need goal=Decommissioned set,
// and whether every instance of the run-spec has reached a terminal
// condition (the Stop supervisor is then done).
func PlanStop(instances []*domain.Instance) (toDecommission []string, done bool) {
	done = true
	for _, inst := range instances {
		if inst.Goal != domain.GoalDecommissioned {
			toDecommission = append(toDecommission, inst.ID)
		}
		if !inst.Condition.Terminal() {
			done = false
		}
	}
	return toDecommission, done
}
