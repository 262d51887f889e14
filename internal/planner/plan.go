package planner

import (
	"fmt"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/errs"
)

// Build computes Diff(current, target) and compiles it into an ordered
// DeploymentPlan: ResolveArtifacts, Stop, Start, Scale, Restart — each a
// single step whose actions may run concurrently, in dependency order
// within Restarted/Affected.
func Build(id string, current, target *domain.Group, currentSpecs, targetSpecs RunSpecLookup, clk clock.Clock) (*domain.DeploymentPlan, error) {
	d := Compute(current, target, currentSpecs, targetSpecs)

	ordered, err := topoSort(append(append([]*domain.RunSpec{}, d.Restarted...), d.Affected...))
	if err != nil {
		return nil, errs.Wrap(errs.Precondition, "planner.Build", err)
	}

	// Affected specs are unchanged dependents kept only to order Restarted
	// correctly relative to them; restartStep must act on Restarted alone.
	restarted := make(map[string]bool, len(d.Restarted))
	for _, s := range d.Restarted {
		restarted[s.ID] = true
	}
	restartOrdered := make([]*domain.RunSpec, 0, len(d.Restarted))
	for _, s := range ordered {
		if restarted[s.ID] {
			restartOrdered = append(restartOrdered, s)
		}
	}

	var steps []domain.Step

	if step := resolveArtifactsStep(d.Added, d.Restarted); len(step.Actions) > 0 {
		steps = append(steps, step)
	}
	if step := stopStep(d.Removed); len(step.Actions) > 0 {
		steps = append(steps, step)
	}
	if step := startStep(d.Added); len(step.Actions) > 0 {
		steps = append(steps, step)
	}
	if step := scaleStep(d.Scaled); len(step.Actions) > 0 {
		steps = append(steps, step)
	}
	if step := restartStep(restartOrdered); len(step.Actions) > 0 {
		steps = append(steps, step)
	}

	for _, s := range steps {
		if err := validateNoOverlap(s); err != nil {
			return nil, errs.Wrap(errs.Validation, "planner.Build", err)
		}
	}

	return &domain.DeploymentPlan{
		ID:            id,
		OriginalGroup: current,
		TargetGroup:   target,
		Steps:         steps,
		Version:       clk.Now(),
		Status:        domain.PlanPending,
	}, nil
}

func resolveArtifactsStep(added, restarted []*domain.RunSpec) domain.Step {
	var step domain.Step
	for _, s := range append(append([]*domain.RunSpec{}, added...), restarted...) {
		if len(s.FetchURIs) == 0 {
			continue
		}
		step.Actions = append(step.Actions, domain.Action{Type: domain.ActionResolveArtifacts, RunSpecID: s.ID})
	}
	return step
}

// stopStep orders Removed bottom-up: run-specs nothing-else-depends-on
// first is approximated here by reversing a dependency topo order, so
// leaves (nobody depends on them) stop before their dependencies.
func stopStep(removed []*domain.RunSpec) domain.Step {
	ordered, err := topoSort(removed)
	if err != nil {
		ordered = removed
	}
	var step domain.Step
	for i := len(ordered) - 1; i >= 0; i-- {
		step.Actions = append(step.Actions, domain.Action{Type: domain.ActionStop, RunSpecID: ordered[i].ID})
	}
	return step
}

func startStep(added []*domain.RunSpec) domain.Step {
	ordered, err := topoSort(added)
	if err != nil {
		ordered = added
	}
	var step domain.Step
	for _, s := range ordered {
		step.Actions = append(step.Actions, domain.Action{Type: domain.ActionStart, RunSpecID: s.ID})
	}
	return step
}

func scaleStep(scaled []*domain.RunSpec) domain.Step {
	var step domain.Step
	for _, s := range scaled {
		step.Actions = append(step.Actions, domain.Action{Type: domain.ActionScaleTo, RunSpecID: s.ID, ScaleTo: s.Instances})
	}
	return step
}

func restartStep(ordered []*domain.RunSpec) domain.Step {
	var step domain.Step
	for _, s := range ordered {
		step.Actions = append(step.Actions, domain.Action{Type: domain.ActionRestart, RunSpecID: s.ID})
	}
	return step
}

// validateNoOverlap enforces that no two actions within the same step
// target the same run-spec.
func validateNoOverlap(step domain.Step) error {
	seen := make(map[string]bool, len(step.Actions))
	for _, a := range step.Actions {
		if seen[a.RunSpecID] {
			return fmt.Errorf("step has two actions targeting run-spec %q", a.RunSpecID)
		}
		seen[a.RunSpecID] = true
	}
	return nil
}
