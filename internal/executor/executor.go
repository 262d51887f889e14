// Package executor drives a DeploymentPlan one step at a time: for each
// step it spawns one supervisor per action, waits for all of them to
// finish successfully before starting the next step, and fails the step
// (and the plan) if any supervisor fails.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/errs"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/metrics"
)

// Launcher enqueues a new instance launch for a run-spec; actual
// placement happens asynchronously through the launch queue and matcher.
type Launcher interface {
	Launch(runSpecID string, version time.Time) error
}

// Killer requests termination of instances, routed through the kill
// service.
type Killer interface {
	Kill(instanceIDs []string, reason string) error
}

// InstanceSource reads the live instance set for a run-spec; backed by
// the tracker in production.
type InstanceSource interface {
	SpecInstances(runSpecID string) []*domain.Instance
}

// tickInterval is how often a running supervisor re-evaluates its
// decision function against current instance state.
const tickInterval = 2 * time.Second

// Executor coordinates supervisors across a plan's steps.
type Executor struct {
	tracker InstanceSource
	launch  Launcher
	kill    Killer
	clk     clock.Clock
	log     zerolog.Logger
}

// New constructs an Executor.
func New(tracker InstanceSource, launch Launcher, kill Killer, clk clock.Clock) *Executor {
	return &Executor{tracker: tracker, launch: launch, kill: kill, clk: clk, log: log.WithComponent("executor")}
}

// SpecProvider resolves a run-spec's current definition, needed to know
// target instance count, version, and upgrade strategy.
type SpecProvider func(runSpecID string) (*domain.RunSpec, bool)

// RunPlan executes every step of plan in order, updating plan.Status and
// plan.CurrentStepIndex as it progresses. It returns the first supervisor
// error encountered, leaving the plan Failed.
func (e *Executor) RunPlan(ctx context.Context, plan *domain.DeploymentPlan, specs SpecProvider) error {
	plan.Status = domain.PlanRunning
	for i, step := range plan.Steps {
		plan.CurrentStepIndex = i
		if err := e.runStep(ctx, step, specs); err != nil {
			plan.Status = domain.PlanFailed
			return errs.Wrap(errs.Transient, "executor.RunPlan", err)
		}
	}
	plan.Status = domain.PlanComplete
	return nil
}

func (e *Executor) runStep(ctx context.Context, step domain.Step, specs SpecProvider) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(step.Actions))

	for _, action := range step.Actions {
		wg.Add(1)
		go func(a domain.Action) {
			defer wg.Done()
			errCh <- e.runAction(ctx, a, specs)
		}(action)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runAction(ctx context.Context, action domain.Action, specs SpecProvider) error {
	spec, ok := specs(action.RunSpecID)
	if !ok && action.Type != domain.ActionStop {
		return errs.NewNotFound("executor.runAction", "run-spec %q not found", action.RunSpecID)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DeploymentDuration)

	switch action.Type {
	case domain.ActionResolveArtifacts:
		return nil // artifact resolution is a no-op placeholder: URIs are fetched lazily by the agent

	case domain.ActionStart:
		return e.runStartSupervisor(ctx, spec)

	case domain.ActionScaleTo:
		return e.runStartSupervisor(ctx, spec)

	case domain.ActionStop:
		return e.runStopSupervisor(ctx, action.RunSpecID)

	case domain.ActionRestart:
		return e.runRestartSupervisor(ctx, spec)

	default:
		return errs.NewValidation("executor.runAction", "unknown action type %q", action.Type)
	}
}

func (e *Executor) runStartSupervisor(ctx context.Context, spec *domain.RunSpec) error {
	started := 0
	for {
		instances := e.tracker.SpecInstances(spec.ID)
		alive := countAlive(instances, spec.Version)

		launchCount, done := PlanStart(spec.Instances, alive, started)
		if done {
			return nil
		}
		for i := 0; i < launchCount; i++ {
			if err := e.launch.Launch(spec.ID, spec.Version); err != nil {
				return fmt.Errorf("start supervisor: launch %s: %w", spec.ID, err)
			}
			started++
		}

		if err := e.sleep(ctx); err != nil {
			return err
		}
	}
}

func (e *Executor) runStopSupervisor(ctx context.Context, runSpecID string) error {
	for {
		instances := e.tracker.SpecInstances(runSpecID)
		toDecommission, done := PlanStop(instances)
		if done {
			return nil
		}
		if len(toDecommission) > 0 {
			if err := e.kill.Kill(toDecommission, "stop supervisor: decommissioning"); err != nil {
				e.log.Warn().Err(err).Str("run_spec_id", runSpecID).Msg("stop supervisor kill failed, will retry")
			}
		}
		if err := e.sleep(ctx); err != nil {
			return err
		}
	}
}

func (e *Executor) runRestartSupervisor(ctx context.Context, spec *domain.RunSpec) error {
	started := 0
	resident := spec.SingleInstanceVolume()
	for {
		instances := e.tracker.SpecInstances(spec.ID)
		counts := RestartCounts{
			Target:     spec.Instances,
			RunningOld: countByVersion(instances, spec.Version, false),
			AliveNew:   countAlive(instances, spec.Version),
			ReadyNew:   countReady(instances, spec.Version),
			StartedNew: started,
		}

		decision := PlanRestart(counts, spec.UpgradeStrategy, resident)
		if decision.Done {
			return nil
		}

		if decision.KillOldCount > 0 {
			ids := oldestInstanceIDs(instances, spec.Version, decision.KillOldCount)
			if len(ids) > 0 {
				if err := e.kill.Kill(ids, "restart supervisor: task-replace"); err != nil {
					e.log.Warn().Err(err).Str("run_spec_id", spec.ID).Msg("restart supervisor kill failed, will retry")
				}
			}
		}
		for i := 0; i < decision.LaunchCount; i++ {
			if err := e.launch.Launch(spec.ID, spec.Version); err != nil {
				return fmt.Errorf("restart supervisor: launch %s: %w", spec.ID, err)
			}
			started++
		}

		if err := e.sleep(ctx); err != nil {
			return err
		}
	}
}

func (e *Executor) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clk.After(tickInterval):
		return nil
	}
}

func countAlive(instances []*domain.Instance, version time.Time) int {
	n := 0
	for _, i := range instances {
		if i.RunSpecVersion.Equal(version) && !i.Condition.Terminal() {
			n++
		}
	}
	return n
}

func countByVersion(instances []*domain.Instance, version time.Time, equal bool) int {
	n := 0
	for _, i := range instances {
		sameVersion := i.RunSpecVersion.Equal(version)
		if sameVersion == equal && !i.Condition.Terminal() {
			n++
		}
	}
	return n
}

func countReady(instances []*domain.Instance, version time.Time) int {
	n := 0
	for _, i := range instances {
		if i.RunSpecVersion.Equal(version) && i.Condition == domain.ConditionRunning && i.Healthy != nil && *i.Healthy {
			n++
		}
	}
	return n
}

func oldestInstanceIDs(instances []*domain.Instance, version time.Time, n int) []string {
	var old []*domain.Instance
	for _, i := range instances {
		if !i.RunSpecVersion.Equal(version) && !i.Condition.Terminal() {
			old = append(old, i)
		}
	}
	if n > len(old) {
		n = len(old)
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, old[i].ID)
	}
	return ids
}
