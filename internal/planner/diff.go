// Package planner compiles a diff between a current and target group tree
// into an ordered DeploymentPlan: ResolveArtifacts, Stop, Start, Scale,
// Restart steps, each containing independent actions, validated so that no
// two actions in the same step touch the same run-spec.
package planner

import (
	"fmt"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// Diff classifies the run-specs between a current and target group tree.
type Diff struct {
	Added     []*domain.RunSpec
	Removed   []*domain.RunSpec
	Scaled    []*domain.RunSpec // target version, Instances count changed
	Restarted []*domain.RunSpec // target version, version/container spec changed
	Affected  []*domain.RunSpec // transitive dependents of any of the above
}

// RunSpecLookup resolves a run-spec path to its current definition, as
// stored alongside the group tree.
type RunSpecLookup func(id string) (*domain.RunSpec, bool)

// Compute diffs current against target group trees, resolving each group's
// AppIDs/PodIDs through the given lookups.
func Compute(current, target *domain.Group, currentSpecs, targetSpecs RunSpecLookup) Diff {
	curIDs := groupRunSpecIDs(current)
	tgtIDs := groupRunSpecIDs(target)

	var d Diff
	changed := make(map[string]bool)

	for id := range tgtIDs {
		tgt, ok := targetSpecs(id)
		if !ok {
			continue
		}
		cur, existed := curIDs[id]
		if !existed {
			d.Added = append(d.Added, tgt)
			changed[id] = true
			continue
		}
		_ = cur
		curSpec, ok := currentSpecs(id)
		if !ok {
			d.Added = append(d.Added, tgt)
			changed[id] = true
			continue
		}
		if !curSpec.Version.Equal(tgt.Version) || containersDiffer(curSpec, tgt) {
			d.Restarted = append(d.Restarted, tgt)
			changed[id] = true
		} else if curSpec.Instances != tgt.Instances {
			d.Scaled = append(d.Scaled, tgt)
			changed[id] = true
		}
	}
	for id := range curIDs {
		if _, stillPresent := tgtIDs[id]; !stillPresent {
			if curSpec, ok := currentSpecs(id); ok {
				d.Removed = append(d.Removed, curSpec)
				changed[id] = true
			}
		}
	}

	d.Affected = affectedClosure(target, targetSpecs, changed)
	return d
}

// groupRunSpecIDs collects every AppID/PodID reachable in the group tree.
func groupRunSpecIDs(g *domain.Group) map[string]bool {
	out := make(map[string]bool)
	g.Walk(func(node *domain.Group) {
		for _, id := range node.AppIDs {
			out[id] = true
		}
		for _, id := range node.PodIDs {
			out[id] = true
		}
	})
	return out
}

func containersDiffer(a, b *domain.RunSpec) bool {
	if len(a.Containers) != len(b.Containers) {
		return true
	}
	for i := range a.Containers {
		if a.Containers[i].Image != b.Containers[i].Image {
			return true
		}
	}
	return false
}

// affectedClosure walks RunSpec.Dependencies edges (forward: a spec
// depends on another) to find every run-spec transitively downstream of a
// changed one, so dependents of a changed dependency are re-planned too.
func affectedClosure(target *domain.Group, lookup RunSpecLookup, changed map[string]bool) []*domain.RunSpec {
	ids := groupRunSpecIDs(target)
	dependents := make(map[string][]string)
	for id := range ids {
		spec, ok := lookup(id)
		if !ok {
			continue
		}
		for _, dep := range spec.Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	affected := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		for _, dep := range dependents[id] {
			if affected[dep] {
				continue
			}
			affected[dep] = true
			visit(dep)
		}
	}
	for id := range changed {
		visit(id)
	}

	var out []*domain.RunSpec
	for id := range affected {
		if changed[id] {
			continue
		}
		if spec, ok := lookup(id); ok {
			out = append(out, spec)
		}
	}
	return out
}

// topoSort orders specs so that a run-spec appears after everything it
// depends on. Returns an error naming the cycle if one exists.
func topoSort(specs []*domain.RunSpec) ([]*domain.RunSpec, error) {
	byID := make(map[string]*domain.RunSpec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(specs))
	var order []*domain.RunSpec

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle detected: %v", append(path, id))
		}
		spec, ok := byID[id]
		if !ok {
			return nil // dependency outside this diff's scope
		}
		state[id] = visiting
		for _, dep := range spec.Dependencies {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		order = append(order, spec)
		return nil
	}

	for _, s := range specs {
		if err := visit(s.ID, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
