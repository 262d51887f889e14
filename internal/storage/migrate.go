package storage

import (
	"sort"

	"github.com/flywheel-sh/orchestratord/internal/errs"
	"github.com/flywheel-sh/orchestratord/internal/log"
)

// Step is one idempotent migration, identified by an ascending Version.
// Apply must be safe to re-run (it never is, once recorded, but a crash
// mid-migration before SetStorageVersion commits means it might run
// again).
type Step struct {
	Version int
	Name    string
	Apply   func(Repository) error
}

// Registry holds the ordered set of migration Steps for a process version.
type Registry struct {
	steps []Step
}

// NewRegistry builds a Registry from steps, which need not be pre-sorted.
func NewRegistry(steps ...Step) *Registry {
	sorted := append([]Step(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Registry{steps: sorted}
}

// CurrentVersion is the highest version this process binary knows about.
func (r *Registry) CurrentVersion() int {
	if len(r.steps) == 0 {
		return 0
	}
	return r.steps[len(r.steps)-1].Version
}

// Migrate brings repo's stored schema version up to CurrentVersion,
// applying each unapplied step in ascending order. It is fatal for the
// stored version to exceed CurrentVersion: that means an older binary is
// running against data a newer one already wrote, and there is no safe
// downgrade path.
func (r *Registry) Migrate(repo Repository) error {
	stored, err := repo.StorageVersion()
	if err != nil {
		return errs.Wrap(errs.Fatal, "storage.Migrate", err)
	}

	current := r.CurrentVersion()
	if stored > current {
		return errs.NewFatal("storage.Migrate",
			"stored schema version %d is newer than this process's version %d", stored, current)
	}

	for _, step := range r.steps {
		if step.Version <= stored {
			continue
		}
		log.WithComponent("storage").Info().
			Int("version", step.Version).
			Str("name", step.Name).
			Msg("applying migration step")

		if err := step.Apply(repo); err != nil {
			return errs.Wrap(errs.Fatal, "storage.Migrate", err)
		}
		if err := repo.SetStorageVersion(step.Version); err != nil {
			return errs.Wrap(errs.Fatal, "storage.Migrate", err)
		}
		stored = step.Version
	}
	return nil
}
