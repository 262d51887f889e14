package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
)

func specLookup(specs ...*domain.RunSpec) RunSpecLookup {
	m := make(map[string]*domain.RunSpec, len(specs))
	for _, s := range specs {
		m[s.ID] = s
	}
	return func(id string) (*domain.RunSpec, bool) {
		s, ok := m[id]
		return s, ok
	}
}

func TestComputeDetectsAddedRemovedScaled(t *testing.T) {
	t0 := time.Unix(0, 0)
	t1 := time.Unix(1, 0)

	current := &domain.Group{ID: "/", AppIDs: []string{"/api", "/worker"}}
	target := &domain.Group{ID: "/", AppIDs: []string{"/api", "/web"}}

	curSpecs := specLookup(
		&domain.RunSpec{ID: "/api", Version: t0, Instances: 2, Containers: []domain.ContainerSpec{{Image: "v1"}}},
		&domain.RunSpec{ID: "/worker", Version: t0, Instances: 1},
	)
	tgtSpecs := specLookup(
		&domain.RunSpec{ID: "/api", Version: t0, Instances: 4, Containers: []domain.ContainerSpec{{Image: "v1"}}},
		&domain.RunSpec{ID: "/web", Version: t1, Instances: 1},
	)

	d := Compute(current, target, curSpecs, tgtSpecs)

	require.Len(t, d.Added, 1)
	assert.Equal(t, "/web", d.Added[0].ID)

	require.Len(t, d.Removed, 1)
	assert.Equal(t, "/worker", d.Removed[0].ID)

	require.Len(t, d.Scaled, 1)
	assert.Equal(t, "/api", d.Scaled[0].ID)
}

func TestComputeDetectsRestartOnVersionOrImageChange(t *testing.T) {
	t0 := time.Unix(0, 0)
	t1 := time.Unix(1, 0)

	current := &domain.Group{ID: "/", AppIDs: []string{"/api"}}
	target := &domain.Group{ID: "/", AppIDs: []string{"/api"}}

	curSpecs := specLookup(&domain.RunSpec{ID: "/api", Version: t0, Containers: []domain.ContainerSpec{{Image: "v1"}}})
	tgtSpecs := specLookup(&domain.RunSpec{ID: "/api", Version: t1, Containers: []domain.ContainerSpec{{Image: "v2"}}})

	d := Compute(current, target, curSpecs, tgtSpecs)
	require.Len(t, d.Restarted, 1)
	assert.Equal(t, "/api", d.Restarted[0].ID)
}

func TestComputeAffectedClosureFollowsDependencies(t *testing.T) {
	t0 := time.Unix(0, 0)
	t1 := time.Unix(1, 0)

	current := &domain.Group{ID: "/", AppIDs: []string{"/db", "/api"}}
	target := &domain.Group{ID: "/", AppIDs: []string{"/db", "/api"}}

	curSpecs := specLookup(
		&domain.RunSpec{ID: "/db", Version: t0},
		&domain.RunSpec{ID: "/api", Version: t0, Dependencies: []string{"/db"}},
	)
	tgtSpecs := specLookup(
		&domain.RunSpec{ID: "/db", Version: t1},
		&domain.RunSpec{ID: "/api", Version: t0, Dependencies: []string{"/db"}},
	)

	d := Compute(current, target, curSpecs, tgtSpecs)
	require.Len(t, d.Restarted, 1)
	require.Len(t, d.Affected, 1)
	assert.Equal(t, "/api", d.Affected[0].ID)
}

func TestTopoSortReportsCycles(t *testing.T) {
	specs := []*domain.RunSpec{
		{ID: "/a", Dependencies: []string{"/b"}},
		{ID: "/b", Dependencies: []string{"/a"}},
	}
	_, err := topoSort(specs)
	assert.Error(t, err)
}

func TestBuildOrdersStepsAndValidatesNoOverlap(t *testing.T) {
	t0 := time.Unix(0, 0)
	clk := clock.NewFake(time.Now())

	current := &domain.Group{ID: "/", AppIDs: []string{"/api"}}
	target := &domain.Group{ID: "/", AppIDs: []string{"/api", "/web"}}

	curSpecs := specLookup(&domain.RunSpec{ID: "/api", Version: t0, Instances: 2})
	tgtSpecs := specLookup(
		&domain.RunSpec{ID: "/api", Version: t0, Instances: 2},
		&domain.RunSpec{ID: "/web", Version: t0, Instances: 1, FetchURIs: []string{"https://example.com/web.tar"}},
	)

	plan, err := Build("dep-1", current, target, curSpecs, tgtSpecs, clk)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Steps)
	assert.Equal(t, domain.ActionResolveArtifacts, plan.Steps[0].Actions[0].Type)
	assert.Equal(t, domain.PlanPending, plan.Status)
}
