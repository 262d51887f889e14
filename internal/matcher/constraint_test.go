package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

func TestMeetsConstraintsUnique(t *testing.T) {
	c := domain.Constraint{Field: domain.FieldHostname, Operator: domain.ConstraintUnique}
	offer := domain.Offer{Host: "agent-1"}

	assert.True(t, MeetsConstraints(offer, []domain.Constraint{c}, nil), "empty running set trivially satisfies UNIQUE")

	running := []*domain.Instance{{AgentInfo: &domain.AgentInfo{Host: "agent-1"}}}
	assert.False(t, MeetsConstraints(offer, []domain.Constraint{c}, running))

	running = []*domain.Instance{{AgentInfo: &domain.AgentInfo{Host: "agent-2"}}}
	assert.True(t, MeetsConstraints(offer, []domain.Constraint{c}, running))
}

func TestMeetsConstraintsLikeUnlike(t *testing.T) {
	offer := domain.Offer{Host: "h", Attributes: map[string]string{"zone": "us-east-1a"}}

	like := domain.Constraint{Field: "zone", Operator: domain.ConstraintLike, Value: "us-east-.*"}
	assert.True(t, MeetsConstraints(offer, []domain.Constraint{like}, nil))

	unlike := domain.Constraint{Field: "zone", Operator: domain.ConstraintUnlike, Value: "us-east-.*"}
	assert.False(t, MeetsConstraints(offer, []domain.Constraint{unlike}, nil))

	anchored := domain.Constraint{Field: "zone", Operator: domain.ConstraintLike, Value: "us-east"}
	assert.False(t, MeetsConstraints(offer, []domain.Constraint{anchored}, nil), "LIKE values are anchored, not substring")
}

func TestMeetsConstraintsGroupByPrefersSmallestGroup(t *testing.T) {
	c := domain.Constraint{Field: "zone", Operator: domain.ConstraintGroupBy}
	running := []*domain.Instance{
		{AgentInfo: &domain.AgentInfo{Attributes: map[string]string{"zone": "a"}}},
		{AgentInfo: &domain.AgentInfo{Attributes: map[string]string{"zone": "a"}}},
		{AgentInfo: &domain.AgentInfo{Attributes: map[string]string{"zone": "b"}}},
	}

	offerA := domain.Offer{Attributes: map[string]string{"zone": "a"}}
	assert.False(t, MeetsConstraints(offerA, []domain.Constraint{c}, running), "zone a already has more instances than zone b")

	offerB := domain.Offer{Attributes: map[string]string{"zone": "b"}}
	assert.True(t, MeetsConstraints(offerB, []domain.Constraint{c}, running))

	offerC := domain.Offer{Attributes: map[string]string{"zone": "c"}}
	assert.True(t, MeetsConstraints(offerC, []domain.Constraint{c}, running), "a brand new group has count 0, smallest")
}

func TestMeetsConstraintsMaxPer(t *testing.T) {
	c := domain.Constraint{Field: "zone", Operator: domain.ConstraintMaxPer, Value: "2"}
	running := []*domain.Instance{
		{AgentInfo: &domain.AgentInfo{Attributes: map[string]string{"zone": "a"}}},
		{AgentInfo: &domain.AgentInfo{Attributes: map[string]string{"zone": "a"}}},
	}
	offer := domain.Offer{Attributes: map[string]string{"zone": "a"}}
	assert.False(t, MeetsConstraints(offer, []domain.Constraint{c}, running))

	offerB := domain.Offer{Attributes: map[string]string{"zone": "b"}}
	assert.True(t, MeetsConstraints(offerB, []domain.Constraint{c}, running))
}

func TestMatchSatisfiesScalarDemand(t *testing.T) {
	cpus, mem := 2.0, 512.0
	offer := domain.Offer{
		ID: "o-1", AgentID: "a-1", Host: "agent-1",
		Resources: []domain.OfferedResource{
			{Name: "cpus", Role: "*", Scalar: &cpus},
			{Name: "mem", Role: "*", Scalar: &mem},
		},
	}
	spec := &domain.RunSpec{
		ID: "/app", Containers: []domain.ContainerSpec{{Resources: domain.ResourceSpec{Cpus: 1, MemMB: 256}}},
	}

	result, ok := Match(offer, spec, domain.RolesBehaviorAny, nil)
	assert.True(t, ok)
	assert.NotEmpty(t, result.Operations)
}

func TestMatchFailsWhenScalarDemandUnmet(t *testing.T) {
	cpus := 0.5
	offer := domain.Offer{Resources: []domain.OfferedResource{{Name: "cpus", Role: "*", Scalar: &cpus}}}
	spec := &domain.RunSpec{Containers: []domain.ContainerSpec{{Resources: domain.ResourceSpec{Cpus: 1}}}}

	_, ok := Match(offer, spec, domain.RolesBehaviorAny, nil)
	assert.False(t, ok)
}
