// Package matcher implements the constraint evaluator and resource
// matcher: given an offer and a run-spec (plus its already-running
// instances), decide whether the offer satisfies every placement
// constraint, and if so, which of the offer's resources to consume.
package matcher

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// fieldValue resolves a constraint field against an offer: the reserved
// "hostname" field reads the offer's host, anything else is looked up in
// the offer's agent attributes.
func fieldValue(offer domain.Offer, field string) (string, bool) {
	if field == domain.FieldHostname {
		return offer.Host, true
	}
	v, ok := offer.Attributes[field]
	return v, ok
}

func instanceFieldValue(inst *domain.Instance, field string) (string, bool) {
	if inst.AgentInfo == nil {
		return "", false
	}
	if field == domain.FieldHostname {
		return inst.AgentInfo.Host, true
	}
	v, ok := inst.AgentInfo.Attributes[field]
	return v, ok
}

// MeetsConstraints reports whether offer satisfies every constraint in
// constraints, given the set of instances already running for the same
// run-spec.
func MeetsConstraints(offer domain.Offer, constraints []domain.Constraint, running []*domain.Instance) bool {
	for _, c := range constraints {
		if !meetsOne(offer, c, running) {
			return false
		}
	}
	return true
}

func meetsOne(offer domain.Offer, c domain.Constraint, running []*domain.Instance) bool {
	val, present := fieldValue(offer, c.Field)

	switch c.Operator {
	case domain.ConstraintUnique:
		if len(running) == 0 {
			return true
		}
		for _, inst := range running {
			if rv, ok := instanceFieldValue(inst, c.Field); ok && present && rv == val {
				return false
			}
		}
		return true

	case domain.ConstraintCluster:
		if len(running) == 0 {
			return true
		}
		if c.Value != "" {
			return present && val == c.Value
		}
		// Cluster together: the offer must share a field value with at
		// least one already-running instance.
		for _, inst := range running {
			if rv, ok := instanceFieldValue(inst, c.Field); ok && present && rv == val {
				return true
			}
		}
		return false

	case domain.ConstraintLike:
		if !present {
			return false
		}
		return matchesAnchored(c.Value, val)

	case domain.ConstraintUnlike:
		if !present {
			return true
		}
		return !matchesAnchored(c.Value, val)

	case domain.ConstraintIs:
		return present && val == c.Value

	case domain.ConstraintGroupBy:
		return meetsGroupBy(offer, c, running)

	case domain.ConstraintMaxPer:
		return meetsMaxPer(offer, c, running)

	default:
		return false
	}
}

func matchesAnchored(pattern, value string) bool {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// meetsGroupBy implements the documented tie-break: with no explicit
// cardinality, infer the group count from the running set's distinct
// field values and accept the offer only if its group is among those with
// the smallest current count (ties broken by picking any smallest group,
// which this offer's own value either already belongs to or would start).
func meetsGroupBy(offer domain.Offer, c domain.Constraint, running []*domain.Instance) bool {
	val, present := fieldValue(offer, c.Field)
	if !present {
		return false
	}

	counts := groupCounts(c.Field, running)

	if c.Value != "" {
		limit, err := strconv.Atoi(c.Value)
		if err != nil || limit <= 0 {
			return true
		}
		if len(counts) >= limit {
			if _, exists := counts[val]; !exists {
				return false
			}
		}
	}

	if len(counts) == 0 {
		return true
	}
	min := counts[val]
	for _, n := range counts {
		if n < min {
			min = n
		}
	}
	return counts[val] == min
}

// meetsMaxPer caps the number of instances sharing the offer's field
// value at the constraint's integer value.
func meetsMaxPer(offer domain.Offer, c domain.Constraint, running []*domain.Instance) bool {
	val, present := fieldValue(offer, c.Field)
	if !present {
		return false
	}
	max, err := strconv.Atoi(c.Value)
	if err != nil {
		return false
	}
	counts := groupCounts(c.Field, running)
	return counts[val] < max
}

func groupCounts(field string, running []*domain.Instance) map[string]int {
	counts := make(map[string]int)
	for _, inst := range running {
		if v, ok := instanceFieldValue(inst, field); ok {
			counts[v]++
		}
	}
	return counts
}

// ValidateConstraint reports a descriptive error for a structurally
// invalid constraint (unknown operator, or a MAX_PER value that doesn't
// parse as an integer; GROUP_BY values are not checked).
func ValidateConstraint(c domain.Constraint) error {
	switch c.Operator {
	case domain.ConstraintUnique, domain.ConstraintCluster, domain.ConstraintLike,
		domain.ConstraintUnlike, domain.ConstraintGroupBy, domain.ConstraintMaxPer, domain.ConstraintIs:
	default:
		return fmt.Errorf("unknown constraint operator %q", c.Operator)
	}
	if c.Operator == domain.ConstraintMaxPer {
		if _, err := strconv.Atoi(c.Value); err != nil {
			return fmt.Errorf("MAX_PER constraint requires an integer value: %w", err)
		}
	}
	return nil
}
