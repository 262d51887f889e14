package matcher

import (
	"math/rand"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// Demand is the resolved resource requirement for one launch attempt,
// flattened from a RunSpec's containers.
type Demand struct {
	Cpus          float64
	MemMB         float64
	DiskMB        float64
	GPUs          float64
	CustomScalars map[string]float64
	PortCount     int
	RequiredPorts []int // non-empty iff RequirePorts is set
}

// DemandFor sums a RunSpec's container resource demands into one Demand.
func DemandFor(spec *domain.RunSpec) Demand {
	d := Demand{CustomScalars: map[string]float64{}}
	for _, c := range spec.Containers {
		d.Cpus += c.Resources.Cpus
		d.MemMB += c.Resources.MemMB
		d.DiskMB += c.Resources.DiskMB
		d.GPUs += c.Resources.GPUs
		for k, v := range c.Resources.CustomScalars {
			d.CustomScalars[k] += v
		}
		for _, e := range c.Endpoints {
			if c.RequirePorts && e.HostPort != 0 {
				d.RequiredPorts = append(d.RequiredPorts, e.HostPort)
			} else {
				d.PortCount++
			}
		}
	}
	return d
}

// acceptedRoles resolves which resource roles a launch may consume,
// applying the process-wide default when the RunSpec doesn't declare its
// own AcceptedResourceRoles.
func acceptedRoles(spec *domain.RunSpec, defaultBehavior domain.AcceptedResourceRolesBehavior) (roleSet map[string]bool, any bool) {
	if len(spec.AcceptedResourceRoles) > 0 {
		set := make(map[string]bool, len(spec.AcceptedResourceRoles))
		for _, r := range spec.AcceptedResourceRoles {
			set[r] = true
		}
		return set, false
	}
	switch defaultBehavior {
	case domain.RolesBehaviorUnreserved:
		return map[string]bool{"*": true}, false
	case domain.RolesBehaviorReserved:
		return map[string]bool{spec.Role: true}, false
	default:
		return nil, true
	}
}

func roleAccepted(role string, set map[string]bool, any bool) bool {
	if any {
		return true
	}
	return set[role]
}

// Match attempts to satisfy demand from offer's resources. When a
// reservation is given, resources with a specific role (neither "" nor
// "*") are tried first. It returns ok=false if any scalar or port demand
// cannot be met.
func Match(offer domain.Offer, spec *domain.RunSpec, defaultBehavior domain.AcceptedResourceRolesBehavior, reservation *domain.Reservation) (domain.MatchResult, bool) {
	roles, any := acceptedRoles(spec, defaultBehavior)
	demand := DemandFor(spec)

	var consumed []domain.OfferedResource
	remainingScalars := map[string]float64{
		"cpus": demand.Cpus, "mem": demand.MemMB, "disk": demand.DiskMB, "gpus": demand.GPUs,
	}
	for k, v := range demand.CustomScalars {
		remainingScalars[k] = v
	}

	var portRanges []domain.PortRange

	resources := orderByReservationPreference(offer.Resources, reservation)
	for _, r := range resources {
		if !roleAccepted(r.Role, roles, any) {
			continue
		}
		switch {
		case r.Scalar != nil:
			need, ok := remainingScalars[r.Name]
			if !ok || need <= 0 {
				continue
			}
			take := *r.Scalar
			if take > need {
				take = need
			}
			remainingScalars[r.Name] -= take
			consumed = append(consumed, domain.OfferedResource{Name: r.Name, Role: r.Role, Scalar: &take})

		case r.Name == "ports" && len(r.Ranges) > 0:
			portRanges = append(portRanges, r.Ranges...)
			consumed = append(consumed, r)
		}
	}

	for _, need := range remainingScalars {
		if need > 1e-9 {
			return domain.MatchResult{}, false
		}
	}

	var ports []int
	if len(demand.RequiredPorts) > 0 {
		if !rangesContainAll(portRanges, demand.RequiredPorts) {
			return domain.MatchResult{}, false
		}
		ports = demand.RequiredPorts
	} else if demand.PortCount > 0 {
		picked, ok := pickRandomPorts(portRanges, demand.PortCount)
		if !ok {
			return domain.MatchResult{}, false
		}
		ports = picked
	}

	ops := buildOperations(spec, reservation, ports)

	return domain.MatchResult{Consumed: consumed, Ports: ports, Operations: ops}, true
}

// orderByReservationPreference, when reservation is non-nil, moves
// resources with a specific role (neither "" nor "*") to the front, so
// stateful launches consume reserved resources before unreserved ones. It
// does not compare those roles with the reservation itself.
func orderByReservationPreference(resources []domain.OfferedResource, reservation *domain.Reservation) []domain.OfferedResource {
	if reservation == nil {
		return resources
	}
	out := make([]domain.OfferedResource, 0, len(resources))
	var rest []domain.OfferedResource
	for _, r := range resources {
		if r.Role != "" && r.Role != "*" {
			out = append(out, r)
		} else {
			rest = append(rest, r)
		}
	}
	return append(out, rest...)
}

func rangesContainAll(ranges []domain.PortRange, ports []int) bool {
	for _, p := range ports {
		found := false
		for _, r := range ranges {
			if p >= r.Begin && p <= r.End {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// pickRandomPorts chooses n free ports pseudo-randomly from ranges,
// matching the "chosen pseudo-randomly from the offered ranges" rule.
func pickRandomPorts(ranges []domain.PortRange, n int) ([]int, bool) {
	var pool []int
	for _, r := range ranges {
		for p := r.Begin; p <= r.End; p++ {
			pool = append(pool, p)
		}
	}
	if len(pool) < n {
		return nil, false
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	picked := append([]int(nil), pool[:n]...)
	return picked, true
}

func buildOperations(spec *domain.RunSpec, reservation *domain.Reservation, ports []int) []domain.OfferOp {
	var ops []domain.OfferOp
	if spec.SingleInstanceVolume() && (reservation == nil || reservation.State == domain.ReservationNew) {
		ops = append(ops, domain.OfferOp{Kind: domain.OfferOpReserve})
		ops = append(ops, domain.OfferOp{Kind: domain.OfferOpCreateVolumes})
	}
	launch := domain.OfferOp{Kind: domain.OfferOpLaunch}
	if len(ports) > 0 {
		launch.HostPort = ports[0]
	}
	ops = append(ops, launch)
	return ops
}
