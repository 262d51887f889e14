package domain

import "time"

// RunSpecKind distinguishes an App (single task per instance) from a Pod
// (one task per container).
type RunSpecKind string

const (
	RunSpecApp RunSpecKind = "app"
	RunSpecPod RunSpecKind = "pod"
)

// AcceptedResourceRolesBehavior is the process-wide default used when a
// RunSpec does not declare its own AcceptedResourceRoles.
type AcceptedResourceRolesBehavior string

const (
	RolesBehaviorAny        AcceptedResourceRolesBehavior = "any"
	RolesBehaviorUnreserved AcceptedResourceRolesBehavior = "unreserved"
	RolesBehaviorReserved   AcceptedResourceRolesBehavior = "reserved"
)

// ResourceSpec is a bag of scalar/range/set resource demands. Cpus, MemMB,
// DiskMB and GPUs are the well-known scalars; CustomScalars/Ranges/Sets hold
// anything the run-spec declares beyond those.
type ResourceSpec struct {
	Cpus          float64
	MemMB         float64
	DiskMB        float64
	GPUs          float64
	CustomScalars map[string]float64
	CustomRanges  map[string][]PortRange
	CustomSets    map[string][]string
}

// PortRange is an inclusive [Begin, End] range, matching how the offer bus
// advertises port resources.
type PortRange struct {
	Begin int
	End   int
}

// Endpoint is a container's declared network port. HealthChecks reference
// one by index.
type Endpoint struct {
	Name          string
	ContainerPort int
	// HostPort is 0 for a dynamic port (assigned from an offered range at
	// launch time) or an explicit value when RequirePorts is set on the
	// owning ContainerSpec.
	HostPort int
	Protocol string // "tcp" or "udp"
}

// VolumeType distinguishes the four volume kinds a RunSpec can declare.
type VolumeType string

const (
	VolumeEphemeral         VolumeType = "ephemeral"
	VolumeHost              VolumeType = "host"
	VolumePersistentLocal   VolumeType = "persistent-local"
	VolumePersistentExternal VolumeType = "persistent-external"
)

// VolumeSpec declares a volume a RunSpec's containers can mount.
type VolumeSpec struct {
	Name         string
	Type         VolumeType
	HostPath     string // for VolumeHost
	SizeMB       int64  // for persistent volumes
	ExternalName string // for VolumePersistentExternal
}

// VolumeMount attaches a declared volume to a container path.
type VolumeMount struct {
	VolumeName string
	MountPath  string
	ReadOnly   bool
}

// HealthCheckType is the mechanism a health check uses.
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
	HealthCheckExec HealthCheckType = "exec"
)

// HealthCheck declares how to probe one endpoint of a container.
type HealthCheck struct {
	Type                   HealthCheckType
	EndpointIndex          int // index into the owning ContainerSpec.Endpoints
	Path                   string // for HTTP
	Command                []string // for Exec
	IntervalSeconds        int
	TimeoutSeconds         int
	MaxConsecutiveFailures int
	GracePeriodSeconds     int
}

// ContainerSpec is one container inside a RunSpec (there is exactly one for
// an App; a Pod declares several).
type ContainerSpec struct {
	Name         string
	Image        string
	Command      []string
	Resources    ResourceSpec
	Endpoints    []Endpoint
	RequirePorts bool
	HealthChecks []HealthCheck
	VolumeMounts []VolumeMount
}

// NetworkMode is "host", "container-bridge", or "container/<name>".
type NetworkMode struct {
	Mode string // "host" | "container-bridge" | "container"
	Name string // populated when Mode == "container"
}

// ConstraintOperator enumerates the placement constraint operators.
type ConstraintOperator string

const (
	ConstraintUnique  ConstraintOperator = "UNIQUE"
	ConstraintCluster ConstraintOperator = "CLUSTER"
	ConstraintLike    ConstraintOperator = "LIKE"
	ConstraintUnlike  ConstraintOperator = "UNLIKE"
	ConstraintGroupBy ConstraintOperator = "GROUP_BY"
	ConstraintMaxPer  ConstraintOperator = "MAX_PER"
	ConstraintIs      ConstraintOperator = "IS"
)

// FieldHostname is the reserved constraint field meaning "the offer's host".
// Any other Field value names an agent attribute.
const FieldHostname = "hostname"

// Constraint is one placement rule: (field, operator, value?).
type Constraint struct {
	Field    string
	Operator ConstraintOperator
	Value    string // operator-dependent; "" when not applicable
}

// UpgradeStrategy bounds how much a restart may shrink or grow capacity.
type UpgradeStrategy struct {
	MinimumHealthCapacity float64 // in [0,1]
	MaximumOverCapacity   float64 // >= 0
}

// BackoffPolicy controls the launch queue's exponential backoff.
type BackoffPolicy struct {
	Base           time.Duration
	Factor         float64
	MaxLaunchDelay time.Duration
}

// DefaultBackoffPolicy is a 1s base delay that grows by a factor of 1.15
// per consecutive failure, capped at 1h.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Factor: 1.15, MaxLaunchDelay: time.Hour}
}

// UnreachableBehavior is either disabled or Enabled(inactiveAfter, expungeAfter).
type UnreachableBehavior struct {
	Enabled       bool
	InactiveAfter time.Duration
	ExpungeAfter  time.Duration
}

// RunSpec is the polymorphic App|Pod specification. Identifier is an
// absolute, slash-separated path; the prefix segments form the implicit
// Group hierarchy.
type RunSpec struct {
	ID      string // absolute path, e.g. "/payments/api"
	Kind    RunSpecKind
	Version time.Time // monotone per ID

	Instances int

	Containers []ContainerSpec
	Volumes    []VolumeSpec
	Networks   []NetworkMode

	Constraints     []Constraint
	UpgradeStrategy UpgradeStrategy
	Backoff         BackoffPolicy
	Dependencies    []string // other RunSpec paths

	Labels      map[string]string
	Env         map[string]string
	Secrets     map[string]string
	FetchURIs   []string

	AcceptedResourceRoles []string
	Role                  string

	UnreachableStrategy UnreachableBehavior
	// TaskKillGracePeriod overrides the kill service's default grace
	// period for this run-spec's tasks.
	TaskKillGracePeriod time.Duration
}

// SingleInstanceVolume reports whether this RunSpec declares a persistent
// external volume, which caps it at one instance (single-writer volume).
func (r *RunSpec) SingleInstanceVolume() bool {
	for _, v := range r.Volumes {
		if v.Type == VolumePersistentExternal {
			return true
		}
	}
	return false
}

// Group is a path-prefix node in the desired-state tree. AppIDs/PodIDs name
// RunSpec paths that live directly under this group; Groups holds child
// group nodes.
type Group struct {
	ID           string
	AppIDs       []string
	PodIDs       []string
	Groups       []*Group
	Dependencies []string
	Version      time.Time
	EnforceRole  bool
}

// Walk calls fn for this group and every descendant, depth-first.
func (g *Group) Walk(fn func(*Group)) {
	if g == nil {
		return
	}
	fn(g)
	for _, c := range g.Groups {
		c.Walk(fn)
	}
}

// InstanceCondition is the observed state of an instance.
type InstanceCondition string

const (
	ConditionScheduled           InstanceCondition = "Scheduled"
	ConditionProvisioned         InstanceCondition = "Provisioned"
	ConditionReserved            InstanceCondition = "Reserved"
	ConditionCreated             InstanceCondition = "Created"
	ConditionStaging             InstanceCondition = "Staging"
	ConditionStarting            InstanceCondition = "Starting"
	ConditionRunning             InstanceCondition = "Running"
	ConditionKilling             InstanceCondition = "Killing"
	ConditionKilled              InstanceCondition = "Killed"
	ConditionFailed              InstanceCondition = "Failed"
	ConditionFinished            InstanceCondition = "Finished"
	ConditionError               InstanceCondition = "Error"
	ConditionGone                InstanceCondition = "Gone"
	ConditionDropped             InstanceCondition = "Dropped"
	ConditionUnreachable         InstanceCondition = "Unreachable"
	ConditionUnreachableInactive InstanceCondition = "UnreachableInactive"
	ConditionUnknown             InstanceCondition = "Unknown"
)

// Terminal reports whether an instance in this condition will never
// transition again without operator intervention (goal change / expunge).
func (c InstanceCondition) Terminal() bool {
	switch c {
	case ConditionFailed, ConditionFinished, ConditionError, ConditionGone, ConditionDropped, ConditionKilled:
		return true
	default:
		return false
	}
}

// Goal is the operator's intent for an instance.
type Goal string

const (
	GoalRunning       Goal = "Running"
	GoalStopped       Goal = "Stopped"
	GoalDecommissioned Goal = "Decommissioned"
)

// AgentInfo is populated once an instance has been placed on an agent.
type AgentInfo struct {
	Host       string
	AgentID    string
	Attributes map[string]string
}

// ReservationStateKind is New, Launched or Suspended (see Reservation).
type ReservationStateKind string

const (
	ReservationNew       ReservationStateKind = "New"
	ReservationLaunched  ReservationStateKind = "Launched"
	ReservationSuspended ReservationStateKind = "Suspended"
)

// Reservation is a persistent claim on agent-local resources tied to an
// instance's external volumes. Timeout applies only to New and Suspended.
type Reservation struct {
	LocalVolumeIDs []string
	State          ReservationStateKind
	Timeout        *time.Time
}

// TaskCondition mirrors InstanceCondition at the single-task granularity;
// the state machine folds a task-map's conditions into one instance
// condition via the agreement/any-match lists in statemachine's
// resolveCondition.
type TaskCondition = InstanceCondition

// Task is the offer-bus-visible unit inside an instance.
type Task struct {
	ID            string // instance-id + container discriminator
	InstanceID    string
	ContainerName string // "" for an App's single task

	StagedAt  time.Time
	StartedAt time.Time

	Condition TaskCondition
	// Healthy is nil until the task has reported at least one health
	// check result.
	Healthy *bool

	HostPorts []int
}

// Instance is a scheduled incarnation of a RunSpec.
type Instance struct {
	ID             string
	RunSpecID      string
	RunSpecVersion time.Time

	AgentInfo *AgentInfo

	Condition InstanceCondition
	Goal      Goal
	// Healthy is the instance-level health rollup: nil if no task
	// reports health, true iff every reporting task is healthy.
	Healthy *bool

	Tasks map[string]*Task

	Reservation *Reservation

	UnreachableStrategy UnreachableBehavior
	// UnreachableSince is set when Condition first becomes Unreachable,
	// used to compute the inactiveAfter/expungeAfter deadlines.
	UnreachableSince *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllTasksTerminal reports whether every task in the instance has reached a
// terminal condition.
func (i *Instance) AllTasksTerminal() bool {
	if len(i.Tasks) == 0 {
		return false
	}
	for _, t := range i.Tasks {
		if !t.Condition.Terminal() {
			return false
		}
	}
	return true
}

// ActionType enumerates the kinds of deployment-plan actions.
type ActionType string

const (
	ActionResolveArtifacts ActionType = "ResolveArtifacts"
	ActionStop             ActionType = "Stop"
	ActionStart            ActionType = "Start"
	ActionScaleTo          ActionType = "ScaleTo"
	ActionRestart          ActionType = "Restart"
)

// Action is one unit of work within a Step, targeting a single RunSpec.
type Action struct {
	Type      ActionType
	RunSpecID string
	ScaleTo   int // meaningful for ActionScaleTo
}

// Step is a set of Actions that may execute concurrently; Steps within a
// Plan execute in order.
type Step struct {
	Actions []Action
}

// PlanStatus is the lifecycle state of a DeploymentPlan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "Pending"
	PlanRunning   PlanStatus = "Running"
	PlanComplete  PlanStatus = "Complete"
	PlanFailed    PlanStatus = "Failed"
	PlanCancelled PlanStatus = "Cancelled"
)

// DeploymentPlan is the ordered sequence of Steps needed to converge
// OriginalGroup to TargetGroup.
type DeploymentPlan struct {
	ID            string
	OriginalGroup *Group
	TargetGroup   *Group
	Steps         []Step
	Version       time.Time

	Status           PlanStatus
	CurrentStepIndex int
}

// OfferedResource is one resource slice within an Offer, still carrying the
// role it was advertised under (needed to release it correctly later).
type OfferedResource struct {
	Name   string // "cpus", "mem", "disk", "gpus", "ports", or a custom name
	Role   string
	Scalar *float64
	Ranges []PortRange
	Set    []string
}

// Offer is a resource advertisement from the offer bus.
type Offer struct {
	ID         string
	AgentID    string
	Host       string
	Attributes map[string]string
	Resources  []OfferedResource
}

// OfferOpKind enumerates the operations the launcher may emit against a
// matched offer.
type OfferOpKind string

const (
	OfferOpReserve       OfferOpKind = "RESERVE"
	OfferOpUnreserve     OfferOpKind = "UNRESERVE"
	OfferOpCreateVolumes OfferOpKind = "CREATE"
	OfferOpDestroy       OfferOpKind = "DESTROY"
	OfferOpLaunch        OfferOpKind = "LAUNCH"
)

// OfferOp is one operation the launcher must emit to acceptOffer.
type OfferOp struct {
	Kind     OfferOpKind
	TaskID   string
	HostPort int
}

// MatchResult is what the resource matcher returns for a successful match.
type MatchResult struct {
	Consumed   []OfferedResource
	Ports      []int
	Operations []OfferOp
}
