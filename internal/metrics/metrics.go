// Package metrics registers the orchestrator's Prometheus instruments.
// Exposition (the /metrics HTTP handler) is left to the embedding process;
// this package only owns the instruments themselves, named with the
// orchestrator_* prefix.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_instances_total",
			Help: "Total number of instances by condition",
		},
		[]string{"condition"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_tasks_total",
			Help: "Total number of tasks by condition",
		},
		[]string{"condition"},
	)

	RunSpecsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_run_specs_total",
			Help: "Total number of run specs under management",
		},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MatchingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_matching_latency_seconds",
			Help:    "Time taken to evaluate an offer against the launch queue",
			Buckets: prometheus.DefBuckets,
		},
	)

	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_launches_total",
			Help: "Total number of launch attempts by outcome",
		},
		[]string{"outcome"},
	)

	LaunchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_launch_queue_depth",
			Help: "Number of instances currently waiting in the launch queue",
		},
	)

	KillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_kills_total",
			Help: "Total number of kill attempts by outcome",
		},
		[]string{"outcome"},
	)

	KillQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_kill_queue_depth",
			Help: "Number of tasks currently pending in the kill service",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	OverdueInstancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_overdue_instances_total",
			Help: "Total number of instances flagged overdue",
		},
	)

	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	DeploymentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_deployment_duration_seconds",
			Help:    "Deployment duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	EventQueueDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_event_queue_drops_total",
			Help: "Total number of events dropped due to a full subscriber queue",
		},
		[]string{"subscriber"},
	)

	OfferBusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_offerbus_events_total",
			Help: "Total number of offer-bus events received by kind",
		},
		[]string{"kind"},
	)

	OfferBusConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_offerbus_connected",
			Help: "Whether the offer-bus connection is currently registered (1) or not (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesTotal,
		TasksTotal,
		RunSpecsTotal,
		RaftLeader,
		RaftPeers,
		RaftAppliedIndex,
		RaftApplyDuration,
		MatchingLatency,
		LaunchesTotal,
		LaunchQueueDepth,
		KillsTotal,
		KillQueueDepth,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		OverdueInstancesTotal,
		DeploymentsTotal,
		DeploymentDuration,
		EventQueueDropsTotal,
		OfferBusEventsTotal,
		OfferBusConnected,
	)
}

// Timer helps time an operation and record it to a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
