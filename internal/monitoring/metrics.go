package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redbco/redb-swarm/internal/consensus"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "swarm"

// Metrics records router and consensus telemetry on a private registry. It
// satisfies both routing.Observer and consensus.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Router metrics
	MessagesRouted  *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	DeliveryLatency *prometheus.HistogramVec
	Retries         *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	Aggressiveness  prometheus.Gauge

	// Consensus metrics
	ProposalsSubmitted *prometheus.CounterVec
	ProposalsResolved  *prometheus.CounterVec
	ResolutionLatency  *prometheus.HistogramVec
	VotesRejected      *prometheus.CounterVec
	RaftRole           *prometheus.GaugeVec
	RaftTerm           *prometheus.GaugeVec
	CommitIndex        *prometheus.GaugeVec
}

// NewMetrics creates metrics registered on a new registry together with the
// Go runtime and process collectors
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_routed_total",
			Help:      "Messages that passed validation and were dispatched, by strategy",
		}, []string{"strategy"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "deliveries_total",
			Help:      "Transport send attempts, by outcome",
		}, []string{"result"}),
		DeliveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "delivery_latency_seconds",
			Help:      "Transport send latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"result"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "retries_scheduled_total",
			Help:      "Retries scheduled after a failed delivery, by destination",
		}, []string{"destination"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "failures_total",
			Help:      "Messages that failed permanently, by reason",
		}, []string{"reason"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per destination (0 closed, 1 half-open, 2 open)",
		}, []string{"destination"}),
		Aggressiveness: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "aggressiveness",
			Help:      "Current load balancer aggressiveness",
		}),

		ProposalsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "proposals_submitted_total",
			Help:      "Proposals submitted on this node, by algorithm",
		}, []string{"algorithm"}),
		ProposalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "proposals_resolved_total",
			Help:      "Proposals resolved on this node, by algorithm and status",
		}, []string{"algorithm", "status"}),
		ResolutionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "resolution_latency_seconds",
			Help:      "Time from submission to resolution in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"algorithm"}),
		VotesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "votes_rejected_total",
			Help:      "Votes refused, by reason",
		}, []string{"reason"}),
		RaftRole: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "raft_role",
			Help:      "Leader-replication role (0 follower, 1 candidate, 2 leader)",
		}, []string{"node"}),
		RaftTerm: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "raft_term",
			Help:      "Current leader-replication term",
		}, []string{"node"}),
		CommitIndex: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "raft_commit_index",
			Help:      "Highest committed log index",
		}, []string{"node"}),
	}
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gauge registers a gauge sampled from fn at scrape time
func (m *Metrics) Gauge(namespace, subsystem, name, help string, fn func() float64) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Metrics) MessageRouted(strategy string) {
	m.MessagesRouted.WithLabelValues(strategy).Inc()
}

func (m *Metrics) DeliveryCompleted(destination string, success bool, latency time.Duration) {
	m.Deliveries.WithLabelValues(outcome(success)).Inc()
	m.DeliveryLatency.WithLabelValues(outcome(success)).Observe(latency.Seconds())
}

func (m *Metrics) RetryScheduled(destination string) {
	m.Retries.WithLabelValues(destination).Inc()
}

func (m *Metrics) MessageFailed(reason string) {
	m.Failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) BreakerStateChanged(destination string, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(destination).Set(v)
}

func (m *Metrics) AggressivenessChanged(value float64) {
	m.Aggressiveness.Set(value)
}

func (m *Metrics) ProposalSubmitted(algorithm string) {
	m.ProposalsSubmitted.WithLabelValues(algorithm).Inc()
}

func (m *Metrics) ProposalResolved(algorithm string, status consensus.Status, elapsed time.Duration) {
	m.ProposalsResolved.WithLabelValues(algorithm, status.String()).Inc()
	m.ResolutionLatency.WithLabelValues(algorithm).Observe(elapsed.Seconds())
}

func (m *Metrics) VoteRejected(reason string) {
	m.VotesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RoleChanged(nodeID string, role consensus.Role, term uint64) {
	m.RaftRole.WithLabelValues(nodeID).Set(float64(role))
	m.RaftTerm.WithLabelValues(nodeID).Set(float64(term))
}

func (m *Metrics) CommitAdvanced(nodeID string, index uint64) {
	m.CommitIndex.WithLabelValues(nodeID).Set(float64(index))
}
