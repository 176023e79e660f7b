// Package metrics exposes the operational counters/gauges named across the
// spec (dispatcher's getStatistics(), registry connection counts, queue
// depth) as Prometheus collectors, grounded on the client_golang dependency
// carried by the wider example pack (arkeep-io-arkeep, jordigilh-kubernaut,
// warren) rather than any one teacher file — the teacher itself has no
// metrics layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the process-wide set of OrbitMesh collectors. Callers embed
// one in their component and call the Inc/Set helpers directly; a nil
// *Registry is safe to use (all methods no-op), so components can be
// constructed without metrics wired in tests.
type Registry struct {
	TotalDispatched prometheus.Counter
	TotalFailed     prometheus.Counter
	PendingJobs     prometheus.Gauge
	RunningJobs     prometheus.Gauge
	ConnectedAgents prometheus.Gauge
	AgentsByStatus  *prometheus.GaugeVec
	DeadLettered    prometheus.Counter
	TimeoutsHandled prometheus.Counter
}

// New registers and returns a Registry against reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions across packages.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		TotalDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "orbitmesh_jobs_dispatched_total",
			Help: "Total jobs successfully dispatched to an agent.",
		}),
		TotalFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orbitmesh_jobs_dispatch_failed_total",
			Help: "Total dispatch attempts that failed.",
		}),
		PendingJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orbitmesh_jobs_pending",
			Help: "Current number of Pending jobs.",
		}),
		RunningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orbitmesh_jobs_running",
			Help: "Current number of Running jobs.",
		}),
		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orbitmesh_agents_connected",
			Help: "Current number of registered agents with a live connection.",
		}),
		AgentsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orbitmesh_agents_by_status",
			Help: "Current number of agents per status.",
		}, []string{"status"}),
		DeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "orbitmesh_jobs_dead_lettered_total",
			Help: "Total jobs moved to the dead-letter queue.",
		}),
		TimeoutsHandled: factory.NewCounter(prometheus.CounterOpts{
			Name: "orbitmesh_jobs_timeouts_total",
			Help: "Total ACK/execution timeouts handled.",
		}),
	}
}

func (r *Registry) incDispatched() {
	if r == nil {
		return
	}
	r.TotalDispatched.Inc()
}

func (r *Registry) incFailed() {
	if r == nil {
		return
	}
	r.TotalFailed.Inc()
}

// IncDispatched and IncFailed are exported entry points for the dispatcher.
func (r *Registry) IncDispatched() { r.incDispatched() }
func (r *Registry) IncFailed()     { r.incFailed() }

func (r *Registry) SetPendingJobs(n int) {
	if r == nil {
		return
	}
	r.PendingJobs.Set(float64(n))
}

func (r *Registry) SetRunningJobs(n int) {
	if r == nil {
		return
	}
	r.RunningJobs.Set(float64(n))
}

func (r *Registry) SetConnectedAgents(n int) {
	if r == nil {
		return
	}
	r.ConnectedAgents.Set(float64(n))
}

func (r *Registry) SetAgentsByStatus(status string, n int) {
	if r == nil {
		return
	}
	r.AgentsByStatus.WithLabelValues(status).Set(float64(n))
}

func (r *Registry) IncDeadLettered() {
	if r == nil {
		return
	}
	r.DeadLettered.Inc()
}

func (r *Registry) IncTimeoutsHandled() {
	if r == nil {
		return
	}
	r.TimeoutsHandled.Inc()
}
