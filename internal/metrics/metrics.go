// Package metrics exposes the controller's Prometheus collectors, grounded
// on the teacher's cachepkg/cache.go prometheus vars block.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// QueueDepth is the number of jobs currently held by the worker build
	// queuer, whether assigned or still waiting.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "distbuildctl_queue_depth",
		Help: "Number of jobs currently tracked by the worker build queuer.",
	})

	// ActiveBuilds is the number of live BuildController instances.
	ActiveBuilds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "distbuildctl_active_builds",
		Help: "Number of build-requests currently being driven to completion.",
	})

	// WorkerPoolSize is the number of connected worker sockets, by state.
	// It is registered, but no code in this repository sets it.
	WorkerPoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "distbuildctl_worker_pool_size",
		Help: "Number of worker connections, partitioned by state.",
	}, []string{"state"})

	// HelperPoolSize is the number of connected helper sockets, by
	// readiness. It is registered, but no code in this repository sets it.
	HelperPoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "distbuildctl_helper_pool_size",
		Help: "Number of helper connections, partitioned by readiness.",
	}, []string{"ready"})

	// CacheQueries counts cache-server queries by outcome. It is
	// registered, but no code in this repository increments it.
	CacheQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "distbuildctl_cache_queries_total",
		Help: "Total cache-server /1.0/artifacts queries, by outcome.",
	}, []string{"outcome"})

	// BuildsCompleted counts finished builds by outcome (finished/failed).
	BuildsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "distbuildctl_builds_completed_total",
		Help: "Total builds that reached a terminal state, by outcome.",
	}, []string{"outcome"})
)

// Register registers every collector above with reg; cmd/controller calls
// it with the default registry, which promhttp serves.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(QueueDepth, ActiveBuilds, WorkerPoolSize, HelperPoolSize, CacheQueries, BuildsCompleted)
}
