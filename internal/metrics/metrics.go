// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts admin HTTP requests.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// LocksCreatedTotal counts resource lock instances created, by factory scope.
	LocksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resource_locks_created_total",
			Help: "Total number of resource lock instances created.",
		},
		[]string{"scope"},
	)

	// ActiveLocalLocks tracks lock instances live in this process.
	ActiveLocalLocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resource_locks_active",
			Help: "Number of resource lock instances live in this process.",
		},
		[]string{"scope"},
	)

	// LockAcquisitionsTotal counts semaphore-level acquisitions (reentrant
	// holds are not counted).
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resource_lock_acquisitions_total",
			Help: "Total number of lock acquisitions that took semaphore permits.",
		},
		[]string{"mode"}, // shared, exclusive, upgrade
	)

	// ReferenceReleasesTotal counts returned distributed reference permits.
	ReferenceReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resource_lock_reference_releases_total",
			Help: "Total number of distributed lock references returned.",
		},
		[]string{"result"},
	)

	// SweepOutcomesTotal counts per-name sweep results.
	SweepOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resource_lock_sweep_total",
			Help: "Total number of per-resource sweep attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// BroadcastFailuresTotal counts cluster members that failed an admin broadcast.
	BroadcastFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_broadcast_failures_total",
			Help: "Total number of cluster members that failed to answer an admin broadcast.",
		},
		[]string{"operation"},
	)
)
