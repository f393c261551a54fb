// Package metrics provides Prometheus metrics for bitrate adaptation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StallsTotal counts stall observations by outcome (transient, nontrivial, ignored).
	StallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexrate_stalls_total",
		Help: "Total number of stall signals observed, by outcome.",
	}, []string{"outcome"})

	// DowngradesTotal counts downgrade attempts by result.
	DowngradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexrate_downgrades_total",
		Help: "Total number of downgrade attempts, by result (applied, already_tightened, no_lower_variant, unknown_bitrate).",
	}, []string{"result"})

	// ReloadsTotal counts resource reloads triggered by re-ranking.
	ReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexrate_reloads_total",
		Help: "Total number of resource reloads after re-ranking, by cause (stalled, sweep, manage).",
	}, []string{"cause"})

	// SessionsPruned counts registry entries removed because their resource was released.
	SessionsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexrate_sessions_pruned_total",
		Help: "Total number of managed sessions pruned after release.",
	})

	// ManagedSessions is the current registry size.
	ManagedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flexrate_managed_sessions",
		Help: "Number of sessions currently in the registry.",
	})

	// AcceptableBitrate is the controller-wide ceiling in kbps.
	AcceptableBitrate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flexrate_acceptable_bitrate_kbps",
		Help: "Current controller-wide acceptable bitrate ceiling in kbps.",
	})

	// CatalogLoadsTotal counts catalog loads by path (inline, network) and result.
	CatalogLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexrate_catalog_loads_total",
		Help: "Total number of catalog loads, by path and result.",
	}, []string{"path", "result"})
)

// RecordStall increments the stall counter for outcome.
func RecordStall(outcome string) {
	StallsTotal.WithLabelValues(outcome).Inc()
}

// RecordDowngrade increments the downgrade counter for result.
func RecordDowngrade(result string) {
	DowngradesTotal.WithLabelValues(result).Inc()
}

// RecordReload increments the reload counter for cause.
func RecordReload(cause string) {
	ReloadsTotal.WithLabelValues(cause).Inc()
}

// RecordCatalogLoad increments the catalog load counter.
func RecordCatalogLoad(path, result string) {
	CatalogLoadsTotal.WithLabelValues(path, result).Inc()
}
