// Package metrics exposes Prometheus metrics for scrape cycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace is the namespace for all edgewatch metrics.
	Namespace = "edgewatch"

	// Subsystem is the subsystem for scraper metrics.
	Subsystem = "scraper"
)

// Metrics holds all scraper metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CyclesTotal          *prometheus.CounterVec
	CycleDurationSeconds *prometheus.HistogramVec
	EdgesAppendedTotal   *prometheus.CounterVec
	VersionConflicts     *prometheus.CounterVec
	EntitiesCreatedTotal *prometheus.CounterVec
	ProfilesRefreshed    *prometheus.CounterVec
	RateLimitRemaining   *prometheus.GaugeVec
	LockBusyTotal        *prometheus.CounterVec
}

// New creates and registers the scraper metrics on reg
// (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "cycles_total",
			Help:      "Scrape cycles by final state (done, aborted, failed) and reason",
		}, []string{"scraper", "state", "reason"}),

		CycleDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of scrape cycles in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"scraper", "mode"}),

		EdgesAppendedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "edges_appended_total",
			Help:      "Edge versions appended to the edge log by status",
		}, []string{"scraper", "status"}),

		VersionConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "edge_version_conflicts_total",
			Help:      "Edge appends retried after losing a version race",
		}, []string{"scraper"}),

		EntitiesCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "entities_created_total",
			Help:      "External entities created on first sight",
		}, []string{"scraper"}),

		ProfilesRefreshed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "profiles_refreshed_total",
			Help:      "Watched account profiles refreshed",
		}, []string{"scraper"}),

		RateLimitRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "rate_limit_remaining",
			Help:      "Remaining requests reported by the last API response",
		}, []string{"scraper"}),

		LockBusyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "lock_busy_total",
			Help:      "Ticks skipped because another process held the scraper lock",
		}, []string{"scraper"}),
	}
}

// ObserveCycle records the outcome and duration of one cycle.
func (m *Metrics) ObserveCycle(scraper, mode, state, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(scraper, state, reason).Inc()
	m.CycleDurationSeconds.WithLabelValues(scraper, mode).Observe(d.Seconds())
}

// AddEdges counts appended edge versions.
func (m *Metrics) AddEdges(scraper string, connected, disconnected, conflicts int) {
	if m == nil {
		return
	}
	m.EdgesAppendedTotal.WithLabelValues(scraper, "CONNECTED").Add(float64(connected))
	m.EdgesAppendedTotal.WithLabelValues(scraper, "DISCONNECTED").Add(float64(disconnected))
	m.VersionConflicts.WithLabelValues(scraper).Add(float64(conflicts))
}

// AddEntitiesCreated counts entities created while resolving a fetch.
func (m *Metrics) AddEntitiesCreated(scraper string, n int) {
	if m == nil {
		return
	}
	m.EntitiesCreatedTotal.WithLabelValues(scraper).Add(float64(n))
}

// IncProfilesRefreshed counts one refreshed profile.
func (m *Metrics) IncProfilesRefreshed(scraper string) {
	if m == nil {
		return
	}
	m.ProfilesRefreshed.WithLabelValues(scraper).Inc()
}

// SetRemaining records the remaining request budget.
func (m *Metrics) SetRemaining(scraper string, remaining int) {
	if m == nil {
		return
	}
	m.RateLimitRemaining.WithLabelValues(scraper).Set(float64(remaining))
}

// IncLockBusy counts a tick skipped on a busy advisory lock.
func (m *Metrics) IncLockBusy(scraper string) {
	if m == nil {
		return
	}
	m.LockBusyTotal.WithLabelValues(scraper).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
