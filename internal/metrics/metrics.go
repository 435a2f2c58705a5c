// Package metrics provides Prometheus instrumentation and derived
// event-record computation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetd"

var vmLifetimeBuckets = []float64{60, 300, 600, 1800, 3600, 7200, 14400}

// Collectors bundles every gauge/counter/histogram fleetd exposes.
type Collectors struct {
	Up prometheus.Gauge

	RunnersTotal    prometheus.Gauge
	RunnersByState  *prometheus.GaugeVec
	ReconcileErrors prometheus.Counter

	VMCreationDuration *prometheus.HistogramVec
	VMLifetimeDuration *prometheus.HistogramVec
	ReconcileDuration  prometheus.Histogram
}

// New registers and returns the full set of collectors. Call once per
// process; it panics on duplicate registration, matching promauto's
// lineage-project usage.
func New() *Collectors {
	return &Collectors{
		Up: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "up",
			Help:      "Whether the fleetd server is up.",
		}),
		RunnersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runnermanager",
			Name:      "runners_total",
			Help:      "Total number of runners currently known to the manager.",
		}),
		RunnersByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runnermanager",
			Name:      "runners_by_state",
			Help:      "Number of runners in each platform state.",
		}, []string{"state"}),
		ReconcileErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "reconcile_errors_total",
			Help:      "Total number of failed reconcile ticks.",
		}),
		VMCreationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runnermanager",
			Name:      "vm_creation_duration_seconds",
			Help:      "Duration of VM creation from launch call to active.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"flavor"}),
		VMLifetimeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runnermanager",
			Name:      "vm_lifetime_duration_seconds",
			Help:      "Duration a VM lived from creation to deletion.",
			Buckets:   vmLifetimeBuckets,
		}, []string{"flavor"}),
		ReconcileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of a single reconcile tick.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// SetUp marks the server as up.
func (c *Collectors) SetUp() { c.Up.Set(1) }

// SetDown marks the server as down (called from shutdown paths).
func (c *Collectors) SetDown() { c.Up.Set(0) }
