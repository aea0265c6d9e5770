// Package uniquemetrics defines the Prometheus metrics exposed by the
// uniqued daemon.
package uniquemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "uniqued"
	subsystem = "blobstore"
)

// Label names for request-kind metrics.
const (
	labelMethod = "method"
	labelResult = "result"
)

// -------------------------------------------------------------------------
// Collector — Prometheus blob-dedup metrics
// -------------------------------------------------------------------------

// Collector holds all uniqued Prometheus metrics.
//
// Metrics are designed to let an operator verify the dedup invariants from
// outside the process:
//   - Blobs/Peers gauges track live store/table size.
//   - RealSize/ApparentSize gauges realize the spec's size-counter invariant
//     (apparent_size >= real_size) directly as Prometheus gauges; their
//     ratio is the dedup savings ratio, exposed separately as a GaugeFunc.
//   - Requests counts MakeUnique/Forget calls by outcome for alerting.
type Collector struct {
	// Blobs tracks the number of distinct blobs currently in the store.
	Blobs prometheus.Gauge

	// Peers tracks the number of peers currently tracked.
	Peers prometheus.Gauge

	// RealSize tracks the sum of blob.Len over live blobs -- bytes actually
	// resident in memory.
	RealSize prometheus.Gauge

	// ApparentSize tracks the sum of blob.Len over live per-peer handle
	// entries -- bytes callers would have spent without dedup.
	ApparentSize prometheus.Gauge

	// SavingsRatio reports ApparentSize/RealSize (1 when the store is empty).
	SavingsRatio prometheus.GaugeFunc

	// Requests counts MakeUnique/Forget invocations labeled by method and
	// result ("hit", "miss", "invalid_args", "internal", "ok").
	Requests *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used. All metrics carry the
// "uniqued_blobstore_" prefix (namespace_subsystem) to avoid collisions with
// other exporters sharing the same process.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Blobs,
		c.Peers,
		c.RealSize,
		c.ApparentSize,
		c.SavingsRatio,
		c.Requests,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	c := &Collector{
		Blobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blobs",
			Help:      "Number of distinct content-addressed blobs currently held.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Number of bus peers currently tracked; a peer stays tracked until it disconnects from the bus.",
		}),
		RealSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "real_size_bytes",
			Help:      "Sum of blob length over live blobs: bytes actually resident.",
		}),
		ApparentSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "apparent_size_bytes",
			Help:      "Sum of blob length over live per-peer handle entries: bytes callers would have spent without dedup.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total MakeUnique/Forget invocations by outcome.",
		}, []string{labelMethod, labelResult}),
	}

	c.SavingsRatio = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "savings_ratio",
		Help:      "ApparentSize / RealSize; 1 when the store is empty.",
	}, func() float64 {
		real := readGauge(c.RealSize)
		if real == 0 {
			return 1
		}
		return readGauge(c.ApparentSize) / real
	})

	return c
}

func readGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// -------------------------------------------------------------------------
// Store Snapshot
// -------------------------------------------------------------------------

// SetStoreStats sets the store-derived gauges in one call, called by the
// daemon's event loop after every state-mutating operation.
func (c *Collector) SetStoreStats(blobs, peers int, realSize, apparentSize int64) {
	c.Blobs.Set(float64(blobs))
	c.Peers.Set(float64(peers))
	c.RealSize.Set(float64(realSize))
	c.ApparentSize.Set(float64(apparentSize))
}

// -------------------------------------------------------------------------
// Request Outcomes
// -------------------------------------------------------------------------

// ObserveMakeUnique records the outcome of a MakeUnique call: "hit" or
// "miss" on success, "invalid_args" or "internal" on failure.
func (c *Collector) ObserveMakeUnique(result string) {
	c.Requests.WithLabelValues("MakeUnique", result).Inc()
}

// ObserveForget records the outcome of a Forget call: "ok", "invalid_args"
// or "internal".
func (c *Collector) ObserveForget(result string) {
	c.Requests.WithLabelValues("Forget", result).Inc()
}
