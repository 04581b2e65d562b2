// Package metrics holds the Prometheus collectors shared by both cache layers
// and the playback controller. All recorder methods are nil-safe so that
// components built without metrics (tests, one-shot CLI modes) skip recording.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cache layers used as the "layer" label.
const (
	LayerApp     = "app"
	LayerNetwork = "network"
)

// Lookup results used as the "result" label.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultExpired  = "expired"
	ResultFallback = "fallback"
	ResultOffline  = "offline"
)

// Metrics holds all Prometheus metrics for the cache subsystem.
type Metrics struct {
	Lookups      *prometheus.CounterVec
	FetchErrors  *prometheus.CounterVec
	FetchedBytes *prometheus.CounterVec
	Fallbacks    prometheus.Counter
	Evictions    *prometheus.CounterVec
}

// New creates and registers all metrics with the provided registry.
func New(reg prometheus.Registerer) *Metrics {
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hisnul_cache_lookups_total",
		Help: "Cache lookups by layer and result",
	}, []string{"layer", "result"})

	fetchErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hisnul_cache_fetch_errors_total",
		Help: "Failed cache operations by layer and error kind",
	}, []string{"layer", "kind"})

	fetchedBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hisnul_cache_fetched_bytes_total",
		Help: "Bytes fetched from the network by layer",
	}, []string{"layer"})

	fallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hisnul_playback_fallbacks_total",
		Help: "Playback loads that bypassed the cache and used the raw URL",
	})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hisnul_cache_evictions_total",
		Help: "Entries or namespaces removed by layer",
	}, []string{"layer"})

	reg.MustRegister(lookups, fetchErrors, fetchedBytes, fallbacks, evictions)

	return &Metrics{
		Lookups:      lookups,
		FetchErrors:  fetchErrors,
		FetchedBytes: fetchedBytes,
		Fallbacks:    fallbacks,
		Evictions:    evictions,
	}
}

// Lookup counts one cache lookup.
func (m *Metrics) Lookup(layer, result string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(layer, result).Inc()
}

// FetchError counts one failed operation of the given kind.
func (m *Metrics) FetchError(layer, kind string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(layer, kind).Inc()
}

// Fetched adds n network bytes for the layer.
func (m *Metrics) Fetched(layer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FetchedBytes.WithLabelValues(layer).Add(float64(n))
}

// Fallback counts one raw-URL playback fallback.
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.Fallbacks.Inc()
}

// Evicted adds n removed entries for the layer.
func (m *Metrics) Evicted(layer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Evictions.WithLabelValues(layer).Add(float64(n))
}
