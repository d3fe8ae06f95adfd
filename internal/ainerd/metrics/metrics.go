// Package metrics holds the Prometheus collectors for the memory engine.
//
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ainerd"

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry

	Appends           *prometheus.CounterVec
	Evictions         *prometheus.CounterVec
	Deletes           *prometheus.CounterVec
	Searches          *prometheus.CounterVec
	EmbeddingFailures prometheus.Counter
	EmbedCacheHits    prometheus.Counter
	EmbedCacheMisses  prometheus.Counter
	CorruptDocuments  *prometheus.CounterVec
	LegacyDocuments   *prometheus.CounterVec
	Flushes           *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	CollectionSize    *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_appends_total",
			Help:      "Memories appended, by scope kind.",
		}, []string{"scope"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_evictions_total",
			Help:      "Oldest memories evicted to respect the capacity limit.",
		}, []string{"scope"}),
		Deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_deletes_total",
			Help:      "Memories or user collections deleted.",
		}, []string{"kind"}),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_searches_total",
			Help:      "Similarity searches, by scope kind.",
		}, []string{"scope"}),
		EmbeddingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_embedding_failures_total",
			Help:      "Memories stored without an embedding because the embedder failed.",
		}),
		EmbedCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding requests served from the in-process cache.",
		}),
		EmbedCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Embedding requests forwarded to the provider.",
		}),
		CorruptDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_corrupt_documents_total",
			Help:      "Stored documents that failed decryption and plaintext parsing.",
		}, []string{"key"}),
		LegacyDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_legacy_documents_total",
			Help:      "Stored documents read through the legacy plaintext or shape migration path.",
		}, []string{"key"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_cache_flushes_total",
			Help:      "Cache flushes, by result.",
		}, []string{"result"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_cache_flush_duration_seconds",
			Help:      "Time spent encrypting and writing both memory documents.",
			Buckets:   prometheus.DefBuckets,
		}),
		CollectionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_collection_size",
			Help:      "Entries in the most recently written collection, by scope kind.",
		}, []string{"scope"}),
	}

	m.registry.MustRegister(
		m.Appends,
		m.Evictions,
		m.Deletes,
		m.Searches,
		m.EmbeddingFailures,
		m.EmbedCacheHits,
		m.EmbedCacheMisses,
		m.CorruptDocuments,
		m.LegacyDocuments,
		m.Flushes,
		m.FlushDuration,
		m.CollectionSize,
	)
	return m
}

// Registry exposes the underlying registry (for tests and custom gatherers).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Appended(scope string, size int, evicted bool) {
	if m == nil {
		return
	}
	m.Appends.WithLabelValues(scope).Inc()
	if evicted {
		m.Evictions.WithLabelValues(scope).Inc()
	}
	m.CollectionSize.WithLabelValues(scope).Set(float64(size))
}

func (m *Metrics) Deleted(kind string) {
	if m == nil {
		return
	}
	m.Deletes.WithLabelValues(kind).Inc()
}

func (m *Metrics) Searched(scope string) {
	if m == nil {
		return
	}
	m.Searches.WithLabelValues(scope).Inc()
}

func (m *Metrics) EmbeddingFailed() {
	if m == nil {
		return
	}
	m.EmbeddingFailures.Inc()
}

func (m *Metrics) EmbedCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.EmbedCacheHits.Inc()
	} else {
		m.EmbedCacheMisses.Inc()
	}
}

func (m *Metrics) CorruptDocument(key string) {
	if m == nil {
		return
	}
	m.CorruptDocuments.WithLabelValues(key).Inc()
}

func (m *Metrics) LegacyDocument(key string) {
	if m == nil {
		return
	}
	m.LegacyDocuments.WithLabelValues(key).Inc()
}

func (m *Metrics) Flushed(err error, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Flushes.WithLabelValues(result).Inc()
	m.FlushDuration.Observe(seconds)
}
