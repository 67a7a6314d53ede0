// Package metrics holds the prometheus collectors exported by carblob.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	indexRecords    prometheus.Counter
	digestBytes     prometheus.Counter
	statCacheHits   prometheus.Counter
	statCacheMisses prometheus.Counter
	digestCacheHits prometheus.Counter
}

// New registers the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carblob_http_requests_total",
			Help: "HTTP requests by operation and status code.",
		}, []string{"op", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carblob_http_request_duration_seconds",
			Help:    "HTTP request latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		indexRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carblob_index_records_total",
			Help: "Index records produced.",
		}),
		digestBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carblob_digest_bytes_total",
			Help: "Bytes fed to digest accumulators.",
		}),
		statCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carblob_stat_cache_hits_total",
			Help: "Object size lookups served from the stat cache.",
		}),
		statCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carblob_stat_cache_misses_total",
			Help: "Object size lookups that reached the backend.",
		}),
		digestCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carblob_digest_cache_hits_total",
			Help: "Hash requests answered from the digest cache.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.indexRecords,
		m.digestBytes,
		m.statCacheHits,
		m.statCacheMisses,
		m.digestCacheHits,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveRequest(op, code string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, code).Inc()
	m.requestDuration.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) AddIndexRecords(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.indexRecords.Add(float64(n))
}

func (m *Metrics) AddDigestBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.digestBytes.Add(float64(n))
}

// ObserveStatCache matches blob.CachedOptions.Observer.
func (m *Metrics) ObserveStatCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.statCacheHits.Inc()
	} else {
		m.statCacheMisses.Inc()
	}
}

func (m *Metrics) DigestCacheHit() {
	if m == nil {
		return
	}
	m.digestCacheHits.Inc()
}
