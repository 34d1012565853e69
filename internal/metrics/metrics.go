package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbgateway_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"provider", "model", "status"},
	)

	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbgateway_stream_duration_seconds",
			Help:    "Duration of streamed completions in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbgateway_stream_events_total",
			Help: "Total number of stream events relayed to clients",
		},
		[]string{"provider", "type"},
	)

	MalformedLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbgateway_upstream_malformed_lines_total",
			Help: "Upstream stream lines skipped because they failed to decode",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbgateway_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	ClientDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbgateway_client_disconnects_total",
			Help: "Streams cut short because the client went away",
		},
		[]string{"provider"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbgateway_active_streams",
			Help: "Number of active streaming connections",
		},
	)

	EntitlementDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbgateway_entitlement_denials_total",
			Help: "Requests rejected by the entitlement check",
		},
		[]string{"model"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kbgateway_rate_limited_total",
			Help: "Chat requests rejected by the per-user rate limit",
		},
	)

	GraphCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kbgateway_graph_cache_hits_total",
			Help: "Graph loads served from the process-local cache",
		},
	)

	GraphCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbgateway_graph_cache_misses_total",
			Help: "Graph loads that required reconstruction",
		},
		[]string{"reason"},
	)

	GraphCacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbgateway_graph_cache_evictions_total",
			Help: "Graph instances removed from the cache",
		},
		[]string{"cause"},
	)

	GraphCacheResident = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbgateway_graph_cache_resident",
			Help: "Graph instances currently resident in this process",
		},
	)

	GraphLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kbgateway_graph_load_duration_seconds",
			Help:    "Time spent reconstructing graph instances from disk",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kbgateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"instance", "version"},
	)
)

func RecordRequest(provider, model, status string) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
}

func RecordStreamDuration(provider, model string, durationSec float64) {
	StreamDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordStreamEvent(provider, eventType string) {
	StreamEvents.WithLabelValues(provider, eventType).Inc()
}

func RecordMalformedLine(provider string) {
	MalformedLines.WithLabelValues(provider).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordClientDisconnect(provider string) {
	ClientDisconnects.WithLabelValues(provider).Inc()
}

func RecordEntitlementDenial(model string) {
	EntitlementDenials.WithLabelValues(model).Inc()
}

func RecordRateLimited() {
	RateLimited.Inc()
}

func RecordGraphCacheHit() {
	GraphCacheHits.Inc()
}

func RecordGraphCacheMiss(reason string) {
	GraphCacheMisses.WithLabelValues(reason).Inc()
}

func RecordGraphCacheEviction(cause string) {
	GraphCacheEvictions.WithLabelValues(cause).Inc()
}

func SetGraphCacheResident(n int) {
	GraphCacheResident.Set(float64(n))
}

func ObserveGraphLoad(durationSec float64) {
	GraphLoadDuration.Observe(durationSec)
}

// InitInstanceMetrics should be called once at startup.
func InitInstanceMetrics(instance, version string) {
	InstanceInfo.WithLabelValues(instance, version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
