package observability

import (
	"fmt"
	"github.com/rs/zerolog/log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reactions", Name: "http_requests_total", Help: "HTTP requests."},
		[]string{"route", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reactions", Name: "http_request_duration_seconds",
			Help:    "HTTP request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reactions", Name: "external_requests_total", Help: "Outbound requests."},
		[]string{"service", "endpoint", "status"},
	)
	ExternalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reactions", Name: "external_request_duration_seconds",
			Help:    "Outbound request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reactions", Name: "cache_events_total", Help: "Cache hits/misses/sets/dels."},
		[]string{"cache", "event"}, // event: hit|miss|set|del
	)
	ReactionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reactions", Name: "requests_total", Help: "Reaction requests by outcome."},
		[]string{"outcome"}, // applied|busy|failed
	)
	PendingMutations = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "reactions", Name: "pending_mutations", Help: "Mutations waiting on the backend."},
	)
	Resyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reactions", Name: "resyncs_total", Help: "Full collection refreshes."},
		[]string{"status"},
	)
	ResyncLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reactions", Name: "resync_duration_seconds",
			Help:    "Full collection refresh duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	DriftEvents = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "reactions", Name: "drift_detected_total", Help: "Resyncs that disagreed with local compensation."},
	)
	DroppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "reactions", Name: "dropped_display_events_total", Help: "Display events dropped on full subscriber buffers."},
	)
)

// Serve exposes reg on a side port. Empty addr disables it.
func Serve(addr string, reg *prometheus.Registry) {
	if addr == "" {
		return // disabled
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(reg))

	go func() {
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		HTTPRequests, HTTPLatency, ExternalRequests, ExternalLatency, CacheEvents,
		ReactionRequests, PendingMutations, Resyncs, ResyncLatency, DriftEvents, DroppedEvents,
	)
	return reg
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func ObserveHTTP(route, method string, status int, dur time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

func ObserveExternal(service, endpoint string, status int, dur time.Duration) {
	ExternalRequests.WithLabelValues(service, endpoint, strconv.Itoa(status)).Inc()
	ExternalLatency.WithLabelValues(service, endpoint).Observe(dur.Seconds())
}

func ObserveCache(cache, event string) { // event: hit|miss|set|del
	CacheEvents.WithLabelValues(cache, event).Inc()
}

func ObserveReaction(outcome string) { ReactionRequests.WithLabelValues(outcome).Inc() }

func SetPending(n int) { PendingMutations.Set(float64(n)) }

func ObserveResync(status string, dur time.Duration) {
	Resyncs.WithLabelValues(status).Inc()
	ResyncLatency.Observe(dur.Seconds())
}

func ObserveDrift() { DriftEvents.Inc() }

func ObserveDroppedEvent() { DroppedEvents.Inc() }

func LabelErr(err error) string {
	if err == nil {
		return "none"
	}
	return fmt.Sprintf("%T", err)
}
