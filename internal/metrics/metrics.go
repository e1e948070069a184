// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convo_cache_lookups_total", Help: "Message cache lookups by result"},
		[]string{"result"}, // hit, miss, stale, corrupt
	)
	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convo_cache_evictions_total", Help: "Cache entries removed by reason"},
		[]string{"reason"}, // ttl, age, corrupt, clear
	)
	CacheWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "convo_cache_write_failures_total", Help: "Cache writes dropped after quota recovery"},
	)
	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "convo_cache_bytes", Help: "Estimated size of the message cache namespace"},
	)
	PendingQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "convo_pending_messages", Help: "Messages waiting in outbound queues"},
	)
	DrainAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convo_drain_attempts_total", Help: "Pending message persistence attempts by result"},
		[]string{"result"}, // sent, retry, failed
	)
	RealtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convo_realtime_events_total", Help: "Events emitted by the realtime client"},
		[]string{"kind"},
	)
	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "convo_active_subscriptions", Help: "Open live subscriptions"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "convo_send_latency_ms", Help: "Optimistic insert to backend confirmation", Buckets: prometheus.ExponentialBuckets(5, 2, 12)},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convo_http_requests_total", Help: "API requests by route and status"},
		[]string{"route", "code"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CacheLookups, CacheEvictions, CacheWriteFailures, CacheBytes,
		PendingQueued, DrainAttempts, RealtimeEvents, ActiveSubscriptions,
		SendLatency, HTTPRequests,
	}
}

// Register adds every collector to reg. Collectors already registered with
// reg are skipped, so it is safe to call more than once.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
