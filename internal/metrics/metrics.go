// Package metrics exposes operation counters for the repository core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector aggregates the repository's Prometheus counters. A nil Collector
// is valid and counts nothing, so instrumentation never becomes a hard
// dependency.
type Collector struct {
	remoteWrites   *prometheus.CounterVec
	remoteDeletes  *prometheus.CounterVec
	dedupSkips     *prometheus.CounterVec
	breakerTrips   prometheus.Counter
	localFallbacks *prometheus.CounterVec
	realtimeEvents *prometheus.CounterVec
}

// NewCollector builds and registers the counters on the provided registerer.
func NewCollector(registerer prometheus.Registerer) *Collector {
	collector := &Collector{
		remoteWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_remote_writes_total",
			Help: "Documents written to the remote store.",
		}, []string{"collection"}),
		remoteDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_remote_deletes_total",
			Help: "Documents deleted from the remote store.",
		}, []string{"collection"}),
		dedupSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_dedup_skips_total",
			Help: "Remote writes skipped because the payload was unchanged.",
		}, []string{"collection"}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docsync_quota_breaker_trips_total",
			Help: "Times the quota circuit breaker opened.",
		}),
		localFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_local_fallbacks_total",
			Help: "Operations served from the local mirror instead of the remote store.",
		}, []string{"collection", "operation"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_realtime_events_total",
			Help: "Realtime snapshots delivered to subscribers.",
		}, []string{"collection"}),
	}
	if registerer != nil {
		registerer.MustRegister(
			collector.remoteWrites,
			collector.remoteDeletes,
			collector.dedupSkips,
			collector.breakerTrips,
			collector.localFallbacks,
			collector.realtimeEvents,
		)
	}
	return collector
}

// RemoteWrite counts one successful remote document write.
func (c *Collector) RemoteWrite(collection string) {
	if c == nil {
		return
	}
	c.remoteWrites.WithLabelValues(collection).Inc()
}

// RemoteDelete counts one successful remote document delete.
func (c *Collector) RemoteDelete(collection string) {
	if c == nil {
		return
	}
	c.remoteDeletes.WithLabelValues(collection).Inc()
}

// DedupSkip counts one remote write avoided by deduplication.
func (c *Collector) DedupSkip(collection string) {
	if c == nil {
		return
	}
	c.dedupSkips.WithLabelValues(collection).Inc()
}

// BreakerTrip counts one quota circuit breaker activation.
func (c *Collector) BreakerTrip() {
	if c == nil {
		return
	}
	c.breakerTrips.Inc()
}

// LocalFallback counts one operation downgraded to the mirror.
func (c *Collector) LocalFallback(collection, operation string) {
	if c == nil {
		return
	}
	c.localFallbacks.WithLabelValues(collection, operation).Inc()
}

// RealtimeEvent counts one snapshot delivered to a subscriber.
func (c *Collector) RealtimeEvent(collection string) {
	if c == nil {
		return
	}
	c.realtimeEvents.WithLabelValues(collection).Inc()
}
