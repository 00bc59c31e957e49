package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors query_health() in process-local gauges, which
// GossipEngine.Health sets each time it walks the peer/pending tables
// and the retry queue. No HTTP exporter
// is wired: scraping these would be the "statistics rendering" the
// spec's Non-goals exclude, so each engine registers its gauges on a
// private prometheus.Registry instead of the global default, which
// also lets a test process run several engines side by side without
// "duplicate metrics collector registration" panics.
type Metrics struct {
	registry          *prometheus.Registry
	PeersConnected    prometheus.Gauge
	PendingBroadcasts prometheus.Gauge
	PendingAcks       prometheus.Gauge
	LastSyncAgeSeconds prometheus.Gauge
}

// NewMetrics builds and registers a fresh gauge set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshsync_peers_connected",
			Help: "Number of peers seen within the liveness window.",
		}),
		PendingBroadcasts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshsync_pending_broadcasts",
			Help: "Entries queued in the persistent broadcast retry queue.",
		}),
		PendingAcks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshsync_pending_acks",
			Help: "Deltas sent but not yet acknowledged by their peer.",
		}),
		LastSyncAgeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshsync_last_sync_age_seconds",
			Help: "Seconds since the last full-state or state-hash exchange completed.",
		}),
	}
	registry.MustRegister(m.PeersConnected, m.PendingBroadcasts, m.PendingAcks, m.LastSyncAgeSeconds)
	return m
}
