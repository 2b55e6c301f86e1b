// Package metrics exposes beacon's Prometheus series and component health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Protocol metrics
	Registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_registrations_total",
			Help: "Processed client messages by acknowledgment result",
		},
		[]string{"result"},
	)

	Heartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_heartbeats_total",
			Help: "Total number of HEARTBEAT messages received",
		},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_active_connections",
			Help: "Number of open client connections",
		},
	)

	ProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_protocol_errors_total",
			Help: "Connections closed on a protocol error, by reason",
		},
		[]string{"reason"},
	)

	RejectedConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rejected_connections_total",
			Help: "Connections refused at accept time, by reason",
		},
		[]string{"reason"},
	)

	// Sync metrics
	SyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_sync_total",
			Help: "DNS sync attempts by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	SyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_sync_queue_depth",
			Help: "Hosts holding an active sync task",
		},
	)

	DNSAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_dns_api_duration_seconds",
			Help:    "DNS engine API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	DNSVerify = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_dns_verify_total",
			Help: "Propagation checks against the authoritative nameserver, by result",
		},
		[]string{"result"},
	)

	// Registry metrics
	Hosts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_hosts",
			Help: "Registered hosts by status",
		},
		[]string{"status"},
	)

	HostsBySync = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_hosts_dns_sync",
			Help: "Registered hosts by DNS sync status",
		},
		[]string{"sync_status"},
	)

	HostsMarkedOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_hosts_marked_offline_total",
			Help: "Hosts flipped offline by the heartbeat monitor",
		},
	)

	// Admin API
	AdminRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_admin_rejected_total",
			Help: "Admin HTTP requests refused before reaching a handler, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(Registrations)
	prometheus.MustRegister(Heartbeats)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(ProtocolErrors)
	prometheus.MustRegister(RejectedConnections)
	prometheus.MustRegister(SyncTotal)
	prometheus.MustRegister(SyncQueueDepth)
	prometheus.MustRegister(DNSAPIDuration)
	prometheus.MustRegister(DNSVerify)
	prometheus.MustRegister(Hosts)
	prometheus.MustRegister(HostsBySync)
	prometheus.MustRegister(HostsMarkedOffline)
	prometheus.MustRegister(AdminRejected)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
