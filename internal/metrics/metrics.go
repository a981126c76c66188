package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the gateway's Prometheus metric set. A single instance is
// created at startup and shared by every component.
type Metrics struct {
	ConnectionsTotal     prometheus.Counter
	ConnectionsCurrent   prometheus.Gauge
	AuthenticatedCurrent prometheus.Gauge
	AuthFailures         prometheus.Counter

	MessagesReceived prometheus.Counter
	MessagesRejected prometheus.Counter
	Broadcasts       prometheus.Counter
	SendFailures     prometheus.Counter

	UpstreamConnected  prometheus.Gauge
	UpstreamConnects   prometheus.Counter
	UpstreamReconnects prometheus.Counter
	UpstreamFrames     prometheus.Counter

	StatusCacheHits      prometheus.Counter
	StatusCacheMisses    prometheus.Counter
	StatusLookupFailures prometheus.Counter

	EnrichmentFailures prometheus.Counter
	ExportFailures     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Client connections accepted since start.",
		}),
		ConnectionsCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_current",
			Help: "Currently attached client connections.",
		}),
		AuthenticatedCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_authenticated_current",
			Help: "Currently authenticated client connections.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Credential verifications that failed.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_client_messages_total",
			Help: "Messages received from clients.",
		}),
		MessagesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_client_messages_rejected_total",
			Help: "Client messages rejected (unauthenticated, malformed or rate limited).",
		}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_broadcasts_total",
			Help: "Fan-out broadcast operations performed.",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_send_failures_total",
			Help: "Clients pruned during broadcast, either after a failed send or because the connection was already closed.",
		}),
		UpstreamConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_upstream_connected",
			Help: "Whether the upstream feed connection is open (0/1).",
		}),
		UpstreamConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_connects_total",
			Help: "Successful upstream feed connections.",
		}),
		UpstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_reconnects_total",
			Help: "Upstream reconnect attempts scheduled.",
		}),
		UpstreamFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_frames_total",
			Help: "Frames received from the upstream feed.",
		}),
		StatusCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_status_cache_hits_total",
			Help: "Device status requests served from cache.",
		}),
		StatusCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_status_cache_misses_total",
			Help: "Device status requests that required an external lookup.",
		}),
		StatusLookupFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_status_lookup_failures_total",
			Help: "External observation lookups that failed (defaulted to offline).",
		}),
		EnrichmentFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_enrichment_failures_total",
			Help: "Device identity resolutions that failed (record left unchanged).",
		}),
		ExportFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_export_failures_total",
			Help: "NATS event exports that failed.",
		}),
	}
}

// NewForTest returns a metric set on a private registry so tests never
// collide on duplicate registration.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
