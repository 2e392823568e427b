// Package metrics provides Prometheus metrics for the SOCKS5 proxy.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks5"

// Metrics holds every Prometheus collector the proxy exposes. Field names
// mirror the component each counts: connections (acceptor/handler),
// relay (TCP/UDP byte shuttling), dns (resolver), udp (associations).
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected prometheus.Counter
	AuthFailures        prometheus.Counter
	ConnectLatency      prometheus.Histogram

	BytesRelayed *prometheus.CounterVec

	DNSLookupsTotal prometheus.Counter
	DNSCacheHits    prometheus.Counter
	DNSFailures     prometheus.Counter

	UDPAssociationsActive prometheus.Gauge
	UDPAssociationsTotal  prometheus.Counter
	UDPDatagramsDropped   prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide Metrics instance, registered against
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against
// reg, so tests can use a private registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of in-flight SOCKS5 connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total SOCKS5 connections accepted",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total connections closed at the acceptor's connection cap",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total RFC 1929 authentication failures",
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of outbound CONNECT dial latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, both directions combined under direction=\"total\"",
		}, []string{"direction"}),
		DNSLookupsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_lookups_total",
			Help:      "Total forward DNS lookups performed",
		}),
		DNSCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_cache_hits_total",
			Help:      "Total forward DNS lookups served from cache",
		}),
		DNSFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_failures_total",
			Help:      "Total forward DNS lookups that failed or timed out",
		}),
		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of active UDP ASSOCIATE relays",
		}),
		UDPAssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total UDP ASSOCIATE relays created",
		}),
		UDPDatagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "Total UDP datagrams dropped for carrying a nonzero fragment",
		}),
	}
}

// RecordConnectionOpened records one accepted connection.
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordConnectionClosed records one connection's worker returning.
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// RecordConnectionRejected records one connection closed at the acceptor's
// connection cap, before any SOCKS greeting is read.
func (m *Metrics) RecordConnectionRejected() {
	m.ConnectionsRejected.Inc()
}

// RecordAuthFailure records one rejected RFC 1929 sub-negotiation.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordConnectLatency records one CONNECT dial's duration.
func (m *Metrics) RecordConnectLatency(d time.Duration) {
	m.ConnectLatency.Observe(d.Seconds())
}

// RecordBytesRelayed records n additional bytes moved by either TCP or UDP
// relay.
func (m *Metrics) RecordBytesRelayed(n int64) {
	m.BytesRelayed.WithLabelValues("total").Add(float64(n))
}

// RecordUDPAssociationOpened records one UDP ASSOCIATE relay starting.
func (m *Metrics) RecordUDPAssociationOpened() {
	m.UDPAssociationsActive.Inc()
	m.UDPAssociationsTotal.Inc()
}

// RecordUDPAssociationClosed records one UDP ASSOCIATE relay ending.
func (m *Metrics) RecordUDPAssociationClosed() {
	m.UDPAssociationsActive.Dec()
}

// Observer adapts Metrics to the method set socks5.HandlerConfig's
// RequestObserver expects, without internal/socks5 importing this package.
type Observer struct {
	m *Metrics
}

// NewObserver wraps m as a socks5.RequestObserver.
func NewObserver(m *Metrics) *Observer {
	return &Observer{m: m}
}

func (o *Observer) ConnectionOpened()             { o.m.RecordConnectionOpened() }
func (o *Observer) ConnectionClosed()             { o.m.RecordConnectionClosed() }
func (o *Observer) ConnectionRejected()           { o.m.RecordConnectionRejected() }
func (o *Observer) AuthFailure()                  { o.m.RecordAuthFailure() }
func (o *Observer) ConnectLatency(d time.Duration) { o.m.RecordConnectLatency(d) }
func (o *Observer) BytesRelayed(n int64)          { o.m.RecordBytesRelayed(n) }
func (o *Observer) UDPAssociationOpened()         { o.m.RecordUDPAssociationOpened() }
func (o *Observer) UDPAssociationClosed()         { o.m.RecordUDPAssociationClosed() }
func (o *Observer) UDPDatagramDropped()           { o.m.RecordUDPDatagramDropped() }

// RecordDNSLookup records one forward-resolution attempt's outcome.
func (m *Metrics) RecordDNSLookup(cacheHit, failed bool) {
	m.DNSLookupsTotal.Inc()
	if cacheHit {
		m.DNSCacheHits.Inc()
	}
	if failed {
		m.DNSFailures.Inc()
	}
}

// RecordUDPDatagramDropped records a fragment-policy drop (a datagram
// with a nonzero FRAG field).
func (m *Metrics) RecordUDPDatagramDropped() {
	m.UDPDatagramsDropped.Inc()
}
