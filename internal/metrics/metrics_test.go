package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if m.BytesRelayed == nil {
		t.Error("BytesRelayed metric is nil")
	}
}

func TestRecordConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionOpened()
	m.RecordConnectionOpened()
	m.RecordConnectionClosed()

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal); got != 2 {
		t.Errorf("ConnectionsTotal = %v, want 2", got)
	}
}

func TestRecordAuthFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAuthFailure()
	m.RecordAuthFailure()

	if got := testutil.ToFloat64(m.AuthFailures); got != 2 {
		t.Errorf("AuthFailures = %v, want 2", got)
	}
}

func TestRecordBytesRelayed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesRelayed(1024)
	m.RecordBytesRelayed(512)

	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("total")); got != 1536 {
		t.Errorf("BytesRelayed = %v, want 1536", got)
	}
}

func TestRecordConnectionRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionRejected()
	m.RecordConnectionRejected()

	if got := testutil.ToFloat64(m.ConnectionsRejected); got != 2 {
		t.Errorf("ConnectionsRejected = %v, want 2", got)
	}
}

func TestObserverSatisfiesRequestObserverShape(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObserver(NewMetricsWithRegistry(reg))

	obs.ConnectionOpened()
	obs.ConnectionRejected()
	obs.AuthFailure()
	obs.ConnectLatency(10 * time.Millisecond)
	obs.BytesRelayed(100)
	obs.UDPAssociationOpened()
	obs.UDPAssociationClosed()
	obs.UDPDatagramDropped()
	obs.ConnectionClosed()
}

func TestRecordDNSLookup(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDNSLookup(false, false)
	m.RecordDNSLookup(true, false)
	m.RecordDNSLookup(false, true)

	if got := testutil.ToFloat64(m.DNSLookupsTotal); got != 3 {
		t.Errorf("DNSLookupsTotal = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.DNSCacheHits); got != 1 {
		t.Errorf("DNSCacheHits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DNSFailures); got != 1 {
		t.Errorf("DNSFailures = %v, want 1", got)
	}
}
