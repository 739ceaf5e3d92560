// Package monitoring owns the connection-count and load-classification handle
// that admission control and fan-out decisions consume. It is constructed once
// and injected; nothing in the service reads load from package state.
package monitoring

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// DefaultHighLoadThreshold applies when no threshold is configured. A zero
// threshold would classify an idle instance as high load.
const DefaultHighLoadThreshold = 5000

// LoadMonitor tracks live connection count and classifies instance load.
type LoadMonitor struct {
	highLoadThreshold int64
	connections       atomic.Int64

	connectionsGauge   prometheus.Gauge
	connectsTotal      prometheus.Counter
	disconnectsTotal   prometheus.Counter
	messagesTotal      prometheus.Counter
	rejectedTotal      prometheus.Counter
	persistenceLatency prometheus.Histogram
}

// NewLoadMonitor creates the monitor and registers its collectors on reg.
func NewLoadMonitor(highLoadThreshold int, reg prometheus.Registerer) *LoadMonitor {
	if highLoadThreshold <= 0 {
		highLoadThreshold = DefaultHighLoadThreshold
	}
	factory := promauto.With(reg)
	return &LoadMonitor{
		highLoadThreshold: int64(highLoadThreshold),
		connectionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presence_connections_active",
			Help: "Current number of live websocket connections.",
		}),
		connectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_connects_total",
			Help: "Total websocket connections accepted.",
		}),
		disconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_disconnects_total",
			Help: "Total websocket disconnections.",
		}),
		messagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_messages_total",
			Help: "Total messages admitted into the delivery pipeline.",
		}),
		rejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_messages_rejected_total",
			Help: "Total sends rejected by admission control.",
		}),
		persistenceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_persistence_latency_seconds",
			Help:    "Latency of durable message persistence calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ConnectionOpened records a new live connection.
func (m *LoadMonitor) ConnectionOpened() {
	m.connections.Add(1)
	m.connectionsGauge.Inc()
	m.connectsTotal.Inc()
}

// ConnectionClosed records a disconnect.
func (m *LoadMonitor) ConnectionClosed() {
	m.connections.Add(-1)
	m.connectionsGauge.Dec()
	m.disconnectsTotal.Inc()
}

// MessageAdmitted counts a send that passed admission control.
func (m *LoadMonitor) MessageAdmitted() { m.messagesTotal.Inc() }

// MessageRejected counts a send rejected by admission control.
func (m *LoadMonitor) MessageRejected() { m.rejectedTotal.Inc() }

// ObservePersistence records the duration of one persistence call.
func (m *LoadMonitor) ObservePersistence(d time.Duration) {
	m.persistenceLatency.Observe(d.Seconds())
}

// ConnectionCount returns the current number of live connections on this
// instance.
func (m *LoadMonitor) ConnectionCount() int64 {
	return m.connections.Load()
}

// HighLoad reports whether the connection count is at or above the configured
// high-load threshold.
func (m *LoadMonitor) HighLoad() bool {
	return m.connections.Load() >= m.highLoadThreshold
}

// Classification returns the coarse load class for client acknowledgments and
// admission decisions.
func (m *LoadMonitor) Classification() presence.LoadClass {
	if m.HighLoad() {
		return presence.LoadHigh
	}
	return presence.LoadNormal
}
