package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors shared by every manager.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands   *prometheus.CounterVec   // By device and outcome
	duration   *prometheus.HistogramVec // By device
	queueDepth *prometheus.GaugeVec     // By device
	connected  *prometheus.GaugeVec     // By device
	reconnects *prometheus.CounterVec   // By device
}

// NewMetrics creates and registers the device metrics with reg.
// A nil registerer disables metrics and returns nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graycomms",
			Subsystem: "device",
			Name:      "commands_total",
			Help:      "Total number of settled device commands",
		}, []string{"device", "outcome"}), // outcome: success, sent, failed, timeout, canceled

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "graycomms",
			Subsystem: "device",
			Name:      "command_duration_seconds",
			Help:      "Time from queueing a command to its settlement",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"device"}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "graycomms",
			Subsystem: "device",
			Name:      "queue_depth",
			Help:      "Commands waiting in the device queue",
		}, []string{"device"}),

		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "graycomms",
			Subsystem: "device",
			Name:      "connected",
			Help:      "1 while the device link is up",
		}, []string{"device"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graycomms",
			Subsystem: "device",
			Name:      "reconnects_total",
			Help:      "Link re-establishments after the first connect",
		}, []string{"device"}),
	}

	for _, c := range []prometheus.Collector{m.commands, m.duration, m.queueDepth, m.connected, m.reconnects} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// recordOutcome records a settled command.
func (m *Metrics) recordOutcome(deviceID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(deviceID, outcome).Inc()
	m.duration.WithLabelValues(deviceID).Observe(d.Seconds())
}

func (m *Metrics) setQueueDepth(deviceID string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(deviceID).Set(float64(n))
}

// setConnected records a link change; reconnect counts every up after the first.
func (m *Metrics) setConnected(deviceID string, up, reconnect bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.connected.WithLabelValues(deviceID).Set(v)
	if up && reconnect {
		m.reconnects.WithLabelValues(deviceID).Inc()
	}
}

// forget drops a stopped device's series.
func (m *Metrics) forget(deviceID string) {
	if m == nil {
		return
	}
	m.queueDepth.DeleteLabelValues(deviceID)
	m.connected.DeleteLabelValues(deviceID)
}
