// SPDX-License-Identifier: GPL-3.0-or-later

package netsim

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus collectors updated by a [*Scenario].
//
// Every series carries the simulationId label, so that one registry
// can aggregate several runs.
//
// The zero value is not ready to use; construct using [NewMetrics].
type Metrics struct {
	// PacketsSent counts the packets handed to the sender socket.
	PacketsSent *prometheus.CounterVec

	// SendFailures counts the packets the sender socket rejected.
	SendFailures *prometheus.CounterVec

	// Drops counts the dropped packets by reason.
	Drops *prometheus.CounterVec

	// SinkBytes counts the bytes delivered to the sink.
	SinkBytes *prometheus.CounterVec

	// Cwnd is the current congestion window of the sender.
	Cwnd *prometheus.GaugeVec

	// SimulatedSeconds is the simulated time at the end of the run.
	SimulatedSeconds *prometheus.GaugeVec

	// registry is the registry containing the collectors.
	registry *prometheus.Registry
}

// NewMetrics creates the collectors and registers them with a new registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpchain_packets_sent_total",
				Help: "Total packets handed to the sender socket",
			},
			[]string{"simulationId"},
		),
		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpchain_send_failures_total",
				Help: "Total packets the sender socket rejected",
			},
			[]string{"simulationId"},
		),
		Drops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpchain_drops_total",
				Help: "Total dropped packets by reason",
			},
			[]string{"simulationId", "reason"},
		),
		SinkBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpchain_sink_bytes_total",
				Help: "Total bytes delivered to the sink",
			},
			[]string{"simulationId"},
		),
		Cwnd: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tcpchain_cwnd_bytes",
				Help: "Congestion window of the sender",
			},
			[]string{"simulationId"},
		),
		SimulatedSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tcpchain_simulated_seconds",
				Help: "Simulated time at the end of the run",
			},
			[]string{"simulationId"},
		),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.PacketsSent, m.SendFailures, m.Drops, m.SinkBytes, m.Cwnd, m.SimulatedSeconds)
	return m
}

// Registry returns the registry containing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteToTextfile writes the metrics to path in the text
// exposition format, atomically replacing the file.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
