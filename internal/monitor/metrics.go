package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the capture pipeline.
type Metrics struct {
	LinesReceived     *prometheus.CounterVec
	LinesDropped      prometheus.Counter
	BytesWritten      prometheus.Counter
	PortsConnected    prometheus.Gauge
	Reconnects        *prometheus.CounterVec
	BufferEvictions   prometheus.Counter
	BufferLen         prometheus.Gauge
	IngestQueueLength prometheus.Gauge
	CommandsSent      *prometheus.CounterVec
	CommandTimeouts   prometheus.Counter
	RotationTotal     *prometheus.CounterVec
	RotationErrors    prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LinesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialtap_lines_received_total",
			Help: "Total lines received per port",
		}, []string{"port"}),
		LinesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialtap_lines_dropped_total",
			Help: "Total lines dropped due to backpressure",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialtap_bytes_written_total",
			Help: "Total bytes written to disk",
		}),
		PortsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serialtap_ports_connected",
			Help: "Currently connected serial ports",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialtap_reconnects_total",
			Help: "Total automatic reconnections per port",
		}, []string{"port"}),
		BufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialtap_buffer_evictions_total",
			Help: "Total ring buffer evictions",
		}),
		BufferLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serialtap_buffer_entries",
			Help: "Entries currently held in the ring buffer",
		}),
		IngestQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serialtap_ingest_queue_length",
			Help: "Current ingest channel occupancy",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialtap_commands_sent_total",
			Help: "Total commands written per port",
		}, []string{"port"}),
		CommandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialtap_command_timeouts_total",
			Help: "Total commands that timed out waiting for a response",
		}),
		RotationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialtap_rotation_total",
			Help: "Total capture file rotations",
		}, []string{"reason"}),
		RotationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialtap_rotation_errors_total",
			Help: "Total failed capture file rotations",
		}),
	}
	reg.MustRegister(
		m.LinesReceived,
		m.LinesDropped,
		m.BytesWritten,
		m.PortsConnected,
		m.Reconnects,
		m.BufferEvictions,
		m.BufferLen,
		m.IngestQueueLength,
		m.CommandsSent,
		m.CommandTimeouts,
		m.RotationTotal,
		m.RotationErrors,
	)
	return m
}
