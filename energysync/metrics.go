package energysync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-run counters. The job is short-lived, so metrics are
// written to a node exporter textfile instead of being scraped.
type Metrics struct {
	Registry *prometheus.Registry

	PointsWritten  *prometheus.CounterVec
	SensorsSkipped *prometheus.CounterVec
	Extractions    prometheus.Counter
	RunDuration    prometheus.Gauge
	LastSuccess    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PointsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energysync_points_written_total",
			Help: "Points written to the time-series store",
		}, []string{"series", "sensor_type"}),
		SensorsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energysync_sensors_skipped_total",
			Help: "Sensors skipped during a run",
		}, []string{"reason"}),
		Extractions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "energysync_extractions_total",
			Help: "Backup archives extracted",
		}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "energysync_run_duration_seconds",
			Help: "Duration of the last run",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "energysync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}),
	}
	m.Registry.MustRegister(m.PointsWritten, m.SensorsSkipped, m.Extractions, m.RunDuration, m.LastSuccess)
	return m
}

// WriteTextfile writes all metrics in Prometheus text format to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
