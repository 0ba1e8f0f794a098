package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chrishulbert/MegaComet/stats"
)

const namespace = "megacomet_manager"

func newCollector(mg *Manager) prometheus.Collector {
	return stats.NewCollector(
		mg.Snapshot,
		stats.NewMetric(namespace, "worker_links", "Workers currently linked.", prometheus.GaugeValue, nil,
			func(s *Snapshot) float64 { return float64(len(s.Links)) }),
		stats.NewMetric(namespace, "connections", "Open manager connections of any role.", prometheus.GaugeValue, nil,
			func(s *Snapshot) float64 { return float64(s.Connections) }),
		stats.NewMetric(namespace, "frames_dropped_total", "Frames discarded by the decoder.", prometheus.CounterValue, nil,
			func(s *Snapshot) float64 { return float64(s.DroppedFrames) }),
		stats.NewMetric(namespace, "routes_forwarded_total", "Route frames forwarded to a worker.", prometheus.CounterValue, nil,
			func(s *Snapshot) float64 { return float64(s.Counters.Forwarded) }),
		stats.NewMetric(namespace, "routes_no_link_total", "Route frames dropped because the worker was not linked.", prometheus.CounterValue, nil,
			func(s *Snapshot) float64 { return float64(s.Counters.NoLink) }),
		stats.NewMetric(namespace, "routes_write_failed_total", "Route frames lost to a failed link write.", prometheus.CounterValue, nil,
			func(s *Snapshot) float64 { return float64(s.Counters.WriteFailed) }),
		stats.NewMetric(namespace, "hellos_total", "Worker registrations accepted.", prometheus.CounterValue, nil,
			func(s *Snapshot) float64 { return float64(s.Counters.Hellos) }),
	)
}
