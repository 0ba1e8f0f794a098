package worker

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chrishulbert/MegaComet/stats"
)

const namespace = "megacomet_worker"

func newCollector(w *Worker) prometheus.Collector {
	labels := prometheus.Labels{"worker": strconv.Itoa(int(w.index))}

	return stats.NewCollector(
		w.Snapshot,
		stats.NewMetric(namespace, "link_up", "1 while linked to the manager.", prometheus.GaugeValue, labels,
			func(s *Snapshot) float64 {
				if s.LinkUp {
					return 1
				}
				return 0
			}),
		stats.NewMetric(namespace, "connections", "Open comet connections.", prometheus.GaugeValue, labels,
			func(s *Snapshot) float64 { return float64(s.Connections) }),
		stats.NewMetric(namespace, "waiting_clients", "Clients holding a long-poll connection.", prometheus.GaugeValue, labels,
			func(s *Snapshot) float64 { return float64(s.Engine.Waiting) }),
		stats.NewMetric(namespace, "pending_clients", "Clients with queued messages.", prometheus.GaugeValue, labels,
			func(s *Snapshot) float64 { return float64(s.Engine.PendingClients) }),
		stats.NewMetric(namespace, "pending_messages", "Queued messages.", prometheus.GaugeValue, labels,
			func(s *Snapshot) float64 { return float64(s.Engine.PendingMessages) }),
		stats.NewMetric(namespace, "delivered_total", "Messages written to a client.", prometheus.CounterValue, labels,
			func(s *Snapshot) float64 { return float64(s.Engine.Delivered) }),
		stats.NewMetric(namespace, "queued_total", "Messages queued for a client without a connection.", prometheus.CounterValue, labels,
			func(s *Snapshot) float64 { return float64(s.Engine.Queued) }),
		stats.NewMetric(namespace, "dropped_total", "Queued messages dropped by a queue bound.", prometheus.CounterValue, labels,
			func(s *Snapshot) float64 { return float64(s.Engine.Dropped) }),
		stats.NewMetric(namespace, "expired_total", "Queued messages dropped for age.", prometheus.CounterValue, labels,
			func(s *Snapshot) float64 { return float64(s.Engine.Expired) }),
		stats.NewMetric(namespace, "waiters_evicted_total", "Connections replaced by a newer one for the same client.", prometheus.CounterValue, labels,
			func(s *Snapshot) float64 { return float64(s.Engine.WaitersEvicted) }),
		stats.NewMetric(namespace, "misrouted_total", "Routes for client ids owned by another worker.", prometheus.CounterValue, labels,
			func(s *Snapshot) float64 { return float64(s.Counters.Misrouted) }),
	)
}
