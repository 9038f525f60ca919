package central

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the lifecycle coordinator and queue. Registered on a caller
// supplied registry so tests can use a throwaway one.
type Metrics struct {
	DetectionsIngested  *prometheus.CounterVec
	BlackoutActivations prometheus.Counter
	BlackoutClosures    prometheus.Counter
	NodesRecovered      prometheus.Counter
	QueueItemsReplayed  prometheus.Counter
	QueueItemsFailed    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DetectionsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_detections_ingested_total",
			Help: "Detections received, partitioned by disposition (stored or queued).",
		}, []string{"mode"}),
		BlackoutActivations: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_blackout_activations_total",
			Help: "Blackout episodes opened.",
		}),
		BlackoutClosures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_blackout_closures_total",
			Help: "Blackout episodes closed by deactivation.",
		}),
		NodesRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_stuck_nodes_recovered_total",
			Help: "Nodes force-released from the resuming state by the janitor.",
		}),
		QueueItemsReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_queue_items_replayed_total",
			Help: "Queued detections replayed into the detections table.",
		}),
		QueueItemsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_queue_items_failed_total",
			Help: "Queue item replay attempts that failed.",
		}),
	}
}
