package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments shared by server and worker
type Metrics struct {
	Registry *prometheus.Registry

	EventsEmitted    *prometheus.CounterVec
	EventsDeduped    prometheus.Counter
	Enqueues         prometheus.Counter
	Leases           prometheus.Counter
	LeaseConflicts   prometheus.Counter
	Reaped           prometheus.Counter
	QueueDepth       prometheus.Gauge
	PipelineDuration prometheus.Histogram
	TaskDuration     *prometheus.HistogramVec
	PolicyActions    *prometheus.CounterVec
}

// New creates a metrics set on a fresh registry
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events appended to the log by type",
		}, []string{"event_type"}),
		EventsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deduped_total",
			Help:      "Duplicate marker events collapsed by unique constraints",
		}),
		Enqueues: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueues_total",
			Help:      "Step-run commands enqueued",
		}),
		Leases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_leases_total",
			Help:      "Queue rows leased by workers",
		}),
		LeaseConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_lease_conflicts_total",
			Help:      "Completions rejected because the lease was lost",
		}),
		Reaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_reaped_total",
			Help:      "Expired leases reclaimed by the reaper",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued rows ready for lease",
		}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of full pipeline runs",
			Buckets:   prometheus.DefBuckets,
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of single tool invocations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		PolicyActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_actions_total",
			Help:      "Task policy decisions by action",
		}, []string{"action"}),
	}
}
