package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	EventsIngested        prometheus.Counter
	EventsStale           prometheus.Counter
	EventsCoalesced       prometheus.Counter
	IndexRebuilds         prometheus.Counter
	MirrorWriteFailures   prometheus.Counter
	MirrorWritesDropped   prometheus.Counter
	NotificationsEnqueued prometheus.Counter
	NotificationsDropped  prometheus.Counter
	NotificationsDrained  prometheus.Counter
	PresenceBroadcasts    prometheus.Counter
	StatsRefreshes        *prometheus.CounterVec
	RequestLatency        *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics on the default
// registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on the given registerer. Tests pass a
// fresh registry so repeated construction never collides.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_feed_events_ingested_total",
			Help: "Feed change events accepted by the reconciliation engine",
		}),
		EventsStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_feed_events_stale_total",
			Help: "Feed change events dropped by the liveness filter",
		}),
		EventsCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_feed_events_coalesced_total",
			Help: "Feed change events skipped inside the sync cooldown window",
		}),
		IndexRebuilds: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_index_rebuilds_total",
			Help: "Full fuzzy index rebuilds",
		}),
		MirrorWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_mirror_write_failures_total",
			Help: "Durable mirror writes that failed and were logged",
		}),
		MirrorWritesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_mirror_writes_dropped_total",
			Help: "Durable mirror writes dropped because the write-behind queue was full",
		}),
		NotificationsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_notifications_enqueued_total",
			Help: "Notification items appended to subject queues",
		}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_notifications_dropped_total",
			Help: "Notification items evicted by the per-subject queue cap",
		}),
		NotificationsDrained: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_notifications_drained_total",
			Help: "Notification items delivered via drain",
		}),
		PresenceBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "idrelay_presence_broadcasts_total",
			Help: "Room snapshots broadcast to watchers",
		}),
		StatsRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idrelay_stats_refreshes_total",
			Help: "Statistics refresh runs by completeness",
		}, []string{"result"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idrelay_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
