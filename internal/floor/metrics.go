package floor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueueJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floor_queue_joins_total",
		Help: "Queue-join intents sent",
	})

	metricGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floor_grants_total",
		Help: "Floor grants by path",
	}, []string{"path"})

	metricRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floor_rejections_total",
		Help: "Floor rejections by source",
	}, []string{"source"})

	metricStaleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floor_stale_events_total",
		Help: "Inbound floor events ignored as stale",
	}, []string{"kind"})

	metricStuckLockResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floor_stuck_lock_resets_total",
		Help: "Pre-recording locks force-reset after the staleness threshold",
	})
)
