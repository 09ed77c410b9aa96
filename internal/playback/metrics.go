package playback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_enqueued_total",
		Help: "Voice messages accepted into the queue",
	})

	metricPlayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_started_total",
		Help: "Playbacks started",
	})

	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_dropped_total",
		Help: "Messages dropped after resolution or playback failure",
	})

	metricPlayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_play_failures_total",
		Help: "Playback starts that failed at the device",
	})

	metricResolveRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_resolve_retries_total",
		Help: "Audio ref resolution attempts that failed",
	})

	metricQueueAbandons = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_queue_abandons_total",
		Help: "Whole-queue abandons after the cumulative failure budget",
	})

	metricStuckLockResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_stuck_lock_resets_total",
		Help: "Processing locks stolen after the staleness threshold",
	})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playback_queue_depth",
		Help: "Messages waiting in the playback queue",
	})
)
