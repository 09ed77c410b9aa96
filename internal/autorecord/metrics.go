package autorecord

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autorecord_triggers_total",
		Help: "Auto-record triggers by reason and path",
	}, []string{"reason", "path"})

	metricStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autorecord_starts_total",
		Help: "Recordings actually started",
	})

	metricSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autorecord_suppressed_total",
		Help: "Auto-record attempts suppressed by the predicate",
	}, []string{"cause"})

	metricDriverFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autorecord_driver_failures_total",
		Help: "Recording driver start failures",
	})
)
