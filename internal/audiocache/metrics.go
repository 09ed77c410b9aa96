package audiocache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPreloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_preloads_total",
		Help: "Total background preloads started",
	})

	metricInstantPlays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_instant_plays_total",
		Help: "Plays served from a ready cache entry",
	})

	metricEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Cache entries evicted",
	}, []string{"reason"})
)
