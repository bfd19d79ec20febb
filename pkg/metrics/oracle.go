package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OracleFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_fetch_total",
		Help:      "Oracle provider fetches.",
	}, []string{"provider", "result"})

	OracleFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "oracle_fetch_duration_seconds",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"provider"})

	// 1 = 最新一次轮询失败，快照为缓存值
	OracleStale = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "oracle_stale",
	}, []string{"asset"})
)
