package shm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shm-exec/internal/promutil"
)

// Acquire outcomes recorded in shmexec_segment_acquire_total.
const (
	resultOK          = "ok"
	resultOutOfBounds = "out_of_bounds"
	resultAttachError = "attach_failed"
	resultClosed      = "closed"
)

type cacheMetrics struct {
	attaches  prometheus.Counter
	detaches  prometheus.Counter
	releases  *prometheus.CounterVec
	acquires  *prometheus.CounterVec
	cached    prometheus.Gauge
	attachDur prometheus.Histogram
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	m := &cacheMetrics{
		attaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmexec_segment_attach_total",
			Help: "Segments attached into the process.",
		}),
		detaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmexec_segment_detach_total",
			Help: "Segments detached after their last reference was dropped.",
		}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmexec_segment_release_total",
			Help: "Release calls by whether the id was cached.",
		}, []string{"mapped"}),
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmexec_segment_acquire_total",
			Help: "Acquire calls by outcome.",
		}, []string{"result"}),
		cached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shmexec_segment_cached",
			Help: "Segments currently held by the cache.",
		}),
		attachDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shmexec_segment_attach_seconds",
			Help:    "Latency of the external attach call.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	m.attaches = promutil.Register(reg, m.attaches)
	m.detaches = promutil.Register(reg, m.detaches)
	m.releases = promutil.Register(reg, m.releases)
	m.acquires = promutil.Register(reg, m.acquires)
	m.cached = promutil.Register(reg, m.cached)
	m.attachDur = promutil.Register(reg, m.attachDur)
	return m
}
