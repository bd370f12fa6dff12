package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shm-exec/internal/promutil"
)

type serverMetrics struct {
	frames      *prometheus.CounterVec
	connections prometheus.Gauge
	accepted    prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer, queued func() float64) *serverMetrics {
	m := &serverMetrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmexec_transport_frames_total",
			Help: "Frames read and written by the server.",
		}, []string{"direction", "type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shmexec_transport_connections",
			Help: "Open client connections.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmexec_transport_accepted_total",
			Help: "Connections accepted since start.",
		}),
	}
	m.frames = promutil.Register(reg, m.frames)
	m.connections = promutil.Register(reg, m.connections)
	m.accepted = promutil.Register(reg, m.accepted)
	promutil.Register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "shmexec_transport_queued_events",
		Help: "Decoded requests waiting for an idle context.",
	}, queued))
	return m
}
