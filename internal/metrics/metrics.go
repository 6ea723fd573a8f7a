// Package metrics exposes limiter and sampler state to Prometheus.
// Collectors read live state on scrape; nothing is pushed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paceloop/paceloop/internal/limiter"
	"github.com/paceloop/paceloop/internal/netmon"
)

// NewRegistry builds a registry with gauges and counters backed by the
// given limiter and sampler.
func NewRegistry(l *limiter.Limiter, s *netmon.Sampler) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "paceloop_queue_depth",
		Help: "Jobs waiting in the limiter queue.",
	}, func() float64 {
		return float64(l.GetQueueStatus().QueueLength)
	}))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "paceloop_current_delay_seconds",
		Help: "Current minimum inter-job delay.",
	}, func() float64 {
		return l.Delay().Seconds()
	}))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "paceloop_jobs_processed_total",
		Help: "Jobs executed by the drain loop.",
	}, func() float64 {
		return float64(l.GetStats().Processed)
	}))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "paceloop_jobs_failed_total",
		Help: "Jobs settled with their own execution error.",
	}, func() float64 {
		return float64(l.GetStats().Failed)
	}))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "paceloop_jobs_cleared_total",
		Help: "Jobs rejected by queue clears.",
	}, func() float64 {
		return float64(l.GetStats().Cleared)
	}))

	if s != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "paceloop_download_mbps",
			Help: "Sampled aggregate receive rate.",
		}, func() float64 {
			return s.CurrentSpeed().DownloadMbps
		}))

		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "paceloop_upload_mbps",
			Help: "Sampled aggregate transmit rate.",
		}, func() float64 {
			return s.CurrentSpeed().UploadMbps
		}))
	}

	return reg
}
