// Package metrics holds the prometheus collectors for one playout session.
// Each session gets its own registry so per-channel processes never share
// collector state; exposition is mounted on the session's HTTP mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the session collectors.
type Metrics struct {
	reg *prometheus.Registry

	// Histograms.
	BoundaryDelta   prometheus.Histogram // ms between commit and scheduled boundary
	PrefeedLead     prometheus.Histogram // ms of lead Preload actually had
	DeficitDuration prometheus.Histogram // ms of content-deficit fill per occurrence

	// Counters.
	BoundaryViolations prometheus.Counter
	StaleFrameBleeds   prometheus.Counter
	PadWhileDepthHigh  prometheus.Counter
	FramesEmitted      *prometheus.CounterVec // by kind: content|pad|hold
	EarlyEOFs          prometheus.Counter
	ViewerBytes        prometheus.Counter
}

// New builds the session collectors labelled with the channel id.
func New(channelID string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"channel_id": channelID}

	m := &Metrics{
		reg: reg,
		BoundaryDelta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "playout_boundary_delta_ms",
			Help:        "Signed delta between switch commit and scheduled boundary, in ms.",
			ConstLabels: constLabels,
			Buckets:     []float64{-100, -50, -20, -10, -5, -1, 0, 1, 5, 10, 20, 50, 100, 500},
		}),
		PrefeedLead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "playout_prefeed_lead_time_ms",
			Help:        "Lead time Preload issuance had ahead of its boundary, in ms.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(50, 2, 10),
		}),
		DeficitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "playout_content_deficit_duration_ms",
			Help:        "Duration of content-deficit fill intervals, in ms.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(10, 2, 12),
		}),
		BoundaryViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playout_boundary_violations_total",
			Help:        "Boundary commits outside tolerance plus lead-time failures.",
			ConstLabels: constLabels,
		}),
		StaleFrameBleeds: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playout_stale_frame_bleeds_total",
			Help:        "Frames emitted whose origin differed from the active segment.",
			ConstLabels: constLabels,
		}),
		PadWhileDepthHigh: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playout_pad_while_depth_high_total",
			Help:        "Pad frames emitted while live buffer depth was at or above threshold.",
			ConstLabels: constLabels,
		}),
		FramesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "playout_frames_emitted_total",
			Help:        "Frames emitted by kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		EarlyEOFs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playout_early_eof_total",
			Help:        "Producers that exhausted before their planned frame count.",
			ConstLabels: constLabels,
		}),
		ViewerBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playout_viewer_bytes_total",
			Help:        "Transport-stream bytes delivered to viewers.",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		m.BoundaryDelta, m.PrefeedLead, m.DeficitDuration,
		m.BoundaryViolations, m.StaleFrameBleeds, m.PadWhileDepthHigh,
		m.FramesEmitted, m.EarlyEOFs, m.ViewerBytes,
	)
	return m
}

// Registry returns the session registry (tests gather from it directly).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler returns the exposition handler for the session mux.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
