// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropMalformed      = "malformed"
	DropNotCalibrated  = "not_calibrated"
	DropSizeMismatch   = "size_mismatch"
	DropShuttingDown   = "shutting_down"
	DropProduceFailure = "produce_failure"
)

// Pipeline holds the driver's collectors. A nil *Pipeline discards everything.
type Pipeline struct {
	registry *prometheus.Registry

	framesReceived     *prometheus.CounterVec
	framesDropped      *prometheus.CounterVec
	published          *prometheus.CounterVec
	frameGaps          *prometheus.CounterVec
	processing         prometheus.Histogram
	streamFailures     prometheus.Counter
	activeOutputs      prometheus.Gauge
	calibrationChanges prometheus.Counter
}

// New creates the collectors and registers them.
func New() *Pipeline {
	p := &Pipeline{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multisense_frames_received_total",
			Help: "Frames delivered by the transport, by data source",
		}, []string{"source"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multisense_frames_dropped_total",
			Help: "Frames or outputs dropped, by reason",
		}, []string{"reason"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multisense_messages_published_total",
			Help: "Messages published, by topic",
		}, []string{"topic"}),
		frameGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multisense_frame_gaps_total",
			Help: "Non consecutive frame ids seen on an output",
		}, []string{"topic"}),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "multisense_frame_processing_seconds",
			Help:    "Time spent turning one frame into publications",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		streamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multisense_stream_control_failures_total",
			Help: "Failed start or stop stream requests",
		}),
		activeOutputs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "multisense_active_outputs",
			Help: "Outputs with at least one subscriber",
		}),
		calibrationChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multisense_calibration_changes_total",
			Help: "Calibration snapshots applied",
		}),
	}
	p.registry.MustRegister(
		p.framesReceived, p.framesDropped, p.published, p.frameGaps,
		p.processing, p.streamFailures, p.activeOutputs, p.calibrationChanges,
	)
	return p
}

// Registry returns the private registry.
func (p *Pipeline) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the Prometheus HTTP handler.
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// FrameReceived counts a transport frame.
func (p *Pipeline) FrameReceived(source string) {
	if p == nil {
		return
	}
	p.framesReceived.WithLabelValues(source).Inc()
}

// FrameDropped counts a drop.
func (p *Pipeline) FrameDropped(reason string) {
	if p == nil {
		return
	}
	p.framesDropped.WithLabelValues(reason).Inc()
}

// Published counts a publication.
func (p *Pipeline) Published(topic string) {
	if p == nil {
		return
	}
	p.published.WithLabelValues(topic).Inc()
}

// FrameGap counts a frame id discontinuity on topic.
func (p *Pipeline) FrameGap(topic string) {
	if p == nil {
		return
	}
	p.frameGaps.WithLabelValues(topic).Inc()
}

// ObserveProcessing records how long a frame took since start.
func (p *Pipeline) ObserveProcessing(start time.Time) {
	if p == nil {
		return
	}
	p.processing.Observe(time.Since(start).Seconds())
}

// StreamFailure counts a failed stream control request.
func (p *Pipeline) StreamFailure() {
	if p == nil {
		return
	}
	p.streamFailures.Inc()
}

// SetActiveOutputs records how many outputs are wanted.
func (p *Pipeline) SetActiveOutputs(n int) {
	if p == nil {
		return
	}
	p.activeOutputs.Set(float64(n))
}

// CalibrationChanged counts an applied calibration.
func (p *Pipeline) CalibrationChanged() {
	if p == nil {
		return
	}
	p.calibrationChanges.Inc()
}
