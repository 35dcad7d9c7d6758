// Package router dispatches sensor frames to the outputs that currently have subscribers.
//
// Each data source feeds a fixed, ordered list of outputs. For every frame the router loads
// one snapshot of calibration, mask and parameters, skips every output nobody wants without
// doing any work for it, and produces the rest from intermediate results shared within the
// frame. Outputs that need several sources run once all of them have arrived with the same
// frame id, and every output runs at most once per frame id.
package router

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"go.viam.com/multisense/borderclip"
	"go.viam.com/multisense/bus"
	"go.viam.com/multisense/calibration"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/config"
	"go.viam.com/multisense/logging"
	"go.viam.com/multisense/metrics"
	"go.viam.com/multisense/reproject"
	"go.viam.com/multisense/ros"
)

// ErrMalformedFrame is returned for frames whose buffer does not match their geometry.
var ErrMalformedFrame = errors.New("malformed frame")

// Snapshot is the state a frame is processed with. It is never modified once in use; changes
// build a new one.
type Snapshot struct {
	Calibration *calibration.Set
	Mask        *borderclip.Mask
	Params      config.Params
	// Color is set for units whose left imager is a Bayer mosaic.
	Color bool
}

// Gate answers whether an output has subscribers.
type Gate interface {
	Wants(topic string) bool
}

// Publication is one message to publish.
type Publication struct {
	Topic   string
	Message ros.Message
}

// Router turns frames into publications.
type Router struct {
	table    *Table
	engine   reproject.Engine
	gate     Gate
	snapshot func() *Snapshot
	bus      bus.Bus
	metrics  *metrics.Pipeline
	logger   logging.Logger

	mu     sync.Mutex
	latest map[channel.DataSource]*channel.Frame

	// drop warnings are throttled, the metrics still count every drop
	malformedLog rate.Sometimes
	produceLog   rate.Sometimes
}

// New returns a Router. snapshot is called once per frame and may return nil until the
// sensor is calibrated.
func New(
	table *Table,
	engine reproject.Engine,
	gate Gate,
	snapshot func() *Snapshot,
	b bus.Bus,
	m *metrics.Pipeline,
	logger logging.Logger,
) *Router {
	return &Router{
		table:    table,
		engine:   engine,
		gate:     gate,
		snapshot: snapshot,
		bus:      b,
		metrics:  m,
		logger:   logger,
		latest:   map[channel.DataSource]*channel.Frame{},

		malformedLog: rate.Sometimes{First: 5, Interval: 10 * time.Second},
		produceLog:   rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// Table returns the routing table.
func (r *Router) Table() *Table {
	return r.table
}

// ValidateFrame checks that a frame's buffer matches its geometry.
func ValidateFrame(f *channel.Frame) error {
	if f == nil {
		return errors.Wrap(ErrMalformedFrame, "nil frame")
	}
	if len(f.Source.Split()) != 1 {
		return errors.Wrapf(ErrMalformedFrame, "frame must have exactly one source, got %s", f.Source)
	}
	if f.BitsPerPixel != 8 && f.BitsPerPixel != 16 {
		return errors.Wrapf(ErrMalformedFrame, "unsupported bit depth %d", f.BitsPerPixel)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return errors.Wrapf(ErrMalformedFrame, "invalid size %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * f.BitsPerPixel / 8; len(f.Data) != want {
		return errors.Wrapf(ErrMalformedFrame, "%s frame %d has %d bytes, expected %d",
			f.Source, f.FrameID, len(f.Data), want)
	}
	return nil
}

// OnFrame produces the publications for one frame. Frames that cannot be processed are
// dropped; only a malformed frame is reported as an error.
func (r *Router) OnFrame(frame *channel.Frame) ([]Publication, error) {
	start := time.Now()
	if err := ValidateFrame(frame); err != nil {
		r.metrics.FrameDropped(metrics.DropMalformed)
		r.malformedLog.Do(func() { r.logger.Warnw("dropping frame", "error", err) })
		return nil, err
	}
	r.metrics.FrameReceived(frame.Source.String())
	defer r.metrics.ObserveProcessing(start)

	snap := r.snapshot()
	if snap == nil || snap.Calibration == nil {
		r.metrics.FrameDropped(metrics.DropNotCalibrated)
		r.logger.Debugw("dropping frame before calibration", "source", frame.Source, "frame_id", frame.FrameID)
		return nil, nil
	}
	if frame.Width != snap.Calibration.Width || frame.Height != snap.Calibration.Height {
		r.metrics.FrameDropped(metrics.DropSizeMismatch)
		r.logger.Debugw("dropping frame, calibration not ready for its resolution",
			"source", frame.Source, "frame_id", frame.FrameID,
			"width", frame.Width, "height", frame.Height,
			"calibrated_width", snap.Calibration.Width, "calibrated_height", snap.Calibration.Height)
		return nil, nil
	}

	candidates := r.table.For(frame.Source)
	r.remember(frame)

	var pubs []Publication
	w := newWork(snap, r.engine, frame)
	for _, out := range candidates {
		if out.RequiresColor && !snap.Color {
			continue
		}
		if out.RequiresOrganized && !snap.Params.OrganizedPointCloudEnabled {
			continue
		}
		if !r.gate.Wants(out.Name) {
			out.lastID.Store(noFrame)
			continue
		}
		if !r.collect(w, out, frame) {
			continue
		}
		if !r.claim(out, frame.FrameID) {
			continue
		}
		msg, err := out.Produce(w, w.Header(out.Side))
		if err != nil {
			r.metrics.FrameDropped(metrics.DropProduceFailure)
			r.produceLog.Do(func() {
				r.logger.Warnw("cannot produce output", "topic", out.Name, "frame_id", frame.FrameID, "error", err)
			})
			continue
		}
		pubs = append(pubs, Publication{Topic: out.Name, Message: msg})
	}
	return pubs, nil
}

// Handle processes a frame and publishes the result. It is the transport frame callback.
func (r *Router) Handle(frame *channel.Frame) {
	pubs, err := r.OnFrame(frame)
	if err != nil {
		return
	}
	for _, p := range pubs {
		r.bus.Publish(p.Topic, p.Message)
		r.metrics.Published(p.Topic)
	}
}

// remember keeps the latest frame of sources that feed multi source outputs.
func (r *Router) remember(frame *channel.Frame) {
	for _, out := range r.table.For(frame.Source) {
		if out.Inputs != frame.Source {
			r.mu.Lock()
			r.latest[frame.Source] = frame
			r.mu.Unlock()
			return
		}
	}
}

// collect adds to w the other inputs of out, if they all arrived with the frame's id.
func (r *Router) collect(w *Work, out *Output, frame *channel.Frame) bool {
	if out.Inputs == frame.Source {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, source := range out.Inputs.Split() {
		if _, ok := w.frames[source]; ok {
			continue
		}
		other, ok := r.latest[source]
		if !ok || other.FrameID != frame.FrameID || other.Width != frame.Width || other.Height != frame.Height {
			return false
		}
		w.frames[source] = other
	}
	return true
}

// claim records that out is produced for id. It fails if out already ran for id.
func (r *Router) claim(out *Output, id int64) bool {
	for {
		prev := out.lastID.Load()
		if prev == id {
			return false
		}
		if !out.lastID.CompareAndSwap(prev, id) {
			continue
		}
		if prev != noFrame && id != prev+1 {
			r.metrics.FrameGap(out.Name)
			r.logger.Warnw("frame id gap", "topic", out.Name, "previous", prev, "current", id)
		}
		return true
	}
}
