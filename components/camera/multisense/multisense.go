// Package multisense is the driver node for a stereo sensor. It connects a sensor channel to a
// message bus: it keeps the calibration in step with the sensor's resolution, holds the
// snapshot every frame is processed with, and runs the subscription gate, the frame router
// and the status publisher.
package multisense

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/multisense/borderclip"
	"go.viam.com/multisense/bus"
	"go.viam.com/multisense/calibration"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/config"
	"go.viam.com/multisense/logging"
	"go.viam.com/multisense/metrics"
	"go.viam.com/multisense/reproject"
	"go.viam.com/multisense/ros"
	"go.viam.com/multisense/router"
	"go.viam.com/multisense/status"
	"go.viam.com/multisense/subscription"
)

// Latched metadata topics.
const (
	TopicDeviceInfo   = "device_info"
	TopicRawCamConfig = "raw_cam_config"
	TopicRawCamCal    = "raw_cam_cal"
)

// Options are the optional collaborators of a Camera.
type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Pipeline
	Engine  reproject.Engine
	// PersistentFailureTicks is passed to the subscription gate.
	PersistentFailureTicks int
}

// Camera is a running driver node.
type Camera struct {
	ch      channel.Channel
	bus     bus.Bus
	store   *config.Store
	logger  logging.Logger
	opts    Options
	info    channel.DeviceInfo
	calib   *calibration.Manager
	table   *router.Table
	router  *router.Router
	gate    *subscription.Gate
	status  *status.Publisher
	current atomic.Pointer[router.Snapshot]

	// rebuildMu serializes snapshot rebuilds. It is taken after the calibration manager's and
	// the config store's locks, never before.
	rebuildMu sync.Mutex
	params    config.Params

	frameMu    sync.RWMutex
	closed     bool
	unregister func()
}

// New queries the sensor, applies its calibration and starts the node. It fails if the
// sensor cannot be queried or its calibration is unusable.
func New(
	ctx context.Context,
	ch channel.Channel,
	b bus.Bus,
	store *config.Store,
	logger logging.Logger,
	opts Options,
) (*Camera, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Engine == nil {
		opts.Engine = reproject.New()
	}

	info, err := ch.QueryDeviceInfo(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cannot query device info")
	}
	cfg, err := ch.QueryConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cannot query sensor configuration")
	}

	c := &Camera{
		ch:     ch,
		bus:    b,
		store:  store,
		logger: logger,
		opts:   opts,
		info:   info,
		calib:  calibration.NewManager(logger.Sublogger("calibration")),
		table:  router.DefaultTable(),
		params: store.Params(),
	}
	c.calib.OnChange(c.onCalibration)
	set, err := c.calib.SetResolution(cfg.Width, cfg.Height, cfg.Calibration)
	if err != nil {
		return nil, errors.Wrap(err, "cannot apply initial calibration")
	}
	c.publishMetadata(cfg, set)

	var streams []subscription.Stream
	for _, out := range c.table.Outputs() {
		if out.RequiresColor && !info.Color {
			continue
		}
		stream := subscription.Stream{Name: out.Name, Inputs: out.Inputs}
		if out.RequiresOrganized {
			stream.Enabled = c.organizedEnabled
		}
		streams = append(streams, stream)
	}
	params := c.params
	c.gate = subscription.New(ch, b, streams, logger.Sublogger("subscription"), subscription.Options{
		Period:                 params.SubscriptionPeriod,
		Clock:                  opts.Clock,
		PersistentFailureTicks: opts.PersistentFailureTicks,
		Metrics:                opts.Metrics,
	})
	c.router = router.New(c.table, opts.Engine, c.gate, c.Snapshot, b, opts.Metrics, logger.Sublogger("router"))
	c.status = status.NewPublisher(ch, b, opts.Clock, params.StatusPeriod, params.FrameIDLeft, logger.Sublogger("status"))

	store.OnChange(c.onParams)
	c.unregister = ch.RegisterFrameCallback(channel.SourceAll, c.onFrame)
	c.gate.Start()
	c.status.Start()

	logger.Infow("sensor node started",
		"name", info.Name, "serial", info.SerialNumber, "color", info.Color,
		"width", cfg.Width, "height", cfg.Height)
	return c, nil
}

// Snapshot returns the state frames are currently processed with.
func (c *Camera) Snapshot() *router.Snapshot {
	return c.current.Load()
}

// Gate returns the subscription gate.
func (c *Camera) Gate() *subscription.Gate {
	return c.gate
}

// Router returns the frame router.
func (c *Camera) Router() *router.Router {
	return c.router
}

// SetResolution changes the sensor's resolution and derives the matching calibration. Frames
// at the new resolution are dropped until the calibration is ready.
func (c *Camera) SetResolution(ctx context.Context, width, height int) error {
	if err := c.ch.SetResolution(ctx, width, height); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// Refresh queries the sensor configuration again and applies it.
func (c *Camera) Refresh(ctx context.Context) error {
	cfg, err := c.ch.QueryConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot query sensor configuration")
	}
	set, err := c.calib.SetResolution(cfg.Width, cfg.Height, cfg.Calibration)
	if err != nil {
		return err
	}
	c.publishMetadata(cfg, set)
	return nil
}

func (c *Camera) organizedEnabled() bool {
	snap := c.Snapshot()
	return snap != nil && snap.Params.OrganizedPointCloudEnabled
}

// onCalibration and onParams hold frameMu for reading so that Close waits for them and later
// calls are ignored.
func (c *Camera) onCalibration(set *calibration.Set) {
	c.frameMu.RLock()
	defer c.frameMu.RUnlock()
	if c.closed {
		return
	}
	c.rebuildMu.Lock()
	params := c.params
	c.rebuild(set, params)
	c.rebuildMu.Unlock()

	c.opts.Metrics.CalibrationChanged()
	c.publishCameraInfo(set, params)
}

func (c *Camera) onParams(old, updated config.Params) {
	c.frameMu.RLock()
	defer c.frameMu.RUnlock()
	if c.closed {
		return
	}
	c.rebuildMu.Lock()
	c.params = updated
	snap := c.current.Load()
	if snap != nil {
		c.rebuild(snap.Calibration, updated)
	}
	c.rebuildMu.Unlock()

	if old.SubscriptionPeriod != updated.SubscriptionPeriod {
		c.gate.SetPeriod(updated.SubscriptionPeriod)
	}
	if old.StatusPeriod != updated.StatusPeriod {
		c.status.SetPeriod(updated.StatusPeriod)
	}
	if old.OrganizedPointCloudEnabled != updated.OrganizedPointCloudEnabled {
		c.gate.Tick(context.Background())
	}
	if snap != nil && (old.FrameIDLeft != updated.FrameIDLeft || old.FrameIDRight != updated.FrameIDRight) {
		c.publishCameraInfo(snap.Calibration, updated)
	}
}

// rebuild swaps in a snapshot for set and params. Callers hold rebuildMu.
func (c *Camera) rebuild(set *calibration.Set, params config.Params) {
	mask, err := borderclip.Rebuild(params.ClipShape(), params.BorderClipValue, set.Width, set.Height)
	if err != nil {
		c.logger.Warnw("cannot build border clip mask", "error", err)
		if mask == nil {
			return
		}
	}
	c.current.Store(&router.Snapshot{Calibration: set, Mask: mask, Params: params, Color: c.info.Color})
	c.logger.Debugw("snapshot updated",
		"width", set.Width, "height", set.Height, "clip_shape", mask.Shape, "clip_value", mask.ClipValue)
}

func (c *Camera) latch(topic string, msg ros.Message) {
	if l, ok := c.bus.(bus.Latcher); ok {
		l.Latch(topic, msg)
		return
	}
	c.bus.Publish(topic, msg)
}

func (c *Camera) header(side calibration.Side, params config.Params) ros.Header {
	h := ros.Header{Stamp: c.opts.Clock.Now(), FrameID: params.FrameIDLeft}
	if side == calibration.Right {
		h.FrameID = params.FrameIDRight
	}
	return h
}

func (c *Camera) publishCameraInfo(set *calibration.Set, params config.Params) {
	for _, out := range c.table.Outputs() {
		if out.CameraInfo == router.NoCameraInfo || (out.RequiresColor && !c.info.Color) {
			continue
		}
		info := set.CameraInfo(out.Side, out.CameraInfo == router.RectifiedCameraInfo)
		info.Header = c.header(out.Side, params)
		c.latch(router.CameraInfoTopic(out.Name), &info)
	}
}

func (c *Camera) publishMetadata(cfg channel.SensorConfig, set *calibration.Set) {
	c.rebuildMu.Lock()
	params := c.params
	c.rebuildMu.Unlock()

	h := c.header(calibration.Left, params)
	c.latch(TopicDeviceInfo, &ros.DeviceInfo{Header: h, DeviceInfo: c.info})
	c.latch(TopicRawCamCal, &ros.RawCamCal{Header: h, RawCalibration: cfg.Calibration})
	p := set.Left.Projection
	c.latch(TopicRawCamConfig, &ros.RawCamConfig{
		Header: h,
		Width:  set.Width,
		Height: set.Height,
		FPS:    cfg.FPS,
		Fx:     p.At(0, 0),
		Fy:     p.At(1, 1),
		Cx:     p.At(0, 2),
		Cy:     p.At(1, 2),
		Tx:     set.Right.Projection.At(0, 3) / set.Right.Projection.At(0, 0),
	})
}

func (c *Camera) onFrame(frame *channel.Frame) {
	c.frameMu.RLock()
	defer c.frameMu.RUnlock()
	if c.closed {
		c.opts.Metrics.FrameDropped(metrics.DropShuttingDown)
		return
	}
	c.router.Handle(frame)
}

// Close stops accepting frames, waits for frames in flight, and stops every stream.
func (c *Camera) Close(ctx context.Context) error {
	c.frameMu.Lock()
	if c.closed {
		c.frameMu.Unlock()
		return nil
	}
	c.closed = true
	c.frameMu.Unlock()

	c.unregister()
	c.status.Close()
	return multierr.Combine(c.gate.Close(), ctx.Err())
}
