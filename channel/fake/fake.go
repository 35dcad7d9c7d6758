// Package fake implements a simulated stereo sensor for tests and for running the driver
// without hardware.
package fake

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/multisense/channel"
)

// Native imager geometry of the simulated unit.
const (
	NativeWidth  = 1024
	NativeHeight = 544
	// Baseline is the simulated stereo baseline in meters.
	Baseline = 0.21
	// FocalLength is fx = fy at native resolution, in pixels.
	FocalLength = 600.0
)

type callbackEntry struct {
	sources channel.DataSource
	fn      channel.FrameCallback
}

// Channel is an in-memory channel.Channel. Frames are only delivered for sources that have been
// started, the same way the hardware behaves.
type Channel struct {
	mu        sync.Mutex
	config    channel.SensorConfig
	info      channel.DeviceInfo
	status    channel.DeviceStatus
	ptp       *channel.PtpStatus
	ptpCalls  int
	streams   channel.DataSource
	callbacks map[int]callbackEntry
	nextID    int
	frameID   int64

	// StartErr and StopErr, when set, are returned by StartStreams/StopStreams.
	StartErr error
	StopErr  error
	// StartCalls and StopCalls record every stream control request.
	StartCalls []channel.DataSource
	StopCalls  []channel.DataSource
}

// New returns a simulated sensor running at the given resolution.
func New(width, height int, color bool) *Channel {
	return &Channel{
		config: channel.SensorConfig{
			Width:       width,
			Height:      height,
			FPS:         10,
			Calibration: DefaultCalibration(),
		},
		info: channel.DeviceInfo{
			Name:            "simulated",
			SerialNumber:    "SIM0001",
			FirmwareVersion: "0.0.0",
			ImagerWidth:     NativeWidth,
			ImagerHeight:    NativeHeight,
			Color:           color,
		},
		status:    channel.DeviceStatus{SystemOK: true, CamerasOK: true, TemperatureC: 35, InputVoltage: 12},
		callbacks: map[int]callbackEntry{},
	}
}

// DefaultCalibration is an ideal, distortion free, already rectified stereo pair.
func DefaultCalibration() channel.RawCalibration {
	identity := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	cx, cy := float64(NativeWidth)/2, float64(NativeHeight)/2
	m := [3][3]float64{{FocalLength, 0, cx}, {0, FocalLength, cy}, {0, 0, 1}}
	left := channel.CameraCalibration{
		Width: NativeWidth, Height: NativeHeight, M: m, D: make([]float64, 5), R: identity,
		P: [3][4]float64{{FocalLength, 0, cx, 0}, {0, FocalLength, cy, 0}, {0, 0, 1, 0}},
	}
	right := left
	right.D = make([]float64, 5)
	right.P[0][3] = -FocalLength * Baseline
	return channel.RawCalibration{Left: left, Right: right}
}

// RegisterFrameCallback implements channel.Channel.
func (c *Channel) RegisterFrameCallback(sources channel.DataSource, fn channel.FrameCallback) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.callbacks[id] = callbackEntry{sources, fn}
	return func() {
		c.mu.Lock()
		delete(c.callbacks, id)
		c.mu.Unlock()
	}
}

// StartStreams implements channel.Channel.
func (c *Channel) StartStreams(sources channel.DataSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls = append(c.StartCalls, sources)
	if c.StartErr != nil {
		return c.StartErr
	}
	c.streams |= sources
	return nil
}

// StopStreams implements channel.Channel.
func (c *Channel) StopStreams(sources channel.DataSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls = append(c.StopCalls, sources)
	if c.StopErr != nil {
		return c.StopErr
	}
	c.streams &^= sources
	return nil
}

// Streams returns the sources currently streaming.
func (c *Channel) Streams() channel.DataSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams
}

// SetStartErr changes the error returned by StartStreams.
func (c *Channel) SetStartErr(err error) {
	c.mu.Lock()
	c.StartErr = err
	c.mu.Unlock()
}

// QueryConfig implements channel.Channel.
func (c *Channel) QueryConfig(ctx context.Context) (channel.SensorConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config, nil
}

// SetResolution implements channel.Channel.
func (c *Channel) SetResolution(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 || width > NativeWidth || height > NativeHeight {
		return &channel.TransportError{Op: "set_resolution", Err: errors.Errorf("unsupported resolution %dx%d", width, height)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.Width, c.config.Height = width, height
	return nil
}

// SetCalibration replaces the calibration reported by QueryConfig.
func (c *Channel) SetCalibration(cal channel.RawCalibration) {
	c.mu.Lock()
	c.config.Calibration = cal
	c.mu.Unlock()
}

// QueryDeviceInfo implements channel.Channel.
func (c *Channel) QueryDeviceInfo(ctx context.Context) (channel.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, nil
}

// QueryStatus implements channel.Channel.
func (c *Channel) QueryStatus(ctx context.Context) (channel.DeviceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}

// QueryPtpStatus implements channel.Channel. Units return channel.ErrNotSupported until
// SetPtpStatus is called.
func (c *Channel) QueryPtpStatus(ctx context.Context) (channel.PtpStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ptpCalls++
	if c.ptp == nil {
		return channel.PtpStatus{}, &channel.TransportError{Op: "query_ptp_status", Err: channel.ErrNotSupported}
	}
	return *c.ptp, nil
}

// SetPtpStatus makes the unit report PTP support with the given state.
func (c *Channel) SetPtpStatus(st channel.PtpStatus) {
	c.mu.Lock()
	c.ptp = &st
	c.mu.Unlock()
}

// PtpQueries returns how many times the PTP status was queried.
func (c *Channel) PtpQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptpCalls
}

// Deliver hands the frame to every callback registered for its source, if that source is
// streaming. It reports whether the frame was delivered.
func (c *Channel) Deliver(frame *channel.Frame) bool {
	c.mu.Lock()
	if c.streams&frame.Source == 0 {
		c.mu.Unlock()
		return false
	}
	var fns []channel.FrameCallback
	for _, entry := range c.callbacks {
		if entry.sources&frame.Source != 0 {
			fns = append(fns, entry.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(frame)
	}
	return len(fns) > 0
}

// EmitAll produces one synthetic acquisition for every streaming source, all sharing one frame
// id and timestamp, and delivers them.
func (c *Channel) EmitAll(now time.Time, disparity float64) {
	c.mu.Lock()
	c.frameID++
	id, cfg, streams, color := c.frameID, c.config, c.streams, c.info.Color
	c.mu.Unlock()

	for _, source := range streams.Split() {
		c.Deliver(SyntheticFrame(source, id, now, cfg.Width, cfg.Height, color, disparity))
	}
}

// Run emits acquisitions at the configured frame rate until ctx is done.
func (c *Channel) Run(ctx context.Context, clk clock.Clock, disparity float64) {
	c.mu.Lock()
	fps := c.config.FPS
	c.mu.Unlock()
	if fps <= 0 {
		fps = 10
	}
	ticker := clk.Ticker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.EmitAll(clk.Now(), disparity)
		}
	}
}

// SyntheticFrame builds a frame of the given source. Mono sources are an 8-bit horizontal
// gradient (a Bayer mosaic of it on color units), disparity sources are a 16-bit constant plane
// in 1/16 pixel units, and cost is all zero.
func SyntheticFrame(
	source channel.DataSource, id int64, ts time.Time, width, height int, color bool, disparity float64,
) *channel.Frame {
	frame := &channel.Frame{Source: source, FrameID: id, Timestamp: ts, Width: width, Height: height}
	switch source {
	case channel.SourceLeftDisparity, channel.SourceRightDisparity:
		frame.BitsPerPixel = 16
		frame.Data = make([]byte, width*height*2)
		raw := uint16(disparity * 16)
		for i := 0; i < width*height; i++ {
			binary.LittleEndian.PutUint16(frame.Data[2*i:], raw)
		}
	default:
		frame.BitsPerPixel = 8
		frame.Data = make([]byte, width*height)
		if source == channel.SourceCost {
			break
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v := byte(x * 255 / max(width-1, 1))
				if color && source == channel.SourceLeftMono && (x+y)%2 == 1 {
					v /= 2
				}
				frame.Data[y*width+x] = v
			}
		}
	}
	return frame
}
