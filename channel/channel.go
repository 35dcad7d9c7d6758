// Package channel defines what the driver needs from the sensor transport: frame delivery,
// per-source stream control and configuration queries. The link layer itself lives elsewhere.
package channel

import (
	"context"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DataSource identifies raw streams the sensor can emit. Values are bit flags so that sets of
// sources can be requested in one mask.
type DataSource uint32

// Known data sources.
const (
	SourceLeftMono DataSource = 1 << iota
	SourceRightMono
	SourceLeftDisparity
	SourceRightDisparity
	SourceCost

	SourceNone DataSource = 0
	SourceAll             = SourceLeftMono | SourceRightMono | SourceLeftDisparity | SourceRightDisparity | SourceCost
)

var sourceNames = map[DataSource]string{
	SourceLeftMono:       "left_mono",
	SourceRightMono:      "right_mono",
	SourceLeftDisparity:  "left_disparity",
	SourceRightDisparity: "right_disparity",
	SourceCost:           "cost",
}

func (ds DataSource) String() string {
	if ds == SourceNone {
		return "none"
	}
	names := make([]string, 0, bits.OnesCount32(uint32(ds)))
	for _, single := range ds.Split() {
		name, ok := sourceNames[single]
		if !ok {
			name = fmt.Sprintf("0x%x", uint32(single))
		}
		names = append(names, name)
	}
	return strings.Join(names, "|")
}

// Has reports whether every source in other is part of ds.
func (ds DataSource) Has(other DataSource) bool {
	return other != SourceNone && ds&other == other
}

// Split returns the individual sources of a mask in ascending bit order.
func (ds DataSource) Split() []DataSource {
	out := make([]DataSource, 0, bits.OnesCount32(uint32(ds)))
	for rest := uint32(ds); rest != 0; rest &= rest - 1 {
		out = append(out, DataSource(rest&-rest))
	}
	return out
}

// Frame is one acquisition of one data source. Data belongs to the frame and must not be
// modified after delivery. 16-bit pixels are little endian.
type Frame struct {
	Source       DataSource
	FrameID      int64
	Timestamp    time.Time
	Width        int
	Height       int
	BitsPerPixel int
	Data         []byte
}

// CameraCalibration is the factory calibration of one imager at its native resolution.
// D holds plumb_bob coefficients in the order k1, k2, p1, p2, k3 (more are ignored).
type CameraCalibration struct {
	Width  int
	Height int
	M      [3][3]float64
	D      []float64
	R      [3][3]float64
	P      [3][4]float64
}

// RawCalibration is the stereo calibration blob reported by the sensor.
type RawCalibration struct {
	Left  CameraCalibration
	Right CameraCalibration
}

// SensorConfig is the operating configuration of the sensor.
type SensorConfig struct {
	Width       int
	Height      int
	FPS         float64
	Calibration RawCalibration
}

// DeviceInfo describes the connected unit.
type DeviceInfo struct {
	Name            string
	SerialNumber    string
	FirmwareVersion string
	ImagerWidth     int
	ImagerHeight    int
	// Color is set for units whose left imager has a Bayer (RGGB) filter.
	Color bool
}

// DeviceStatus is a snapshot of the unit's health telemetry.
type DeviceStatus struct {
	Uptime        time.Duration
	SystemOK      bool
	CamerasOK     bool
	TemperatureC  float64
	InputVoltage  float64
	DroppedFrames uint64
}

// PtpStatus is the state of the sensor's PTP clock synchronization.
type PtpStatus struct {
	GrandmasterPresent bool
	GrandmasterID      [8]byte
	// OffsetFromGrandmaster is the sensor clock offset from the grandmaster clock.
	OffsetFromGrandmaster time.Duration
	PathDelay             time.Duration
	StepsFromGrandmaster  uint16
}

// ErrNotSupported is returned by queries the connected unit cannot answer.
var ErrNotSupported = errors.New("not supported by this sensor")

// FrameCallback receives frames on a transport delivery goroutine. Different sources may be
// delivered concurrently; one source is never delivered concurrently with itself.
type FrameCallback func(*Frame)

// Channel is the transport connection to one sensor.
type Channel interface {
	// RegisterFrameCallback subscribes fn to frames from any of the given sources. The returned
	// function removes the callback.
	RegisterFrameCallback(sources DataSource, fn FrameCallback) (unregister func())
	// StartStreams asks the sensor to stream the given sources. Safe to repeat.
	StartStreams(sources DataSource) error
	// StopStreams asks the sensor to stop the given sources. Safe to repeat.
	StopStreams(sources DataSource) error
	QueryConfig(ctx context.Context) (SensorConfig, error)
	SetResolution(ctx context.Context, width, height int) error
	QueryDeviceInfo(ctx context.Context) (DeviceInfo, error)
	QueryStatus(ctx context.Context) (DeviceStatus, error)
	// QueryPtpStatus returns ErrNotSupported on units without PTP.
	QueryPtpStatus(ctx context.Context) (PtpStatus, error)
}

// TransportError wraps a failed stream control or query call.
type TransportError struct {
	Op     string
	Source DataSource
	Err    error
}

func (e *TransportError) Error() string {
	if e.Source == SourceNone {
		return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s failed: %v", e.Op, e.Source, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
