// Package ros defines the typed messages the driver publishes. Field layouts follow the
// sensor_msgs / stereo_msgs conventions so bridges can translate them one to one.
package ros

import (
	"image"
	"time"

	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/pointcloud"
	"go.viam.com/multisense/rimage"
)

// Message is anything that can be published on the bus.
type Message interface {
	MessageType() string
}

// Header correlates messages that come from the same acquisition.
type Header struct {
	// Seq is the sensor frame id.
	Seq   int64
	Stamp time.Time
	// FrameID is the coordinate frame of the data.
	FrameID string
}

// Image is a raster message.
type Image struct {
	Header
	*rimage.Image
}

// MessageType implements Message.
func (*Image) MessageType() string { return "sensor_msgs/Image" }

// DistortionModelPlumbBob is the five coefficient Brown-Conrady model.
const DistortionModelPlumbBob = "plumb_bob"

// CameraInfo carries the calibration of one image stream.
type CameraInfo struct {
	Header
	Width           int
	Height          int
	DistortionModel string
	D               []float64
	K               [9]float64
	R               [9]float64
	P               [12]float64
}

// MessageType implements Message.
func (*CameraInfo) MessageType() string { return "sensor_msgs/CameraInfo" }

// DisparityImage is a floating point disparity image with what is needed to turn it into depth.
type DisparityImage struct {
	Header
	Image *rimage.Image
	// F is the focal length in pixels and T the baseline in meters.
	F            float64
	T            float64
	ValidWindow  image.Rectangle
	MinDisparity float64
	MaxDisparity float64
	DeltaD       float64
}

// MessageType implements Message.
func (*DisparityImage) MessageType() string { return "stereo_msgs/DisparityImage" }

// PointCloud2 is a point cloud message.
type PointCloud2 struct {
	Header
	*pointcloud.Cloud
}

// MessageType implements Message.
func (*PointCloud2) MessageType() string { return "sensor_msgs/PointCloud2" }

// DeviceInfo describes the connected sensor.
type DeviceInfo struct {
	Header
	channel.DeviceInfo
}

// MessageType implements Message.
func (*DeviceInfo) MessageType() string { return "multisense_msgs/DeviceInfo" }

// RawCamConfig is the operating configuration of the sensor.
type RawCamConfig struct {
	Header
	Width  int
	Height int
	FPS    float64
	// Fx, Fy, Cx, Cy and Tx are the rectified left projection at the operating resolution.
	Fx, Fy, Cx, Cy, Tx float64
}

// MessageType implements Message.
func (*RawCamConfig) MessageType() string { return "multisense_msgs/RawCamConfig" }

// RawCamCal is the factory calibration blob as reported by the sensor.
type RawCamCal struct {
	Header
	channel.RawCalibration
}

// MessageType implements Message.
func (*RawCamCal) MessageType() string { return "multisense_msgs/RawCamCal" }

// DeviceStatus is periodic health telemetry.
type DeviceStatus struct {
	Header
	channel.DeviceStatus
}

// MessageType implements Message.
func (*DeviceStatus) MessageType() string { return "multisense_msgs/DeviceStatus" }

// Histogram is the intensity histogram of one raw left image. Data holds Bins counts per
// channel, channel after channel.
type Histogram struct {
	Header
	Width    int
	Height   int
	Channels int
	Bins     int
	Data     []uint32
}

// MessageType implements Message.
func (*Histogram) MessageType() string { return "multisense_msgs/Histogram" }

// RawCamData pairs the left luma image with the raw disparity of the same acquisition.
// Disparity is in 1/16 pixel units.
type RawCamData struct {
	Header
	Width          int
	Height         int
	GrayScaleImage []byte
	DisparityImage []uint16
}

// MessageType implements Message.
func (*RawCamData) MessageType() string { return "multisense_msgs/RawCamData" }

// PtpStatus is the state of the sensor's PTP clock synchronization.
type PtpStatus struct {
	Header
	channel.PtpStatus
}

// MessageType implements Message.
func (*PtpStatus) MessageType() string { return "multisense_msgs/PtpStatus" }
