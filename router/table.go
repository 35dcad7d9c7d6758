package router

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/multisense/calibration"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/reproject"
	"go.viam.com/multisense/rimage"
	"go.viam.com/multisense/ros"
)

// Output topics.
const (
	TopicLeftMono             = "left/image_mono"
	TopicRightMono            = "right/image_mono"
	TopicLeftRect             = "left/image_rect"
	TopicRightRect            = "right/image_rect"
	TopicLeftColor            = "left/image_color"
	TopicLeftRectColor        = "left/image_rect_color"
	TopicLeftDisparity        = "left/disparity"
	TopicRightDisparity       = "right/disparity"
	TopicLeftDisparityImage   = "left/disparity_image"
	TopicRightDisparityImage  = "right/disparity_image"
	TopicLeftDepth            = "left/depth"
	TopicLeftOpenNIDepth      = "left/openni_depth"
	TopicLeftCost             = "left/cost"
	TopicPoints               = "image_points2"
	TopicColorPoints          = "image_points2_color"
	TopicOrganizedPoints      = "organized_image_points2"
	TopicOrganizedColorPoints = "organized_image_points2_color"
	TopicHistogram            = "histogram"
	TopicRawCamData           = "raw_cam_data"
)

const (
	cameraInfoSuffix = "/camera_info"
	leftPointInputs  = channel.SourceLeftDisparity | channel.SourceLeftMono
	// noFrame marks an output whose frame id sequence starts over.
	noFrame = int64(-1)
)

// CameraInfoKind says which calibration describes an output.
type CameraInfoKind int

// Camera info kinds.
const (
	NoCameraInfo CameraInfoKind = iota
	RawCameraInfo
	RectifiedCameraInfo
)

// CameraInfoTopic returns the camera info topic of an output topic.
func CameraInfoTopic(topic string) string {
	return topic + cameraInfoSuffix
}

// ProduceFunc builds the message of one output.
type ProduceFunc func(w *Work, h ros.Header) (ros.Message, error)

// Output describes one published stream.
type Output struct {
	Name string
	// Inputs are the data sources that must all be present, with the same frame id.
	Inputs            channel.DataSource
	Side              calibration.Side
	RequiresColor     bool
	RequiresOrganized bool
	CameraInfo        CameraInfoKind
	Produce           ProduceFunc

	lastID *atomic.Int64
}

// Table maps each data source to the outputs it feeds, in publication order.
type Table struct {
	outputs  []*Output
	bySource map[channel.DataSource][]*Output
	byName   map[string]*Output
}

// NewTable builds a table from outputs.
func NewTable(outputs []*Output) *Table {
	t := &Table{bySource: map[channel.DataSource][]*Output{}, byName: map[string]*Output{}}
	for _, out := range outputs {
		out.lastID = atomic.NewInt64(noFrame)
		t.outputs = append(t.outputs, out)
		t.byName[out.Name] = out
		for _, source := range out.Inputs.Split() {
			t.bySource[source] = append(t.bySource[source], out)
		}
	}
	return t
}

// DefaultTable is the table of every stream the driver publishes.
func DefaultTable() *Table {
	return NewTable(DefaultOutputs())
}

// Outputs returns every output in table order.
func (t *Table) Outputs() []*Output {
	return t.outputs
}

// For returns the outputs fed by source.
func (t *Table) For(source channel.DataSource) []*Output {
	return t.bySource[source]
}

// Lookup finds an output by topic.
func (t *Table) Lookup(name string) (*Output, bool) {
	out, ok := t.byName[name]
	return out, ok
}

func imageMessage(h ros.Header, produce func() (*rimage.Image, error)) (ros.Message, error) {
	img, err := produce()
	if err != nil {
		return nil, err
	}
	return &ros.Image{Header: h, Image: img}, nil
}

func monoOutput(name string, source channel.DataSource, side calibration.Side) *Output {
	return &Output{
		Name: name, Inputs: source, Side: side, CameraInfo: RawCameraInfo,
		Produce: func(w *Work, h ros.Header) (ros.Message, error) {
			return imageMessage(h, func() (*rimage.Image, error) { return w.Mono(source) })
		},
	}
}

func rectOutput(name string, side calibration.Side) *Output {
	return &Output{
		Name: name, Inputs: sideSource(side), Side: side, CameraInfo: RectifiedCameraInfo,
		Produce: func(w *Work, h ros.Header) (ros.Message, error) {
			return imageMessage(h, func() (*rimage.Image, error) { return w.Rectified(side) })
		},
	}
}

func disparityImageOutput(name string, source channel.DataSource, side calibration.Side) *Output {
	return &Output{
		Name: name, Inputs: source, Side: side,
		Produce: func(w *Work, h ros.Header) (ros.Message, error) {
			dm, err := w.Disparity(source)
			if err != nil {
				return nil, err
			}
			msg, err := w.Engine.DisparityImage(dm, w.Snapshot.Calibration, w.Snapshot.Mask)
			if err != nil {
				return nil, err
			}
			msg.Header = h
			return msg, nil
		},
	}
}

func depthOutput(name string, variant reproject.DepthVariant) *Output {
	return &Output{
		Name: name, Inputs: channel.SourceLeftDisparity, Side: calibration.Left, CameraInfo: RectifiedCameraInfo,
		Produce: func(w *Work, h ros.Header) (ros.Message, error) {
			return imageMessage(h, func() (*rimage.Image, error) {
				dm, err := w.Disparity(channel.SourceLeftDisparity)
				if err != nil {
					return nil, err
				}
				return w.Engine.Depth(dm, w.Snapshot.Calibration, w.Snapshot.Mask, variant, w.Snapshot.Params.PointCloudMaxRange)
			})
		},
	}
}

func pointsOutput(name string, color, organized bool) *Output {
	return &Output{
		Name: name, Inputs: leftPointInputs, Side: calibration.Left, RequiresColor: color, RequiresOrganized: organized,
		Produce: func(w *Work, h ros.Header) (ros.Message, error) {
			dm, err := w.Disparity(channel.SourceLeftDisparity)
			if err != nil {
				return nil, err
			}
			opts := reproject.CloudOptions{
				MaxRange:    w.Snapshot.Params.PointCloudMaxRange,
				Organized:   organized,
				PackedColor: w.Snapshot.Params.PointCloudColorPacked,
			}
			if color {
				opts.Color, err = w.RectifiedColor()
			} else {
				opts.Luma, err = w.RectifiedLuma()
			}
			if err != nil {
				return nil, err
			}
			cloud, err := w.Engine.PointCloud(dm, w.Snapshot.Calibration, w.Snapshot.Mask, opts)
			if err != nil {
				return nil, err
			}
			return &ros.PointCloud2{Header: h, Cloud: cloud}, nil
		},
	}
}

func histogramOutput() *Output {
	return &Output{
		Name: TopicHistogram, Inputs: channel.SourceLeftMono, Side: calibration.Left,
		Produce: func(w *Work, h ros.Header) (ros.Message, error) {
			raw, err := w.Mono(channel.SourceLeftMono)
			if err != nil {
				return nil, err
			}
			channels, bins, err := rimage.Histogram(raw)
			if err != nil {
				return nil, err
			}
			return &ros.Histogram{
				Header: h, Width: raw.Width(), Height: raw.Height(),
				Channels: channels, Bins: rimage.HistogramBins, Data: bins,
			}, nil
		},
	}
}

func rawCamDataOutput() *Output {
	return &Output{
		Name: TopicRawCamData, Inputs: leftPointInputs, Side: calibration.Left,
		Produce: func(w *Work, h ros.Header) (ros.Message, error) {
			luma, err := w.Luma()
			if err != nil {
				return nil, err
			}
			dm, err := w.Disparity(channel.SourceLeftDisparity)
			if err != nil {
				return nil, err
			}
			if luma.Width() != dm.Width() || luma.Height() != dm.Height() {
				return nil, errors.Errorf("left image is %dx%d but disparity is %dx%d",
					luma.Width(), luma.Height(), dm.Width(), dm.Height())
			}
			disparity := make([]uint16, len(dm.Values()))
			for k, v := range dm.Values() {
				disparity[k] = uint16(math.Round(float64(v) * rimage.SubpixelScale))
			}
			return &ros.RawCamData{
				Header: h, Width: luma.Width(), Height: luma.Height(),
				GrayScaleImage: luma.Data(), DisparityImage: disparity,
			}, nil
		},
	}
}

// DefaultOutputs returns fresh descriptors of every stream the driver publishes.
func DefaultOutputs() []*Output {
	colorOut := &Output{
		Name: TopicLeftColor, Inputs: channel.SourceLeftMono, RequiresColor: true, CameraInfo: RawCameraInfo,
		Produce: func(w *Work, h ros.Header) (ros.Message, error) {
			return imageMessage(h, w.Color)
		},
	}
	rectColorOut := &Output{
		Name: TopicLeftRectColor, Inputs: channel.SourceLeftMono, RequiresColor: true, CameraInfo: RectifiedCameraInfo,
		Produce: func(w *Work, h ros.Header) (ros.Message, error) {
			return imageMessage(h, w.RectifiedColor)
		},
	}
	leftDisparity := monoOutput(TopicLeftDisparity, channel.SourceLeftDisparity, calibration.Left)
	leftDisparity.CameraInfo = RectifiedCameraInfo
	rightDisparity := monoOutput(TopicRightDisparity, channel.SourceRightDisparity, calibration.Right)
	rightDisparity.CameraInfo = RectifiedCameraInfo
	cost := monoOutput(TopicLeftCost, channel.SourceCost, calibration.Left)
	cost.CameraInfo = NoCameraInfo

	return []*Output{
		monoOutput(TopicLeftMono, channel.SourceLeftMono, calibration.Left),
		monoOutput(TopicRightMono, channel.SourceRightMono, calibration.Right),
		rectOutput(TopicLeftRect, calibration.Left),
		rectOutput(TopicRightRect, calibration.Right),
		colorOut,
		rectColorOut,
		leftDisparity,
		rightDisparity,
		disparityImageOutput(TopicLeftDisparityImage, channel.SourceLeftDisparity, calibration.Left),
		disparityImageOutput(TopicRightDisparityImage, channel.SourceRightDisparity, calibration.Right),
		depthOutput(TopicLeftDepth, reproject.DepthMeters),
		depthOutput(TopicLeftOpenNIDepth, reproject.DepthOpenNI),
		cost,
		pointsOutput(TopicPoints, false, false),
		pointsOutput(TopicColorPoints, true, false),
		pointsOutput(TopicOrganizedPoints, false, true),
		pointsOutput(TopicOrganizedColorPoints, true, true),
		histogramOutput(),
		rawCamDataOutput(),
	}
}
