package router

import (
	"github.com/pkg/errors"

	"go.viam.com/multisense/calibration"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/reproject"
	"go.viam.com/multisense/rimage"
	"go.viam.com/multisense/ros"
)

// Work is the state of one dispatch. Intermediate results are computed on first use and
// shared by every output produced from the same frames.
type Work struct {
	Snapshot *Snapshot
	Engine   reproject.Engine

	header ros.Header
	frames map[channel.DataSource]*channel.Frame

	mono      map[channel.DataSource]*rimage.Image
	rectified map[calibration.Side]*rimage.Image
	disparity map[channel.DataSource]*rimage.DisparityMap
	color     *rimage.Image
	rectColor *rimage.Image
	luma      *rimage.Image
	rectLuma  *rimage.Image
}

func newWork(snap *Snapshot, engine reproject.Engine, trigger *channel.Frame) *Work {
	return &Work{
		Snapshot:  snap,
		Engine:    engine,
		header:    ros.Header{Seq: trigger.FrameID, Stamp: trigger.Timestamp},
		frames:    map[channel.DataSource]*channel.Frame{trigger.Source: trigger},
		mono:      map[channel.DataSource]*rimage.Image{},
		rectified: map[calibration.Side]*rimage.Image{},
		disparity: map[channel.DataSource]*rimage.DisparityMap{},
	}
}

// Header returns the header for data in the coordinate frame of side.
func (w *Work) Header(side calibration.Side) ros.Header {
	h := w.header
	h.FrameID = w.Snapshot.Params.FrameIDLeft
	if side == calibration.Right {
		h.FrameID = w.Snapshot.Params.FrameIDRight
	}
	return h
}

// Frame returns the input frame of source.
func (w *Work) Frame(source channel.DataSource) (*channel.Frame, error) {
	f, ok := w.frames[source]
	if !ok {
		return nil, errors.Errorf("no %s frame", source)
	}
	return f, nil
}

// Mono returns the raster of an image source. The left imager of a color unit is a Bayer mosaic.
func (w *Work) Mono(source channel.DataSource) (*rimage.Image, error) {
	if img, ok := w.mono[source]; ok {
		return img, nil
	}
	f, err := w.Frame(source)
	if err != nil {
		return nil, err
	}
	img, err := w.Engine.Mono(f, w.Snapshot.Color && source == channel.SourceLeftMono)
	if err != nil {
		return nil, err
	}
	w.mono[source] = img
	return img, nil
}

// Color returns the demosaiced left image.
func (w *Work) Color() (*rimage.Image, error) {
	if w.color != nil {
		return w.color, nil
	}
	raw, err := w.Mono(channel.SourceLeftMono)
	if err != nil {
		return nil, err
	}
	if w.color, err = w.Engine.Demosaic(raw); err != nil {
		return nil, err
	}
	return w.color, nil
}

// RectifiedColor returns the rectified demosaiced left image.
func (w *Work) RectifiedColor() (*rimage.Image, error) {
	if w.rectColor != nil {
		return w.rectColor, nil
	}
	color, err := w.Color()
	if err != nil {
		return nil, err
	}
	if w.rectColor, err = w.Engine.Rectify(color, calibration.Left, w.Snapshot.Calibration); err != nil {
		return nil, err
	}
	return w.rectColor, nil
}

// Rectified returns the rectified grayscale image of side. On a color unit the left one is the
// luma of the rectified color image.
func (w *Work) Rectified(side calibration.Side) (*rimage.Image, error) {
	if img, ok := w.rectified[side]; ok {
		return img, nil
	}
	var img *rimage.Image
	var err error
	if side == calibration.Left && w.Snapshot.Color {
		var color *rimage.Image
		if color, err = w.RectifiedColor(); err != nil {
			return nil, err
		}
		img, err = w.Engine.Luma(color)
	} else {
		var raw *rimage.Image
		if raw, err = w.Mono(sideSource(side)); err != nil {
			return nil, err
		}
		img, err = w.Engine.Rectify(raw, side, w.Snapshot.Calibration)
	}
	if err != nil {
		return nil, err
	}
	w.rectified[side] = img
	return img, nil
}

// Luma returns the left image as mono8, demosaiced first on a color unit.
func (w *Work) Luma() (*rimage.Image, error) {
	if w.luma != nil {
		return w.luma, nil
	}
	var img *rimage.Image
	var err error
	if w.Snapshot.Color {
		img, err = w.Color()
	} else {
		img, err = w.Mono(channel.SourceLeftMono)
	}
	if err != nil {
		return nil, err
	}
	if w.luma, err = w.toMono8(img); err != nil {
		return nil, err
	}
	return w.luma, nil
}

// RectifiedLuma returns the rectified left image as mono8.
func (w *Work) RectifiedLuma() (*rimage.Image, error) {
	if w.rectLuma != nil {
		return w.rectLuma, nil
	}
	img, err := w.Rectified(calibration.Left)
	if err != nil {
		return nil, err
	}
	if w.rectLuma, err = w.toMono8(img); err != nil {
		return nil, err
	}
	return w.rectLuma, nil
}

func (w *Work) toMono8(img *rimage.Image) (*rimage.Image, error) {
	if img.Encoding() == rimage.Mono8 {
		return img, nil
	}
	return w.Engine.Luma(img)
}

// Disparity returns the decoded disparity of a disparity source.
func (w *Work) Disparity(source channel.DataSource) (*rimage.DisparityMap, error) {
	if dm, ok := w.disparity[source]; ok {
		return dm, nil
	}
	f, err := w.Frame(source)
	if err != nil {
		return nil, err
	}
	dm, err := w.Engine.Disparity(f)
	if err != nil {
		return nil, err
	}
	w.disparity[source] = dm
	return dm, nil
}

func sideSource(side calibration.Side) channel.DataSource {
	if side == calibration.Right {
		return channel.SourceRightMono
	}
	return channel.SourceLeftMono
}
