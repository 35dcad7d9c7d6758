// Package reproject turns raw sensor frames into the rasters and point clouds the driver
// publishes. Every operation is a pure function of its inputs; calibration and mask are passed
// in by the caller from one consistent snapshot.
package reproject

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/multisense/borderclip"
	"go.viam.com/multisense/calibration"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/pointcloud"
	"go.viam.com/multisense/rimage"
	"go.viam.com/multisense/ros"
)

// DepthVariant selects the depth raster format.
type DepthVariant int

const (
	// DepthMeters is 32FC1 in meters. Invalid pixels hold the maximum range.
	DepthMeters DepthVariant = iota
	// DepthOpenNI is 16UC1 in millimeters. Invalid pixels hold 0.
	DepthOpenNI
)

// CloudOptions control point cloud generation.
type CloudOptions struct {
	// MaxRange drops points farther than this many meters. Zero disables the filter.
	MaxRange float64
	// Organized keeps the image grid, with NaN for invalid points.
	Organized bool
	// Color, when set, is an rgb8 rectified image sampled into the rgb field.
	Color *rimage.Image
	// Luma, when set and Color is not, is a mono8 rectified image sampled into the luminance field.
	Luma *rimage.Image
	// PackedColor selects the bit cast rgb encoding over the literal float conversion.
	PackedColor bool
}

// Engine performs the per frame transformations.
type Engine interface {
	// Mono wraps an image frame. 8-bit frames are mono8, or bayer_rggb8 when bayer is set;
	// 16-bit frames are mono16.
	Mono(frame *channel.Frame, bayer bool) (*rimage.Image, error)
	Rectify(img *rimage.Image, side calibration.Side, set *calibration.Set) (*rimage.Image, error)
	Demosaic(img *rimage.Image) (*rimage.Image, error)
	Luma(img *rimage.Image) (*rimage.Image, error)
	Disparity(frame *channel.Frame) (*rimage.DisparityMap, error)
	DisparityImage(disp *rimage.DisparityMap, set *calibration.Set, mask *borderclip.Mask) (*ros.DisparityImage, error)
	Depth(
		disp *rimage.DisparityMap, set *calibration.Set, mask *borderclip.Mask, variant DepthVariant, maxRange float64,
	) (*rimage.Image, error)
	PointCloud(
		disp *rimage.DisparityMap, set *calibration.Set, mask *borderclip.Mask, opts CloudOptions,
	) (*pointcloud.Cloud, error)
}

type engine struct{}

// New returns the default Engine.
func New() Engine {
	return engine{}
}

func (engine) Mono(frame *channel.Frame, bayer bool) (*rimage.Image, error) {
	switch frame.BitsPerPixel {
	case 8:
		enc := rimage.Mono8
		if bayer {
			enc = rimage.BayerRGGB8
		}
		return rimage.NewImageFromBytes(frame.Width, frame.Height, enc, frame.Data)
	case 16:
		return rimage.NewImageFromBytes(frame.Width, frame.Height, rimage.Mono16, frame.Data)
	default:
		return nil, errors.Errorf("unsupported image bit depth %d", frame.BitsPerPixel)
	}
}

func (engine) Rectify(img *rimage.Image, side calibration.Side, set *calibration.Set) (*rimage.Image, error) {
	return set.Map(side).Remap(img)
}

func (engine) Demosaic(img *rimage.Image) (*rimage.Image, error) {
	return rimage.DemosaicRGGB(img)
}

func (engine) Luma(img *rimage.Image) (*rimage.Image, error) {
	return rimage.Luma(img)
}

func (engine) Disparity(frame *channel.Frame) (*rimage.DisparityMap, error) {
	return rimage.DisparityFromRaw(frame.Width, frame.Height, frame.BitsPerPixel, frame.Data)
}

func checkGeometry(disp *rimage.DisparityMap, set *calibration.Set, mask *borderclip.Mask) error {
	if disp.Width() != set.Width || disp.Height() != set.Height {
		return errors.Errorf("disparity is %dx%d but calibration is %dx%d",
			disp.Width(), disp.Height(), set.Width, set.Height)
	}
	if mask != nil && !mask.Fits(disp.Width(), disp.Height()) {
		return errors.Errorf("border clip mask is %dx%d but disparity is %dx%d",
			mask.Width(), mask.Height(), disp.Width(), disp.Height())
	}
	return nil
}

func usable(d float32, mask *borderclip.Mask, x, y int) bool {
	if !(d > 0) || math.IsInf(float64(d), 0) {
		return false
	}
	return mask == nil || mask.Valid(x, y)
}

func (engine) DisparityImage(
	disp *rimage.DisparityMap, set *calibration.Set, mask *borderclip.Mask,
) (*ros.DisparityImage, error) {
	if err := checkGeometry(disp, set, mask); err != nil {
		return nil, err
	}
	values := disp.Values()
	if mask != nil {
		values = make([]float32, len(values))
		for y := 0; y < disp.Height(); y++ {
			for x := 0; x < disp.Width(); x++ {
				if mask.Valid(x, y) {
					values[y*disp.Width()+x] = disp.At(x, y)
				}
			}
		}
	}
	masked, err := rimage.NewDisparityMap(disp.Width(), disp.Height(), values)
	if err != nil {
		return nil, err
	}
	lo, hi := masked.Range()
	img := masked.ToImage()
	return &ros.DisparityImage{
		Image:        img,
		F:            set.FocalLength(),
		T:            set.Baseline(),
		ValidWindow:  img.Bounds(),
		MinDisparity: float64(lo),
		MaxDisparity: float64(hi),
		DeltaD:       1.0 / rimage.SubpixelScale,
	}, nil
}

func (engine) Depth(
	disp *rimage.DisparityMap, set *calibration.Set, mask *borderclip.Mask, variant DepthVariant, maxRange float64,
) (*rimage.Image, error) {
	if err := checkGeometry(disp, set, mask); err != nil {
		return nil, err
	}
	w, h := disp.Width(), disp.Height()
	bf := set.Baseline() * set.FocalLength()

	switch variant {
	case DepthOpenNI:
		out := make([]uint16, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d := disp.At(x, y)
				if !usable(d, mask, x, y) {
					continue
				}
				mm := math.Round(1000 * bf / float64(d))
				if mm > math.MaxUint16 || math.IsNaN(mm) {
					continue
				}
				out[y*w+x] = uint16(mm)
			}
		}
		return rimage.UInt16Image(w, h, out), nil
	case DepthMeters:
		sentinel := float32(maxRange)
		out := make([]float32, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				k := y*w + x
				out[k] = sentinel
				d := disp.At(x, y)
				if !usable(d, mask, x, y) {
					continue
				}
				z := float32(bf / float64(d))
				if math.IsInf(float64(z), 0) || math.IsNaN(float64(z)) {
					continue
				}
				out[k] = z
			}
		}
		return rimage.Float32Image(w, h, out), nil
	default:
		return nil, errors.Errorf("unknown depth variant %d", variant)
	}
}

func (engine) PointCloud(
	disp *rimage.DisparityMap, set *calibration.Set, mask *borderclip.Mask, opts CloudOptions,
) (*pointcloud.Cloud, error) {
	if err := checkGeometry(disp, set, mask); err != nil {
		return nil, err
	}
	w, h := disp.Width(), disp.Height()

	fields := pointcloud.XYZ
	var sample func(x, y int) float32
	switch {
	case opts.Color != nil:
		if err := checkImage(opts.Color, rimage.RGB8, w, h); err != nil {
			return nil, err
		}
		fields = append(fields[:3:3], pointcloud.FieldRGB)
		data, packed := opts.Color.Data(), opts.PackedColor
		sample = func(x, y int) float32 {
			k := 3 * (y*w + x)
			return pointcloud.PackRGB(data[k], data[k+1], data[k+2], packed)
		}
	case opts.Luma != nil:
		if err := checkImage(opts.Luma, rimage.Mono8, w, h); err != nil {
			return nil, err
		}
		fields = append(fields[:3:3], pointcloud.FieldLuminance)
		data := opts.Luma.Data()
		sample = func(x, y int) float32 {
			return float32(data[y*w+x])
		}
	}

	var cloud *pointcloud.Cloud
	var err error
	if opts.Organized {
		cloud, err = pointcloud.NewOrganized(w, h, fields)
	} else {
		cloud, err = pointcloud.New(fields, 0)
	}
	if err != nil {
		return nil, err
	}

	var extra []float32
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := disp.At(x, y)
			if !usable(d, mask, x, y) {
				continue
			}
			px, py, pz, ok := set.Q.Reproject(float64(x), float64(y), float64(d))
			if !ok || (opts.MaxRange > 0 && pz > opts.MaxRange) {
				continue
			}
			extra = extra[:0]
			if sample != nil {
				extra = append(extra, sample(x, y))
			}
			if opts.Organized {
				cloud.SetAt(x, y, float32(px), float32(py), float32(pz), extra...)
			} else {
				cloud.Append(float32(px), float32(py), float32(pz), extra...)
			}
		}
	}
	return cloud, nil
}

func checkImage(img *rimage.Image, enc rimage.Encoding, width, height int) error {
	if img.Encoding() != enc {
		return errors.Errorf("expected %s image, got %s", enc, img.Encoding())
	}
	if img.Width() != width || img.Height() != height {
		return errors.Errorf("image is %dx%d but disparity is %dx%d", img.Width(), img.Height(), width, height)
	}
	return nil
}
