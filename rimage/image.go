// Package rimage holds the raster types produced by the driver: raw and rectified images,
// disparity maps and depth images, plus the Bayer demosaic used on color units.
package rimage

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// Encoding names the pixel layout of an Image, using the usual ROS encoding strings.
type Encoding string

// Supported encodings.
const (
	Mono8      = Encoding("mono8")
	Mono16     = Encoding("mono16")
	RGB8       = Encoding("rgb8")
	BayerRGGB8 = Encoding("bayer_rggb8")
	// Float32C1 is one little endian float32 per pixel.
	Float32C1 = Encoding("32FC1")
	// UInt16C1 is one little endian uint16 per pixel, e.g. OpenNI depth in millimeters.
	UInt16C1 = Encoding("16UC1")
)

// BytesPerPixel returns the pixel size of the encoding, or 0 if it is unknown.
func (e Encoding) BytesPerPixel() int {
	switch e {
	case Mono8, BayerRGGB8:
		return 1
	case Mono16, UInt16C1:
		return 2
	case RGB8:
		return 3
	case Float32C1:
		return 4
	default:
		return 0
	}
}

// Image is a row major raster. Images are treated as immutable once they are handed to a
// publisher.
type Image struct {
	width    int
	height   int
	encoding Encoding
	data     []byte
}

// NewImage allocates a zeroed image.
func NewImage(width, height int, encoding Encoding) *Image {
	return &Image{width, height, encoding, make([]byte, width*height*encoding.BytesPerPixel())}
}

// NewImageFromBytes wraps data without copying it. The length must match the geometry.
func NewImageFromBytes(width, height int, encoding Encoding, data []byte) (*Image, error) {
	bpp := encoding.BytesPerPixel()
	if bpp == 0 {
		return nil, errors.Errorf("unknown encoding %q", encoding)
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size (%d, %d)", width, height)
	}
	if len(data) != width*height*bpp {
		return nil, errors.Errorf("image data is %d bytes, expected %d for %dx%d %s",
			len(data), width*height*bpp, width, height, encoding)
	}
	return &Image{width, height, encoding, data}, nil
}

// Width returns the width in pixels.
func (i *Image) Width() int {
	return i.width
}

// Height returns the height in pixels.
func (i *Image) Height() int {
	return i.height
}

// Encoding returns the pixel encoding.
func (i *Image) Encoding() Encoding {
	return i.encoding
}

// Step returns the length of a row in bytes.
func (i *Image) Step() int {
	return i.width * i.encoding.BytesPerPixel()
}

// Data returns the underlying bytes.
func (i *Image) Data() []byte {
	return i.data
}

// Bounds returns the image rectangle.
func (i *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, i.width, i.height)
}

// ToStdImage converts mono8, mono16 and rgb8 images to their image package equivalents.
func (i *Image) ToStdImage() (image.Image, error) {
	switch i.encoding {
	case Mono8, BayerRGGB8:
		return &image.Gray{Pix: i.data, Stride: i.Step(), Rect: i.Bounds()}, nil
	case Mono16, UInt16C1:
		// image.Gray16 is big endian.
		out := image.NewGray16(i.Bounds())
		for k := 0; k < i.width*i.height; k++ {
			out.Pix[2*k], out.Pix[2*k+1] = i.data[2*k+1], i.data[2*k]
		}
		return out, nil
	case RGB8:
		out := image.NewNRGBA(i.Bounds())
		for k := 0; k < i.width*i.height; k++ {
			out.Pix[4*k], out.Pix[4*k+1], out.Pix[4*k+2], out.Pix[4*k+3] = i.data[3*k], i.data[3*k+1], i.data[3*k+2], 255
		}
		return out, nil
	default:
		return nil, errors.Errorf("cannot convert %s image to a standard image", i.encoding)
	}
}

// RGBAt returns the color at (x, y) of an rgb8 image.
func (i *Image) RGBAt(x, y int) color.NRGBA {
	k := 3 * (y*i.width + x)
	return color.NRGBA{i.data[k], i.data[k+1], i.data[k+2], 255}
}
