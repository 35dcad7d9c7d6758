package rimage

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// SubpixelScale is the number of disparity units per pixel in 16-bit disparity images.
const SubpixelScale = 16

// DisparityMap is a row major map of disparities in pixels. Zero means no match.
type DisparityMap struct {
	width  int
	height int
	data   []float32
}

// NewDisparityMap wraps values (row major, length width*height) without copying.
func NewDisparityMap(width, height int, values []float32) (*DisparityMap, error) {
	if width <= 0 || height <= 0 || len(values) != width*height {
		return nil, errors.Errorf("disparity map of %d values does not fit %dx%d", len(values), width, height)
	}
	return &DisparityMap{width, height, values}, nil
}

// DisparityFromRaw decodes a raw sensor disparity buffer. 16-bit buffers are in 1/16 pixel
// units; 8-bit buffers are whole pixels.
func DisparityFromRaw(width, height, bitsPerPixel int, raw []byte) (*DisparityMap, error) {
	n := width * height
	values := make([]float32, n)
	switch bitsPerPixel {
	case 8:
		if len(raw) != n {
			return nil, errors.Errorf("disparity buffer is %d bytes, expected %d", len(raw), n)
		}
		for k, v := range raw {
			values[k] = float32(v)
		}
	case 16:
		if len(raw) != 2*n {
			return nil, errors.Errorf("disparity buffer is %d bytes, expected %d", len(raw), 2*n)
		}
		for k := range values {
			values[k] = float32(binary.LittleEndian.Uint16(raw[2*k:])) / SubpixelScale
		}
	default:
		return nil, errors.Errorf("unsupported disparity bit depth %d", bitsPerPixel)
	}
	return NewDisparityMap(width, height, values)
}

// Width returns the width in pixels.
func (dm *DisparityMap) Width() int {
	return dm.width
}

// Height returns the height in pixels.
func (dm *DisparityMap) Height() int {
	return dm.height
}

// At returns the disparity at (x, y).
func (dm *DisparityMap) At(x, y int) float32 {
	return dm.data[y*dm.width+x]
}

// Values returns the row major disparities.
func (dm *DisparityMap) Values() []float32 {
	return dm.data
}

// Range returns the smallest and largest positive disparity, or (0, 0) if there is none.
func (dm *DisparityMap) Range() (float32, float32) {
	lo, hi := float32(math.MaxFloat32), float32(0)
	for _, d := range dm.data {
		if d <= 0 {
			continue
		}
		lo = min(lo, d)
		hi = max(hi, d)
	}
	if hi == 0 {
		return 0, 0
	}
	return lo, hi
}

// ToImage encodes the map as a 32FC1 image.
func (dm *DisparityMap) ToImage() *Image {
	return Float32Image(dm.width, dm.height, dm.data)
}

// Float32Image encodes values as a little endian 32FC1 image.
func Float32Image(width, height int, values []float32) *Image {
	out := NewImage(width, height, Float32C1)
	for k, v := range values {
		binary.LittleEndian.PutUint32(out.data[4*k:], math.Float32bits(v))
	}
	return out
}

// UInt16Image encodes values as a little endian 16UC1 image.
func UInt16Image(width, height int, values []uint16) *Image {
	out := NewImage(width, height, UInt16C1)
	for k, v := range values {
		binary.LittleEndian.PutUint16(out.data[2*k:], v)
	}
	return out
}

// Float32At decodes the pixel at (x, y) of a 32FC1 image.
func (i *Image) Float32At(x, y int) float32 {
	k := 4 * (y*i.width + x)
	return math.Float32frombits(binary.LittleEndian.Uint32(i.data[k:]))
}

// UInt16At decodes the pixel at (x, y) of a 16-bit image.
func (i *Image) UInt16At(x, y int) uint16 {
	k := 2 * (y*i.width + x)
	return binary.LittleEndian.Uint16(i.data[k:])
}
