// Package borderclip builds the mask that suppresses stereo data near the image border, where
// rectification leaves little overlap between the imagers.
package borderclip

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidClipValue is returned for clip values outside [0, 100).
var ErrInvalidClipValue = errors.New("border clip value must be in [0, 100)")

// Shape is the region kept by the mask.
type Shape int

// Supported shapes.
const (
	None Shape = iota
	Rectangular
	Circular
)

func (s Shape) String() string {
	switch s {
	case Rectangular:
		return "rectangular"
	case Circular:
		return "circular"
	default:
		return "none"
	}
}

// ParseShape parses a shape name, case insensitively.
func ParseShape(name string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "rectangular":
		return Rectangular, nil
	case "circular":
		return Circular, nil
	default:
		return None, errors.Errorf("unknown border clip shape %q", name)
	}
}

const (
	keep     = 255
	suppress = 0
)

// Mask is one byte per pixel: 255 keeps the pixel, 0 suppresses it.
type Mask struct {
	Shape     Shape
	ClipValue float64
	width     int
	height    int
	data      []byte
}

// Width returns the mask width.
func (m *Mask) Width() int {
	return m.width
}

// Height returns the mask height.
func (m *Mask) Height() int {
	return m.height
}

// Valid reports whether the pixel at column x, row y is kept.
func (m *Mask) Valid(x, y int) bool {
	return m.data[y*m.width+x] == keep
}

// Bytes returns the raw mask. It must not be modified.
func (m *Mask) Bytes() []byte {
	return m.data
}

// Fits reports whether the mask was built for width x height.
func (m *Mask) Fits(width, height int) bool {
	return m != nil && m.width == width && m.height == height
}

// Rebuild computes the mask for the given shape and clip value (a percentage). An invalid clip
// value yields a mask that keeps everything along with ErrInvalidClipValue.
func Rebuild(shape Shape, clipValue float64, width, height int) (*Mask, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid mask size %dx%d", width, height)
	}
	m := &Mask{Shape: shape, ClipValue: clipValue, width: width, height: height, data: make([]byte, width*height)}

	var err error
	if math.IsNaN(clipValue) || clipValue < 0 || clipValue >= 100 {
		err = errors.Wrapf(ErrInvalidClipValue, "got %v", clipValue)
		m.Shape, m.ClipValue = None, 0
	}

	w, h := float64(width), float64(height)
	v := m.ClipValue / 100
	switch m.Shape {
	case Rectangular:
		left, right := w*v, w-w*v
		top, bottom := h*v, h-h*v
		for r := 0; r < height; r++ {
			for c := 0; c < width; c++ {
				fc, fr := float64(c), float64(r)
				if fc < left || fc >= right || fr < top || fr >= bottom {
					continue
				}
				m.data[r*width+c] = keep
			}
		}
	case Circular:
		cx, cy := w/2, h/2
		ax, ay := cx*(1-v), cy*(1-v)
		for r := 0; r < height; r++ {
			dy := (float64(r) + 0.5 - cy) / ay
			for c := 0; c < width; c++ {
				dx := (float64(c) + 0.5 - cx) / ax
				if dx*dx+dy*dy <= 1 {
					m.data[r*width+c] = keep
				}
			}
		}
	default:
		for k := range m.data {
			m.data[k] = keep
		}
	}
	return m, err
}
