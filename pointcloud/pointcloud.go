// Package pointcloud defines the point cloud buffer published by the driver. Points are stored
// as float32 fields laid out back to back, the same layout a PointCloud2 consumer expects.
//
// A cloud is either organized (width x height grid, invalid points are NaN) or unorganized
// (height 1, invalid points are simply absent).
package pointcloud

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Field names.
const (
	FieldX         = "x"
	FieldY         = "y"
	FieldZ         = "z"
	FieldRGB       = "rgb"
	FieldLuminance = "luminance"
)

// XYZ is the field layout of a cloud without per point data.
var XYZ = []string{FieldX, FieldY, FieldZ}

// Cloud is a point cloud. The zero value is not usable; use New or NewOrganized.
type Cloud struct {
	width     int
	height    int
	organized bool
	fields    []string
	data      []float32
}

func checkFields(fields []string) error {
	if len(fields) < 3 || fields[0] != FieldX || fields[1] != FieldY || fields[2] != FieldZ {
		return errors.Errorf("fields must start with x, y, z; got %v", fields)
	}
	return nil
}

// New returns an empty unorganized cloud with room for capacity points.
func New(fields []string, capacity int) (*Cloud, error) {
	if err := checkFields(fields); err != nil {
		return nil, err
	}
	return &Cloud{height: 1, fields: fields, data: make([]float32, 0, capacity*len(fields))}, nil
}

// NewOrganized returns a width x height cloud with every point invalid.
func NewOrganized(width, height int, fields []string) (*Cloud, error) {
	if err := checkFields(fields); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid organized cloud size (%d, %d)", width, height)
	}
	data := make([]float32, width*height*len(fields))
	nan := float32(math.NaN())
	for i := range data {
		data[i] = nan
	}
	return &Cloud{width: width, height: height, organized: true, fields: fields, data: data}, nil
}

// Append adds a point to an unorganized cloud. extra holds the values of the fields after z.
func (c *Cloud) Append(x, y, z float32, extra ...float32) {
	c.data = append(c.data, x, y, z)
	c.data = append(c.data, extra...)
	c.width++
}

// SetAt writes the point at grid position (col, row) of an organized cloud.
func (c *Cloud) SetAt(col, row int, x, y, z float32, extra ...float32) {
	k := (row*c.width + col) * len(c.fields)
	c.data[k], c.data[k+1], c.data[k+2] = x, y, z
	copy(c.data[k+3:k+len(c.fields)], extra)
}

// Width returns the number of columns (the number of points if unorganized).
func (c *Cloud) Width() int {
	return c.width
}

// Height returns the number of rows; 1 if unorganized.
func (c *Cloud) Height() int {
	return c.height
}

// IsOrganized reports whether the cloud keeps the image grid.
func (c *Cloud) IsOrganized() bool {
	return c.organized
}

// Fields returns the field layout.
func (c *Cloud) Fields() []string {
	return c.fields
}

// Size returns the number of points including invalid ones.
func (c *Cloud) Size() int {
	return c.width * c.height
}

// PointStep returns the size of one point in bytes.
func (c *Cloud) PointStep() int {
	return 4 * len(c.fields)
}

// RowStep returns the size of one row in bytes.
func (c *Cloud) RowStep() int {
	return c.PointStep() * c.width
}

// Point returns the position of the i-th point.
func (c *Cloud) Point(i int) r3.Vector {
	k := i * len(c.fields)
	return r3.Vector{X: float64(c.data[k]), Y: float64(c.data[k+1]), Z: float64(c.data[k+2])}
}

// Valid reports whether the i-th point holds a measurement.
func (c *Cloud) Valid(i int) bool {
	k := i * len(c.fields)
	return !math.IsNaN(float64(c.data[k])) && !math.IsNaN(float64(c.data[k+1])) && !math.IsNaN(float64(c.data[k+2]))
}

// Field returns the value of the named field of the i-th point.
func (c *Cloud) Field(i int, name string) (float32, bool) {
	for f, fieldName := range c.fields {
		if fieldName == name {
			return c.data[i*len(c.fields)+f], true
		}
	}
	return 0, false
}

// Iterate calls fn for every valid point until fn returns false.
func (c *Cloud) Iterate(fn func(i int, p r3.Vector) bool) {
	for i := 0; i < c.Size(); i++ {
		if !c.Valid(i) {
			continue
		}
		if !fn(i, c.Point(i)) {
			return
		}
	}
}

// MetaData is a summary of a cloud.
type MetaData struct {
	Valid    int
	HasColor bool
	Min, Max r3.Vector
}

// MetaData computes the number of valid points and their bounding box.
func (c *Cloud) MetaData() MetaData {
	meta := MetaData{
		Min: r3.Vector{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64},
		Max: r3.Vector{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64},
	}
	_, meta.HasColor = c.Field(0, FieldRGB)
	c.Iterate(func(_ int, p r3.Vector) bool {
		meta.Valid++
		meta.Min = r3.Vector{X: math.Min(meta.Min.X, p.X), Y: math.Min(meta.Min.Y, p.Y), Z: math.Min(meta.Min.Z, p.Z)}
		meta.Max = r3.Vector{X: math.Max(meta.Max.X, p.X), Y: math.Max(meta.Max.Y, p.Y), Z: math.Max(meta.Max.Z, p.Z)}
		return true
	})
	return meta
}

// Bytes serializes the points as little endian float32s, PointStep bytes per point.
func (c *Cloud) Bytes() []byte {
	out := make([]byte, 4*len(c.data))
	for k, v := range c.data {
		binary.LittleEndian.PutUint32(out[4*k:], math.Float32bits(v))
	}
	return out
}

// PackRGB encodes a color for the rgb field. Packed writes the 0x00RRGGBB bits directly into
// the float; otherwise the integer value is converted to a float. Consumers depend on the exact
// bits of both forms.
func PackRGB(r, g, b uint8, packed bool) float32 {
	v := uint32(r)<<16 | uint32(g)<<8 | uint32(b)
	if packed {
		return math.Float32frombits(v)
	}
	return float32(v)
}

// UnpackRGB reverses PackRGB.
func UnpackRGB(v float32, packed bool) (uint8, uint8, uint8) {
	var bits uint32
	if packed {
		bits = math.Float32bits(v)
	} else {
		bits = uint32(v)
	}
	return uint8(bits >> 16), uint8(bits >> 8), uint8(bits)
}
