package transform

import (
	"math"

	"github.com/pkg/errors"
)

// DistortionType is the name of a distortion model.
type DistortionType string

// BrownConradyDistortionType is the "plumb_bob" model of the sensor calibration.
const BrownConradyDistortionType = DistortionType("brown_conrady")

// InvalidDistortionError is used when the distortion parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// BrownConrady is the radial + tangential lens distortion model.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NewBrownConrady takes up to five parameters in struct order (k1, k2, k3, p1, p2). Missing
// values are zero.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	if len(inp) > 5 {
		return nil, errors.Errorf("list of parameters too long, expected max 5, got %d", len(inp))
	}
	params := make([]float64, 5)
	copy(params, inp)
	bc := &BrownConrady{params[0], params[1], params[2], params[3], params[4]}
	return bc, bc.CheckValid()
}

// NewBrownConradyFromPlumbBob takes coefficients in calibration order (k1, k2, p1, p2, k3).
// Higher order rational coefficients are ignored.
func NewBrownConradyFromPlumbBob(d []float64) (*BrownConrady, error) {
	params := make([]float64, 5)
	copy(params, d)
	bc := &BrownConrady{
		RadialK1:     params[0],
		RadialK2:     params[1],
		TangentialP1: params[2],
		TangentialP2: params[3],
		RadialK3:     params[4],
	}
	return bc, bc.CheckValid()
}

// CheckValid checks that every coefficient is finite.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	for _, p := range bc.Parameters() {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return InvalidDistortionError("BrownConrady coefficients must be finite")
		}
	}
	return nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// Parameters returns the coefficients in struct order.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// PlumbBob returns the coefficients in calibration order (k1, k2, p1, p2, k3).
func (bc *BrownConrady) PlumbBob() []float64 {
	return []float64{bc.RadialK1, bc.RadialK2, bc.TangentialP1, bc.TangentialP2, bc.RadialK3}
}

// Transform distorts a normalized, undistorted point.
//
//	x_d = x * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p2*x*y + p1*(r² + 2*y²)
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	radial := 1 + r2*(bc.RadialK1+r2*(bc.RadialK2+r2*bc.RadialK3))
	xd := x*radial + 2*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2*x*x)
	yd := y*radial + 2*bc.TangentialP2*x*y + bc.TangentialP1*(r2+2*y*y)
	return xd, yd
}
