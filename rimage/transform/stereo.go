package transform

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// singularTolerance is the determinant below which a 3x3 camera matrix is treated as singular.
const singularTolerance = 1e-12

// CameraModel is one imager of a calibrated stereo pair at a given resolution.
type CameraModel struct {
	Intrinsics PinholeCameraIntrinsics
	Distortion *BrownConrady
	// Rectification rotates the camera into the rectified stereo frame (3x3).
	Rectification *mat.Dense
	// Projection is the rectified projection (3x4). For the right camera P[0][3] = -fx * baseline.
	Projection *mat.Dense
}

// CheckValid verifies the matrices have the right shape and the camera matrix is invertible.
func (cm *CameraModel) CheckValid() error {
	if err := cm.Intrinsics.CheckValid(); err != nil {
		return err
	}
	if err := cm.Distortion.CheckValid(); err != nil {
		return err
	}
	if cm.Rectification == nil || cm.Projection == nil {
		return errors.New("camera model is missing its rectification or projection matrix")
	}
	if r, c := cm.Rectification.Dims(); r != 3 || c != 3 {
		return errors.Errorf("rectification matrix must be 3x3, got %dx%d", r, c)
	}
	if r, c := cm.Projection.Dims(); r != 3 || c != 4 {
		return errors.Errorf("projection matrix must be 3x4, got %dx%d", r, c)
	}
	if math.Abs(mat.Det(cm.Intrinsics.GetCameraMatrix())) < singularTolerance {
		return NewNoIntrinsicsError("camera matrix is singular")
	}
	if math.Abs(mat.Det(cm.Projection.Slice(0, 3, 0, 3))) < singularTolerance {
		return errors.New("rectified camera matrix is singular")
	}
	return nil
}

// RectifiedIntrinsics returns the intrinsics of the rectified image, taken from the projection.
func (cm *CameraModel) RectifiedIntrinsics() PinholeCameraIntrinsics {
	return PinholeCameraIntrinsics{
		Width:  cm.Intrinsics.Width,
		Height: cm.Intrinsics.Height,
		Fx:     cm.Projection.At(0, 0),
		Fy:     cm.Projection.At(1, 1),
		Ppx:    cm.Projection.At(0, 2),
		Ppy:    cm.Projection.At(1, 2),
	}
}

// ReprojectionMatrix is the 4x4 Q matrix mapping (u, v, disparity, 1) of the rectified left
// image to homogeneous 3D coordinates in the left camera frame.
type ReprojectionMatrix struct {
	q        *mat.Dense
	raw      [16]float64
	baseline float64
	fx       float64
}

// NewReprojectionMatrix builds Q from the rectified left and right projections.
//
//	Q = [[fy*B, 0,    0,  -fy*cx*B          ],
//	     [0,    fx*B, 0,  -fx*cy*B          ],
//	     [0,    0,    0,   fx*fy*B          ],
//	     [0,    0,    fy, -fy*(cx - cx_right)]]
func NewReprojectionMatrix(left, right *mat.Dense) (*ReprojectionMatrix, error) {
	fx, fy := left.At(0, 0), left.At(1, 1)
	cx, cy := left.At(0, 2), left.At(1, 2)
	if right.At(0, 0) == 0 {
		return nil, errors.New("right projection has zero focal length")
	}
	baseline := -right.At(0, 3) / right.At(0, 0)
	if !(baseline > 0) || math.IsInf(baseline, 0) {
		return nil, errors.Errorf("invalid stereo baseline %v", baseline)
	}
	cxRight := right.At(0, 2)

	q := mat.NewDense(4, 4, []float64{
		fy * baseline, 0, 0, -fy * cx * baseline,
		0, fx * baseline, 0, -fx * cy * baseline,
		0, 0, 0, fx * fy * baseline,
		0, 0, fy, -fy * (cx - cxRight),
	})
	rm := &ReprojectionMatrix{q: q, baseline: baseline, fx: fx}
	copy(rm.raw[:], q.RawMatrix().Data)
	return rm, nil
}

// Matrix returns Q. Callers must not modify it.
func (rm *ReprojectionMatrix) Matrix() mat.Matrix {
	return rm.q
}

// Baseline returns the stereo baseline in meters.
func (rm *ReprojectionMatrix) Baseline() float64 {
	return rm.baseline
}

// FocalLength returns the rectified horizontal focal length in pixels.
func (rm *ReprojectionMatrix) FocalLength() float64 {
	return rm.fx
}

// Reproject maps pixel (u, v) with disparity d to a point in meters. ok is false when the
// point is at or behind infinity, or not finite.
func (rm *ReprojectionMatrix) Reproject(u, v, d float64) (x, y, z float64, ok bool) {
	q := &rm.raw
	w := q[14]*d + q[15]
	if !(w > 0) {
		return 0, 0, 0, false
	}
	x = (q[0]*u + q[3]) / w
	y = (q[5]*v + q[7]) / w
	z = q[11] / w
	if math.IsInf(z, 0) || math.IsNaN(x+y+z) {
		return 0, 0, 0, false
	}
	return x, y, z, true
}
