// Package calibration keeps the stereo calibration of the sensor consistent with its operating
// resolution. A Set is derived wholesale from the factory calibration each time the resolution
// or the calibration changes and is never modified afterwards.
package calibration

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/logging"
	"go.viam.com/multisense/rimage/transform"
	"go.viam.com/multisense/ros"
)

var (
	// ErrCalibration is returned when a calibration cannot be used at the requested resolution.
	ErrCalibration = errors.New("invalid stereo calibration")
	// ErrNotReady is returned before the first successful calibration.
	ErrNotReady = errors.New("calibration not ready")
)

func newCalibrationError(format string, args ...interface{}) error {
	return errors.Wrap(ErrCalibration, fmt.Sprintf(format, args...))
}

// IsCalibrationError reports whether err was caused by an unusable calibration.
func IsCalibrationError(err error) bool {
	return errors.Is(err, ErrCalibration)
}

// Side selects one imager of the pair.
type Side int

// The two imagers.
const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// Set is the calibration at one resolution, with everything derived from it.
type Set struct {
	Width  int
	Height int
	// Raw is the factory calibration the set was derived from.
	Raw   channel.RawCalibration
	Left  *transform.CameraModel
	Right *transform.CameraModel
	Q     *transform.ReprojectionMatrix

	leftMap  *transform.RectificationMap
	rightMap *transform.RectificationMap
	infos    [2][2]ros.CameraInfo
}

// Camera returns the model of one side.
func (s *Set) Camera(side Side) *transform.CameraModel {
	if side == Right {
		return s.Right
	}
	return s.Left
}

// Map returns the rectification map of one side.
func (s *Set) Map(side Side) *transform.RectificationMap {
	if side == Right {
		return s.rightMap
	}
	return s.leftMap
}

// Baseline returns the stereo baseline in meters.
func (s *Set) Baseline() float64 {
	return s.Q.Baseline()
}

// FocalLength returns the rectified horizontal focal length in pixels.
func (s *Set) FocalLength() float64 {
	return s.Q.FocalLength()
}

// CameraInfo returns the camera info of the raw or rectified stream of one side. The header is
// left for the publisher to fill in.
func (s *Set) CameraInfo(side Side, rectified bool) ros.CameraInfo {
	info := s.infos[side][boolIndex(rectified)]
	info.D = append([]float64(nil), info.D...)
	return info
}

func boolIndex(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Manager owns the active Set. Changes are serialized and listeners observe them in order.
type Manager struct {
	mu        sync.Mutex
	current   *Set
	listeners []func(*Set)
	logger    logging.Logger
}

// NewManager returns a Manager with no calibration yet.
func NewManager(logger logging.Logger) *Manager {
	return &Manager{logger: logger}
}

// Current returns the active Set, or ErrNotReady.
func (m *Manager) Current() (*Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNotReady
	}
	return m.current, nil
}

// OnChange registers fn to be called with every new Set. Listeners run while the manager is
// locked, so they must not call back into it.
func (m *Manager) OnChange(fn func(*Set)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetResolution derives a new Set for width x height from raw and makes it active. On error the
// previous Set stays active.
func (m *Manager) SetResolution(width, height int, raw channel.RawCalibration) (*Set, error) {
	set, err := NewSet(width, height, raw)
	if err != nil {
		m.logger.Errorw("rejecting calibration", "width", width, "height", height, "error", err)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = set
	m.logger.Infow("calibration updated",
		"width", width, "height", height, "baseline", set.Baseline(), "fx", set.FocalLength())
	for _, fn := range m.listeners {
		fn(set)
	}
	return set, nil
}

// NewSet derives the calibration at width x height from the factory calibration.
func NewSet(width, height int, raw channel.RawCalibration) (*Set, error) {
	if width <= 0 || height <= 0 {
		return nil, newCalibrationError("invalid resolution %dx%d", width, height)
	}
	if raw.Left.Width != raw.Right.Width || raw.Left.Height != raw.Right.Height {
		return nil, newCalibrationError("left calibration is %dx%d but right is %dx%d",
			raw.Left.Width, raw.Left.Height, raw.Right.Width, raw.Right.Height)
	}
	if raw.Left.Width <= 0 || raw.Left.Height <= 0 {
		return nil, newCalibrationError("invalid native resolution %dx%d", raw.Left.Width, raw.Left.Height)
	}

	left, err := scaleCamera(raw.Left, width, height)
	if err != nil {
		return nil, errors.Wrap(err, "left camera")
	}
	right, err := scaleCamera(raw.Right, width, height)
	if err != nil {
		return nil, errors.Wrap(err, "right camera")
	}
	q, err := transform.NewReprojectionMatrix(left.Projection, right.Projection)
	if err != nil {
		return nil, newCalibrationError("%v", err)
	}

	set := &Set{Width: width, Height: height, Raw: raw, Left: left, Right: right, Q: q}
	if set.leftMap, err = transform.NewRectificationMap(left); err != nil {
		return nil, newCalibrationError("left rectification: %v", err)
	}
	if set.rightMap, err = transform.NewRectificationMap(right); err != nil {
		return nil, newCalibrationError("right rectification: %v", err)
	}
	for _, side := range []Side{Left, Right} {
		cm := set.Camera(side)
		set.infos[side][0] = rawInfo(cm)
		set.infos[side][1] = rectifiedInfo(cm)
	}
	return set, nil
}

func scaleCamera(cal channel.CameraCalibration, width, height int) (*transform.CameraModel, error) {
	sx := float64(width) / float64(cal.Width)
	sy := float64(height) / float64(cal.Height)

	intr := transform.PinholeCameraIntrinsics{
		Width:  cal.Width,
		Height: cal.Height,
		Fx:     cal.M[0][0],
		Fy:     cal.M[1][1],
		Ppx:    cal.M[0][2],
		Ppy:    cal.M[1][2],
	}
	if err := intr.CheckValid(); err != nil {
		return nil, newCalibrationError("%v", err)
	}
	dist, err := transform.NewBrownConradyFromPlumbBob(cal.D)
	if err != nil {
		return nil, newCalibrationError("%v", err)
	}

	r := mat.NewDense(3, 3, nil)
	p := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		scale := 1.0
		switch i {
		case 0:
			scale = sx
		case 1:
			scale = sy
		}
		for j := 0; j < 3; j++ {
			r.Set(i, j, cal.R[i][j])
		}
		for j := 0; j < 4; j++ {
			p.Set(i, j, cal.P[i][j]*scale)
		}
	}

	cm := &transform.CameraModel{
		Intrinsics:    intr.Scale(width, height),
		Distortion:    dist,
		Rectification: r,
		Projection:    p,
	}
	if err := cm.CheckValid(); err != nil {
		return nil, newCalibrationError("%v", err)
	}
	return cm, nil
}

func rawInfo(cm *transform.CameraModel) ros.CameraInfo {
	info := ros.CameraInfo{
		Width:           cm.Intrinsics.Width,
		Height:          cm.Intrinsics.Height,
		DistortionModel: ros.DistortionModelPlumbBob,
		D:               cm.Distortion.PlumbBob(),
	}
	copy(info.K[:], cm.Intrinsics.GetCameraMatrix().RawMatrix().Data)
	copy(info.R[:], cm.Rectification.RawMatrix().Data)
	copy(info.P[:], cm.Projection.RawMatrix().Data)
	return info
}

func rectifiedInfo(cm *transform.CameraModel) ros.CameraInfo {
	info := ros.CameraInfo{
		Width:           cm.Intrinsics.Width,
		Height:          cm.Intrinsics.Height,
		DistortionModel: ros.DistortionModelPlumbBob,
		D:               make([]float64, 5),
		R:               [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
	p := cm.Projection.RawMatrix().Data
	copy(info.P[:], p)
	copy(info.K[0:3], p[0:3])
	copy(info.K[3:6], p[4:7])
	copy(info.K[6:9], p[8:11])
	return info
}
