package transform

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/multisense/rimage"
)

// RectificationMap is a precomputed nearest neighbor lookup from each rectified pixel to the
// raw pixel it samples. It is expensive to build and cheap to apply.
type RectificationMap struct {
	width  int
	height int
	// source holds the raw pixel index for each rectified pixel, -1 if it falls outside.
	source []int32
}

// NewRectificationMap builds the map for a camera: each rectified pixel is back projected
// through (P[:3,:3] * R)^-1, distorted, and projected through the raw camera matrix.
func NewRectificationMap(cm *CameraModel) (*RectificationMap, error) {
	if err := cm.CheckValid(); err != nil {
		return nil, err
	}
	width, height := cm.Intrinsics.Width, cm.Intrinsics.Height

	var newCamR, inv mat.Dense
	newCamR.Mul(cm.Projection.Slice(0, 3, 0, 3), cm.Rectification)
	if err := inv.Inverse(&newCamR); err != nil {
		return nil, errors.Wrap(err, "rectification transform is not invertible")
	}
	ir := inv.RawMatrix().Data
	fx, fy := cm.Intrinsics.Fx, cm.Intrinsics.Fy
	cx, cy := cm.Intrinsics.Ppx, cm.Intrinsics.Ppy

	rm := &RectificationMap{width: width, height: height, source: make([]int32, width*height)}
	for v := 0; v < height; v++ {
		for u := 0; u < width; u++ {
			fu, fv := float64(u), float64(v)
			xw := ir[0]*fu + ir[1]*fv + ir[2]
			yw := ir[3]*fu + ir[4]*fv + ir[5]
			ww := ir[6]*fu + ir[7]*fv + ir[8]
			idx := int32(-1)
			if ww != 0 {
				xd, yd := cm.Distortion.Transform(xw/ww, yw/ww)
				sx := int(math.Round(fx*xd + cx))
				sy := int(math.Round(fy*yd + cy))
				if sx >= 0 && sx < width && sy >= 0 && sy < height {
					idx = int32(sy*width + sx)
				}
			}
			rm.source[v*width+u] = idx
		}
	}
	return rm, nil
}

// Width returns the width the map was built for.
func (rm *RectificationMap) Width() int {
	return rm.width
}

// Height returns the height the map was built for.
func (rm *RectificationMap) Height() int {
	return rm.height
}

// Source returns the raw pixel index sampled by rectified pixel (u, v), or -1.
func (rm *RectificationMap) Source(u, v int) int {
	return int(rm.source[v*rm.width+u])
}

// Remap produces the rectified image. The output has the encoding of the input; pixels that
// sample outside the raw image are zero.
func (rm *RectificationMap) Remap(img *rimage.Image) (*rimage.Image, error) {
	if img.Width() != rm.width || img.Height() != rm.height {
		return nil, errors.Errorf("image is %dx%d but rectification map is %dx%d",
			img.Width(), img.Height(), rm.width, rm.height)
	}
	bpp := img.Encoding().BytesPerPixel()
	if bpp == 0 {
		return nil, errors.Errorf("cannot rectify %s image", img.Encoding())
	}
	out := rimage.NewImage(rm.width, rm.height, img.Encoding())
	src, dst := img.Data(), out.Data()
	for k, idx := range rm.source {
		if idx < 0 {
			continue
		}
		copy(dst[k*bpp:(k+1)*bpp], src[int(idx)*bpp:(int(idx)+1)*bpp])
	}
	return out, nil
}
