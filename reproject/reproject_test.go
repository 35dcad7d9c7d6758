package reproject

import (
	"math"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/multisense/borderclip"
	"go.viam.com/multisense/calibration"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/pointcloud"
	"go.viam.com/multisense/rimage"
)

func stereoSet(t *testing.T, width, height int, focal, baseline float64) *calibration.Set {
	t.Helper()
	cx, cy := float64(width)/2, float64(height)/2
	cam := channel.CameraCalibration{
		Width:  width,
		Height: height,
		M:      [3][3]float64{{focal, 0, cx}, {0, focal, cy}, {0, 0, 1}},
		R:      [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		P:      [3][4]float64{{focal, 0, cx, 0}, {0, focal, cy, 0}, {0, 0, 1, 0}},
	}
	right := cam
	right.P[0][3] = -focal * baseline
	set, err := calibration.NewSet(width, height, channel.RawCalibration{Left: cam, Right: right})
	test.That(t, err, test.ShouldBeNil)
	return set
}

func disparity(t *testing.T, width, height int, values ...float32) *rimage.DisparityMap {
	t.Helper()
	dm, err := rimage.NewDisparityMap(width, height, values)
	test.That(t, err, test.ShouldBeNil)
	return dm
}

func TestDepthOpenNIExample(t *testing.T) {
	set := stereoSet(t, 4, 1, 500, 0.1)
	img, err := New().Depth(disparity(t, 4, 1, 0, 16, 0, 8), set, nil, DepthOpenNI, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Encoding(), test.ShouldEqual, rimage.UInt16C1)
	got := []uint16{img.UInt16At(0, 0), img.UInt16At(1, 0), img.UInt16At(2, 0), img.UInt16At(3, 0)}
	test.That(t, got, test.ShouldResemble, []uint16{0, 3125, 0, 6250})
}

func TestDepthSentinel(t *testing.T) {
	e := New()
	for _, pair := range [][2]float64{{500, 0.1}, {1, 0.001}, {2000, 3}} {
		set := stereoSet(t, 3, 1, pair[0], pair[1])
		disp := disparity(t, 3, 1, 0, float32(math.NaN()), float32(math.Inf(1)))

		openni, err := e.Depth(disp, set, nil, DepthOpenNI, 10)
		test.That(t, err, test.ShouldBeNil)
		meters, err := e.Depth(disp, set, nil, DepthMeters, 10)
		test.That(t, err, test.ShouldBeNil)
		for x := 0; x < 3; x++ {
			test.That(t, openni.UInt16At(x, 0), test.ShouldEqual, 0)
			test.That(t, meters.Float32At(x, 0), test.ShouldEqual, 10)
		}
	}

	// beyond the 16-bit millimeter range
	set := stereoSet(t, 1, 1, 2000, 3)
	img, err := e.Depth(disparity(t, 1, 1, 0.01), set, nil, DepthOpenNI, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.UInt16At(0, 0), test.ShouldEqual, 0)
}

func TestDepthMeters(t *testing.T) {
	set := stereoSet(t, 2, 1, 500, 0.1)
	img, err := New().Depth(disparity(t, 2, 1, 10, 0), set, nil, DepthMeters, 50)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Encoding(), test.ShouldEqual, rimage.Float32C1)
	test.That(t, img.Float32At(0, 0), test.ShouldAlmostEqual, 5, 1e-6)
	test.That(t, img.Float32At(1, 0), test.ShouldEqual, 50)

	_, err = New().Depth(disparity(t, 1, 2, 1, 1), set, nil, DepthMeters, 50)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPointCloudRangeFilter(t *testing.T) {
	// z = 0.1 * 500 / d, so max range 10 sits at d = 5
	set := stereoSet(t, 4, 1, 500, 0.1)
	disp := disparity(t, 4, 1, 4.99, 5.01, 0, 8)
	e := New()

	cloud, err := e.PointCloud(disp, set, nil, CloudOptions{MaxRange: 10})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.IsOrganized(), test.ShouldBeFalse)
	test.That(t, cloud.Size(), test.ShouldEqual, 2)
	p := cloud.Point(0)
	test.That(t, p.Z, test.ShouldAlmostEqual, 50/5.01, 1e-4)
	test.That(t, p.X, test.ShouldAlmostEqual, 0.1*(1-2)/5.01, 1e-5)
	test.That(t, p.Y, test.ShouldAlmostEqual, 0.1*(0-0.5)/5.01, 1e-5)

	organized, err := e.PointCloud(disp, set, nil, CloudOptions{MaxRange: 10, Organized: true})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, organized.Size(), test.ShouldEqual, 4)
	test.That(t, organized.Valid(0), test.ShouldBeFalse)
	test.That(t, organized.Valid(1), test.ShouldBeTrue)
	test.That(t, organized.Valid(2), test.ShouldBeFalse)
	test.That(t, organized.Point(3).Z, test.ShouldAlmostEqual, 6.25, 1e-5)
	test.That(t, math.IsNaN(organized.Point(0).Z), test.ShouldBeTrue)

	unfiltered, err := e.PointCloud(disp, set, nil, CloudOptions{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, unfiltered.Size(), test.ShouldEqual, 3)
}

func TestPointCloudMask(t *testing.T) {
	set := stereoSet(t, 8, 8, 500, 0.1)
	values := make([]float32, 64)
	for k := range values {
		values[k] = 10
	}
	mask, err := borderclip.Rebuild(borderclip.Rectangular, 25, 8, 8)
	test.That(t, err, test.ShouldBeNil)

	cloud, err := New().PointCloud(disparity(t, 8, 8, values...), set, mask, CloudOptions{MaxRange: 100})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, 16)

	stale, err := borderclip.Rebuild(borderclip.None, 0, 4, 4)
	test.That(t, err, test.ShouldBeNil)
	_, err = New().PointCloud(disparity(t, 8, 8, values...), set, stale, CloudOptions{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPointCloudColor(t *testing.T) {
	set := stereoSet(t, 2, 1, 500, 0.1)
	disp := disparity(t, 2, 1, 10, 20)
	color, err := rimage.NewImageFromBytes(2, 1, rimage.RGB8, []byte{0x12, 0x34, 0x56, 0xff, 0x00, 0x01})
	test.That(t, err, test.ShouldBeNil)

	for _, packed := range []bool{true, false} {
		cloud, err := New().PointCloud(disp, set, nil, CloudOptions{Color: color, PackedColor: packed})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cloud.Fields(), test.ShouldResemble, []string{"x", "y", "z", pointcloud.FieldRGB})
		v, ok := cloud.Field(0, pointcloud.FieldRGB)
		test.That(t, ok, test.ShouldBeTrue)
		if packed {
			test.That(t, math.Float32bits(v), test.ShouldEqual, uint32(0x123456))
		} else {
			test.That(t, v, test.ShouldEqual, float32(0x123456))
		}
		r, g, b := pointcloud.UnpackRGB(mustField(t, cloud, 1), packed)
		test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{0xff, 0x00, 0x01})
	}

	luma := rimage.NewImage(2, 1, rimage.Mono8)
	luma.Data()[1] = 77
	cloud, err := New().PointCloud(disp, set, nil, CloudOptions{Luma: luma})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mustFieldNamed(t, cloud, 1, pointcloud.FieldLuminance), test.ShouldEqual, 77)

	_, err = New().PointCloud(disp, set, nil, CloudOptions{Color: luma})
	test.That(t, err, test.ShouldNotBeNil)
}

func mustField(t *testing.T, cloud *pointcloud.Cloud, i int) float32 {
	t.Helper()
	return mustFieldNamed(t, cloud, i, pointcloud.FieldRGB)
}

func mustFieldNamed(t *testing.T, cloud *pointcloud.Cloud, i int, name string) float32 {
	t.Helper()
	v, ok := cloud.Field(i, name)
	test.That(t, ok, test.ShouldBeTrue)
	return v
}

func TestMonoAndDisparity(t *testing.T) {
	e := New()
	frame := &channel.Frame{
		Source: channel.SourceLeftMono, FrameID: 1, Timestamp: time.Now(),
		Width: 2, Height: 2, BitsPerPixel: 8, Data: []byte{1, 2, 3, 4},
	}
	img, err := e.Mono(frame, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Encoding(), test.ShouldEqual, rimage.Mono8)
	img, err = e.Mono(frame, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Encoding(), test.ShouldEqual, rimage.BayerRGGB8)

	frame.BitsPerPixel = 12
	_, err = e.Mono(frame, false)
	test.That(t, err, test.ShouldNotBeNil)

	disp := &channel.Frame{
		Source: channel.SourceLeftDisparity, Width: 2, Height: 1, BitsPerPixel: 16, Data: []byte{0x00, 0x01, 0x20, 0x00},
	}
	dm, err := e.Disparity(disp)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.At(0, 0), test.ShouldEqual, 16)
	test.That(t, dm.At(1, 0), test.ShouldEqual, 2)
}

func TestDisparityImage(t *testing.T) {
	set := stereoSet(t, 8, 8, 500, 0.1)
	values := make([]float32, 64)
	for k := range values {
		values[k] = float32(k%8 + 1)
	}
	mask, err := borderclip.Rebuild(borderclip.Rectangular, 25, 8, 8)
	test.That(t, err, test.ShouldBeNil)

	msg, err := New().DisparityImage(disparity(t, 8, 8, values...), set, mask)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msg.F, test.ShouldAlmostEqual, 500)
	test.That(t, msg.T, test.ShouldAlmostEqual, 0.1)
	test.That(t, msg.DeltaD, test.ShouldEqual, 1.0/16)
	test.That(t, msg.MinDisparity, test.ShouldEqual, 3)
	test.That(t, msg.MaxDisparity, test.ShouldEqual, 6)
	test.That(t, msg.Image.Float32At(0, 0), test.ShouldEqual, 0)
	test.That(t, msg.Image.Float32At(2, 2), test.ShouldEqual, 3)
}

func TestRectifyKeepsEncoding(t *testing.T) {
	set := stereoSet(t, 4, 4, 100, 0.1)
	img := rimage.NewImage(4, 4, rimage.Mono16)
	out, err := New().Rectify(img, calibration.Right, set)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Encoding(), test.ShouldEqual, rimage.Mono16)
}
