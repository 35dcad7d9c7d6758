package multisense

import (
	"context"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils"

	"go.viam.com/multisense/borderclip"
	"go.viam.com/multisense/bus"
	"go.viam.com/multisense/calibration"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/channel/fake"
	"go.viam.com/multisense/config"
	"go.viam.com/multisense/logging"
	"go.viam.com/multisense/metrics"
	"go.viam.com/multisense/reproject"
	"go.viam.com/multisense/rimage"
	"go.viam.com/multisense/ros"
	"go.viam.com/multisense/router"
)

const (
	testWidth  = 64
	testHeight = 34
)

type harness struct {
	ch    *fake.Channel
	bus   *bus.Local
	store *config.Store
	clk   *clock.Mock
	cam   *Camera
}

func newHarness(t *testing.T, color bool, engine reproject.Engine) *harness {
	t.Helper()
	h := &harness{
		ch:  fake.New(testWidth, testHeight, color),
		bus: bus.NewLocal(),
		clk: clock.NewMock(),
	}
	var err error
	h.store, err = config.NewStore(nil)
	test.That(t, err, test.ShouldBeNil)
	h.cam, err = New(context.Background(), h.ch, h.bus, h.store, logging.NewTestLogger(t), Options{
		Clock:   h.clk,
		Metrics: metrics.New(),
		Engine:  engine,
	})
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, h.cam.Close(context.Background()), test.ShouldBeNil)
	})
	return h
}

func TestLatchedMetadata(t *testing.T) {
	h := newHarness(t, false, nil)

	got := map[string]ros.Message{}
	for _, topic := range []string{
		TopicDeviceInfo, TopicRawCamCal, TopicRawCamConfig,
		router.CameraInfoTopic(router.TopicLeftRect), router.CameraInfoTopic(router.TopicRightMono),
	} {
		h.bus.Subscribe(topic, func(topic string, msg ros.Message) { got[topic] = msg })
	}
	test.That(t, got, test.ShouldHaveLength, 5)

	info := got[TopicDeviceInfo].(*ros.DeviceInfo)
	test.That(t, info.SerialNumber, test.ShouldEqual, "SIM0001")

	cfg := got[TopicRawCamConfig].(*ros.RawCamConfig)
	test.That(t, cfg.Width, test.ShouldEqual, testWidth)
	test.That(t, cfg.Fx, test.ShouldAlmostEqual, 37.5)
	test.That(t, cfg.Tx, test.ShouldAlmostEqual, -fake.Baseline)

	rect := got[router.CameraInfoTopic(router.TopicLeftRect)].(*ros.CameraInfo)
	test.That(t, rect.FrameID, test.ShouldEqual, "left_camera_optical_frame")
	test.That(t, rect.K[0], test.ShouldAlmostEqual, 37.5)
	test.That(t, rect.Width, test.ShouldEqual, testWidth)

	raw := got[router.CameraInfoTopic(router.TopicRightMono)].(*ros.CameraInfo)
	test.That(t, raw.FrameID, test.ShouldEqual, "right_camera_optical_frame")
	test.That(t, raw.DistortionModel, test.ShouldEqual, ros.DistortionModelPlumbBob)

	// color outputs do not exist on a mono unit
	var colorInfo bool
	h.bus.Subscribe(router.CameraInfoTopic(router.TopicLeftColor), func(string, ros.Message) { colorInfo = true })
	test.That(t, colorInfo, test.ShouldBeFalse)
}

func TestInitialCalibrationFailure(t *testing.T) {
	ch := fake.New(testWidth, testHeight, false)
	cal := fake.DefaultCalibration()
	cal.Left.M[0][0] = 0
	ch.SetCalibration(cal)
	store, err := config.NewStore(nil)
	test.That(t, err, test.ShouldBeNil)

	_, err = New(context.Background(), ch, bus.NewLocal(), store, logging.NewTestLogger(t), Options{Clock: clock.NewMock()})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, calibration.IsCalibrationError(err), test.ShouldBeTrue)
}

func TestDepthEndToEnd(t *testing.T) {
	h := newHarness(t, false, nil)
	test.That(t, h.ch.Streams(), test.ShouldEqual, channel.SourceNone)

	var depth []*ros.Image
	id := h.bus.Subscribe(router.TopicLeftDepth, func(_ string, msg ros.Message) {
		depth = append(depth, msg.(*ros.Image))
	})
	test.That(t, h.ch.Streams(), test.ShouldEqual, channel.SourceLeftDisparity)
	test.That(t, h.cam.Gate().ActiveOutputs(), test.ShouldResemble, []string{router.TopicLeftDepth})

	h.ch.EmitAll(h.clk.Now(), 20)
	test.That(t, depth, test.ShouldHaveLength, 1)
	test.That(t, depth[0].Seq, test.ShouldEqual, 1)
	test.That(t, depth[0].Encoding(), test.ShouldEqual, rimage.Float32C1)
	test.That(t, depth[0].Float32At(10, 10), test.ShouldAlmostEqual, 37.5*fake.Baseline/20, 1e-5)

	test.That(t, h.bus.Unsubscribe(id), test.ShouldBeNil)
	test.That(t, h.ch.Streams(), test.ShouldEqual, channel.SourceNone)
	h.ch.EmitAll(h.clk.Now(), 20)
	test.That(t, depth, test.ShouldHaveLength, 1)
}

// consistencyEngine records every depth computation whose inputs disagree on geometry.
type consistencyEngine struct {
	reproject.Engine
	mu         sync.Mutex
	calls      int
	violations int
}

func (e *consistencyEngine) Depth(
	disp *rimage.DisparityMap, set *calibration.Set, mask *borderclip.Mask, variant reproject.DepthVariant, maxRange float64,
) (*rimage.Image, error) {
	e.mu.Lock()
	e.calls++
	if !mask.Fits(set.Width, set.Height) || disp.Width() != set.Width || disp.Height() != set.Height {
		e.violations++
	}
	e.mu.Unlock()
	return e.Engine.Depth(disp, set, mask, variant, maxRange)
}

func TestResolutionChange(t *testing.T) {
	engine := &consistencyEngine{Engine: reproject.New()}
	h := newHarness(t, false, engine)
	test.That(t, h.store.Set(config.KeyBorderClipShape, "rectangular"), test.ShouldBeNil)
	test.That(t, h.store.Set(config.KeyBorderClipValue, 10.0), test.ShouldBeNil)
	h.bus.Subscribe(router.TopicLeftDepth, func(string, ros.Message) {})

	var infos []*ros.CameraInfo
	h.bus.Subscribe(router.CameraInfoTopic(router.TopicLeftDepth), func(_ string, msg ros.Message) {
		infos = append(infos, msg.(*ros.CameraInfo))
	})

	ctx := context.Background()
	test.That(t, h.cam.SetResolution(ctx, 32, 17), test.ShouldBeNil)
	snap := h.cam.Snapshot()
	test.That(t, snap.Calibration.Width, test.ShouldEqual, 32)
	test.That(t, snap.Mask.Fits(32, 17), test.ShouldBeTrue)
	test.That(t, snap.Mask.Shape, test.ShouldEqual, borderclip.Rectangular)
	test.That(t, infos[len(infos)-1].Width, test.ShouldEqual, 32)
	test.That(t, infos[len(infos)-1].K[0], test.ShouldAlmostEqual, 600.0*32/fake.NativeWidth)

	// frames still at the old resolution are dropped
	stale := fake.SyntheticFrame(channel.SourceLeftDisparity, 100, h.clk.Now(), testWidth, testHeight, false, 20)
	pubs, err := h.cam.Router().OnFrame(stale)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pubs, test.ShouldBeEmpty)

	test.That(t, h.cam.SetResolution(ctx, 2*fake.NativeWidth, testHeight), test.ShouldNotBeNil)
	test.That(t, h.cam.Snapshot().Calibration.Width, test.ShouldEqual, 32)

	var (
		wg     sync.WaitGroup
		setErr error
	)
	wg.Add(2)
	utils.PanicCapturingGo(func() {
		defer wg.Done()
		for i := 0; i < 20 && setErr == nil; i++ {
			w, hh := testWidth, testHeight
			if i%2 == 0 {
				w, hh = 32, 17
			}
			setErr = h.cam.SetResolution(ctx, w, hh)
		}
	})
	utils.PanicCapturingGo(func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			h.ch.EmitAll(h.clk.Now(), 20)
		}
	})
	wg.Wait()
	test.That(t, setErr, test.ShouldBeNil)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	test.That(t, engine.violations, test.ShouldEqual, 0)
}

func TestClipParameterChange(t *testing.T) {
	h := newHarness(t, false, nil)
	test.That(t, h.cam.Snapshot().Mask.Shape, test.ShouldEqual, borderclip.None)

	test.That(t, h.store.SetMany(map[string]interface{}{
		config.KeyBorderClipShape: "circular",
		config.KeyBorderClipValue: 20.0,
	}), test.ShouldBeNil)
	snap := h.cam.Snapshot()
	test.That(t, snap.Mask.Shape, test.ShouldEqual, borderclip.Circular)
	test.That(t, snap.Mask.ClipValue, test.ShouldEqual, 20.0)
	test.That(t, snap.Params.BorderClipShape, test.ShouldEqual, "circular")

	err := h.store.Set(config.KeyBorderClipValue, 250.0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, h.cam.Snapshot(), test.ShouldEqual, snap)

	test.That(t, h.store.Set(config.KeyFrameIDLeft, "stereo_left"), test.ShouldBeNil)
	var info *ros.CameraInfo
	h.bus.Subscribe(router.CameraInfoTopic(router.TopicLeftMono), func(_ string, msg ros.Message) {
		info = msg.(*ros.CameraInfo)
	})
	test.That(t, info.FrameID, test.ShouldEqual, "stereo_left")
}

func TestColorUnitStreams(t *testing.T) {
	h := newHarness(t, true, nil)
	var got *ros.Image
	h.bus.Subscribe(router.TopicLeftColor, func(_ string, msg ros.Message) { got = msg.(*ros.Image) })
	test.That(t, h.ch.Streams(), test.ShouldEqual, channel.SourceLeftMono)

	h.ch.EmitAll(h.clk.Now(), 20)
	test.That(t, got, test.ShouldNotBeNil)
	test.That(t, got.Encoding(), test.ShouldEqual, rimage.RGB8)
}

func TestClose(t *testing.T) {
	ch := fake.New(testWidth, testHeight, false)
	b := bus.NewLocal()
	store, err := config.NewStore(nil)
	test.That(t, err, test.ShouldBeNil)
	clk := clock.NewMock()
	cam, err := New(context.Background(), ch, b, store, logging.NewTestLogger(t), Options{Clock: clk})
	test.That(t, err, test.ShouldBeNil)

	var n int
	b.Subscribe(router.TopicLeftMono, func(string, ros.Message) { n++ })
	ch.EmitAll(clk.Now(), 20)
	test.That(t, n, test.ShouldEqual, 1)

	test.That(t, cam.Close(context.Background()), test.ShouldBeNil)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceNone)
	test.That(t, cam.Gate().ActiveOutputs(), test.ShouldBeEmpty)

	// a late delivery from the transport is ignored
	cam.onFrame(fake.SyntheticFrame(channel.SourceLeftMono, 9, clk.Now(), testWidth, testHeight, false, 0))
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, cam.Close(context.Background()), test.ShouldBeNil)
}

func TestOrganizedCloudsFollowParameter(t *testing.T) {
	h := newHarness(t, false, nil)
	var n int
	h.bus.Subscribe(router.TopicOrganizedPoints, func(string, ros.Message) { n++ })

	state := h.cam.Gate().State()
	test.That(t, state.Outputs[router.TopicOrganizedPoints].Subscribers, test.ShouldEqual, 1)
	test.That(t, state.Outputs[router.TopicOrganizedPoints].Active, test.ShouldBeFalse)
	test.That(t, h.ch.Streams(), test.ShouldEqual, channel.SourceNone)

	test.That(t, h.store.Set(config.KeyOrganizedPointCloudEnabled, true), test.ShouldBeNil)
	test.That(t, h.ch.Streams(), test.ShouldEqual, channel.SourceLeftDisparity|channel.SourceLeftMono)
	h.ch.EmitAll(h.clk.Now(), 20)
	test.That(t, n, test.ShouldEqual, 1)

	test.That(t, h.store.Set(config.KeyOrganizedPointCloudEnabled, false), test.ShouldBeNil)
	test.That(t, h.ch.Streams(), test.ShouldEqual, channel.SourceNone)
}

func TestListenersIgnoredAfterClose(t *testing.T) {
	ch := fake.New(testWidth, testHeight, false)
	store, err := config.NewStore(nil)
	test.That(t, err, test.ShouldBeNil)
	cam, err := New(context.Background(), ch, bus.NewLocal(), store, logging.NewTestLogger(t), Options{Clock: clock.NewMock()})
	test.That(t, err, test.ShouldBeNil)
	snap := cam.Snapshot()

	test.That(t, cam.Close(context.Background()), test.ShouldBeNil)
	test.That(t, cam.status.Running(), test.ShouldBeFalse)

	test.That(t, store.Set(config.KeyBorderClipShape, "circular"), test.ShouldBeNil)
	test.That(t, cam.Snapshot(), test.ShouldEqual, snap)
	test.That(t, cam.Refresh(context.Background()), test.ShouldBeNil)
	test.That(t, cam.Snapshot(), test.ShouldEqual, snap)
	test.That(t, cam.status.Running(), test.ShouldBeFalse)
}
