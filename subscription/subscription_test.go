package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/multisense/bus"
	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/channel/fake"
	"go.viam.com/multisense/logging"
	"go.viam.com/multisense/metrics"
	"go.viam.com/multisense/ros"
)

var testStreams = []Stream{
	{Name: "left/depth", Inputs: channel.SourceLeftDisparity},
	{Name: "image_points2", Inputs: channel.SourceLeftDisparity | channel.SourceLeftMono},
	{Name: "right/image_mono", Inputs: channel.SourceRightMono},
}

// pollingBus hides the notifications of a Local bus.
type pollingBus struct {
	local *bus.Local
}

func (b pollingBus) Publish(topic string, msg ros.Message) { b.local.Publish(topic, msg) }

func (b pollingBus) SubscriberCount(topic string) int { return b.local.SubscriberCount(topic) }

func noop(string, ros.Message) {}

func TestTickStartsAndStopsStreams(t *testing.T) {
	ch := fake.New(fake.NativeWidth, fake.NativeHeight, false)
	local := bus.NewLocal()
	g := New(ch, pollingBus{local}, testStreams, logging.NewTestLogger(t), Options{})
	ctx := context.Background()

	state := g.Tick(ctx)
	test.That(t, state.Streaming, test.ShouldEqual, channel.SourceNone)
	test.That(t, ch.StartCalls, test.ShouldBeEmpty)

	depth := local.Subscribe("left/depth", noop)
	test.That(t, g.Wants("left/depth"), test.ShouldBeFalse)
	state = g.Tick(ctx)
	test.That(t, g.Wants("left/depth"), test.ShouldBeTrue)
	test.That(t, state.Outputs["left/depth"], test.ShouldResemble, OutputState{Subscribers: 1, Active: true})
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceLeftDisparity)

	points := local.Subscribe("image_points2", noop)
	g.Tick(ctx)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceLeftDisparity|channel.SourceLeftMono)
	test.That(t, g.ActiveOutputs(), test.ShouldResemble, []string{"image_points2", "left/depth"})

	// the disparity stream is still needed by the point cloud
	test.That(t, local.Unsubscribe(depth), test.ShouldBeNil)
	g.Tick(ctx)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceLeftDisparity|channel.SourceLeftMono)
	test.That(t, ch.StopCalls, test.ShouldBeEmpty)

	test.That(t, local.Unsubscribe(points), test.ShouldBeNil)
	state = g.Tick(ctx)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceNone)
	test.That(t, state.Desired, test.ShouldEqual, channel.SourceNone)
	test.That(t, ch.StopCalls, test.ShouldHaveLength, 2)
}

func TestFailedStartIsRetried(t *testing.T) {
	ch := fake.New(fake.NativeWidth, fake.NativeHeight, false)
	local := bus.NewLocal()
	logger, logs := logging.NewObservedTestLogger(t)
	m := metrics.New()
	g := New(ch, pollingBus{local}, testStreams, logger, Options{PersistentFailureTicks: 3, Metrics: m})
	ctx := context.Background()

	ch.SetStartErr(&channel.TransportError{Op: "start", Source: channel.SourceRightMono, Err: errors.New("link down")})
	local.Subscribe("right/image_mono", noop)
	for i := 0; i < 5; i++ {
		state := g.Tick(ctx)
		test.That(t, state.Streaming, test.ShouldEqual, channel.SourceNone)
		test.That(t, state.Desired, test.ShouldEqual, channel.SourceRightMono)
	}
	test.That(t, ch.StartCalls, test.ShouldHaveLength, 5)
	test.That(t, logs.FilterMessage("stream control keeps failing").Len(), test.ShouldEqual, 1)

	ch.SetStartErr(nil)
	state := g.Tick(ctx)
	test.That(t, state.Streaming, test.ShouldEqual, channel.SourceRightMono)
	test.That(t, logs.FilterMessage("stream control recovered").Len(), test.ShouldEqual, 1)
}

func TestNotifierRefreshesImmediately(t *testing.T) {
	ch := fake.New(fake.NativeWidth, fake.NativeHeight, false)
	local := bus.NewLocal()
	g := New(ch, local, testStreams, logging.NewTestLogger(t), Options{Clock: clock.NewMock()})
	g.Start()
	defer func() {
		test.That(t, g.Close(), test.ShouldBeNil)
	}()

	id := local.Subscribe("right/image_mono", noop)
	test.That(t, g.Wants("right/image_mono"), test.ShouldBeTrue)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceRightMono)

	test.That(t, local.Unsubscribe(id), test.ShouldBeNil)
	test.That(t, g.Wants("right/image_mono"), test.ShouldBeFalse)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceNone)

	// unrelated topics do not trigger a refresh
	calls := len(ch.StartCalls)
	local.Subscribe("status", noop)
	test.That(t, ch.StartCalls, test.ShouldHaveLength, calls)
}

func TestPollingOnClock(t *testing.T) {
	ch := fake.New(fake.NativeWidth, fake.NativeHeight, false)
	local := bus.NewLocal()
	clk := clock.NewMock()
	g := New(ch, pollingBus{local}, testStreams, logging.NewTestLogger(t), Options{Clock: clk, Period: time.Second})
	g.Start()

	local.Subscribe("left/depth", noop)
	test.That(t, g.Wants("left/depth"), test.ShouldBeFalse)

	deadline := time.Now().Add(5 * time.Second)
	for !g.Wants("left/depth") && time.Now().Before(deadline) {
		clk.Add(time.Second)
		time.Sleep(time.Millisecond)
	}
	test.That(t, g.Wants("left/depth"), test.ShouldBeTrue)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceLeftDisparity)

	g.SetPeriod(10 * time.Millisecond)
	test.That(t, g.Close(), test.ShouldBeNil)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceNone)
	test.That(t, g.Wants("left/depth"), test.ShouldBeFalse)
}

func TestCloseReportsStopFailures(t *testing.T) {
	ch := fake.New(fake.NativeWidth, fake.NativeHeight, false)
	local := bus.NewLocal()
	g := New(ch, local, testStreams, logging.NewTestLogger(t), Options{})
	local.Subscribe("image_points2", noop)
	g.Tick(context.Background())
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceLeftDisparity|channel.SourceLeftMono)

	ch.StopErr = errors.New("link down")
	err := g.Close()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, g.State().Streaming, test.ShouldEqual, channel.SourceLeftDisparity|channel.SourceLeftMono)
}

func TestDisabledStreamsStayIdle(t *testing.T) {
	ch := fake.New(fake.NativeWidth, fake.NativeHeight, false)
	local := bus.NewLocal()
	var enabled atomic.Bool
	streams := []Stream{
		{Name: "organized_image_points2", Inputs: channel.SourceLeftDisparity | channel.SourceLeftMono, Enabled: enabled.Load},
		{Name: "right/image_mono", Inputs: channel.SourceRightMono},
	}
	g := New(ch, pollingBus{local}, streams, logging.NewTestLogger(t), Options{})
	ctx := context.Background()

	local.Subscribe("organized_image_points2", noop)
	state := g.Tick(ctx)
	test.That(t, state.Outputs["organized_image_points2"], test.ShouldResemble, OutputState{Subscribers: 1})
	test.That(t, g.Wants("organized_image_points2"), test.ShouldBeFalse)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceNone)
	test.That(t, ch.StartCalls, test.ShouldBeEmpty)

	enabled.Store(true)
	g.Tick(ctx)
	test.That(t, g.Wants("organized_image_points2"), test.ShouldBeTrue)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceLeftDisparity|channel.SourceLeftMono)

	enabled.Store(false)
	g.Tick(ctx)
	test.That(t, ch.Streams(), test.ShouldEqual, channel.SourceNone)
}
