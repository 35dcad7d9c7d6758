package bus

import (
	"sync"
	"testing"

	"go.viam.com/test"

	"go.viam.com/multisense/channel"
	"go.viam.com/multisense/ros"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewLocal()
	var got []int64
	id := b.Subscribe("status", func(topic string, msg ros.Message) {
		test.That(t, topic, test.ShouldEqual, "status")
		got = append(got, msg.(*ros.DeviceStatus).Seq)
	})
	test.That(t, b.SubscriberCount("status"), test.ShouldEqual, 1)
	test.That(t, b.SubscriberCount("other"), test.ShouldEqual, 0)

	b.Publish("status", &ros.DeviceStatus{Header: ros.Header{Seq: 1}})
	b.Publish("other", &ros.DeviceStatus{Header: ros.Header{Seq: 2}})
	test.That(t, got, test.ShouldResemble, []int64{1})

	test.That(t, b.Unsubscribe(id), test.ShouldBeNil)
	test.That(t, b.SubscriberCount("status"), test.ShouldEqual, 0)
	b.Publish("status", &ros.DeviceStatus{Header: ros.Header{Seq: 3}})
	test.That(t, got, test.ShouldHaveLength, 1)

	test.That(t, b.Unsubscribe(id), test.ShouldWrap, ErrSubscriberNotFound)
}

func TestLatch(t *testing.T) {
	b := NewLocal()
	b.Latch("device_info", &ros.DeviceInfo{DeviceInfo: channel.DeviceInfo{Name: "unit"}})

	var name string
	b.Subscribe("device_info", func(_ string, msg ros.Message) {
		name = msg.(*ros.DeviceInfo).Name
	})
	test.That(t, name, test.ShouldEqual, "unit")
}

func TestWatch(t *testing.T) {
	b := NewLocal()
	var mu sync.Mutex
	counts := map[string][]int{}
	cancel := b.Watch(func(topic string, count int) {
		mu.Lock()
		counts[topic] = append(counts[topic], count)
		mu.Unlock()
	})

	a := b.Subscribe("left/depth", func(string, ros.Message) {})
	b.Subscribe("left/depth", func(string, ros.Message) {})
	test.That(t, b.Unsubscribe(a), test.ShouldBeNil)
	test.That(t, b.Topics(), test.ShouldResemble, []string{"left/depth"})

	cancel()
	b.Subscribe("left/depth", func(string, ros.Message) {})
	test.That(t, counts["left/depth"], test.ShouldResemble, []int{1, 2, 1})
}
