package config

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/multisense/borderclip"
)

func TestDecode(t *testing.T) {
	p, err := Decode(map[string]interface{}{
		KeyBorderClipShape:            "circular",
		KeyBorderClipValue:            "12.5",
		KeyOrganizedPointCloudEnabled: "true",
		KeySubscriptionPeriod:         "250ms",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.ClipShape(), test.ShouldEqual, borderclip.Circular)
	test.That(t, p.BorderClipValue, test.ShouldEqual, 12.5)
	test.That(t, p.OrganizedPointCloudEnabled, test.ShouldBeTrue)
	test.That(t, p.SubscriptionPeriod, test.ShouldEqual, 250*time.Millisecond)
	test.That(t, p.PointCloudMaxRange, test.ShouldEqual, Defaults().PointCloudMaxRange)
	test.That(t, p.Validate(), test.ShouldBeNil)

	_, err = Decode(map[string]interface{}{"border_clip": 3})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidate(t *testing.T) {
	test.That(t, Defaults().Validate(), test.ShouldBeNil)

	for key, value := range map[string]interface{}{
		KeyBorderClipShape:    "hexagon",
		KeyBorderClipValue:    100,
		KeyPointCloudMaxRange: 0,
		KeyStatusPeriod:       "-1s",
		KeyFrameIDLeft:        " ",
	} {
		p, err := Decode(map[string]interface{}{key: value})
		test.That(t, err, test.ShouldBeNil)
		err = p.Validate()
		var verr *ValidationError
		test.That(t, errors.As(err, &verr), test.ShouldBeTrue)
		test.That(t, verr.Key, test.ShouldEqual, key)
	}
}

func TestStoreAllOrNothing(t *testing.T) {
	s, err := NewStore(map[string]interface{}{KeyBorderClipShape: "rectangular"})
	test.That(t, err, test.ShouldBeNil)

	var changes []Params
	s.OnChange(func(old, updated Params) {
		test.That(t, old, test.ShouldNotResemble, updated)
		changes = append(changes, updated)
	})

	err = s.SetMany(map[string]interface{}{KeyBorderClipValue: 10, KeyPointCloudMaxRange: -1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, s.Params().BorderClipValue, test.ShouldEqual, 0)
	_, ok := s.Get(KeyBorderClipValue)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, changes, test.ShouldBeEmpty)

	test.That(t, s.Set(KeyBorderClipValue, 10), test.ShouldBeNil)
	test.That(t, s.Params().BorderClipValue, test.ShouldEqual, 10)
	test.That(t, s.Params().ClipShape(), test.ShouldEqual, borderclip.Rectangular)
	test.That(t, changes, test.ShouldHaveLength, 1)

	// same value again is not a change
	test.That(t, s.Set(KeyBorderClipValue, "10"), test.ShouldBeNil)
	test.That(t, changes, test.ShouldHaveLength, 1)

	_, err = NewStore(map[string]interface{}{"nope": 1})
	test.That(t, err, test.ShouldNotBeNil)
}
