// Package config holds the runtime parameters of the driver. Parameters are set as a key to
// value map, decoded and validated as a whole, and only then applied.
package config

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.viam.com/multisense/borderclip"
)

// Parameter keys.
const (
	KeyBorderClipShape            = "border_clip_shape"
	KeyBorderClipValue            = "border_clip_value"
	KeyPointCloudMaxRange         = "pointcloud_max_range"
	KeyPointCloudColorPacked      = "pointcloud_color_packed"
	KeyOrganizedPointCloudEnabled = "organized_pointcloud_enabled"
	KeySubscriptionPeriod         = "subscription_period"
	KeyStatusPeriod               = "status_period"
	KeyFrameIDLeft                = "frame_id_left"
	KeyFrameIDRight               = "frame_id_right"
)

// Params are the decoded parameters.
type Params struct {
	BorderClipShape            string        `json:"border_clip_shape"`
	BorderClipValue            float64       `json:"border_clip_value"`
	PointCloudMaxRange         float64       `json:"pointcloud_max_range"`
	PointCloudColorPacked      bool          `json:"pointcloud_color_packed"`
	OrganizedPointCloudEnabled bool          `json:"organized_pointcloud_enabled"`
	SubscriptionPeriod         time.Duration `json:"subscription_period"`
	StatusPeriod               time.Duration `json:"status_period"`
	FrameIDLeft                string        `json:"frame_id_left"`
	FrameIDRight               string        `json:"frame_id_right"`
}

// Defaults returns the parameters used for keys that were never set.
func Defaults() Params {
	return Params{
		BorderClipShape:       borderclip.None.String(),
		PointCloudMaxRange:    15,
		PointCloudColorPacked: true,
		SubscriptionPeriod:    time.Second,
		StatusPeriod:          time.Second,
		FrameIDLeft:           "left_camera_optical_frame",
		FrameIDRight:          "right_camera_optical_frame",
	}
}

// ValidationError reports a parameter that cannot be applied.
type ValidationError struct {
	Key    string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Key, e.Value, e.Reason)
}

// ClipShape returns the parsed border clip shape.
func (p Params) ClipShape() borderclip.Shape {
	shape, err := borderclip.ParseShape(p.BorderClipShape)
	if err != nil {
		return borderclip.None
	}
	return shape
}

// Validate checks every parameter.
func (p Params) Validate() error {
	if _, err := borderclip.ParseShape(p.BorderClipShape); err != nil {
		return &ValidationError{KeyBorderClipShape, p.BorderClipShape, "must be none, rectangular or circular"}
	}
	if math.IsNaN(p.BorderClipValue) || p.BorderClipValue < 0 || p.BorderClipValue >= 100 {
		return &ValidationError{KeyBorderClipValue, p.BorderClipValue, "must be in [0, 100)"}
	}
	if !(p.PointCloudMaxRange > 0) || math.IsInf(p.PointCloudMaxRange, 0) {
		return &ValidationError{KeyPointCloudMaxRange, p.PointCloudMaxRange, "must be a positive distance in meters"}
	}
	if p.SubscriptionPeriod <= 0 {
		return &ValidationError{KeySubscriptionPeriod, p.SubscriptionPeriod, "must be positive"}
	}
	if p.StatusPeriod <= 0 {
		return &ValidationError{KeyStatusPeriod, p.StatusPeriod, "must be positive"}
	}
	if strings.TrimSpace(p.FrameIDLeft) == "" {
		return &ValidationError{KeyFrameIDLeft, p.FrameIDLeft, "must not be empty"}
	}
	if strings.TrimSpace(p.FrameIDRight) == "" {
		return &ValidationError{KeyFrameIDRight, p.FrameIDRight, "must not be empty"}
	}
	return nil
}

// Decode decodes values over the defaults. Unknown keys are an error.
func Decode(values map[string]interface{}) (Params, error) {
	p := Defaults()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &p,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return Params{}, err
	}
	if err := decoder.Decode(values); err != nil {
		return Params{}, errors.Wrap(err, "cannot decode parameters")
	}
	return p, nil
}

// Store is the live parameter set. Changes are all or nothing.
type Store struct {
	mu        sync.Mutex
	values    map[string]interface{}
	params    Params
	listeners []func(old, updated Params)
}

// NewStore validates initial and returns a store holding it.
func NewStore(initial map[string]interface{}) (*Store, error) {
	values := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	p, err := Decode(values)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Store{values: values, params: p}, nil
}

// Params returns the current parameters.
func (s *Store) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Get returns the raw value set for key, if any.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set changes one parameter.
func (s *Store) Set(key string, value interface{}) error {
	return s.SetMany(map[string]interface{}{key: value})
}

// SetMany changes several parameters at once. If any of them is invalid nothing changes.
// Listeners run in order, while the store is locked.
func (s *Store) SetMany(changes map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string]interface{}, len(s.values)+len(changes))
	for k, v := range s.values {
		values[k] = v
	}
	for k, v := range changes {
		values[k] = v
	}
	p, err := Decode(values)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	old := s.params
	s.values, s.params = values, p
	if old == p {
		return nil
	}
	for _, fn := range s.listeners {
		fn(old, p)
	}
	return nil
}

// OnChange registers fn to run after every change that alters the parameters.
func (s *Store) OnChange(fn func(old, updated Params)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
