package pipeline

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/orchard/pkg/track"
)

// Every frame is resized to TargetWidth x TargetHeight (16:9) before inference
const TargetWidth = 720
const TargetHeight = TargetWidth * 9 / 16

const DefaultThreshold = float32(0.40)

// The range offered by the confidence slider in the UI
const SliderMinThreshold = float32(0.25)
const SliderMaxThreshold = float32(1.0)

type Mode int

const (
	ModeDetecting Mode = iota
	ModeTracking
)

func (m Mode) String() string {
	if m == ModeTracking {
		return "tracking"
	}
	return "detecting"
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Config is fixed for the lifetime of a pipeline, except for the threshold,
// which State allows to change at runtime.
type Config struct {
	Threshold float32    `json:"threshold"`
	Tracking  bool       `json:"tracking"`
	Tracker   track.Kind `json:"tracker"`
}

// ConfigError is returned when a configuration is rejected
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid pipeline configuration: %v %v", e.Field, e.Reason)
}

func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
	}
}

// NewConfig builds and validates a configuration.
// trackerName is eg "bytetrack" or "botsort.yaml". If tracking is enabled and trackerName
// is empty, we use ByteTrack. If tracking is disabled, trackerName is ignored.
func NewConfig(threshold float32, tracking bool, trackerName string) (Config, error) {
	c := Config{
		Threshold: threshold,
		Tracking:  tracking,
	}
	if tracking {
		if trackerName == "" {
			c.Tracker = track.KindByteTrack
		} else {
			kind, err := track.ParseKind(trackerName)
			if err != nil {
				return Config{}, &ConfigError{Field: "tracker", Reason: err.Error()}
			}
			c.Tracker = kind
		}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects out of range values. Unlike State.SetThreshold, it never clamps.
func (c *Config) Validate() error {
	if math32.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1 {
		return &ConfigError{Field: "threshold", Reason: fmt.Sprintf("%v is outside of [0, 1]", c.Threshold)}
	}
	if c.Tracking && c.Tracker != track.KindByteTrack && c.Tracker != track.KindBoTSORT {
		return &ConfigError{Field: "tracker", Reason: fmt.Sprintf("'%v' is not a valid tracker", c.Tracker)}
	}
	return nil
}

// Normalized returns a copy of c with the tracker cleared if tracking is disabled
func (c Config) Normalized() Config {
	if !c.Tracking {
		c.Tracker = track.KindNone
	}
	return c
}

func (c *Config) Mode() Mode {
	if c.Tracking {
		return ModeTracking
	}
	return ModeDetecting
}
