// Package telemetry buffers aircraft state samples and synchronises them with
// camera frame timestamps, interpolating a pose for any instant covered by the
// buffer.
package telemetry

import (
	"context"
	"fmt"
	"time"
)

// Sample is one timestamped aircraft state reading from the flight controller.
// Attitude angles are in radians. Samples are immutable once produced.
type Sample struct {
	Timestamp  time.Time
	Lat        float64 // degrees
	Lon        float64 // degrees
	AltMSL     float64 // metres above mean sea level
	Roll       float64 // radians
	Pitch      float64 // radians
	Yaw        float64 // radians, 0 = north, increasing east
	FixQuality int     // GPS fix type, 3 = 3D fix
}

// Validate rejects samples with out-of-range coordinates or an insufficient
// GPS fix before they enter the buffer.
func (s Sample) Validate(minFixQuality int) error {
	if s.FixQuality < minFixQuality {
		return fmt.Errorf("telemetry: fix quality %d below minimum %d", s.FixQuality, minFixQuality)
	}
	if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
		return fmt.Errorf("telemetry: coordinates out of range: %f, %f", s.Lat, s.Lon)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("telemetry: zero timestamp")
	}
	return nil
}

// Pose is an aircraft state at a requested instant, either an exact sample or
// an interpolation between two bracketing samples. Poses are derived, never
// stored.
type Pose struct {
	Timestamp time.Time
	Lat       float64
	Lon       float64
	AltMSL    float64
	Roll      float64
	Pitch     float64
	Yaw       float64
	// Extrapolated marks a lower-confidence pose produced from one-sided
	// data within the extrapolation margin.
	Extrapolated bool
}

// Source produces an unbounded stream of telemetry samples. Link loss shows up
// as a gap in timestamps, detected downstream by the synchronizer's staleness
// tolerance, never as an error on the channel.
type Source interface {
	Samples(ctx context.Context) (<-chan Sample, error)
}
