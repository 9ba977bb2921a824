package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/aratta-robotics/groundmark/internal/config"
	"github.com/aratta-robotics/groundmark/internal/geodesy"
)

// ErrStaleTelemetry is returned when no buffered sample lies within tolerance
// of the requested timestamp. The caller defers location assignment and
// retries within its bounded window.
var ErrStaleTelemetry = errors.New("telemetry: no sample within tolerance")

// Synchronizer answers pose queries against a sample buffer. A pose is valid
// only when its timestamp lies within the buffered span extended by at most
// the configured extrapolation margin.
type Synchronizer struct {
	buf          *SampleBuffer
	maxGap       time.Duration
	extrapMargin time.Duration
}

// NewSynchronizer builds a synchronizer over the buffer using the mission
// configuration's interpolation and extrapolation tolerances.
func NewSynchronizer(buf *SampleBuffer, cfg *config.MissionConfig) *Synchronizer {
	return &Synchronizer{
		buf:          buf,
		maxGap:       cfg.GetTelemetryMaxInterpolationGap(),
		extrapMargin: cfg.GetTelemetryExtrapolationMargin(),
	}
}

// PoseAt returns the aircraft pose at time t. With bracketing samples whose
// gap is within the interpolation limit it interpolates linearly, taking the
// shortest angular path for attitude. With one-sided data within the
// extrapolation margin it extrapolates and marks the pose lower-confidence.
// Otherwise it fails with ErrStaleTelemetry.
func (s *Synchronizer) PoseAt(t time.Time) (Pose, error) {
	before, after, hasBefore, hasAfter := s.buf.Bracket(t)

	switch {
	case hasBefore && hasAfter:
		gap := after.Timestamp.Sub(before.Timestamp)
		if gap == 0 {
			return poseFromSample(before, t, false), nil
		}
		if gap > s.maxGap {
			// A hole in the stream wider than the interpolation limit:
			// the samples do not describe the aircraft at t.
			return Pose{}, fmt.Errorf("%w: %v gap around %v", ErrStaleTelemetry, gap, t)
		}
		frac := float64(t.Sub(before.Timestamp)) / float64(gap)
		return interpolate(before, after, t, frac), nil

	case hasBefore:
		age := t.Sub(before.Timestamp)
		if age > s.extrapMargin {
			return Pose{}, fmt.Errorf("%w: newest sample %v behind %v", ErrStaleTelemetry, age, t)
		}
		return poseFromSample(before, t, true), nil

	case hasAfter:
		lead := after.Timestamp.Sub(t)
		if lead > s.extrapMargin {
			return Pose{}, fmt.Errorf("%w: oldest sample %v ahead of %v", ErrStaleTelemetry, lead, t)
		}
		return poseFromSample(after, t, true), nil

	default:
		return Pose{}, fmt.Errorf("%w: buffer empty", ErrStaleTelemetry)
	}
}

func poseFromSample(s Sample, t time.Time, extrapolated bool) Pose {
	return Pose{
		Timestamp:    t,
		Lat:          s.Lat,
		Lon:          s.Lon,
		AltMSL:       s.AltMSL,
		Roll:         s.Roll,
		Pitch:        s.Pitch,
		Yaw:          s.Yaw,
		Extrapolated: extrapolated,
	}
}

// interpolate blends two samples at fraction frac of the way from a to b.
// Position and altitude interpolate independently; attitude angles take the
// shortest angular path.
func interpolate(a, b Sample, t time.Time, frac float64) Pose {
	return Pose{
		Timestamp: t,
		Lat:       geodesy.Lerp(a.Lat, b.Lat, frac),
		Lon:       geodesy.Lerp(a.Lon, b.Lon, frac),
		AltMSL:    geodesy.Lerp(a.AltMSL, b.AltMSL, frac),
		Roll:      geodesy.LerpAngle(a.Roll, b.Roll, frac),
		Pitch:     geodesy.LerpAngle(a.Pitch, b.Pitch, frac),
		Yaw:       geodesy.LerpAngle(a.Yaw, b.Yaw, frac),
	}
}
