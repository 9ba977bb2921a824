package projection

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/aratta-robotics/groundmark/internal/config"
	"github.com/aratta-robotics/groundmark/internal/geodesy"
	"github.com/aratta-robotics/groundmark/internal/telemetry"
)

// ErrProjectionOutOfBounds is returned when the view ray is too oblique for a
// numerically stable ground intersection. The projection attempt is discarded;
// the cluster may still resolve on a later, more favourable frame.
var ErrProjectionOutOfBounds = errors.New("projection: view ray too oblique")

// Estimate is a projected geodetic position with propagated uncertainty.
type Estimate struct {
	Lat                float64
	Lon                float64
	UncertaintyRadiusM float64
	// GroundRangeM is the horizontal distance from the aircraft's nadir
	// point to the estimate.
	GroundRangeM float64
	// Extrapolated carries the pose's lower-confidence flag through to the
	// registry weighting.
	Extrapolated bool
}

// Projector intersects camera rays with a horizontal ground plane at the
// configured terrain elevation.
type Projector struct {
	intr            Intrinsics
	terrainElevM    float64
	maxObliquityRad float64
	altSigmaM       float64
	attSigmaRad     float64
}

// NewProjector builds a projector for the given camera from the mission
// configuration.
func NewProjector(intr Intrinsics, cfg *config.MissionConfig) *Projector {
	return &Projector{
		intr:            intr,
		terrainElevM:    cfg.GetTerrainElevationM(),
		maxObliquityRad: geodesy.DegToRad(cfg.GetMaxViewObliquityDeg()),
		altSigmaM:       cfg.GetAltitudeSigmaM(),
		attSigmaRad:     geodesy.DegToRad(cfg.GetAttitudeSigmaDeg()),
	}
}

// Project unprojects the pixel centroid into a camera ray, rotates it into the
// world frame using the pose attitude and intersects it with the ground plane.
//
// The camera is nadir-mounted: at zero roll/pitch/yaw the boresight points
// straight down, image up is north and image right is east.
func (p *Projector) Project(px, py float64, pose telemetry.Pose) (Estimate, error) {
	cx, cy := p.intr.principal()
	f := p.intr.FocalPx
	if f <= 0 {
		return Estimate{}, fmt.Errorf("projection: non-positive focal length %v", f)
	}

	// Ray in the body NED frame for a level aircraft: north, east, down.
	ray := mat.NewVecDense(3, []float64{
		(cy - py) / f, // image up -> north
		(px - cx) / f, // image right -> east
		1,
	})

	// World ray: R = Rz(yaw) * Ry(pitch) * Rx(roll), NED convention.
	r := rotationZYX(pose.Yaw, pose.Pitch, pose.Roll)
	var world mat.VecDense
	world.MulVec(r, ray)

	norm := math.Sqrt(world.AtVec(0)*world.AtVec(0) + world.AtVec(1)*world.AtVec(1) + world.AtVec(2)*world.AtVec(2))
	dn := world.AtVec(0) / norm
	de := world.AtVec(1) / norm
	dd := world.AtVec(2) / norm

	// Obliquity is the angle between the ray and straight down. Near the
	// horizon the plane intersection degenerates.
	obliquity := math.Acos(dd)
	if dd <= 0 || obliquity > p.maxObliquityRad {
		return Estimate{}, fmt.Errorf("%w: obliquity %.1f deg exceeds limit %.1f deg",
			ErrProjectionOutOfBounds, geodesy.RadToDeg(obliquity), geodesy.RadToDeg(p.maxObliquityRad))
	}

	height := pose.AltMSL - p.terrainElevM
	if height <= 0 {
		return Estimate{}, fmt.Errorf("%w: aircraft at or below terrain elevation (%.1fm)",
			ErrProjectionOutOfBounds, height)
	}

	// Ray length to the ground plane along the down component.
	s := height / dd
	northM := s * dn
	eastM := s * de

	lat, lon := geodesy.Offset(pose.Lat, pose.Lon, northM, eastM)

	return Estimate{
		Lat:                lat,
		Lon:                lon,
		UncertaintyRadiusM: p.uncertainty(height, obliquity),
		GroundRangeM:       math.Hypot(northM, eastM),
		Extrapolated:       pose.Extrapolated,
	}, nil
}

// uncertainty propagates the configured altitude and attitude errors through
// the projection to first order. The ground offset is h*tan(theta), so the
// altitude term scales with tan(theta) and the attitude term with h/cos^2(theta):
// both grow under oblique viewing.
func (p *Projector) uncertainty(height, obliquity float64) float64 {
	cos := math.Cos(obliquity)
	altTerm := math.Tan(obliquity) * p.altSigmaM
	attTerm := height * p.attSigmaRad / (cos * cos)
	return math.Sqrt(altTerm*altTerm + attTerm*attTerm)
}

// rotationZYX composes the yaw-pitch-roll rotation taking body-frame vectors
// into the world NED frame.
func rotationZYX(yaw, pitch, roll float64) *mat.Dense {
	cy, sy := math.Cos(yaw), math.Sin(yaw)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	cr, sr := math.Cos(roll), math.Sin(roll)

	rz := mat.NewDense(3, 3, []float64{
		cy, -sy, 0,
		sy, cy, 0,
		0, 0, 1,
	})
	ry := mat.NewDense(3, 3, []float64{
		cp, 0, sp,
		0, 1, 0,
		-sp, 0, cp,
	})
	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cr, -sr,
		0, sr, cr,
	})

	var zy, zyx mat.Dense
	zy.Mul(rz, ry)
	zyx.Mul(&zy, rx)
	return &zyx
}
