// Package registry merges geotagged detections referring to the same physical
// symbol and maintains the confirmed set for persistence.
package registry

import (
	"context"
	"time"

	"github.com/aratta-robotics/groundmark/internal/geodesy"
)

// GeotaggedDetection is a confirmed symbol reading bound to a geodetic
// coordinate. Entries are created at cluster quorum, merged on subsequent
// evidence and never deleted during a mission.
type GeotaggedDetection struct {
	ID        string
	ClusterID uint64

	Text     string
	SymbolID int

	Lat                float64
	Lon                float64
	UncertaintyRadiusM float64
	// LocationConfirmed is false while telemetry loss keeps the entry
	// text-only; a retroactive projection upgrades it in place.
	LocationConfirmed bool

	Confidence       float64
	SupportingFrames int
	FirstSeen        time.Time
	LastSeen         time.Time
}

// LatE7 returns the latitude in the 1e7-scaled integer scoring format.
func (d GeotaggedDetection) LatE7() int64 { return geodesy.ToE7(d.Lat) }

// LonE7 returns the longitude in the 1e7-scaled integer scoring format.
func (d GeotaggedDetection) LonE7() int64 { return geodesy.ToE7(d.Lon) }

// PersistenceSink receives finalized (and optionally incremental) detections.
// Failures are logged by the caller, never fatal to the mission.
type PersistenceSink interface {
	Persist(ctx context.Context, d GeotaggedDetection) error
}
