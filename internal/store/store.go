// Package store persists geotagged detections to SQLite. Persistence failures
// are surfaced to the caller for logging but are never fatal to the mission.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aratta-robotics/groundmark/internal/registry"
)

// Store wraps the detections database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the detections database at path. Schema is
// managed by migrations; call MigrateUp before first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting pragmas: %w", err)
	}
	return &Store{db}, nil
}

// Persist upserts one detection keyed by its registry id, so incremental
// writes during the mission and the final flush converge on one row per entry.
func (s *Store) Persist(ctx context.Context, d registry.GeotaggedDetection) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO detections (
			id, mission_id, cluster_id, text, symbol_id,
			lat, lon, lat_e7, lon_e7, uncertainty_radius_m,
			location_confirmed, confidence, supporting_frames,
			first_seen_unix_nanos, last_seen_unix_nanos
		) VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lat                   = excluded.lat,
			lon                   = excluded.lon,
			lat_e7                = excluded.lat_e7,
			lon_e7                = excluded.lon_e7,
			uncertainty_radius_m  = excluded.uncertainty_radius_m,
			location_confirmed    = excluded.location_confirmed,
			confidence            = excluded.confidence,
			supporting_frames     = excluded.supporting_frames,
			last_seen_unix_nanos  = excluded.last_seen_unix_nanos
	`,
		d.ID, d.ClusterID, d.Text, d.SymbolID,
		d.Lat, d.Lon, d.LatE7(), d.LonE7(), d.UncertaintyRadiusM,
		d.LocationConfirmed, d.Confidence, d.SupportingFrames,
		d.FirstSeen.UnixNano(), d.LastSeen.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: persisting detection %s: %w", d.ID, err)
	}
	return nil
}

// SetMissionID stamps all rows missing a mission id. Called once at flush so
// replayed missions stay distinguishable.
func (s *Store) SetMissionID(ctx context.Context, missionID string) error {
	_, err := s.ExecContext(ctx, `UPDATE detections SET mission_id = ? WHERE mission_id = ''`, missionID)
	if err != nil {
		return fmt.Errorf("store: stamping mission id: %w", err)
	}
	return nil
}

// ListDetections returns all persisted detections ordered by first sighting.
func (s *Store) ListDetections(ctx context.Context) ([]registry.GeotaggedDetection, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, cluster_id, text, symbol_id, lat, lon,
		       uncertainty_radius_m, location_confirmed, confidence,
		       supporting_frames, first_seen_unix_nanos, last_seen_unix_nanos
		FROM detections
		ORDER BY first_seen_unix_nanos ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: listing detections: %w", err)
	}
	defer rows.Close()

	var out []registry.GeotaggedDetection
	for rows.Next() {
		var d registry.GeotaggedDetection
		var first, last int64
		if err := rows.Scan(
			&d.ID, &d.ClusterID, &d.Text, &d.SymbolID, &d.Lat, &d.Lon,
			&d.UncertaintyRadiusM, &d.LocationConfirmed, &d.Confidence,
			&d.SupportingFrames, &first, &last,
		); err != nil {
			return nil, fmt.Errorf("store: scanning detection: %w", err)
		}
		d.FirstSeen = time.Unix(0, first).UTC()
		d.LastSeen = time.Unix(0, last).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

var _ registry.PersistenceSink = (*Store)(nil)
