package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aratta-robotics/groundmark/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "detections.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.MigrateUp("../../migrations"))
	return s
}

func testDetection(id string, cluster uint64) registry.GeotaggedDetection {
	return registry.GeotaggedDetection{
		ID:                 id,
		ClusterID:          cluster,
		Text:               "ԱԲ",
		SymbolID:           0,
		Lat:                40.1792,
		Lon:                44.4991,
		UncertaintyRadiusM: 4.2,
		LocationConfirmed:  true,
		Confidence:         0.87,
		SupportingFrames:   6,
		FirstSeen:          time.Unix(1700000000, 0).UTC(),
		LastSeen:           time.Unix(1700000004, 0).UTC(),
	}
}

func TestPersistAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testDetection("det-a", 1)
	second := testDetection("det-b", 2)
	second.FirstSeen = first.FirstSeen.Add(10 * time.Second)
	second.LastSeen = first.LastSeen.Add(10 * time.Second)

	// Insert out of chronological order; listing must sort by first sighting.
	require.NoError(t, s.Persist(ctx, second))
	require.NoError(t, s.Persist(ctx, first))

	got, err := s.ListDetections(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "det-a", got[0].ID)
	assert.Equal(t, "det-b", got[1].ID)
	assert.Equal(t, "ԱԲ", got[0].Text)
	assert.True(t, got[0].LocationConfirmed)
	assert.Equal(t, first.FirstSeen, got[0].FirstSeen)
	assert.InDelta(t, 40.1792, got[0].Lat, 1e-9)
}

func TestPersistUpsertsByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := testDetection("det-a", 1)
	require.NoError(t, s.Persist(ctx, d))

	d.Lat = 40.1800
	d.SupportingFrames = 12
	d.LastSeen = d.LastSeen.Add(20 * time.Second)
	require.NoError(t, s.Persist(ctx, d))

	got, err := s.ListDetections(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.InDelta(t, 40.1800, got[0].Lat, 1e-9)
	assert.Equal(t, 12, got[0].SupportingFrames)
	assert.Equal(t, d.LastSeen, got[0].LastSeen)
}

func TestSetMissionID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, testDetection("det-a", 1)))
	require.NoError(t, s.SetMissionID(ctx, "mission-42"))

	var mission string
	err := s.QueryRowContext(ctx, `SELECT mission_id FROM detections WHERE id = ?`, "det-a").Scan(&mission)
	require.NoError(t, err)
	assert.Equal(t, "mission-42", mission)

	// Rows already stamped keep their mission id.
	require.NoError(t, s.SetMissionID(ctx, "mission-43"))
	err = s.QueryRowContext(ctx, `SELECT mission_id FROM detections WHERE id = ?`, "det-a").Scan(&mission)
	require.NoError(t, err)
	assert.Equal(t, "mission-42", mission)
}

func TestMigrateVersion(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion("../../migrations")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}
