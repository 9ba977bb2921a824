package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/aratta-robotics/groundmark/internal/config"
	"github.com/aratta-robotics/groundmark/internal/geodesy"
	"github.com/aratta-robotics/groundmark/internal/monitoring"
)

// Registry holds the mission's confirmed detections and merges new evidence
// into existing entries. The same-symbol rule: great-circle distance within
// the merge radius AND text edit distance within tolerance. The registry never
// holds two entries violating this rule simultaneously.
type Registry struct {
	mu      sync.Mutex
	entries []*GeotaggedDetection

	mergeRadiusM float64
	editTol      int
}

// NewRegistry builds a registry from the mission configuration.
func NewRegistry(cfg *config.MissionConfig) *Registry {
	return &Registry{
		mergeRadiusM: cfg.GetMergeRadiusM(),
		editTol:      cfg.GetTextEditDistanceTolerance(),
	}
}

// Merge folds the detection into a matching entry or inserts a new one.
// Matched positions combine as a weighted average, weight proportional to
// supporting frames and inverse uncertainty; timestamps and frame counts
// extend. Location-unconfirmed inputs match by cluster identity only.
func (r *Registry) Merge(d GeotaggedDetection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	entry := r.findMatch(d)
	if entry == nil {
		copied := d
		r.entries = append(r.entries, &copied)
		monitoring.Debugf("registry: new entry %q cluster=%d located=%v",
			d.Text, d.ClusterID, d.LocationConfirmed)
		return
	}

	r.mergeInto(entry, d)
	r.cascade(entry)
}

// cascade re-checks a just-moved entry against the rest of the registry: a
// weighted-average merge shifts the entry's position, which can bring a
// previously separate entry inside the merge radius. Absorb any such entry and
// repeat until the same-symbol rule holds across the registry again.
func (r *Registry) cascade(e *GeotaggedDetection) {
	for {
		other := r.sameSymbolNeighbor(e)
		if other == nil {
			return
		}
		monitoring.Logf("registry: merge moved %q cluster=%d within range of cluster=%d, absorbing",
			e.Text, e.ClusterID, other.ClusterID)
		r.mergeInto(e, *other)
		r.remove(other)
	}
}

// sameSymbolNeighbor returns another located entry that satisfies the
// same-symbol rule against e, or nil.
func (r *Registry) sameSymbolNeighbor(e *GeotaggedDetection) *GeotaggedDetection {
	if !e.LocationConfirmed {
		return nil
	}
	for _, o := range r.entries {
		if o == e || !o.LocationConfirmed {
			continue
		}
		dist := geodesy.HaversineM(e.Lat, e.Lon, o.Lat, o.Lon)
		if dist <= r.mergeRadiusM && editDistance(e.Text, o.Text) <= r.editTol {
			return o
		}
	}
	return nil
}

func (r *Registry) remove(e *GeotaggedDetection) {
	for i, o := range r.entries {
		if o == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// findMatch returns the existing entry the detection belongs to, or nil.
func (r *Registry) findMatch(d GeotaggedDetection) *GeotaggedDetection {
	for _, e := range r.entries {
		// Same cluster is always the same physical symbol, located or not.
		if e.ClusterID == d.ClusterID {
			return e
		}
	}
	if !d.LocationConfirmed {
		return nil
	}
	for _, e := range r.entries {
		if !e.LocationConfirmed {
			continue
		}
		dist := geodesy.HaversineM(e.Lat, e.Lon, d.Lat, d.Lon)
		if dist <= r.mergeRadiusM && editDistance(e.Text, d.Text) <= r.editTol {
			return e
		}
	}
	return nil
}

func (r *Registry) mergeInto(e *GeotaggedDetection, d GeotaggedDetection) {
	switch {
	case d.LocationConfirmed && e.LocationConfirmed:
		we := weight(e.SupportingFrames, e.UncertaintyRadiusM)
		wd := weight(d.SupportingFrames, d.UncertaintyRadiusM)
		weights := []float64{we, wd}
		e.Lat = stat.Mean([]float64{e.Lat, d.Lat}, weights)
		e.Lon = stat.Mean([]float64{e.Lon, d.Lon}, weights)
		if d.UncertaintyRadiusM < e.UncertaintyRadiusM {
			e.UncertaintyRadiusM = d.UncertaintyRadiusM
		}
	case d.LocationConfirmed:
		// Retroactive upgrade of a link-loss entry.
		e.Lat = d.Lat
		e.Lon = d.Lon
		e.UncertaintyRadiusM = d.UncertaintyRadiusM
		e.LocationConfirmed = true
		monitoring.Logf("registry: entry %q cluster=%d retroactively located at %.6f,%.6f",
			e.Text, e.ClusterID, e.Lat, e.Lon)
	}

	if d.Confidence > e.Confidence {
		e.Confidence = d.Confidence
	}
	if e.ClusterID == d.ClusterID {
		// Refresh from the same cluster carries a cumulative count.
		if d.SupportingFrames > e.SupportingFrames {
			e.SupportingFrames = d.SupportingFrames
		}
	} else {
		// Independent sightings of one physical symbol add up.
		e.SupportingFrames += d.SupportingFrames
	}
	if d.FirstSeen.Before(e.FirstSeen) {
		e.FirstSeen = d.FirstSeen
	}
	if d.LastSeen.After(e.LastSeen) {
		e.LastSeen = d.LastSeen
	}
	if e.SymbolID < 0 && d.SymbolID >= 0 {
		e.SymbolID = d.SymbolID
	}
}

// weight scores a detection's positional evidence: more supporting frames and
// tighter uncertainty pull the merged coordinate toward it.
func weight(frames int, uncertaintyM float64) float64 {
	if frames < 1 {
		frames = 1
	}
	if uncertaintyM < 0.1 {
		uncertaintyM = 0.1
	}
	return float64(frames) / uncertaintyM
}

// Len returns the number of registry entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Finalized returns copies of all entries ordered by first sighting, for
// external persistence at mission end.
func (r *Registry) Finalized() []GeotaggedDetection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]GeotaggedDetection, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ClusterID < out[j].ClusterID
	})
	return out
}
