package vision

import (
	"math"
	"sort"
	"time"

	"github.com/aratta-robotics/groundmark/internal/config"
	"github.com/aratta-robotics/groundmark/internal/monitoring"
)

// centroidSmoothing is the EMA weight of the newest observation when updating
// a cluster's image-space centroid.
const centroidSmoothing = 0.3

// ocrRead is one recognition attempt retained in a cluster's voting window.
type ocrRead struct {
	text       string
	confidence float64
}

// ClusterState tracks one suspected physical symbol across frames. Clusters
// live in an arena keyed by a stable integer id and are evicted explicitly
// once stale.
type ClusterState struct {
	ID uint64

	// Voting window, newest last, capped at the configured window size.
	reads []ocrRead

	CentroidX float64
	CentroidY float64

	FirstSeen     time.Time
	LastSeen      time.Time
	LastSeenFrame uint64

	// SupportingFrames counts every frame that contributed a read.
	SupportingFrames int

	Confirmed     bool
	ConfirmedText string
}

// Confirmation is emitted when a cluster's voting window reaches quorum, and
// again on each subsequent read that keeps a confirmed cluster alive so the
// registry can extend its record.
type Confirmation struct {
	ClusterID        uint64
	Text             string
	SymbolID         int
	PixelX           float64
	PixelY           float64
	FrameSeq         uint64
	Timestamp        time.Time
	Confidence       float64
	SupportingFrames int
	FirstSeen        time.Time
	LastSeen         time.Time
}

// ClusterArena is the OCR consensus engine. It assigns per-frame candidates to
// spatial clusters and confirms a cluster's label once the modal text (after
// confusable-glyph folding) reaches quorum within the sliding window.
//
// The arena is not safe for concurrent use; the fusion worker is its single
// owner.
type ClusterArena struct {
	clusters map[uint64]*ClusterState
	nextID   uint64

	window          int
	quorum          int
	pixelThreshold  float64
	stalenessFrames uint64
}

// NewClusterArena builds an arena from the mission configuration.
func NewClusterArena(cfg *config.MissionConfig) *ClusterArena {
	return &ClusterArena{
		clusters:        make(map[uint64]*ClusterState),
		nextID:          1,
		window:          cfg.GetConsensusWindow(),
		quorum:          cfg.GetConsensusQuorum(),
		pixelThreshold:  cfg.GetClusterPixelDistanceThreshold(),
		stalenessFrames: uint64(cfg.GetClusterStalenessFrames()),
	}
}

// Ingest maps the candidate into a cluster, appends the OCR read to its voting
// window and reports a Confirmation when quorum is met. Already confirmed
// clusters re-emit on every read so first/last-seen and supporting-frame
// counts keep extending; the registry deduplicates downstream.
func (a *ClusterArena) Ingest(cand DetectionCandidate, res OCRResult) (Confirmation, bool) {
	cx, cy := cand.Box.Center()
	cluster := a.assign(cx, cy, cand.FrameSeq)

	if cluster == nil {
		cluster = &ClusterState{
			ID:        a.nextID,
			FirstSeen: cand.Timestamp,
			CentroidX: cx,
			CentroidY: cy,
		}
		a.nextID++
		a.clusters[cluster.ID] = cluster
		monitoring.Debugf("consensus: new cluster %d at (%.0f,%.0f) frame=%d",
			cluster.ID, cx, cy, cand.FrameSeq)
	} else {
		cluster.CentroidX += centroidSmoothing * (cx - cluster.CentroidX)
		cluster.CentroidY += centroidSmoothing * (cy - cluster.CentroidY)
	}

	cluster.LastSeen = cand.Timestamp
	cluster.LastSeenFrame = cand.FrameSeq
	cluster.SupportingFrames++

	cluster.reads = append(cluster.reads, ocrRead{text: res.Text, confidence: res.Confidence})
	if len(cluster.reads) > a.window {
		cluster.reads = cluster.reads[len(cluster.reads)-a.window:]
	}

	text, votes, confidence := modalText(cluster.reads)
	if !cluster.Confirmed {
		if votes < a.quorum {
			return Confirmation{}, false
		}
		cluster.Confirmed = true
		cluster.ConfirmedText = text
		monitoring.Logf("consensus: cluster %d confirmed %q (%d/%d votes) frame=%d",
			cluster.ID, text, votes, len(cluster.reads), cand.FrameSeq)
	}

	return Confirmation{
		ClusterID:        cluster.ID,
		Text:             cluster.ConfirmedText,
		SymbolID:         SymbolID(cluster.ConfirmedText),
		PixelX:           cluster.CentroidX,
		PixelY:           cluster.CentroidY,
		FrameSeq:         cand.FrameSeq,
		Timestamp:        cand.Timestamp,
		Confidence:       confidence,
		SupportingFrames: cluster.SupportingFrames,
		FirstSeen:        cluster.FirstSeen,
		LastSeen:         cluster.LastSeen,
	}, true
}

// assign returns the nearest live cluster within the pixel threshold, or nil.
// Iteration is ordered by id so identical inputs always produce identical
// assignments.
func (a *ClusterArena) assign(cx, cy float64, frameSeq uint64) *ClusterState {
	ids := make([]uint64, 0, len(a.clusters))
	for id := range a.clusters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var best *ClusterState
	bestDist := a.pixelThreshold
	for _, id := range ids {
		c := a.clusters[id]
		if frameSeq > c.LastSeenFrame && frameSeq-c.LastSeenFrame > a.stalenessFrames {
			continue
		}
		d := math.Hypot(cx-c.CentroidX, cy-c.CentroidY)
		if d <= bestDist {
			best = c
			bestDist = d
		}
	}
	return best
}

// EvictStale removes clusters not updated within the staleness window ending
// at frameSeq and returns the evicted states for inspection.
func (a *ClusterArena) EvictStale(frameSeq uint64) []*ClusterState {
	var evicted []*ClusterState
	for id, c := range a.clusters {
		if frameSeq > c.LastSeenFrame && frameSeq-c.LastSeenFrame > a.stalenessFrames {
			evicted = append(evicted, c)
			delete(a.clusters, id)
		}
	}
	if len(evicted) > 0 {
		sort.Slice(evicted, func(i, j int) bool { return evicted[i].ID < evicted[j].ID })
		monitoring.Debugf("consensus: evicted %d stale clusters at frame %d", len(evicted), frameSeq)
	}
	return evicted
}

// Len returns the number of live clusters.
func (a *ClusterArena) Len() int { return len(a.clusters) }

// modalText tallies the window votes after confusable folding and returns the
// modal raw text within the winning folded group, its folded vote count and
// its mean confidence. Ties break toward the higher total confidence, then
// lexicographically for determinism.
func modalText(reads []ocrRead) (string, int, float64) {
	type tally struct {
		votes    int
		conf     float64
		rawVotes map[string]int
		rawConf  map[string]float64
	}
	counts := make(map[string]*tally)
	for _, r := range reads {
		if r.text == "" {
			continue
		}
		key := FoldConfusables(r.text)
		t, ok := counts[key]
		if !ok {
			t = &tally{
				rawVotes: make(map[string]int),
				rawConf:  make(map[string]float64),
			}
			counts[key] = t
		}
		t.votes++
		t.conf += r.confidence
		t.rawVotes[r.text]++
		t.rawConf[r.text] += r.confidence
	}

	var best *tally
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := counts[k]
		if best == nil || t.votes > best.votes || (t.votes == best.votes && t.conf > best.conf) {
			best = t
		}
	}
	if best == nil {
		return "", 0, 0
	}

	// Folding decides the winning group; the reported label is the modal
	// raw read within it, so a majority of correct glyphs is never
	// outvoted by an earlier misread.
	raws := make([]string, 0, len(best.rawVotes))
	for raw := range best.rawVotes {
		raws = append(raws, raw)
	}
	sort.Strings(raws)
	var text string
	for _, raw := range raws {
		if text == "" ||
			best.rawVotes[raw] > best.rawVotes[text] ||
			(best.rawVotes[raw] == best.rawVotes[text] && best.rawConf[raw] > best.rawConf[text]) {
			text = raw
		}
	}
	return text, best.votes, best.conf / float64(best.votes)
}
