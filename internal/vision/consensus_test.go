package vision

import (
	"testing"
	"time"

	"github.com/aratta-robotics/groundmark/internal/config"
	"github.com/aratta-robotics/groundmark/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func testArena(t *testing.T) *ClusterArena {
	t.Helper()
	return NewClusterArena(config.EmptyMissionConfig())
}

func candidateAt(frame uint64, x, y int) DetectionCandidate {
	return DetectionCandidate{
		FrameSeq:   frame,
		Timestamp:  time.Unix(int64(frame), 0),
		Box:        BoundingBox{X: x, Y: y, Width: 100, Height: 100},
		Confidence: 0.8,
	}
}

func TestQuorumMajorityVote(t *testing.T) {
	// 3-of-5 quorum over a window containing garbled minority reads.
	arena := testArena(t)

	reads := []string{"ԱԲ", "ԱԲ", "XY", "ԱԲ", "ԶՂ"}
	var confirmedText string
	var confirmations int
	for i, text := range reads {
		conf, ok := arena.Ingest(candidateAt(uint64(i+1), 200, 200), OCRResult{Text: text, Confidence: 0.7})
		if ok {
			confirmations++
			confirmedText = conf.Text
		}
	}

	if confirmations == 0 {
		t.Fatal("expected confirmation after quorum met")
	}
	if confirmedText != "ԱԲ" {
		t.Errorf("confirmed text = %q, want ԱԲ", confirmedText)
	}
}

func TestNoConfirmationBelowQuorum(t *testing.T) {
	arena := testArena(t)

	for i, text := range []string{"ԱԲ", "ԳԴ", "ԵԶ"} {
		if _, ok := arena.Ingest(candidateAt(uint64(i+1), 200, 200), OCRResult{Text: text, Confidence: 0.7}); ok {
			t.Fatalf("unexpected confirmation after read %d with no majority", i+1)
		}
	}
}

func TestConfusableReadsCountTogether(t *testing.T) {
	arena := testArena(t)

	// A misread arrives first, then the correct glyph twice. The fold
	// counts all three toward quorum, but the confirmed label must be the
	// modal raw read, not whichever raw happened to arrive first.
	reads := []string{"Օ", "Ո", "Ո"}
	var got Confirmation
	var ok bool
	for i, text := range reads {
		got, ok = arena.Ingest(candidateAt(uint64(i+1), 200, 200), OCRResult{Text: text, Confidence: 0.6})
	}
	if !ok {
		t.Fatal("expected confusable-folded reads to reach quorum")
	}
	if got.Text != "Ո" {
		t.Errorf("confirmed text = %q, want majority raw Ո", got.Text)
	}
	if got.SymbolID != SymbolID("Ո") {
		t.Errorf("symbol id = %d, want %d", got.SymbolID, SymbolID("Ո"))
	}
}

func TestSpatialSeparationStartsNewCluster(t *testing.T) {
	arena := testArena(t)

	arena.Ingest(candidateAt(1, 100, 100), OCRResult{Text: "Ա", Confidence: 0.7})
	arena.Ingest(candidateAt(2, 900, 900), OCRResult{Text: "Բ", Confidence: 0.7})

	if arena.Len() != 2 {
		t.Errorf("expected 2 clusters for well-separated candidates, got %d", arena.Len())
	}
}

func TestNearbyCandidatesShareCluster(t *testing.T) {
	arena := testArena(t)

	arena.Ingest(candidateAt(1, 200, 200), OCRResult{Text: "Ա", Confidence: 0.7})
	arena.Ingest(candidateAt(2, 215, 190), OCRResult{Text: "Ա", Confidence: 0.7})

	if arena.Len() != 1 {
		t.Errorf("expected nearby candidates to share one cluster, got %d", arena.Len())
	}
}

func TestStaleClusterNotReused(t *testing.T) {
	arena := testArena(t)

	arena.Ingest(candidateAt(1, 200, 200), OCRResult{Text: "Ա", Confidence: 0.7})
	// Default staleness is 15 frames; frame 40 is long past it.
	arena.Ingest(candidateAt(40, 200, 200), OCRResult{Text: "Ա", Confidence: 0.7})

	if arena.Len() != 2 {
		t.Errorf("expected stale cluster to be skipped on assignment, got %d clusters", arena.Len())
	}
}

func TestEvictStale(t *testing.T) {
	arena := testArena(t)

	arena.Ingest(candidateAt(1, 200, 200), OCRResult{Text: "Ա", Confidence: 0.7})
	arena.Ingest(candidateAt(20, 900, 900), OCRResult{Text: "Բ", Confidence: 0.7})

	evicted := arena.EvictStale(40)
	if len(evicted) != 2 {
		t.Fatalf("expected both clusters evicted at frame 40, got %d", len(evicted))
	}
	if arena.Len() != 0 {
		t.Errorf("expected empty arena after eviction, got %d", arena.Len())
	}

	// Fresh clusters survive.
	arena.Ingest(candidateAt(41, 100, 100), OCRResult{Text: "Գ", Confidence: 0.7})
	if got := arena.EvictStale(42); len(got) != 0 {
		t.Errorf("expected no eviction of a fresh cluster, got %d", len(got))
	}
}

func TestConfirmedClusterKeepsExtending(t *testing.T) {
	arena := testArena(t)

	var last Confirmation
	var confirmations int
	for i := 1; i <= 6; i++ {
		conf, ok := arena.Ingest(candidateAt(uint64(i), 200, 200), OCRResult{Text: "Խ", Confidence: 0.8})
		if ok {
			confirmations++
			last = conf
		}
	}

	// Quorum at read 3, then re-emitted on reads 4..6.
	if confirmations != 4 {
		t.Errorf("expected 4 confirmations (initial + 3 refreshes), got %d", confirmations)
	}
	if last.SupportingFrames != 6 {
		t.Errorf("expected 6 supporting frames, got %d", last.SupportingFrames)
	}
	if !last.LastSeen.After(last.FirstSeen) {
		t.Error("expected LastSeen to extend past FirstSeen")
	}
	if last.SymbolID != 12 {
		t.Errorf("expected symbol id 12 for Խ, got %d", last.SymbolID)
	}
}

func TestIngestDeterministic(t *testing.T) {
	// Identical input sequences must produce identical confirmations.
	run := func() []Confirmation {
		arena := testArena(t)
		var out []Confirmation
		inputs := []struct {
			frame uint64
			x, y  int
			text  string
		}{
			{1, 100, 100, "Ա"}, {1, 800, 800, "Բ"},
			{2, 105, 95, "Ա"}, {2, 805, 810, "Բ"},
			{3, 98, 102, "Ա"}, {3, 790, 795, "Բ"},
		}
		for _, in := range inputs {
			if conf, ok := arena.Ingest(candidateAt(in.frame, in.x, in.y), OCRResult{Text: in.text, Confidence: 0.7}); ok {
				out = append(out, conf)
			}
		}
		return out
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("replay produced %d vs %d confirmations", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("confirmation %d differs between identical runs:\n%+v\n%+v", i, a[i], b[i])
		}
	}
}
