package mission

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/aratta-robotics/groundmark/internal/config"
	"github.com/aratta-robotics/groundmark/internal/projection"
	"github.com/aratta-robotics/groundmark/internal/registry"
	"github.com/aratta-robotics/groundmark/internal/telemetry"
	"github.com/aratta-robotics/groundmark/internal/timeutil"
	"github.com/aratta-robotics/groundmark/internal/vision"
)

var missionBase = time.Unix(1700000000, 0).UTC()

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }

func missionTestConfig() *config.MissionConfig {
	return &config.MissionConfig{
		ConsensusWindow:              intPtr(5),
		ConsensusQuorum:              intPtr(3),
		TelemetryMaxInterpolationGap: strPtr("2s"),
		TelemetryExtrapolationMargin: strPtr("100ms"),
		TelemetryRetention:           strPtr("60s"),
		StaleRetryWindow:             strPtr("10s"),
		MaxConsecutiveFailures:       intPtr(5),
		FrameQueueDepth:              intPtr(20),
		MinOCRConfidence:             floatPtr(0.3),
	}
}

// scriptedFrames emits a fixed frame sequence, optionally gated until ready
// reports true, then closes the channel like an exhausted replay source.
type scriptedFrames struct {
	frames []*vision.Frame
	ready  func() bool
}

func (s *scriptedFrames) Frames(ctx context.Context) (<-chan *vision.Frame, error) {
	ch := make(chan *vision.Frame)
	go func() {
		defer close(ch)
		for s.ready != nil && !s.ready() {
			select {
			case <-ctx.Done():
				return
			default:
				time.Sleep(time.Millisecond)
			}
		}
		for _, f := range s.frames {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type scriptedTelemetry struct {
	samples []telemetry.Sample
}

func (s *scriptedTelemetry) Samples(ctx context.Context) (<-chan telemetry.Sample, error) {
	ch := make(chan telemetry.Sample)
	go func() {
		defer close(ch)
		for _, smp := range s.samples {
			select {
			case ch <- smp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// scriptedDetector returns one centred candidate per frame, or a fixed error.
type scriptedDetector struct {
	err error
}

func (d *scriptedDetector) Detect(f *vision.Frame) ([]vision.DetectionCandidate, error) {
	if d.err != nil {
		return nil, d.err
	}
	return []vision.DetectionCandidate{{
		FrameSeq:   f.Seq,
		Timestamp:  f.Timestamp,
		Box:        vision.BoundingBox{X: 300, Y: 220, Width: 40, Height: 40},
		Confidence: 0.9,
	}}, nil
}

func (d *scriptedDetector) ExtractRegion(f *vision.Frame, box vision.BoundingBox) image.Image {
	return image.NewGray(image.Rect(0, 0, 8, 8))
}

// flakyDetector alternates a transient fault with a clean pass that finds
// nothing, like a camera recovering between frames over empty terrain.
type flakyDetector struct {
	calls int
}

func (d *flakyDetector) Detect(f *vision.Frame) ([]vision.DetectionCandidate, error) {
	d.calls++
	if d.calls%2 == 1 {
		return nil, errors.New("frame decode fault")
	}
	return nil, nil
}

func (d *flakyDetector) ExtractRegion(f *vision.Frame, box vision.BoundingBox) image.Image {
	return image.NewGray(image.Rect(0, 0, 8, 8))
}

type scriptedOCR struct {
	text string
	conf float64
	err  error
}

func (o *scriptedOCR) Recognize(region image.Image) (vision.OCRResult, error) {
	if o.err != nil {
		return vision.OCRResult{}, o.err
	}
	return vision.OCRResult{Text: o.text, Confidence: o.conf}, nil
}

type recordingSink struct {
	mu        sync.Mutex
	persisted []registry.GeotaggedDetection
	missionID string
}

func (s *recordingSink) Persist(ctx context.Context, d registry.GeotaggedDetection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = append(s.persisted, d)
	return nil
}

func (s *recordingSink) SetMissionID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missionID = id
	return nil
}

func levelSample(t time.Time) telemetry.Sample {
	return telemetry.Sample{
		Timestamp:  t,
		Lat:        40.0,
		Lon:        44.0,
		AltMSL:     100.0,
		FixQuality: 3,
	}
}

func centredFrame(seq uint64, t time.Time) *vision.Frame {
	return &vision.Frame{
		Seq:       seq,
		Timestamp: t,
		Image:     image.NewGray(image.Rect(0, 0, 640, 480)),
	}
}

func TestRunEndToEnd(t *testing.T) {
	var samples []telemetry.Sample
	for i := 0; i <= 10; i++ {
		samples = append(samples, levelSample(missionBase.Add(time.Duration(i) * time.Second)))
	}
	var frames []*vision.Frame
	for i := 0; i < 5; i++ {
		frames = append(frames, centredFrame(uint64(i+1), missionBase.Add(time.Duration(i)*time.Second+500*time.Millisecond)))
	}

	var c *Controller
	frameSrc := &scriptedFrames{
		frames: frames,
		// Hold frames until all telemetry is buffered so pose lookups
		// are deterministic.
		ready: func() bool { return c.buffer.Len() == len(samples) },
	}
	sink := &recordingSink{}
	c, err := NewController(ControllerConfig{
		Frames:     frameSrc,
		Telemetry:  &scriptedTelemetry{samples: samples},
		Detector:   &scriptedDetector{},
		OCR:        &scriptedOCR{text: "Ա", conf: 0.9},
		Sink:       sink,
		Intrinsics: projection.IntrinsicsFromFOV(640, 480, 66),
		Config:     missionTestConfig(),
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := c.Finalized()
	if len(got) != 1 {
		t.Fatalf("expected 1 finalized detection, got %d", len(got))
	}
	d := got[0]
	if d.Text != "Ա" {
		t.Errorf("text = %q, want Ա", d.Text)
	}
	if d.SymbolID != vision.SymbolID("Ա") {
		t.Errorf("symbol id = %d, want %d", d.SymbolID, vision.SymbolID("Ա"))
	}
	if !d.LocationConfirmed {
		t.Errorf("detection not location-confirmed")
	}
	// Centre pixel on a level aircraft projects straight down.
	if math.Abs(d.Lat-40.0) > 1e-6 || math.Abs(d.Lon-44.0) > 1e-6 {
		t.Errorf("position = (%f, %f), want (40, 44)", d.Lat, d.Lon)
	}
	if d.SupportingFrames != 5 {
		t.Errorf("supporting frames = %d, want 5", d.SupportingFrames)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.persisted) != 1 {
		t.Errorf("expected 1 persisted detection, got %d", len(sink.persisted))
	}
	if sink.missionID != c.MissionID() {
		t.Errorf("sink mission id = %q, want %q", sink.missionID, c.MissionID())
	}
}

// A symbol confirmed during a telemetry gap must be geotagged retroactively
// once samples bracketing its timestamp arrive.
func TestLinkLossRetroactiveGeotag(t *testing.T) {
	clock := timeutil.NewMockClock(missionBase)
	c, err := NewController(ControllerConfig{
		Frames:     &scriptedFrames{},
		Telemetry:  &scriptedTelemetry{},
		Detector:   &scriptedDetector{},
		OCR:        &scriptedOCR{text: "Բ", conf: 0.9},
		Intrinsics: projection.IntrinsicsFromFOV(640, 480, 66),
		Config:     missionTestConfig(),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	for i := 0; i <= 2; i++ {
		c.buffer.Append(levelSample(missionBase.Add(time.Duration(i) * time.Second)))
	}

	// Link drops after t=2s; the confirmation lands at t=2.5s with no
	// bracketing sample on the far side.
	conf := vision.Confirmation{
		ClusterID: 1,
		Text:      "Բ",
		SymbolID:  vision.SymbolID("Բ"),
		PixelX:    320, PixelY: 240,
		Timestamp: missionBase.Add(2500 * time.Millisecond),
		FirstSeen: missionBase.Add(500 * time.Millisecond),
		LastSeen:  missionBase.Add(2500 * time.Millisecond),
	}
	c.geolocate(conf)

	if len(c.retries) != 1 {
		t.Fatalf("expected 1 deferred confirmation, got %d", len(c.retries))
	}
	if c.registry.Len() != 0 {
		t.Fatalf("registry should be empty while deferred, has %d", c.registry.Len())
	}

	// Link recovers: a sample at t=3s closes the bracket within the
	// interpolation gap.
	c.buffer.Append(levelSample(missionBase.Add(3 * time.Second)))
	c.retryPending()

	if len(c.retries) != 0 {
		t.Fatalf("retry queue not drained: %d left", len(c.retries))
	}
	got := c.Finalized()
	if len(got) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(got))
	}
	if !got[0].LocationConfirmed {
		t.Errorf("retroactive geotag missing")
	}
	if math.Abs(got[0].Lat-40.0) > 1e-6 || math.Abs(got[0].Lon-44.0) > 1e-6 {
		t.Errorf("position = (%f, %f), want (40, 44)", got[0].Lat, got[0].Lon)
	}
}

// A deferred confirmation whose retry window expires is recorded without a
// location rather than dropped.
func TestStaleRetryWindowExpiry(t *testing.T) {
	clock := timeutil.NewMockClock(missionBase)
	c, err := NewController(ControllerConfig{
		Frames:     &scriptedFrames{},
		Telemetry:  &scriptedTelemetry{},
		Detector:   &scriptedDetector{},
		OCR:        &scriptedOCR{text: "Գ", conf: 0.9},
		Intrinsics: projection.IntrinsicsFromFOV(640, 480, 66),
		Config:     missionTestConfig(),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	conf := vision.Confirmation{
		ClusterID: 7,
		Text:      "Գ",
		SymbolID:  vision.SymbolID("Գ"),
		PixelX:    320, PixelY: 240,
		Timestamp: missionBase,
		FirstSeen: missionBase,
		LastSeen:  missionBase,
	}
	c.geolocate(conf)
	if len(c.retries) != 1 {
		t.Fatalf("expected 1 deferred confirmation, got %d", len(c.retries))
	}

	clock.Advance(11 * time.Second)
	c.retryPending()

	if len(c.retries) != 0 {
		t.Fatalf("retry queue not drained: %d left", len(c.retries))
	}
	got := c.Finalized()
	if len(got) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(got))
	}
	if got[0].LocationConfirmed {
		t.Errorf("expired confirmation should be location-unconfirmed")
	}
	if got[0].Text != "Գ" {
		t.Errorf("text = %q, want Գ", got[0].Text)
	}
}

func TestAbortOnConsecutiveFailures(t *testing.T) {
	var frames []*vision.Frame
	for i := 0; i < 10; i++ {
		frames = append(frames, centredFrame(uint64(i+1), missionBase.Add(time.Duration(i)*time.Second)))
	}
	sink := &recordingSink{}
	c, err := NewController(ControllerConfig{
		Frames:     &scriptedFrames{frames: frames},
		Telemetry:  &scriptedTelemetry{},
		Detector:   &scriptedDetector{err: errors.New("camera fault")},
		OCR:        &scriptedOCR{text: "Ա", conf: 0.9},
		Sink:       sink,
		Intrinsics: projection.IntrinsicsFromFOV(640, 480, 66),
		Config:     missionTestConfig(),
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	err = c.Run(context.Background())
	if !errors.Is(err, ErrMissionAborted) {
		t.Fatalf("Run error = %v, want ErrMissionAborted", err)
	}

	// Abort still stamps the sink so partial missions are inspectable.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.missionID != c.MissionID() {
		t.Errorf("sink not stamped on abort")
	}
}

// Detector faults interleaved with clean passes that find no candidates must
// not accumulate into an abort; only consecutive failures count, and a clean
// pass resets the streak whether or not it produced candidates.
func TestSporadicDetectFailuresDoNotAbort(t *testing.T) {
	c, err := NewController(ControllerConfig{
		Frames:     &scriptedFrames{},
		Telemetry:  &scriptedTelemetry{},
		Detector:   &flakyDetector{},
		OCR:        &scriptedOCR{text: "Ա", conf: 0.9},
		Intrinsics: projection.IntrinsicsFromFOV(640, 480, 66),
		Config:     missionTestConfig(),
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		f := centredFrame(uint64(i+1), missionBase.Add(time.Duration(i)*time.Second))
		if err := c.processFrame(f); err != nil {
			t.Fatalf("processFrame aborted on sporadic failure at frame %d: %v", i+1, err)
		}
	}
}

func TestLowConfidenceReadsNeverEnterConsensus(t *testing.T) {
	c, err := NewController(ControllerConfig{
		Frames:     &scriptedFrames{},
		Telemetry:  &scriptedTelemetry{},
		Detector:   &scriptedDetector{},
		OCR:        &scriptedOCR{text: "Ա", conf: 0.1},
		Intrinsics: projection.IntrinsicsFromFOV(640, 480, 66),
		Config:     missionTestConfig(),
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		f := centredFrame(uint64(i+1), missionBase.Add(time.Duration(i)*time.Second))
		if err := c.processFrame(f); err != nil {
			t.Fatalf("processFrame failed: %v", err)
		}
	}
	if c.arena.Len() != 0 {
		t.Errorf("low-confidence reads created %d clusters", c.arena.Len())
	}
	if c.registry.Len() != 0 {
		t.Errorf("low-confidence reads produced detections")
	}
}

func TestTransientRecognitionUnavailableSkipsCandidate(t *testing.T) {
	c, err := NewController(ControllerConfig{
		Frames:     &scriptedFrames{},
		Telemetry:  &scriptedTelemetry{},
		Detector:   &scriptedDetector{},
		OCR:        &scriptedOCR{err: vision.ErrRecognitionUnavailable},
		Intrinsics: projection.IntrinsicsFromFOV(640, 480, 66),
		Config:     missionTestConfig(),
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	// Below the failure limit the mission keeps running.
	for i := 0; i < 5; i++ {
		f := centredFrame(uint64(i+1), missionBase.Add(time.Duration(i)*time.Second))
		if err := c.processFrame(f); err != nil {
			t.Fatalf("processFrame failed on transient error: %v", err)
		}
	}
	// One more pushes the streak past the limit of 5.
	f := centredFrame(6, missionBase.Add(5*time.Second))
	if err := c.processFrame(f); !errors.Is(err, ErrMissionAborted) {
		t.Errorf("processFrame error = %v, want ErrMissionAborted", err)
	}
}
