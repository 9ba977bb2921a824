// Package mission runs the detection-to-geolocation pipeline: a frame
// producer and a telemetry producer feed bounded channels into a single
// fusion worker that owns the cluster arena and the detection registry.
package mission

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aratta-robotics/groundmark/internal/config"
	"github.com/aratta-robotics/groundmark/internal/monitoring"
	"github.com/aratta-robotics/groundmark/internal/projection"
	"github.com/aratta-robotics/groundmark/internal/registry"
	"github.com/aratta-robotics/groundmark/internal/telemetry"
	"github.com/aratta-robotics/groundmark/internal/timeutil"
	"github.com/aratta-robotics/groundmark/internal/vision"
)

// ErrMissionAborted is returned by Run when the consecutive detector/OCR
// failure limit is exceeded and the mission self-terminates.
var ErrMissionAborted = errors.New("mission: consecutive failure limit exceeded")

// FrameSource produces the camera frame stream. The channel closes when the
// source is exhausted (replay) or the context is cancelled.
type FrameSource interface {
	Frames(ctx context.Context) (<-chan *vision.Frame, error)
}

// SymbolDetector is what the fusion worker needs from the vision stage:
// candidate regions plus the padded crop handed to recognition.
type SymbolDetector interface {
	Detect(frame *vision.Frame) ([]vision.DetectionCandidate, error)
	ExtractRegion(frame *vision.Frame, box vision.BoundingBox) image.Image
}

// missionStamper is implemented by sinks that can tag persisted rows with the
// mission run id at flush time.
type missionStamper interface {
	SetMissionID(ctx context.Context, missionID string) error
}

// ControllerConfig wires the pipeline stages into a Controller.
type ControllerConfig struct {
	Frames     FrameSource
	Telemetry  telemetry.Source
	Detector   SymbolDetector
	OCR        vision.OCRBackend
	Sink       registry.PersistenceSink
	Intrinsics projection.Intrinsics
	Config     *config.MissionConfig
	Clock      timeutil.Clock

	// MissionID tags persisted detections. A random id is generated when
	// empty.
	MissionID string
}

// pendingConfirmation is a confirmed symbol waiting for telemetry to recover.
// If no pose arrives before the deadline it is recorded without a location.
type pendingConfirmation struct {
	conf     vision.Confirmation
	deadline time.Time
}

// Controller owns the mission lifecycle. Construct with NewController, run
// once with Run; it is not reusable.
type Controller struct {
	frames    FrameSource
	telemetry telemetry.Source
	detector  SymbolDetector
	ocr       vision.OCRBackend
	sink      registry.PersistenceSink
	clock     timeutil.Clock
	cfg       *config.MissionConfig

	missionID string

	arena     *vision.ClusterArena
	buffer    *telemetry.SampleBuffer
	sync      *telemetry.Synchronizer
	projector *projection.Projector
	registry  *registry.Registry

	frameQueue    chan *vision.Frame
	telemetryTick chan struct{}

	retries          []pendingConfirmation
	detectStreak     int
	ocrStreak        int
	maxFailureStreak int

	framesProcessed int
	framesDropped   atomic.Int64
	minOCRConf      float64
}

// NewController assembles the pipeline from the mission configuration.
func NewController(cc ControllerConfig) (*Controller, error) {
	if cc.Frames == nil || cc.Telemetry == nil {
		return nil, fmt.Errorf("mission: frame and telemetry sources are required")
	}
	if cc.Detector == nil || cc.OCR == nil {
		return nil, fmt.Errorf("mission: detector and OCR backend are required")
	}
	clock := cc.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	missionID := cc.MissionID
	if missionID == "" {
		missionID = uuid.NewString()
	}

	buf := telemetry.NewSampleBuffer(cc.Config.GetTelemetryRetention())
	return &Controller{
		frames:    cc.Frames,
		telemetry: cc.Telemetry,
		detector:  cc.Detector,
		ocr:       cc.OCR,
		sink:      cc.Sink,
		clock:     clock,
		cfg:       cc.Config,
		missionID: missionID,

		arena:     vision.NewClusterArena(cc.Config),
		buffer:    buf,
		sync:      telemetry.NewSynchronizer(buf, cc.Config),
		projector: projection.NewProjector(cc.Intrinsics, cc.Config),
		registry:  registry.NewRegistry(cc.Config),

		frameQueue:       make(chan *vision.Frame, cc.Config.GetFrameQueueDepth()),
		telemetryTick:    make(chan struct{}, 1),
		maxFailureStreak: cc.Config.GetMaxConsecutiveFailures(),
		minOCRConf:       cc.Config.GetMinOCRConfidence(),
	}, nil
}

// MissionID returns the id persisted detections will be stamped with.
func (c *Controller) MissionID() string { return c.missionID }

// Run executes the mission until the context is cancelled, the frame stream
// ends, or the failure limit aborts it. The registry is always flushed to the
// sink before returning, whatever the cause of termination.
func (c *Controller) Run(ctx context.Context) error {
	monitoring.Logf("mission %s: starting", c.missionID)

	frameCh, err := c.frames.Frames(ctx)
	if err != nil {
		return fmt.Errorf("mission: opening frame source: %w", err)
	}
	sampleCh, err := c.telemetry.Samples(ctx)
	if err != nil {
		return fmt.Errorf("mission: opening telemetry source: %w", err)
	}

	producerCtx, stopProducers := context.WithCancel(ctx)
	defer stopProducers()

	done := make(chan struct{})
	go c.pumpTelemetry(producerCtx, sampleCh)
	go func() {
		defer close(done)
		c.pumpFrames(producerCtx, frameCh)
	}()

	runErr := c.fuse(ctx, done)

	stopProducers()
	c.resolvePending(true)
	c.flush()

	monitoring.Logf("mission %s: finished, %d frames processed, %d dropped, %d detections",
		c.missionID, c.framesProcessed, c.framesDropped.Load(), c.registry.Len())
	return runErr
}

// pumpTelemetry validates samples and appends them to the buffer, nudging the
// fusion worker so deferred confirmations get retried as soon as telemetry
// recovers.
func (c *Controller) pumpTelemetry(ctx context.Context, samples <-chan telemetry.Sample) {
	minFix := c.cfg.GetMinFixQuality()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			if err := s.Validate(minFix); err != nil {
				monitoring.Debugf("mission: rejected sample: %v", err)
				continue
			}
			c.buffer.Append(s)
			select {
			case c.telemetryTick <- struct{}{}:
			default:
			}
		}
	}
}

// pumpFrames forwards frames into the bounded queue, shedding the oldest
// queued frame when full so the worker always sees the freshest imagery.
func (c *Controller) pumpFrames(ctx context.Context, frames <-chan *vision.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			select {
			case c.frameQueue <- f:
				continue
			default:
			}
			select {
			case dropped := <-c.frameQueue:
				c.framesDropped.Add(1)
				monitoring.Debugf("mission: queue full, dropped frame %d", dropped.Seq)
			default:
			}
			select {
			case c.frameQueue <- f:
			default:
				c.framesDropped.Add(1)
			}
		}
	}
}

// fuse is the single-owner worker loop over the arena and registry.
func (c *Controller) fuse(ctx context.Context, framesDone <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.telemetryTick:
			c.retryPending()
		case f := <-c.frameQueue:
			if err := c.processFrame(f); err != nil {
				return err
			}
			c.retryPending()
		case <-framesDone:
			// Drain whatever the producer queued before it stopped.
			for {
				select {
				case f := <-c.frameQueue:
					if err := c.processFrame(f); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// processFrame runs detect -> OCR -> consensus -> geolocate for one frame.
func (c *Controller) processFrame(f *vision.Frame) error {
	c.framesProcessed++

	candidates, err := c.detector.Detect(f)
	if err != nil {
		monitoring.Logf("mission: frame %d detection failed: %v", f.Seq, err)
		c.detectStreak++
		return c.checkStreak(c.detectStreak)
	}
	// A clean detect pass is a healthy detector, candidates or not.
	c.detectStreak = 0

	for _, cand := range candidates {
		region := c.detector.ExtractRegion(f, cand.Box)
		res, err := c.ocr.Recognize(region)
		if err != nil {
			if errors.Is(err, vision.ErrRecognitionUnavailable) {
				monitoring.Debugf("mission: frame %d OCR unavailable: %v", f.Seq, err)
			} else {
				monitoring.Logf("mission: frame %d OCR failed: %v", f.Seq, err)
			}
			c.ocrStreak++
			if err := c.checkStreak(c.ocrStreak); err != nil {
				return err
			}
			continue
		}
		c.ocrStreak = 0

		if res.Text == "" || res.Confidence < c.minOCRConf {
			continue
		}

		conf, ok := c.arena.Ingest(cand, res)
		if !ok {
			continue
		}
		c.geolocate(conf)
	}

	c.arena.EvictStale(f.Seq)
	return nil
}

// checkStreak aborts the mission when a consecutive-failure streak exceeds
// the configured limit. Detector and OCR failures are tracked separately so a
// healthy stage never masks a persistently failing one.
func (c *Controller) checkStreak(streak int) error {
	if streak > c.maxFailureStreak {
		monitoring.Logf("mission %s: aborting after %d consecutive failures",
			c.missionID, streak)
		return ErrMissionAborted
	}
	return nil
}

// geolocate projects a confirmation and merges it into the registry. Stale
// telemetry defers the confirmation into the retry queue instead of losing it.
func (c *Controller) geolocate(conf vision.Confirmation) {
	pose, err := c.sync.PoseAt(conf.Timestamp)
	if err != nil {
		if errors.Is(err, telemetry.ErrStaleTelemetry) {
			c.deferConfirmation(conf)
			return
		}
		monitoring.Logf("mission: cluster %d pose lookup failed at %v: %v",
			conf.ClusterID, conf.Timestamp, err)
		c.merge(conf, nil)
		return
	}

	est, err := c.projector.Project(conf.PixelX, conf.PixelY, pose)
	if err != nil {
		monitoring.Logf("mission: cluster %d projection failed at %v: %v",
			conf.ClusterID, conf.Timestamp, err)
		c.merge(conf, nil)
		return
	}
	c.merge(conf, &est)
}

// deferConfirmation queues a confirmation for retry once telemetry recovers. A newer
// confirmation for the same cluster replaces the queued one.
func (c *Controller) deferConfirmation(conf vision.Confirmation) {
	deadline := c.clock.Now().Add(c.cfg.GetStaleRetryWindow())
	for i := range c.retries {
		if c.retries[i].conf.ClusterID == conf.ClusterID {
			c.retries[i] = pendingConfirmation{conf: conf, deadline: deadline}
			return
		}
	}
	monitoring.Logf("mission: cluster %d confirmed %q but telemetry stale, deferring",
		conf.ClusterID, conf.Text)
	c.retries = append(c.retries, pendingConfirmation{conf: conf, deadline: deadline})
}

// retryPending re-attempts deferred confirmations; expired ones are recorded
// without a location.
func (c *Controller) retryPending() {
	if len(c.retries) == 0 {
		return
	}
	now := c.clock.Now()
	remaining := c.retries[:0]
	for _, p := range c.retries {
		pose, err := c.sync.PoseAt(p.conf.Timestamp)
		if err == nil {
			monitoring.Logf("mission: cluster %d recovered pose for %q, geotagging retroactively",
				p.conf.ClusterID, p.conf.Text)
			if est, perr := c.projector.Project(p.conf.PixelX, p.conf.PixelY, pose); perr == nil {
				c.merge(p.conf, &est)
			} else {
				c.merge(p.conf, nil)
			}
			continue
		}
		if now.After(p.deadline) {
			monitoring.Logf("mission: cluster %d retry window expired, recording %q without location",
				p.conf.ClusterID, p.conf.Text)
			c.merge(p.conf, nil)
			continue
		}
		remaining = append(remaining, p)
	}
	c.retries = remaining
}

// resolvePending makes a final pass over the retry queue at shutdown. With
// force set, confirmations that still have no pose are recorded without a
// location rather than discarded.
func (c *Controller) resolvePending(force bool) {
	c.retryPending()
	if !force {
		return
	}
	for _, p := range c.retries {
		monitoring.Logf("mission: cluster %d unresolved at shutdown, recording %q without location",
			p.conf.ClusterID, p.conf.Text)
		c.merge(p.conf, nil)
	}
	c.retries = nil
}

// merge converts a confirmation (plus optional location) into a registry
// record. A nil estimate records a location-unconfirmed detection that the
// registry upgrades in place if a position arrives later.
func (c *Controller) merge(conf vision.Confirmation, est *projection.Estimate) {
	d := registry.GeotaggedDetection{
		ClusterID:        conf.ClusterID,
		Text:             conf.Text,
		SymbolID:         conf.SymbolID,
		Confidence:       conf.Confidence,
		SupportingFrames: conf.SupportingFrames,
		FirstSeen:        conf.FirstSeen,
		LastSeen:         conf.LastSeen,
	}
	if est != nil {
		d.Lat = est.Lat
		d.Lon = est.Lon
		d.UncertaintyRadiusM = est.UncertaintyRadiusM
		d.LocationConfirmed = true
	}
	c.registry.Merge(d)
}

// flush persists the finalized registry to the sink and stamps the rows with
// the mission id. Persistence errors are logged, never fatal.
func (c *Controller) flush() {
	if c.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, d := range c.registry.Finalized() {
		if err := c.sink.Persist(ctx, d); err != nil {
			monitoring.Logf("mission: persisting detection %s: %v", d.ID, err)
		}
	}
	if stamper, ok := c.sink.(missionStamper); ok {
		if err := stamper.SetMissionID(ctx, c.missionID); err != nil {
			monitoring.Logf("mission: stamping mission id: %v", err)
		}
	}
}

// Finalized exposes the registry contents, primarily for the replay CLI to
// print a mission summary.
func (c *Controller) Finalized() []registry.GeotaggedDetection {
	return c.registry.Finalized()
}
