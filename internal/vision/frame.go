// Package vision contains the image side of the pipeline: per-frame symbol
// detection, OCR of candidate regions and the cross-frame consensus engine
// that turns noisy reads into confirmed symbol labels.
package vision

import (
	"image"
	"time"
)

// Frame is a single captured image with its acquisition metadata. Frames are
// immutable once produced; pipeline stages never modify the pixel buffer.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

// BoundingBox is an axis-aligned pixel rectangle.
type BoundingBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Center returns the centre of the box in pixel coordinates.
func (b BoundingBox) Center() (float64, float64) {
	return float64(b.X) + float64(b.Width)/2, float64(b.Y) + float64(b.Height)/2
}

// Area returns the box area in square pixels.
func (b BoundingBox) Area() int { return b.Width * b.Height }

// AspectRatio returns width over height, or 0 for a degenerate box.
func (b BoundingBox) AspectRatio() float64 {
	if b.Height == 0 {
		return 0
	}
	return float64(b.Width) / float64(b.Height)
}

// DetectionCandidate is a plausible symbol region found on one frame. It is
// ephemeral: it exists only within that frame's processing cycle.
type DetectionCandidate struct {
	FrameSeq  uint64
	Timestamp time.Time
	Box       BoundingBox
	// Confidence blends area, squareness and fill scores, 0..1.
	Confidence float64
}
