// Package projection converts image-space detections plus a synchronized
// aircraft pose into geodetic estimates with an uncertainty radius.
package projection

import "math"

// Intrinsics is a pinhole camera model. The principal point defaults to the
// image centre when Cx/Cy are zero.
type Intrinsics struct {
	Width   int
	Height  int
	FocalPx float64
	Cx      float64
	Cy      float64
}

// IntrinsicsFromFOV derives the focal length in pixels from a horizontal
// field of view in degrees.
func IntrinsicsFromFOV(width, height int, hfovDeg float64) Intrinsics {
	half := hfovDeg * math.Pi / 360.0
	return Intrinsics{
		Width:   width,
		Height:  height,
		FocalPx: float64(width) / (2 * math.Tan(half)),
	}
}

func (in Intrinsics) principal() (float64, float64) {
	cx, cy := in.Cx, in.Cy
	if cx == 0 {
		cx = float64(in.Width) / 2
	}
	if cy == 0 {
		cy = float64(in.Height) / 2
	}
	return cx, cy
}
