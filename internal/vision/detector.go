package vision

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/anthonynsimon/bild/segment"
	"github.com/disintegration/imaging"

	"github.com/aratta-robotics/groundmark/internal/config"
)

// Detector finds candidate symbol regions on a single frame. Implementations
// are stateless across calls and never mutate the frame.
type Detector interface {
	Detect(frame *Frame) ([]DetectionCandidate, error)
}

// Fill-ratio bounds for a plausible painted glyph inside its bounding box.
// A solid blob or a hairline contour is not a symbol.
const (
	minFillRatio = 0.1
	maxFillRatio = 0.9
)

// ContourDetector detects dark painted symbols on a light ground surface by
// thresholding and connected-component analysis, then filters the components
// by the pixel footprint a 3x3m symbol should have at operating altitude.
type ContourDetector struct {
	minArea     int
	maxArea     int
	aspectMin   float64
	aspectMax   float64
	blurSigma   float64
	threshold   uint8
	regionPadPx int
}

// NewContourDetector builds a detector from the mission configuration.
func NewContourDetector(cfg *config.MissionConfig) *ContourDetector {
	return &ContourDetector{
		minArea:     cfg.GetMinSymbolAreaPx(),
		maxArea:     cfg.GetMaxSymbolAreaPx(),
		aspectMin:   cfg.GetAspectRatioMin(),
		aspectMax:   cfg.GetAspectRatioMax(),
		blurSigma:   1.5,
		threshold:   110,
		regionPadPx: 15,
	}
}

// Detect returns the plausible symbol regions on the frame, strongest first.
func (d *ContourDetector) Detect(frame *Frame) ([]DetectionCandidate, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("vision: nil frame")
	}

	binary := d.binarize(frame.Image)
	components := connectedComponents(binary)

	var candidates []DetectionCandidate
	for _, comp := range components {
		box := comp.box
		area := box.Area()
		if area < d.minArea || area > d.maxArea {
			continue
		}
		aspect := box.AspectRatio()
		if aspect < d.aspectMin || aspect > d.aspectMax {
			continue
		}
		fill := float64(comp.pixels) / float64(area)
		if fill < minFillRatio || fill > maxFillRatio {
			continue
		}

		candidates = append(candidates, DetectionCandidate{
			FrameSeq:   frame.Seq,
			Timestamp:  frame.Timestamp,
			Box:        box,
			Confidence: detectionConfidence(area, aspect, fill),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		// Deterministic tie-break so replays reproduce exactly.
		if candidates[i].Box.X != candidates[j].Box.X {
			return candidates[i].Box.X < candidates[j].Box.X
		}
		return candidates[i].Box.Y < candidates[j].Box.Y
	})

	return candidates, nil
}

// ExtractRegion crops the candidate's box out of the frame with padding for
// the OCR pass. The crop is clamped to the frame bounds.
func (d *ContourDetector) ExtractRegion(frame *Frame, box BoundingBox) image.Image {
	pad := d.regionPadPx
	bounds := frame.Image.Bounds()
	rect := image.Rect(
		max(bounds.Min.X, box.X-pad),
		max(bounds.Min.Y, box.Y-pad),
		min(bounds.Max.X, box.X+box.Width+pad),
		min(bounds.Max.Y, box.Y+box.Height+pad),
	)
	return imaging.Crop(frame.Image, rect)
}

// binarize produces a grayscale image where symbol (dark) pixels are black.
func (d *ContourDetector) binarize(img image.Image) *image.Gray {
	gray := imaging.Grayscale(img)
	blurred := imaging.Blur(gray, d.blurSigma)
	return segment.Threshold(blurred, d.threshold)
}

type component struct {
	box    BoundingBox
	pixels int
}

// connectedComponents groups dark pixels of a binary image with 4-connectivity
// flood fill and returns the bounding box and pixel count of each component.
func connectedComponents(binary *image.Gray) []component {
	bounds := binary.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	visited := make([]bool, w*h)

	dark := func(x, y int) bool {
		return binary.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y == 0
	}

	var comps []component
	stack := make([][2]int, 0, 1024)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y*w+x] || !dark(x, y) {
				continue
			}

			minX, minY, maxX, maxY := x, y, x, y
			pixels := 0
			stack = append(stack[:0], [2]int{x, y})
			visited[y*w+x] = true

			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				px, py := p[0], p[1]
				pixels++

				if px < minX {
					minX = px
				}
				if px > maxX {
					maxX = px
				}
				if py < minY {
					minY = py
				}
				if py > maxY {
					maxY = py
				}

				for _, n := range [4][2]int{{px - 1, py}, {px + 1, py}, {px, py - 1}, {px, py + 1}} {
					nx, ny := n[0], n[1]
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					if visited[ny*w+nx] || !dark(nx, ny) {
						continue
					}
					visited[ny*w+nx] = true
					stack = append(stack, [2]int{nx, ny})
				}
			}

			comps = append(comps, component{
				box: BoundingBox{
					X:      bounds.Min.X + minX,
					Y:      bounds.Min.Y + minY,
					Width:  maxX - minX + 1,
					Height: maxY - minY + 1,
				},
				pixels: pixels,
			})
		}
	}

	return comps
}

// detectionConfidence blends normalised area, squareness and fill scores.
func detectionConfidence(area int, aspect, fill float64) float64 {
	areaScore := math.Min(float64(area)/20000.0, 1.0)

	var ratioScore float64
	if aspect <= 2.0 {
		ratioScore = 1.0 - math.Abs(1.0-aspect)
	} else {
		ratioScore = 0.5
	}

	fillScore := fill
	if fill > 0.6 {
		fillScore = 1.0 - fill
	}

	return (areaScore + ratioScore + fillScore) / 3.0
}

var _ Detector = (*ContourDetector)(nil)
