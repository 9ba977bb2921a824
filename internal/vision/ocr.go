package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// ErrRecognitionUnavailable signals a transient per-call OCR failure. The
// candidate is skipped this cycle and the cluster retried on the next frame.
var ErrRecognitionUnavailable = errors.New("vision: recognition unavailable")

// OCRResult is one recognition attempt over a candidate region.
type OCRResult struct {
	Text            string
	Confidence      float64
	CharConfidences []float64
}

// OCRBackend recognises the text content of an extracted symbol region.
// Implementations may fail with ErrRecognitionUnavailable on transient errors.
type OCRBackend interface {
	Recognize(region image.Image) (OCRResult, error)
}

// TesseractBackend recognises Armenian symbol text using the system Tesseract
// installation via gosseract. The hye language data must be installed.
type TesseractBackend struct {
	// Language is the Tesseract language code; defaults to "hye".
	Language string
	// UpscaleFactor enlarges the region before recognition. The painted
	// glyphs are large but arrive at low pixel density from altitude.
	UpscaleFactor int
}

// NewTesseractBackend returns a backend configured for the competition script.
func NewTesseractBackend() *TesseractBackend {
	return &TesseractBackend{Language: "hye", UpscaleFactor: 4}
}

// Recognize runs a single-word Tesseract pass over the region. The region is
// upscaled, grayscaled and contrast-stretched first; the raw read is cleaned
// down to Armenian glyphs before returning.
func (b *TesseractBackend) Recognize(region image.Image) (OCRResult, error) {
	prepared := b.prepare(region)

	var buf bytes.Buffer
	if err := png.Encode(&buf, prepared); err != nil {
		return OCRResult{}, fmt.Errorf("encoding region for OCR: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	lang := b.Language
	if lang == "" {
		lang = "hye"
	}
	if err := client.SetLanguage(lang); err != nil {
		return OCRResult{}, fmt.Errorf("%w: set language %q: %v", ErrRecognitionUnavailable, lang, err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_WORD); err != nil {
		return OCRResult{}, fmt.Errorf("%w: set segmentation mode: %v", ErrRecognitionUnavailable, err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return OCRResult{}, fmt.Errorf("%w: set image: %v", ErrRecognitionUnavailable, err)
	}

	raw, err := client.Text()
	if err != nil {
		return OCRResult{}, fmt.Errorf("%w: %v", ErrRecognitionUnavailable, err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_SYMBOL)
	if err != nil || len(boxes) == 0 {
		// Fall back to the word-level read without per-glyph confidences.
		return OCRResult{Text: CleanText(raw)}, nil
	}

	var (
		text  []byte
		confs []float64
		sum   float64
	)
	for _, box := range boxes {
		if box.Word == "" {
			continue
		}
		text = append(text, box.Word...)
		c := box.Confidence / 100.0
		confs = append(confs, c)
		sum += c
	}

	cleaned := CleanText(string(text))
	var avg float64
	if len(confs) > 0 {
		avg = sum / float64(len(confs))
	}
	return OCRResult{Text: cleaned, Confidence: avg, CharConfidences: confs}, nil
}

func (b *TesseractBackend) prepare(region image.Image) image.Image {
	factor := b.UpscaleFactor
	if factor < 1 {
		factor = 1
	}
	bounds := region.Bounds()
	scaled := imaging.Resize(region, bounds.Dx()*factor, bounds.Dy()*factor, imaging.Lanczos)
	gray := imaging.Grayscale(scaled)
	return imaging.AdjustContrast(gray, 25)
}

var _ OCRBackend = (*TesseractBackend)(nil)
