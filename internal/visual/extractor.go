package visual

import (
	"context"
	"image"
	"image/color"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dyluth/reo/internal/capture"
)

// Hint tells the extractor what kind of value a region shows.
type Hint string

const (
	HintAuto       Hint = "auto"
	HintNumber     Hint = "number"
	HintText       Hint = "text"
	HintPixelRatio Hint = "pixel_ratio"
	HintColor      Hint = "color"
)

// Valid reports whether h is a known hint.
func (h Hint) Valid() bool {
	switch h {
	case HintAuto, HintNumber, HintText, HintPixelRatio, HintColor:
		return true
	}
	return false
}

// ValueKind is the type of an extracted value.
type ValueKind string

const (
	KindNone   ValueKind = "none"
	KindNumber ValueKind = "number"
	KindText   ValueKind = "text"
	KindRatio  ValueKind = "ratio"
)

// Extraction methods.
const (
	MethodNone  = "none"
	MethodOCR   = "ocr"
	MethodPixel = "pixel"
)

// ExtractedValue is a typed value read from a region.
type ExtractedValue struct {
	Value      interface{} `json:"value,omitempty"` // int64, float64 or string
	Kind       ValueKind   `json:"kind"`
	Confidence float64     `json:"confidence"`
	Method     string      `json:"method"`
	Raw        string      `json:"raw,omitempty"` // Unparsed OCR output
}

// Present reports whether a value was read.
func (v ExtractedValue) Present() bool {
	return v.Kind != KindNone && v.Value != nil
}

func none() ExtractedValue {
	return ExtractedValue{Kind: KindNone, Method: MethodNone}
}

const (
	numberConfidence = 0.8
	textConfidence   = 0.7
)

var numberPattern = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)

// Extractor derives values from frames. OCR is optional; the pixel modes
// work without it.
type Extractor struct {
	ocr       OCR
	target    color.RGBA
	tolerance uint8
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithTargetColor sets the colour counted by HintColor.
func WithTargetColor(c color.RGBA, tolerance uint8) ExtractorOption {
	return func(e *Extractor) {
		e.target = c
		e.tolerance = tolerance
	}
}

// NewExtractor returns an extractor. ocr may be nil.
func NewExtractor(ocr OCR, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		ocr:       ocr,
		target:    color.RGBA{R: 255, A: 255},
		tolerance: 40,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OCRAvailable reports whether number and text extraction can succeed.
func (e *Extractor) OCRAvailable() bool {
	return e.ocr != nil && e.ocr.Available()
}

// Extract reads a value from frame. It never fails: unreadable input yields
// a value of kind none with zero confidence.
func (e *Extractor) Extract(ctx context.Context, frame *capture.Frame, hint Hint) ExtractedValue {
	if frame == nil || frame.Width() == 0 || frame.Height() == 0 {
		return none()
	}

	switch hint {
	case HintNumber:
		return e.number(ctx, frame)
	case HintText:
		return e.text(ctx, frame)
	case HintPixelRatio:
		return PixelRatio(frame)
	case HintColor:
		return e.colorRatio(frame)
	default:
		if v := e.number(ctx, frame); v.Present() {
			return v
		}
		if v := e.text(ctx, frame); v.Present() {
			return v
		}
		return none()
	}
}

func (e *Extractor) number(ctx context.Context, frame *capture.Frame) ExtractedValue {
	if !e.OCRAvailable() {
		return none()
	}
	raw, err := e.ocr.Recognize(ctx, preprocess(frame), ModeNumber)
	if err != nil {
		return none()
	}
	v, ok := ParseNumber(raw)
	if !ok {
		return none()
	}
	return ExtractedValue{Value: v, Kind: KindNumber, Confidence: numberConfidence, Method: MethodOCR, Raw: raw}
}

func (e *Extractor) text(ctx context.Context, frame *capture.Frame) ExtractedValue {
	if !e.OCRAvailable() {
		return none()
	}
	raw, err := e.ocr.Recognize(ctx, preprocess(frame), ModeText)
	if err != nil {
		return none()
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return none()
	}
	return ExtractedValue{Value: text, Kind: KindText, Confidence: textConfidence, Method: MethodOCR, Raw: raw}
}

// ParseNumber extracts the first number in s. Thousands separators are
// dropped; integers parse as int64 and decimals as float64.
func ParseNumber(s string) (interface{}, bool) {
	m := numberPattern.FindString(s)
	if m == "" {
		return nil, false
	}
	m = strings.ReplaceAll(m, ",", "")
	if strings.Contains(m, ".") {
		f, err := strconv.ParseFloat(m, 64)
		return f, err == nil
	}
	n, err := strconv.ParseInt(m, 10, 64)
	return n, err == nil
}

// PixelRatio returns the percentage of non-black pixels in frame. It is exact
// and therefore always reported with full confidence.
func PixelRatio(frame *capture.Frame) ExtractedValue {
	gray := frame.Gray()
	lit := 0
	for _, v := range gray {
		if v != 0 {
			lit++
		}
	}
	pct := int64(math.Round(float64(lit) * 100 / float64(len(gray))))
	return ExtractedValue{Value: pct, Kind: KindRatio, Confidence: 1.0, Method: MethodPixel}
}

func (e *Extractor) colorRatio(frame *capture.Frame) ExtractedValue {
	w, h := frame.Width(), frame.Height()
	hits := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if matchesColor(frame.At(x, y), e.target, e.tolerance) {
				hits++
			}
		}
	}
	pct := int64(math.Round(float64(hits) * 100 / float64(w*h)))
	return ExtractedValue{Value: pct, Kind: KindRatio, Confidence: 1.0, Method: MethodPixel}
}

// preprocess converts frame to grayscale and stretches contrast for OCR.
func preprocess(frame *capture.Frame) image.Image {
	gray := frame.Gray()
	img := image.NewGray(image.Rect(0, 0, frame.Width(), frame.Height()))
	for i, v := range gray {
		s := float64(v)*1.5 + 30
		if s > 255 {
			s = 255
		}
		img.Pix[i] = uint8(s)
	}
	return img
}
