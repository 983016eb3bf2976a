// Package visual turns a stream of captured frames into change events with
// extracted values.
//
// The Detector compares each frame with the one sampled immediately before
// it, so a value that drifts by less than the change threshold on every
// sample is never reported. Callers that need a fixed reference should keep
// their own frame and pass it to Detect explicitly.
package visual

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/dyluth/reo/internal/capture"
	"golang.org/x/image/draw"
)

// DetectorConfig holds the two independent change knobs plus the noise floor.
type DetectorConfig struct {
	ChangeThreshold float64 // Fraction of differing pixels above which a frame counts as changed
	PixelThreshold  uint8   // Intensity difference above which a single pixel counts as differing
	MinArea         int     // Smallest connected component reported as a sub-region
}

// DefaultDetectorConfig returns the standard thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ChangeThreshold: 0.1,
		PixelThreshold:  30,
		MinArea:         100,
	}
}

// SubRegion is a connected area of changed pixels.
type SubRegion struct {
	Rect image.Rectangle `json:"rect"`
	Area int             `json:"area"` // Number of changed pixels in the component
}

// ChangeEvent is the outcome of comparing one region's frame with its baseline.
type ChangeEvent struct {
	RegionID    string          `json:"region_id"`
	Changed     bool            `json:"changed"`
	ChangeRatio float64         `json:"change_ratio"`
	SubRegions  []SubRegion     `json:"sub_regions,omitempty"`
	Value       *ExtractedValue `json:"value,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`

	Frame *capture.Frame `json:"-"` // Frame the event was computed from
}

// HasValue reports whether a usable value was extracted.
func (e ChangeEvent) HasValue() bool {
	return e.Value != nil && e.Value.Present()
}

// Detector compares frames and keeps one frame of state: the baseline.
type Detector struct {
	cfg DetectorConfig

	mu       sync.Mutex
	baseline *capture.Frame
}

// NewDetector returns a detector with no baseline.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect compares current with previous. A nil previous stores current as
// the baseline and reports no change. In every case current becomes the new
// baseline.
func (d *Detector) Detect(current, previous *capture.Frame) ChangeEvent {
	d.mu.Lock()
	d.baseline = current
	d.mu.Unlock()

	ev := ChangeEvent{Timestamp: current.Timestamp(), Frame: current}
	if previous == nil {
		return ev
	}

	mask, changed := d.diffMask(current, previous)
	total := current.Width() * current.Height()
	if total == 0 {
		return ev
	}
	ev.ChangeRatio = float64(changed) / float64(total)

	if ev.ChangeRatio > d.cfg.ChangeThreshold {
		ev.Changed = true
		ev.SubRegions = components(mask, current.Width(), current.Height(), d.cfg.MinArea)
	}
	return ev
}

// Observe compares current with the stored baseline.
func (d *Detector) Observe(current *capture.Frame) ChangeEvent {
	d.mu.Lock()
	previous := d.baseline
	d.mu.Unlock()
	return d.Detect(current, previous)
}

// Reset clears the baseline so the next observed frame initializes it.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.baseline = nil
	d.mu.Unlock()
}

// Baseline returns the stored baseline frame, or nil.
func (d *Detector) Baseline() *capture.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baseline
}

// diffMask binarizes the absolute intensity difference of two frames and
// returns the mask with its population count.
func (d *Detector) diffMask(current, previous *capture.Frame) ([]bool, int) {
	if previous.Bounds() != current.Bounds() {
		previous = resample(previous, current.Bounds())
	}

	cur, prev := current.Gray(), previous.Gray()
	mask := make([]bool, len(cur))
	changed := 0
	for i := range cur {
		diff := int(cur[i]) - int(prev[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > int(d.cfg.PixelThreshold) {
			mask[i] = true
			changed++
		}
	}
	return mask, changed
}

// resample scales f to bounds so frames of different sizes can be compared.
func resample(f *capture.Frame, bounds image.Rectangle) *capture.Frame {
	dst := image.NewRGBA(bounds)
	draw.ApproxBiLinear.Scale(dst, bounds, f.Image(), f.Bounds(), draw.Src, nil)
	return capture.NewFrame(dst, f.Timestamp())
}

// ColorChangeRatio returns the fraction of pixels that moved into or out of
// the tolerance band around target between previous and current.
func ColorChangeRatio(current, previous *capture.Frame, target color.RGBA, tolerance uint8) float64 {
	if previous.Bounds() != current.Bounds() {
		previous = resample(previous, current.Bounds())
	}
	w, h := current.Width(), current.Height()
	if w*h == 0 {
		return 0
	}
	moved := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if matchesColor(current.At(x, y), target, tolerance) != matchesColor(previous.At(x, y), target, tolerance) {
				moved++
			}
		}
	}
	return float64(moved) / float64(w*h)
}

func matchesColor(c, target color.RGBA, tolerance uint8) bool {
	return within(c.R, target.R, tolerance) && within(c.G, target.G, tolerance) && within(c.B, target.B, tolerance)
}

func within(a, b, tolerance uint8) bool {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return d <= int(tolerance)
}
