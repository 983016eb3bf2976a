package visual

import (
	"image"
	"image/color"
	"testing"

	"github.com/dyluth/reo/internal/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFirstFrameInitializesBaseline(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	frame := capture.Solid(50, 50, color.White)

	ev := d.Detect(frame, nil)
	assert.False(t, ev.Changed)
	assert.Zero(t, ev.ChangeRatio)
	assert.Same(t, frame, d.Baseline())
}

func TestDetectIdenticalFrames(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	a := capture.Solid(100, 100, color.Black)
	b := capture.Solid(100, 100, color.Black)

	ev := d.Detect(b, a)
	assert.False(t, ev.Changed)
	assert.Equal(t, 0.0, ev.ChangeRatio)
	assert.Empty(t, ev.SubRegions)
}

func TestDetectWhiteSquare(t *testing.T) {
	black := capture.Solid(100, 100, color.Black)
	square := black.WithPatch(image.Rect(40, 40, 60, 60), color.White)

	t.Run("low change threshold", func(t *testing.T) {
		d := NewDetector(DetectorConfig{ChangeThreshold: 0.01, PixelThreshold: 30, MinArea: 100})

		ev := d.Detect(square, black)
		require.True(t, ev.Changed)
		assert.InDelta(t, 0.04, ev.ChangeRatio, 1e-9)
		require.Len(t, ev.SubRegions, 1)
		assert.InDelta(t, 400, ev.SubRegions[0].Area, 40)
		assert.Equal(t, image.Rect(40, 40, 60, 60), ev.SubRegions[0].Rect)
	})

	t.Run("default change threshold", func(t *testing.T) {
		d := NewDetector(DefaultDetectorConfig())

		// 400 of 10000 pixels is 0.04, under the 0.1 default
		ev := d.Detect(square, black)
		assert.False(t, ev.Changed)
		assert.InDelta(t, 0.04, ev.ChangeRatio, 1e-9)
		assert.Empty(t, ev.SubRegions)
	})

	t.Run("small frame", func(t *testing.T) {
		d := NewDetector(DefaultDetectorConfig())
		small := capture.Solid(50, 50, color.Black)

		ev := d.Detect(small.WithPatch(image.Rect(10, 10, 30, 30), color.White), small)
		require.True(t, ev.Changed)
		assert.InDelta(t, 400.0/2500.0, ev.ChangeRatio, 1e-9)
		require.Len(t, ev.SubRegions, 1)
		assert.Equal(t, image.Rect(10, 10, 30, 30), ev.SubRegions[0].Rect)
	})
}

func TestDetectDropsSmallComponents(t *testing.T) {
	d := NewDetector(DetectorConfig{ChangeThreshold: 0.01, PixelThreshold: 30, MinArea: 100})
	black := capture.Solid(50, 50, color.Black)
	frame := black.
		WithPatch(image.Rect(0, 0, 20, 20), color.White).  // 400 px, kept
		WithPatch(image.Rect(40, 40, 45, 45), color.White) // 25 px, noise

	ev := d.Detect(frame, black)
	require.True(t, ev.Changed)
	require.Len(t, ev.SubRegions, 1)
	assert.Equal(t, 400, ev.SubRegions[0].Area)
}

func TestDetectBelowRatioThreshold(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	black := capture.Solid(100, 100, color.Black)
	// 25 changed pixels out of 10000 is far below the 0.1 threshold
	frame := black.WithPatch(image.Rect(0, 0, 5, 5), color.White)

	ev := d.Detect(frame, black)
	assert.False(t, ev.Changed)
	assert.InDelta(t, 0.0025, ev.ChangeRatio, 1e-9)
	assert.Empty(t, ev.SubRegions)
}

func TestPixelThresholdIsIndependent(t *testing.T) {
	black := capture.Solid(10, 10, color.Black)
	dim := capture.Solid(10, 10, color.RGBA{R: 20, G: 20, B: 20, A: 255})

	ev := NewDetector(DefaultDetectorConfig()).Detect(dim, black)
	assert.False(t, ev.Changed, "a 20-level difference is under the default pixel threshold")

	sensitive := DefaultDetectorConfig()
	sensitive.PixelThreshold = 10
	ev = NewDetector(sensitive).Detect(dim, black)
	assert.True(t, ev.Changed)
	assert.Equal(t, 1.0, ev.ChangeRatio)
}

func TestObserveReplacesBaseline(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	black := capture.Solid(20, 20, color.Black)
	white := capture.Solid(20, 20, color.White)

	assert.False(t, d.Observe(black).Changed, "first frame never reports a change")
	assert.True(t, d.Observe(white).Changed)
	assert.False(t, d.Observe(white).Changed, "compared with the previous sample, not the first")

	d.Reset()
	assert.Nil(t, d.Baseline())
	assert.False(t, d.Observe(black).Changed)
}

func TestDetectResamplesMismatchedFrames(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	small := capture.Solid(10, 10, color.Black)
	large := capture.Solid(20, 20, color.Black)

	ev := d.Detect(large, small)
	assert.False(t, ev.Changed)
	assert.Zero(t, ev.ChangeRatio)
}

func TestColorChangeRatio(t *testing.T) {
	black := capture.Solid(10, 10, color.Black)
	red := color.RGBA{R: 255, A: 255}
	half := black.WithPatch(image.Rect(0, 0, 10, 5), red)

	assert.InDelta(t, 0.5, ColorChangeRatio(half, black, red, 10), 1e-9)
	assert.Zero(t, ColorChangeRatio(black, black, red, 10))
}
