package capture

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/kbinani/screenshot"
)

// ScreenCapturer captures from the local display server.
type ScreenCapturer struct{}

// NewScreenCapturer returns a capturer for the local displays.
func NewScreenCapturer() *ScreenCapturer {
	return &ScreenCapturer{}
}

// Available reports whether at least one display is active.
func (s *ScreenCapturer) Available() bool {
	return screenshot.NumActiveDisplays() > 0
}

// Displays lists the bounds of every active display.
func (s *ScreenCapturer) Displays() []image.Rectangle {
	n := screenshot.NumActiveDisplays()
	out := make([]image.Rectangle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, screenshot.GetDisplayBounds(i))
	}
	return out
}

// Capture grabs region from the screen.
func (s *ScreenCapturer) Capture(ctx context.Context, region Region) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := screenshot.CaptureRect(region.Rect())
	if err != nil {
		return nil, fmt.Errorf("failed to capture region %q: %w", region.Name, err)
	}
	return &Frame{img: rebase(img), at: time.Now()}, nil
}

// FullScreen captures the whole primary display.
func (s *ScreenCapturer) FullScreen(ctx context.Context) (*Frame, error) {
	if !s.Available() {
		return nil, fmt.Errorf("no active display")
	}
	b := screenshot.GetDisplayBounds(0)
	return s.Capture(ctx, Region{Name: "screen", X: b.Min.X, Y: b.Min.Y, Width: b.Dx(), Height: b.Dy()})
}

// rebase shifts img so its bounds start at the origin without copying pixels.
func rebase(img *image.RGBA) *image.RGBA {
	if img.Rect.Min == (image.Point{}) {
		return img
	}
	return &image.RGBA{
		Pix:    img.Pix,
		Stride: img.Stride,
		Rect:   image.Rect(0, 0, img.Rect.Dx(), img.Rect.Dy()),
	}
}
