// Package capture grabs pixel regions of the screen as immutable frames.
package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"
)

// Region is a named rectangle of the screen to monitor.
type Region struct {
	Name   string `yaml:"name" json:"name"`
	X      int    `yaml:"x" json:"x"`
	Y      int    `yaml:"y" json:"y"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
}

// Rect returns the region as an image rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Validate checks that the region has a name and a positive size.
func (r Region) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("region name is required")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("region %q must have positive width and height (got %dx%d)", r.Name, r.Width, r.Height)
	}
	return nil
}

// Frame is a timestamped RGBA pixel buffer. A frame never changes after it
// is created; accessors return copies or read-only views.
type Frame struct {
	img *image.RGBA
	at  time.Time
}

// NewFrame copies img into a new frame whose bounds start at the origin.
func NewFrame(img image.Image, at time.Time) *Frame {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return &Frame{img: dst, at: at}
}

// Solid returns a width×height frame filled with c.
func Solid(width, height int, c color.Color) *Frame {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return &Frame{img: img, at: time.Now()}
}

// Width in pixels.
func (f *Frame) Width() int { return f.img.Rect.Dx() }

// Height in pixels.
func (f *Frame) Height() int { return f.img.Rect.Dy() }

// Channels is the number of 8-bit channels per pixel.
func (f *Frame) Channels() int { return 4 }

// Timestamp is the capture time.
func (f *Frame) Timestamp() time.Time { return f.at }

// Bounds returns the frame rectangle, always anchored at the origin.
func (f *Frame) Bounds() image.Rectangle { return f.img.Rect }

// At returns the colour of one pixel.
func (f *Frame) At(x, y int) color.RGBA { return f.img.RGBAAt(x, y) }

// Image returns a read-only view of the frame.
func (f *Frame) Image() image.Image { return readOnly{f.img} }

// Crop returns a new frame holding r (clipped to the frame bounds).
func (f *Frame) Crop(r image.Rectangle) *Frame {
	r = r.Intersect(f.img.Rect)
	return NewFrame(f.img.SubImage(r), f.at)
}

// Gray returns the luma of every pixel in row-major order using the
// ITU-R BT.601 weights (0.299, 0.587, 0.114).
func (f *Frame) Gray() []uint8 {
	w, h := f.Width(), f.Height()
	out := make([]uint8, w*h)
	pix, stride := f.img.Pix, f.img.Stride
	for y := 0; y < h; y++ {
		row := pix[y*stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			out[y*w+x] = uint8((299*uint32(p[0]) + 587*uint32(p[1]) + 114*uint32(p[2]) + 500) / 1000)
		}
	}
	return out
}

// WithPatch returns a copy of f with r filled by c. Used to script frames.
func (f *Frame) WithPatch(r image.Rectangle, c color.Color) *Frame {
	out := NewFrame(f.img, f.at)
	draw.Draw(out.img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
	return out
}

// readOnly hides the *image.RGBA mutators behind image.Image.
type readOnly struct{ img *image.RGBA }

func (r readOnly) ColorModel() color.Model { return r.img.ColorModel() }
func (r readOnly) Bounds() image.Rectangle { return r.img.Bounds() }
func (r readOnly) At(x, y int) color.Color { return r.img.At(x, y) }

// Capturer grabs frames of screen regions.
type Capturer interface {
	// Available reports whether a display can be captured at all.
	Available() bool
	// Capture grabs the current contents of region.
	Capture(ctx context.Context, region Region) (*Frame, error)
	// Displays lists the bounds of every active display.
	Displays() []image.Rectangle
}
