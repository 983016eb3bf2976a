package visual

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"sync"
	"time"
)

// OCRMode selects the recognizer configuration.
type OCRMode int

const (
	ModeText OCRMode = iota
	ModeNumber
)

// OCR recognizes text in an image. Implementations advertise whether they
// can run at all through Available.
type OCR interface {
	Available() bool
	Recognize(ctx context.Context, img image.Image, mode OCRMode) (string, error)
}

// Tesseract runs the tesseract command line tool.
type Tesseract struct {
	path    string
	timeout time.Duration

	once     sync.Once
	resolved string
}

// NewTesseract returns an OCR backed by the tesseract binary at path (looked
// up on PATH when not absolute).
func NewTesseract(path string, timeout time.Duration) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Tesseract{path: path, timeout: timeout}
}

// Available reports whether the binary can be found.
func (t *Tesseract) Available() bool {
	t.once.Do(func() {
		if p, err := exec.LookPath(t.path); err == nil {
			t.resolved = p
		}
	})
	return t.resolved != ""
}

// Recognize feeds img to tesseract as PNG on stdin and returns stdout.
func (t *Tesseract) Recognize(ctx context.Context, img image.Image, mode OCRMode) (string, error) {
	if !t.Available() {
		return "", fmt.Errorf("tesseract not found at %q", t.path)
	}

	var in bytes.Buffer
	if err := png.Encode(&in, img); err != nil {
		return "", fmt.Errorf("failed to encode image for OCR: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	// psm 7: treat the image as a single text line
	args := []string{"stdin", "stdout", "--psm", "7"}
	if mode == ModeNumber {
		args = append(args, "-c", "tessedit_char_whitelist=0123456789.,-")
	}

	cmd := exec.CommandContext(ctx, t.resolved, args...)
	cmd.Stdin = &in
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract failed: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out.String(), nil
}
