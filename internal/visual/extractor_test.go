package visual

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/dyluth/reo/internal/capture"
	"github.com/stretchr/testify/assert"
)

type fakeOCR struct {
	available bool
	number    string
	text      string
	err       error
	calls     []OCRMode
}

func (f *fakeOCR) Available() bool { return f.available }

func (f *fakeOCR) Recognize(_ context.Context, _ image.Image, mode OCRMode) (string, error) {
	f.calls = append(f.calls, mode)
	if f.err != nil {
		return "", f.err
	}
	if mode == ModeNumber {
		return f.number, nil
	}
	return f.text, nil
}

func TestExtractAutoPrefersNumber(t *testing.T) {
	ocr := &fakeOCR{available: true, number: "HP 1,250\n", text: "HP 1,250"}
	e := NewExtractor(ocr)

	v := e.Extract(context.Background(), capture.Solid(10, 10, color.White), HintAuto)
	assert.Equal(t, KindNumber, v.Kind)
	assert.Equal(t, int64(1250), v.Value)
	assert.Equal(t, 0.8, v.Confidence)
	assert.Equal(t, MethodOCR, v.Method)
	assert.Equal(t, []OCRMode{ModeNumber}, ocr.calls)
}

func TestExtractAutoFallsBackToText(t *testing.T) {
	ocr := &fakeOCR{available: true, number: "", text: "  Game Over "}
	v := NewExtractor(ocr).Extract(context.Background(), capture.Solid(10, 10, color.White), HintAuto)

	assert.Equal(t, KindText, v.Kind)
	assert.Equal(t, "Game Over", v.Value)
	assert.Equal(t, 0.7, v.Confidence)
}

func TestExtractWithoutOCRDegrades(t *testing.T) {
	frame := capture.Solid(10, 10, color.White)
	tests := []struct {
		name string
		ocr  OCR
	}{
		{"nil", nil},
		{"unavailable", &fakeOCR{available: false, number: "5"}},
		{"failing", &fakeOCR{available: true, err: errors.New("boom")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, hint := range []Hint{HintAuto, HintNumber, HintText} {
				v := NewExtractor(tt.ocr).Extract(context.Background(), frame, hint)
				assert.Equal(t, KindNone, v.Kind)
				assert.Zero(t, v.Confidence)
				assert.Equal(t, MethodNone, v.Method)
				assert.False(t, v.Present())
			}
		})
	}
}

func TestPixelRatioAlwaysAvailable(t *testing.T) {
	frame := capture.Solid(10, 10, color.Black).WithPatch(image.Rect(0, 0, 10, 3), color.White)
	v := NewExtractor(nil).Extract(context.Background(), frame, HintPixelRatio)

	assert.Equal(t, KindRatio, v.Kind)
	assert.Equal(t, int64(30), v.Value)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, MethodPixel, v.Method)
}

func TestColorHint(t *testing.T) {
	green := color.RGBA{G: 200, A: 255}
	frame := capture.Solid(10, 10, color.Black).WithPatch(image.Rect(0, 0, 5, 10), green)
	v := NewExtractor(nil, WithTargetColor(green, 5)).Extract(context.Background(), frame, HintColor)

	assert.Equal(t, int64(50), v.Value)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
		ok   bool
	}{
		{"100", int64(100), true},
		{"Gold: 12,345", int64(12345), true},
		{"-42", int64(-42), true},
		{"3.75 sec", 3.75, true},
		{"none", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseNumber(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractEmptyFrame(t *testing.T) {
	v := NewExtractor(nil).Extract(context.Background(), nil, HintPixelRatio)
	assert.Equal(t, KindNone, v.Kind)
}
