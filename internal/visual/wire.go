package visual

import (
	"image"
	"time"

	"github.com/dyluth/reo/pkg/message"
)

// ToMessage converts ev into its wire payload. The snapshot is attached only
// when requested and a frame is available.
func (ev ChangeEvent) ToMessage(includeSnapshot bool) message.VisualChange {
	out := message.VisualChange{
		RegionID:    ev.RegionID,
		Changed:     ev.Changed,
		ChangeRatio: ev.ChangeRatio,
		ObservedAt:  ev.Timestamp,
	}
	for _, sr := range ev.SubRegions {
		out.SubRegions = append(out.SubRegions, message.Rect{
			X:      sr.Rect.Min.X,
			Y:      sr.Rect.Min.Y,
			Width:  sr.Rect.Dx(),
			Height: sr.Rect.Dy(),
			Area:   sr.Area,
		})
	}
	if ev.HasValue() {
		out.Value = ev.Value.Value
		out.ValueKind = string(ev.Value.Kind)
		out.Confidence = ev.Value.Confidence
		out.Method = ev.Value.Method
	}
	if includeSnapshot && ev.Frame != nil {
		out.Snapshot = EncodeSnapshot(ev.Frame)
	}
	return out
}

// FromMessage rebuilds a change event received from another process.
func FromMessage(vc message.VisualChange) ChangeEvent {
	ev := ChangeEvent{
		RegionID:    vc.RegionID,
		Changed:     vc.Changed,
		ChangeRatio: vc.ChangeRatio,
		Timestamp:   vc.ObservedAt,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, r := range vc.SubRegions {
		ev.SubRegions = append(ev.SubRegions, SubRegion{
			Rect: image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height),
			Area: r.Area,
		})
	}
	if vc.Value != nil {
		kind := ValueKind(vc.ValueKind)
		if kind == "" {
			kind = KindNumber
		}
		ev.Value = &ExtractedValue{
			Value:      vc.Value,
			Kind:       kind,
			Confidence: vc.Confidence,
			Method:     vc.Method,
		}
	}
	return ev
}
