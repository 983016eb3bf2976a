package visual

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/reo/internal/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMonitor(t *testing.T, src capture.Capturer) *Monitor {
	t.Helper()
	cfg := DefaultMonitorConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.Hint = HintPixelRatio
	cfg.HistorySize = 3
	return NewMonitor(src, NewExtractor(nil), cfg)
}

func TestMonitorReportsChanges(t *testing.T) {
	black := capture.Solid(20, 20, color.Black)
	half := black.WithPatch(image.Rect(0, 0, 20, 10), color.White)

	src := capture.NewStatic()
	src.Script("bar", black, half)

	m := testMonitor(t, src)

	var mu sync.Mutex
	var events []ChangeEvent
	require.NoError(t, m.Start([]capture.Region{{Name: "bar", Width: 20, Height: 20}}, func(_ context.Context, ev ChangeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(time.Second))
	assert.False(t, m.Running())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1, "the repeated frame must not report a second change")
	ev := events[0]
	assert.Equal(t, "bar", ev.RegionID)
	assert.InDelta(t, 0.5, ev.ChangeRatio, 1e-9)
	require.True(t, ev.HasValue())
	assert.Equal(t, int64(50), ev.Value.Value)

	hist := m.History(0)
	require.Len(t, hist, 1)
	assert.Nil(t, hist[0].Frame, "history does not keep frames alive")
}

func TestMonitorLifecycleErrors(t *testing.T) {
	src := capture.NewStatic()
	src.Script("a", capture.Solid(4, 4, color.Black))
	m := testMonitor(t, src)
	region := []capture.Region{{Name: "a", Width: 4, Height: 4}}

	assert.ErrorIs(t, m.Stop(time.Second), ErrNotMonitoring)
	assert.ErrorIs(t, m.Start(nil, nil), ErrNoRegions)
	assert.Error(t, m.Start([]capture.Region{{Name: "bad"}}, nil))

	require.NoError(t, m.Start(region, nil))
	assert.ErrorIs(t, m.Start(region, nil), ErrAlreadyMonitoring)
	assert.True(t, m.Status().Running)
	assert.Equal(t, []string{"a"}, m.Status().Regions)

	require.NoError(t, m.Stop(time.Second))
	assert.ErrorIs(t, m.Stop(time.Second), ErrNotMonitoring)
}

func TestMonitorStopAbandonsSlowCallback(t *testing.T) {
	black := capture.Solid(4, 4, color.Black)
	src := capture.NewStatic()
	src.Script("a", black, capture.Solid(4, 4, color.White))
	m := testMonitor(t, src)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, m.Start([]capture.Region{{Name: "a", Width: 4, Height: 4}}, func(context.Context, ChangeEvent) {
		close(entered)
		<-release
	}))
	<-entered

	start := time.Now()
	require.NoError(t, m.Stop(20*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second, "stop must be bounded")
	assert.False(t, m.Running())
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(ChangeEvent{RegionID: string(rune('a' + i))})
	}
	assert.Equal(t, 3, h.Len())

	got := h.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].RegionID, "oldest events are evicted first")
	assert.Equal(t, "e", got[2].RegionID)

	last := h.Recent(2)
	assert.Equal(t, "d", last[0].RegionID)

	h.Clear()
	assert.Empty(t, h.Recent(0))
}

func TestSnapshotRoundTrip(t *testing.T) {
	frame := capture.Solid(8, 6, color.Black).WithPatch(image.Rect(0, 0, 4, 6), color.White)
	w, h, gray, err := DecodeSnapshot(EncodeSnapshot(frame))
	require.NoError(t, err)
	assert.Equal(t, 8, w)
	assert.Equal(t, 6, h)
	assert.Equal(t, frame.Gray(), gray)

	_, _, _, err = DecodeSnapshot("not base64!")
	assert.Error(t, err)
}

func TestWireConversion(t *testing.T) {
	ev := ChangeEvent{
		RegionID:    "hp",
		Changed:     true,
		ChangeRatio: 0.2,
		SubRegions:  []SubRegion{{Rect: image.Rect(1, 2, 21, 22), Area: 400}},
		Value:       &ExtractedValue{Value: int64(99), Kind: KindNumber, Confidence: 0.8, Method: MethodOCR},
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		Frame:       capture.Solid(4, 4, color.Black),
	}

	msg := ev.ToMessage(true)
	assert.NotEmpty(t, msg.Snapshot)
	assert.Equal(t, 20, msg.SubRegions[0].Width)

	back := FromMessage(msg)
	assert.Equal(t, ev.RegionID, back.RegionID)
	assert.Equal(t, ev.SubRegions, back.SubRegions)
	assert.Equal(t, int64(99), back.Value.Value)
	assert.True(t, back.HasValue())
}
