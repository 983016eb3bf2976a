package visual

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/reo/internal/capture"
	"github.com/dyluth/reo/internal/fault"
	"github.com/dyluth/reo/internal/metrics"
)

var (
	// ErrAlreadyMonitoring is returned by Start while a loop is running.
	ErrAlreadyMonitoring = fault.New(fault.Precondition, "AlreadyMonitoring", "monitoring is already running")
	// ErrNotMonitoring is returned by Stop when no loop is running.
	ErrNotMonitoring = fault.New(fault.Precondition, "NotMonitoring", "monitoring is not running")
	// ErrNoRegions is returned by Start without regions.
	ErrNoRegions = fault.New(fault.Precondition, "NoRegions", "at least one region is required")
	// ErrNoCapture is returned by Start when no display can be captured.
	ErrNoCapture = fault.New(fault.Connection, "CaptureUnavailable", "screen capture is not available")
)

// ChangeFunc receives every changed event. It runs synchronously on the
// monitor goroutine; ctx is cancelled when monitoring stops.
type ChangeFunc func(ctx context.Context, ev ChangeEvent)

// MonitorConfig configures the polling loop.
type MonitorConfig struct {
	Interval    time.Duration
	Detector    DetectorConfig
	Hint        Hint
	HistorySize int
}

// DefaultMonitorConfig returns the standard polling settings.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:    100 * time.Millisecond,
		Detector:    DefaultDetectorConfig(),
		Hint:        HintAuto,
		HistorySize: 100,
	}
}

// MonitorStatus is a snapshot of the monitor.
type MonitorStatus struct {
	Running          bool     `json:"running"`
	Regions          []string `json:"regions"`
	HistorySize      int      `json:"history_size"`
	OCRAvailable     bool     `json:"ocr_available"`
	CaptureAvailable bool     `json:"capture_available"`
}

// Monitor polls regions on a background goroutine and reports changes.
type Monitor struct {
	cfg       MonitorConfig
	capturer  capture.Capturer
	extractor *Extractor
	history   *History

	running atomic.Bool

	mu        sync.Mutex
	regions   []capture.Region
	detectors map[string]*Detector
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMonitor wires a capturer and extractor into a polling loop.
func NewMonitor(capturer capture.Capturer, extractor *Extractor, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if !cfg.Hint.Valid() {
		cfg.Hint = HintAuto
	}
	if extractor == nil {
		extractor = NewExtractor(nil)
	}
	return &Monitor{
		cfg:       cfg,
		capturer:  capturer,
		extractor: extractor,
		history:   NewHistory(cfg.HistorySize),
		detectors: make(map[string]*Detector),
	}
}

// Start arms the loop over regions. Each region gets its own detector, so
// baselines never leak between regions.
func (m *Monitor) Start(regions []capture.Region, onChange ChangeFunc) error {
	if len(regions) == 0 {
		return ErrNoRegions
	}
	for _, r := range regions {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid region: %w", err)
		}
	}
	if m.capturer == nil || !m.capturer.Available() {
		return ErrNoCapture
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyMonitoring
	}

	m.regions = append([]capture.Region(nil), regions...)
	m.detectors = make(map[string]*Detector, len(regions))
	for _, r := range regions {
		m.detectors[r.Name] = NewDetector(m.cfg.Detector)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(ctx, m.regions, onChange, m.done)

	log.Printf("[Monitor] Started monitoring %d region(s) every %s", len(regions), m.cfg.Interval)
	return nil
}

// Stop clears the liveness flag and waits up to timeout for the loop to
// exit. A loop that does not exit in time is abandoned and logged.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running.CompareAndSwap(true, false) {
		m.mu.Unlock()
		return ErrNotMonitoring
	}
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	cancel()

	select {
	case <-done:
		log.Printf("[Monitor] Stopped")
	case <-time.After(timeout):
		log.Printf("[Monitor] Loop did not exit within %s; abandoning it", timeout)
	}
	return nil
}

// Running reports whether the loop is armed.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// History returns up to limit recent change events, newest last.
func (m *Monitor) History(limit int) []ChangeEvent {
	return m.history.Recent(limit)
}

// ClearHistory drops every recorded change event.
func (m *Monitor) ClearHistory() {
	m.history.Clear()
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	names := make([]string, 0, len(m.regions))
	for _, r := range m.regions {
		names = append(names, r.Name)
	}
	m.mu.Unlock()

	return MonitorStatus{
		Running:          m.running.Load(),
		Regions:          names,
		HistorySize:      m.history.Len(),
		OCRAvailable:     m.extractor.OCRAvailable(),
		CaptureAvailable: m.capturer != nil && m.capturer.Available(),
	}
}

func (m *Monitor) loop(ctx context.Context, regions []capture.Region, onChange ChangeFunc, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if !m.running.Load() {
			return
		}

		// regions are polled one after another so captures never overlap
		for _, region := range regions {
			if ctx.Err() != nil {
				return
			}
			if ev, ok := m.Check(ctx, region); ok && onChange != nil {
				onChange(ctx, ev)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check captures region once and compares it with the region's baseline.
// It returns the event and true when the region changed.
func (m *Monitor) Check(ctx context.Context, region capture.Region) (ChangeEvent, bool) {
	m.mu.Lock()
	det, ok := m.detectors[region.Name]
	if !ok {
		det = NewDetector(m.cfg.Detector)
		m.detectors[region.Name] = det
	}
	m.mu.Unlock()

	frame, err := m.capturer.Capture(ctx, region)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			metrics.CaptureErrors.WithLabelValues(region.Name).Inc()
			log.Printf("[Monitor] Capture of region %q failed: %v", region.Name, err)
		}
		return ChangeEvent{}, false
	}

	ev := det.Observe(frame)
	ev.RegionID = region.Name
	if !ev.Changed {
		return ev, false
	}

	v := m.extractor.Extract(ctx, frame, m.cfg.Hint)
	ev.Value = &v

	m.history.Add(ev)
	metrics.ChangesDetected.WithLabelValues(region.Name).Inc()
	return ev, true
}
