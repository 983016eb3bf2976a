package config

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/reo/internal/adapter"
	"github.com/dyluth/reo/internal/capture"
	"github.com/dyluth/reo/internal/channel"
	"github.com/dyluth/reo/internal/orchestrator"
	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/internal/tooldetect"
	"github.com/dyluth/reo/internal/visual"
)

// DefaultPath is the configuration file looked up in the working directory.
const DefaultPath = "reo.yml"

// ReoConfig represents the top-level reo.yml configuration
type ReoConfig struct {
	Version  string         `yaml:"version"`
	LogLevel string         `yaml:"log_level"`
	Target   scanner.Target `yaml:"target"`
	Visual   VisualConfig   `yaml:"visual"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Channel  ChannelConfig  `yaml:"channel"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Redis    RedisConfig    `yaml:"redis"`
	Health   HealthConfig   `yaml:"health"`
}

// VisualConfig configures capture, change detection and value extraction
type VisualConfig struct {
	CaptureInterval time.Duration    `yaml:"capture_interval"`
	ChangeThreshold float64          `yaml:"change_threshold"` // Fraction of differing pixels that counts as a change
	PixelThreshold  int              `yaml:"pixel_threshold"`  // Per-pixel intensity difference, 0-255
	MinArea         int              `yaml:"min_area"`
	HistorySize     int              `yaml:"history_size"`
	Hint            string           `yaml:"hint"` // auto, number, text, pixel_ratio or color
	TargetColor     string           `yaml:"target_color,omitempty"`
	ColorTolerance  int              `yaml:"color_tolerance"`
	IncludeSnapshot bool             `yaml:"include_snapshot"`
	OCR             OCRConfig        `yaml:"ocr"`
	Regions         []capture.Region `yaml:"regions"`
}

// OCRConfig locates the tesseract binary
type OCRConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// ScannerConfig configures memory scanning
type ScannerConfig struct {
	PreferredBackend string                `yaml:"preferred_backend,omitempty"`
	Alignment        int                   `yaml:"alignment"`
	MaxCandidates    int                   `yaml:"max_candidates"`
	ChunkSize        int                   `yaml:"chunk_size"`
	WritableOnly     bool                  `yaml:"writable_only"`
	ScanTimeout      time.Duration         `yaml:"scan_timeout"`
	GDBStub          scanner.GDBStubConfig `yaml:"gdbstub"`
}

// WorkflowConfig configures the orchestrator
type WorkflowConfig struct {
	ValueType           string        `yaml:"value_type"`
	ScanType            string        `yaml:"scan_type"`
	BreakpointThreshold int           `yaml:"breakpoint_threshold"`
	BreakpointType      string        `yaml:"breakpoint_type"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`
	ValueLogSize        int           `yaml:"value_log_size"`
}

// ChannelConfig configures the message server and clients
type ChannelConfig struct {
	Listen         string        `yaml:"listen"`
	QueueSize      int           `yaml:"queue_size"`
	MaxConnections int           `yaml:"max_connections"` // 0 = unbounded
	MaxFrameBytes  int           `yaml:"max_frame_bytes"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AdapterConfig selects the RE tool
type AdapterConfig struct {
	adapter.Config `yaml:",inline"`
	DetectionTTL   time.Duration `yaml:"detection_ttl"`
}

// RedisConfig enables the event bridge when URL is set
type RedisConfig struct {
	URL      string `yaml:"url,omitempty"`
	Instance string `yaml:"instance"`
}

// HealthConfig enables the health server when Listen is set
type HealthConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// MaxInstanceNameLength bounds redis.instance, which is embedded in channel names.
const MaxInstanceNameLength = 63

// instanceNamePattern is lowercase alphanumeric with inner hyphens.
var instanceNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateInstanceName checks an instance name used to namespace events.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if len(name) > MaxInstanceNameLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxInstanceNameLength)
	}
	if !instanceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}
	return nil
}

// Default returns the configuration used when no reo.yml exists.
func Default() *ReoConfig {
	opts := scanner.DefaultOptions()
	det := visual.DefaultDetectorConfig()
	return &ReoConfig{
		Version:  "1.0",
		LogLevel: "info",
		Visual: VisualConfig{
			CaptureInterval: 100 * time.Millisecond,
			ChangeThreshold: det.ChangeThreshold,
			PixelThreshold:  int(det.PixelThreshold),
			MinArea:         det.MinArea,
			HistorySize:     100,
			Hint:            string(visual.HintAuto),
			ColorTolerance:  30,
			OCR:             OCRConfig{Path: "tesseract", Timeout: 5 * time.Second},
		},
		Scanner: ScannerConfig{
			Alignment:     opts.Alignment,
			MaxCandidates: opts.MaxCandidates,
			ChunkSize:     opts.ChunkSize,
			ScanTimeout:   30 * time.Second,
			GDBStub:       scanner.GDBStubConfig{Timeout: 5 * time.Second},
		},
		Workflow: WorkflowConfig{
			ValueType:           string(scanner.Int32),
			ScanType:            string(scanner.Exact),
			BreakpointThreshold: 5,
			BreakpointType:      string(adapter.Write),
			StopTimeout:         2 * time.Second,
			ValueLogSize:        100,
		},
		Channel: ChannelConfig{
			Listen:         "127.0.0.1:0",
			QueueSize:      channel.DefaultQueueSize,
			MaxFrameBytes:  channel.DefaultMaxFrameBytes,
			DialTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Adapter: AdapterConfig{
			Config: adapter.Config{
				Tool: adapter.ToolAuto,
				Delve: adapter.DelveConfig{
					Address:     "127.0.0.1:4040",
					DlvPath:     "dlv",
					DialTimeout: 10 * time.Second,
					WatchBits:   32,
				},
				IDA: adapter.IDAConfig{RPCURL: adapter.DefaultIDAURL, Timeout: 10 * time.Second},
			},
			DetectionTTL: 30 * time.Second,
		},
		Redis: RedisConfig{Instance: "default"},
	}
}

// Load reads and validates reo.yml from the specified path. A missing file
// yields the defaults. Keys absent from the file keep their default values.
func Load(path string) (*ReoConfig, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, config.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate fills zero values with defaults and checks ranges
func (c *ReoConfig) Validate() error {
	def := Default()

	if c.Version == "" {
		c.Version = def.Version
	}
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Target.Name != "" && c.Target.PID != 0 {
		return fmt.Errorf("target: process_name and pid are mutually exclusive")
	}
	if c.Target.PID < 0 {
		return fmt.Errorf("target: invalid pid %d", c.Target.PID)
	}

	if err := c.Visual.validate(def.Visual); err != nil {
		return err
	}
	if err := c.Scanner.validate(def.Scanner); err != nil {
		return err
	}
	if err := c.Workflow.validate(def.Workflow); err != nil {
		return err
	}
	c.Channel.applyDefaults(def.Channel)

	if c.Adapter.Tool == "" {
		c.Adapter.Tool = def.Adapter.Tool
	}
	switch c.Adapter.Tool {
	case adapter.ToolAuto, adapter.ToolDelve, adapter.ToolIDA, adapter.ToolNone:
	default:
		return fmt.Errorf("adapter: invalid tool: %s (must be 'auto', 'delve', 'ida' or 'none')", c.Adapter.Tool)
	}
	if c.Adapter.DetectionTTL <= 0 {
		c.Adapter.DetectionTTL = def.Adapter.DetectionTTL
	}

	if c.Redis.Instance == "" {
		c.Redis.Instance = def.Redis.Instance
	}
	if err := ValidateInstanceName(c.Redis.Instance); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if c.Redis.URL != "" {
		if _, err := redis.ParseURL(c.Redis.URL); err != nil {
			return fmt.Errorf("redis: invalid url: %w", err)
		}
	}

	return nil
}

func (v *VisualConfig) validate(def VisualConfig) error {
	if v.CaptureInterval <= 0 {
		v.CaptureInterval = def.CaptureInterval
	}
	if v.ChangeThreshold == 0 {
		v.ChangeThreshold = def.ChangeThreshold
	}
	if v.ChangeThreshold < 0 || v.ChangeThreshold > 1 {
		return fmt.Errorf("visual.change_threshold must be within [0, 1], got %v", v.ChangeThreshold)
	}
	if v.PixelThreshold == 0 {
		v.PixelThreshold = def.PixelThreshold
	}
	if v.PixelThreshold < 0 || v.PixelThreshold > 255 {
		return fmt.Errorf("visual.pixel_threshold must be within [0, 255], got %d", v.PixelThreshold)
	}
	if v.MinArea <= 0 {
		v.MinArea = def.MinArea
	}
	if v.HistorySize <= 0 {
		v.HistorySize = def.HistorySize
	}
	if v.Hint == "" {
		v.Hint = def.Hint
	}
	if !visual.Hint(v.Hint).Valid() {
		return fmt.Errorf("visual: invalid hint: %s", v.Hint)
	}
	if v.ColorTolerance <= 0 {
		v.ColorTolerance = def.ColorTolerance
	}
	if v.ColorTolerance > 255 {
		return fmt.Errorf("visual.color_tolerance must be within [0, 255], got %d", v.ColorTolerance)
	}
	if _, _, err := parseColor(v.TargetColor); err != nil {
		return err
	}
	if v.OCR.Path == "" {
		v.OCR.Path = def.OCR.Path
	}
	if v.OCR.Timeout <= 0 {
		v.OCR.Timeout = def.OCR.Timeout
	}

	seen := make(map[string]bool)
	for i, r := range v.Regions {
		if r.Name == "" {
			return fmt.Errorf("visual.regions[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("visual.regions: duplicate region name '%s'", r.Name)
		}
		seen[r.Name] = true
		if err := r.Validate(); err != nil {
			return fmt.Errorf("visual.regions[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *ScannerConfig) validate(def ScannerConfig) error {
	if s.PreferredBackend != "" {
		known := false
		for _, name := range scanner.NewFactory().Backends() {
			if name == s.PreferredBackend {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("scanner: unknown preferred_backend: %s", s.PreferredBackend)
		}
	}
	if s.Alignment <= 0 {
		s.Alignment = def.Alignment
	}
	if s.MaxCandidates <= 0 {
		s.MaxCandidates = def.MaxCandidates
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = def.ChunkSize
	}
	if s.ScanTimeout <= 0 {
		s.ScanTimeout = def.ScanTimeout
	}
	if s.GDBStub.Timeout <= 0 {
		s.GDBStub.Timeout = def.GDBStub.Timeout
	}
	for i, r := range s.GDBStub.Ranges {
		if r.End <= r.Start {
			return fmt.Errorf("scanner.gdbstub.ranges[%d]: end must be greater than start", i)
		}
	}
	return nil
}

func (w *WorkflowConfig) validate(def WorkflowConfig) error {
	if w.ValueType == "" {
		w.ValueType = def.ValueType
	}
	vt, err := scanner.ParseValueType(w.ValueType)
	if err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	w.ValueType = string(vt)

	if w.ScanType == "" {
		w.ScanType = def.ScanType
	}
	st, err := scanner.ParseScanType(w.ScanType)
	if err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	if st == scanner.Changed || st == scanner.Unchanged {
		return fmt.Errorf("workflow.scan_type %s cannot start a scan session (use exact, greater or less)", st)
	}
	w.ScanType = string(st)

	if w.BreakpointThreshold == 0 {
		w.BreakpointThreshold = def.BreakpointThreshold
	}
	if w.BreakpointThreshold < 1 {
		return fmt.Errorf("workflow.breakpoint_threshold must be >= 1, got %d", w.BreakpointThreshold)
	}
	bt, err := adapter.ParseBreakpointType(w.BreakpointType)
	if err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	w.BreakpointType = string(bt)

	if w.StopTimeout <= 0 {
		w.StopTimeout = def.StopTimeout
	}
	if w.ValueLogSize <= 0 {
		w.ValueLogSize = def.ValueLogSize
	}
	return nil
}

func (ch *ChannelConfig) applyDefaults(def ChannelConfig) {
	if ch.Listen == "" {
		ch.Listen = def.Listen
	}
	if ch.QueueSize <= 0 {
		ch.QueueSize = def.QueueSize
	}
	if ch.MaxConnections < 0 {
		ch.MaxConnections = 0
	}
	if ch.MaxFrameBytes <= 0 {
		ch.MaxFrameBytes = def.MaxFrameBytes
	}
	if ch.DialTimeout <= 0 {
		ch.DialTimeout = def.DialTimeout
	}
	if ch.WriteTimeout <= 0 {
		ch.WriteTimeout = def.WriteTimeout
	}
	if ch.RequestTimeout <= 0 {
		ch.RequestTimeout = def.RequestTimeout
	}
}

// ApplyEnv overrides configuration from REO_* environment variables.
func (c *ReoConfig) ApplyEnv() error {
	if v, ok := os.LookupEnv("REO_TARGET_PID"); ok && v != "" {
		pid, err := strconv.Atoi(v)
		if err != nil || pid <= 0 {
			return fmt.Errorf("REO_TARGET_PID: invalid pid %q", v)
		}
		c.Target = scanner.Target{PID: pid}
	}
	if v, ok := os.LookupEnv("REO_TARGET_NAME"); ok && v != "" {
		c.Target = scanner.Target{Name: v}
	}

	overrides := []struct {
		env string
		dst *string
	}{
		{"REO_PREFERRED_BACKEND", &c.Scanner.PreferredBackend},
		{"REO_CHANNEL_LISTEN", &c.Channel.Listen},
		{"REO_HEALTH_LISTEN", &c.Health.Listen},
		{"REO_INSTANCE", &c.Redis.Instance},
		{"REO_REDIS_URL", &c.Redis.URL},
		{"REO_ADAPTER", &c.Adapter.Tool},
		{"REO_DLV_ADDRESS", &c.Adapter.Delve.Address},
		{"REO_IDA_RPC_URL", &c.Adapter.IDA.RPCURL},
		{"REO_LOG_LEVEL", &c.LogLevel},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.dst = v
		}
	}
	return c.Validate()
}

// parseColor parses "#RRGGBB". The empty string means no target colour.
func parseColor(s string) (color.RGBA, bool, error) {
	if s == "" {
		return color.RGBA{}, false, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return color.RGBA{}, false, fmt.Errorf("visual.target_color must be #RRGGBB, got %q", s)
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, false, fmt.Errorf("visual.target_color must be #RRGGBB, got %q", s)
	}
	return color.RGBA{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n), A: 0xff}, true, nil
}

// MonitorConfig is the visual monitor configuration.
func (c *ReoConfig) MonitorConfig() visual.MonitorConfig {
	return visual.MonitorConfig{
		Interval: c.Visual.CaptureInterval,
		Detector: visual.DetectorConfig{
			ChangeThreshold: c.Visual.ChangeThreshold,
			PixelThreshold:  uint8(c.Visual.PixelThreshold),
			MinArea:         c.Visual.MinArea,
		},
		Hint:        visual.Hint(c.Visual.Hint),
		HistorySize: c.Visual.HistorySize,
	}
}

// Extractor builds the value extractor, backed by tesseract.
func (c *ReoConfig) Extractor() *visual.Extractor {
	var opts []visual.ExtractorOption
	if rgba, ok, _ := parseColor(c.Visual.TargetColor); ok {
		opts = append(opts, visual.WithTargetColor(rgba, uint8(c.Visual.ColorTolerance)))
	}
	return visual.NewExtractor(visual.NewTesseract(c.Visual.OCR.Path, c.Visual.OCR.Timeout), opts...)
}

// ScannerConfig is the scanner factory configuration for target.
func (c *ReoConfig) ScannerConfig(target scanner.Target) scanner.Config {
	return scanner.Config{
		Target:    target,
		Preferred: c.Scanner.PreferredBackend,
		Options: scanner.Options{
			Alignment:     c.Scanner.Alignment,
			MaxCandidates: c.Scanner.MaxCandidates,
			ChunkSize:     c.Scanner.ChunkSize,
			WritableOnly:  c.Scanner.WritableOnly,
		},
		GDBStub: c.Scanner.GDBStub,
	}
}

// OrchestratorConfig is the workflow configuration.
func (c *ReoConfig) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Instance:            c.Redis.Instance,
		ValueType:           scanner.ValueType(c.Workflow.ValueType),
		ScanType:            scanner.ScanType(c.Workflow.ScanType),
		BreakpointThreshold: c.Workflow.BreakpointThreshold,
		BreakpointType:      adapter.BreakpointType(c.Workflow.BreakpointType),
		ScanTimeout:         c.Scanner.ScanTimeout,
		StopTimeout:         c.Workflow.StopTimeout,
		ValueLogSize:        c.Workflow.ValueLogSize,
		IncludeSnapshot:     c.Visual.IncludeSnapshot,
	}
}

// ServerConfig is the message server configuration.
func (c *ReoConfig) ServerConfig() channel.ServerConfig {
	return channel.ServerConfig{
		Listen:         c.Channel.Listen,
		QueueSize:      c.Channel.QueueSize,
		MaxConnections: c.Channel.MaxConnections,
		MaxFrameBytes:  c.Channel.MaxFrameBytes,
		WriteTimeout:   c.Channel.WriteTimeout,
		Source:         orchestrator.Source,
	}
}

// ClientConfig is the message client configuration for addr.
func (c *ReoConfig) ClientConfig(addr string) channel.ClientConfig {
	return channel.ClientConfig{
		Address:        addr,
		DialTimeout:    c.Channel.DialTimeout,
		WriteTimeout:   c.Channel.WriteTimeout,
		RequestTimeout: c.Channel.RequestTimeout,
		MaxFrameBytes:  c.Channel.MaxFrameBytes,
		QueueSize:      c.Channel.QueueSize,
	}
}

// DetectorConfig is the tool detection configuration.
func (c *ReoConfig) DetectorConfig() tooldetect.Config {
	return tooldetect.Config{
		DlvPath:      c.Adapter.Delve.DlvPath,
		DelveAddress: c.Adapter.Delve.Address,
		IDARPCURL:    c.Adapter.IDA.RPCURL,
		TTL:          c.Adapter.DetectionTTL,
	}
}

// Region returns the configured region called name.
func (c *ReoConfig) Region(name string) (capture.Region, bool) {
	for _, r := range c.Visual.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return capture.Region{}, false
}
