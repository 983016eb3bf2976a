// Package tooldetect finds the reverse-engineering tools reo can drive and
// caches what it found for a bounded time.
package tooldetect

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dyluth/reo/internal/adapter"
	"github.com/dyluth/reo/internal/scanner"
)

// DefaultTTL is how long a detection result stays valid.
const DefaultTTL = 30 * time.Second

// Result describes one tool.
type Result struct {
	Tool       string                 `json:"tool"`
	Available  bool                   `json:"available"`
	Method     string                 `json:"method"` // How the tool was found
	Path       string                 `json:"path,omitempty"`
	Address    string                 `json:"address,omitempty"` // Where to connect
	Running    bool                   `json:"running"`
	Error      string                 `json:"error,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// Config tells the detector where to look.
type Config struct {
	DlvPath      string
	DelveAddress string
	IDARPCURL    string
	TTL          time.Duration
	ProbeTimeout time.Duration
}

type entry struct {
	result  Result
	expires time.Time
}

// Detector probes for Delve and IDA Pro. Results are cached per tool until
// their TTL passes or Clear is called.
type Detector struct {
	cfg   Config
	cache *lru.Cache
	now   func() time.Time

	// probes, replaceable in tests
	lookPath  func(string) (string, error)
	processes func(ctx context.Context, filter string) ([]scanner.ProcessInfo, error)

	mu sync.Mutex // serializes probing of the same tool
}

// New returns a detector for cfg.
func New(cfg Config) *Detector {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.DlvPath == "" {
		cfg.DlvPath = "dlv"
	}
	if cfg.IDARPCURL == "" {
		cfg.IDARPCURL = adapter.DefaultIDAURL
	}
	// two tools; the size only has to hold both
	cache, _ := lru.New(8)
	return &Detector{
		cfg:       cfg,
		cache:     cache,
		now:       time.Now,
		lookPath:  exec.LookPath,
		processes: scanner.ListProcesses,
	}
}

// Tools lists the tools the detector knows.
func Tools() []string {
	return []string{adapter.ToolIDA, adapter.ToolDelve}
}

// Detect reports every known tool.
func (d *Detector) Detect(ctx context.Context) []Result {
	out := make([]Result, 0, 2)
	for _, tool := range Tools() {
		out = append(out, d.DetectTool(ctx, tool))
	}
	return out
}

// DetectTool reports one tool, from cache when fresh.
func (d *Detector) DetectTool(ctx context.Context, tool string) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.cache.Get(tool); ok {
		e := v.(entry)
		if d.now().Before(e.expires) {
			return e.result
		}
		d.cache.Remove(tool)
	}

	var res Result
	switch tool {
	case adapter.ToolDelve:
		res = d.detectDelve(ctx)
	case adapter.ToolIDA:
		res = d.detectIDA(ctx)
	default:
		return Result{Tool: tool, Method: "none", Error: fmt.Sprintf("unknown tool %q", tool), DetectedAt: d.now()}
	}
	res.DetectedAt = d.now()
	d.cache.Add(tool, entry{result: res, expires: res.DetectedAt.Add(d.cfg.TTL)})

	log.Printf("[Detect] %s available=%v method=%s", tool, res.Available, res.Method)
	return res
}

// Available implements adapter.Availability.
func (d *Detector) Available(ctx context.Context, tool string) bool {
	return d.DetectTool(ctx, tool).Available
}

// Clear forgets every cached result.
func (d *Detector) Clear() {
	d.cache.Purge()
}

// detectDelve prefers a reachable headless server, then a dlv binary that
// could be spawned.
func (d *Detector) detectDelve(ctx context.Context) Result {
	res := Result{Tool: adapter.ToolDelve, Address: d.cfg.DelveAddress, Method: "none"}

	if d.cfg.DelveAddress != "" {
		dialer := net.Dialer{Timeout: d.cfg.ProbeTimeout}
		if conn, err := dialer.DialContext(ctx, "tcp", d.cfg.DelveAddress); err == nil {
			conn.Close()
			res.Available, res.Running, res.Method = true, true, "listening"
		}
	}
	if path, err := d.lookPath(d.cfg.DlvPath); err == nil {
		res.Path = path
		if !res.Available {
			res.Available, res.Method = true, "path"
		}
	}
	if !res.Available {
		res.Error = "dlv not found on PATH and no headless server listening"
	}
	return res
}

// detectIDA probes the RPC plugin first, then IDA_PATH and running
// processes. Only a reachable plugin makes IDA available.
func (d *Detector) detectIDA(ctx context.Context) Result {
	res := Result{Tool: adapter.ToolIDA, Address: d.cfg.IDARPCURL, Method: "none"}

	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()
	ida := adapter.NewIDA(adapter.IDAConfig{RPCURL: d.cfg.IDARPCURL, Timeout: d.cfg.ProbeTimeout})
	r := ida.Connect(probeCtx)
	if r.Success {
		res.Available, res.Running, res.Method = true, true, "rpc"
		if meta, ok := r.Data["metadata"].(map[string]interface{}); ok {
			res.Metadata = meta
		}
		return res
	}
	res.Error = r.Error

	if p := os.Getenv("IDA_PATH"); p != "" {
		if _, err := os.Stat(p); err == nil {
			res.Path, res.Method = p, "environment_variable"
		}
	}
	if procs, err := d.processes(ctx, "ida"); err == nil && len(procs) > 0 {
		res.Running = true
		if res.Method == "none" {
			res.Method = "running_process"
		}
	}
	return res
}
