package scanner

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/reo/internal/metrics"
)

// Accessor moves bytes in and out of a target's address space. Backends
// implement it; Engine builds the scanning contract on top.
type Accessor interface {
	Name() string
	// Attach resolves and opens the target, returning its pid when known.
	Attach(ctx context.Context, target Target) (int, error)
	Detach() error
	Regions(ctx context.Context) ([]Region, error)
	// ReadAt reads into buf and returns the number of bytes read. A short
	// read returns the bytes that were available together with an error.
	ReadAt(addr uint64, buf []byte) (int, error)
	WriteAt(addr uint64, data []byte) (int, error)
}

// Options tune the initial scan.
type Options struct {
	Alignment     int  // Candidate addresses are multiples of this; 1 searches every offset
	MaxCandidates int  // Initial scan stops (and flags the session truncated) at this many hits
	ChunkSize     int  // Bytes read per call while sweeping a region
	WritableOnly  bool // Skip read-only mappings
}

// DefaultOptions returns the standard scan settings.
func DefaultOptions() Options {
	return Options{
		Alignment:     1,
		MaxCandidates: 1_000_000,
		ChunkSize:     1 << 20,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.Alignment <= 0 {
		o.Alignment = d.Alignment
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = d.MaxCandidates
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	return o
}

// Engine implements Scanner over any Accessor. It owns the scan session.
type Engine struct {
	acc    Accessor
	target Target
	opts   Options

	// scanMu serializes passes; mu guards the fields below and is never held
	// across target I/O, so Session and Info never wait for a running scan.
	scanMu sync.Mutex

	mu         sync.Mutex
	connected  bool
	pid        int
	vt         ValueType
	generation int
	candidates []Candidate
	truncated  bool
}

// NewEngine returns a disconnected scanner for target.
func NewEngine(acc Accessor, target Target, opts Options) *Engine {
	return &Engine{acc: acc, target: target, opts: opts.normalized()}
}

// Connect attaches the accessor to the target.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.target.Validate(); err != nil {
		return err
	}
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	pid, err := e.acc.Attach(ctx, e.target)
	if err != nil {
		return fmt.Errorf("failed to attach %s backend to %s: %w", e.acc.Name(), e.target, err)
	}

	e.mu.Lock()
	e.connected = true
	e.pid = pid
	e.mu.Unlock()

	log.Printf("[Scanner] %s backend attached to %s (pid %d)", e.acc.Name(), e.target, pid)
	return nil
}

// Disconnect detaches from the target and clears the session.
func (e *Engine) Disconnect() error {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	e.resetLocked()
	e.mu.Unlock()

	if !wasConnected {
		return nil
	}
	if err := e.acc.Detach(); err != nil {
		return fmt.Errorf("failed to detach %s backend: %w", e.acc.Name(), err)
	}
	return nil
}

// InitialScan sweeps every scannable region for value and replaces the
// session with the hits (generation 1).
func (e *Engine) InitialScan(ctx context.Context, value interface{}, vt ValueType, st ScanType) ([]Candidate, error) {
	switch st {
	case Exact:
	case Greater, Less:
		if !vt.Numeric() {
			return nil, fmt.Errorf("%w: %s needs a numeric type, got %s", ErrInvalidScanType, st, vt)
		}
	default:
		return nil, fmt.Errorf("%w: %q cannot start a session", ErrInvalidScanType, st)
	}

	pattern, err := Encode(value, vt)
	if err != nil {
		return nil, err
	}
	if len(pattern) == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidValue)
	}

	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	if !e.isConnected() {
		return nil, ErrNotConnected
	}

	start := time.Now()
	regions, err := e.acc.Regions(ctx)
	if err != nil {
		metrics.ScanPasses.WithLabelValues("initial", "error").Inc()
		return nil, fmt.Errorf("failed to enumerate regions: %w", err)
	}

	var found []Candidate
	truncated := false
	for _, r := range regions {
		if !scannable(r, e.opts.WritableOnly) {
			continue
		}
		var full bool
		found, full, err = e.sweep(ctx, r, pattern, vt, st, found)
		if err != nil {
			metrics.ScanPasses.WithLabelValues("initial", "error").Inc()
			return nil, err
		}
		if full {
			truncated = true
			log.Printf("[Scanner] Initial scan stopped at %d candidates", e.opts.MaxCandidates)
			break
		}
	}

	e.mu.Lock()
	e.vt = vt
	e.generation = 1
	e.candidates = found
	e.truncated = truncated
	e.mu.Unlock()

	observe("initial", start, len(found))
	return cloneCandidates(found), nil
}

// sweep searches one region chunk by chunk. Chunks overlap by len(pattern)-1
// so values straddling a chunk boundary are found exactly once.
func (e *Engine) sweep(ctx context.Context, r Region, pattern []byte, vt ValueType, st ScanType, found []Candidate) ([]Candidate, bool, error) {
	width := uint64(len(pattern))
	chunk := uint64(e.opts.ChunkSize)
	align := uint64(e.opts.Alignment)
	buf := make([]byte, chunk+width-1)

	for base := r.Start; base < r.End; base += chunk {
		if err := ctx.Err(); err != nil {
			return found, false, fmt.Errorf("scan cancelled: %w", err)
		}

		want := r.End - base
		if want > chunk+width-1 {
			want = chunk + width - 1
		}
		n, _ := e.acc.ReadAt(base, buf[:want])
		if uint64(n) < width {
			// unreadable pages are skipped; the layout may change under us
			continue
		}
		data := buf[:n]

		for off := uint64(0); off+width <= uint64(n) && off < chunk; off++ {
			addr := base + off
			if addr%align != 0 {
				continue
			}
			if st == Exact {
				// jump straight to the next occurrence
				idx := bytes.Index(data[off:], pattern)
				if idx < 0 {
					break
				}
				off += uint64(idx)
				addr = base + off
				if off >= chunk || off+width > uint64(n) {
					break
				}
				if addr%align != 0 {
					continue
				}
			} else if !matches(data[off:off+width], pattern, nil, vt, st) {
				continue
			}

			found = append(found, Candidate{
				Address:    addr,
				Type:       vt,
				Raw:        append([]byte(nil), data[off:off+width]...),
				Size:       int(width),
				Region:     r.Path,
				Module:     r.Module(),
				Offset:     r.Offset + (addr - r.Start),
				Protection: r.Perms,
			})
			if len(found) >= e.opts.MaxCandidates {
				return found, true, nil
			}
		}
	}
	return found, false, nil
}

// FilterScan re-reads every surviving candidate and keeps those that still
// satisfy st. The result is always a subset of the previous generation.
func (e *Engine) FilterScan(ctx context.Context, value interface{}, vt ValueType, st ScanType) ([]Candidate, error) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	e.mu.Lock()
	connected, generation, sessionType := e.connected, e.generation, e.vt
	prior := e.candidates
	e.mu.Unlock()

	if generation == 0 {
		return nil, ErrNoPriorScan
	}
	if !connected {
		return nil, ErrNotConnected
	}
	if vt != sessionType {
		return nil, fmt.Errorf("%w: session is %s, filter asked for %s", ErrTypeMismatch, sessionType, vt)
	}

	var pattern []byte
	switch st {
	case Exact, Greater, Less:
		if st != Exact && !vt.Numeric() {
			return nil, fmt.Errorf("%w: %s needs a numeric type, got %s", ErrInvalidScanType, st, vt)
		}
		p, err := Encode(value, vt)
		if err != nil {
			return nil, err
		}
		pattern = p
	case Changed, Unchanged:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidScanType, st)
	}

	start := time.Now()
	survivors := make([]Candidate, 0, len(prior))
	for i, c := range prior {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				metrics.ScanPasses.WithLabelValues("filter", "error").Inc()
				return nil, fmt.Errorf("filter cancelled: %w", err)
			}
		}

		current := make([]byte, c.Size)
		n, err := e.acc.ReadAt(c.Address, current)
		if err != nil || n < c.Size {
			continue
		}
		if st == Exact && len(pattern) != c.Size {
			continue
		}
		if !matches(current, pattern, c.Raw, vt, st) {
			continue
		}
		c.Raw = current
		survivors = append(survivors, c)
	}

	e.mu.Lock()
	e.generation++
	e.candidates = survivors
	e.mu.Unlock()

	observe("filter", start, len(survivors))
	return cloneCandidates(survivors), nil
}

// matches applies a comparison to the bytes currently in memory. pattern is
// the encoded requested value; previous is the candidate's last reading.
func matches(current, pattern, previous []byte, vt ValueType, st ScanType) bool {
	switch st {
	case Exact:
		return bytes.Equal(current, pattern)
	case Greater, Less:
		c, err := compare(current, pattern, vt)
		if err != nil {
			return false
		}
		if st == Greater {
			return c > 0
		}
		return c < 0
	case Changed:
		return !bytes.Equal(current, previous)
	case Unchanged:
		return bytes.Equal(current, previous)
	}
	return false
}

// ReadMemory reads size bytes at addr. Failures are reported, never retried.
func (e *Engine) ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidValue)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.isConnected() {
		return nil, ErrNotConnected
	}
	buf := make([]byte, size)
	n, err := e.acc.ReadAt(addr, buf)
	if err != nil {
		return nil, &ReadError{Addr: addr, Size: size, Err: err}
	}
	if n < size {
		return nil, &ReadError{Addr: addr, Size: size, Err: fmt.Errorf("short read: %d of %d bytes", n, size)}
	}
	return buf, nil
}

// WriteMemory writes data at addr. Failures are reported, never retried.
func (e *Engine) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.isConnected() {
		return ErrNotConnected
	}
	n, err := e.acc.WriteAt(addr, data)
	if err != nil {
		return &WriteError{Addr: addr, Size: len(data), Err: err}
	}
	if n < len(data) {
		return &WriteError{Addr: addr, Size: len(data), Err: fmt.Errorf("short write: %d of %d bytes", n, len(data))}
	}
	return nil
}

// ClearScan resets the session to generation 0 without disconnecting.
func (e *Engine) ClearScan() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	e.generation = 0
	e.candidates = nil
	e.truncated = false
	e.vt = ""
}

// Session returns a snapshot of the scan session.
func (e *Engine) Session() SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SessionInfo{
		Target:     e.target,
		Type:       e.vt,
		Generation: e.generation,
		Count:      len(e.candidates),
		Status:     statusOf(e.generation, len(e.candidates)),
		Truncated:  e.truncated,
	}
}

// Candidates returns a copy of the surviving candidates.
func (e *Engine) Candidates() []Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneCandidates(e.candidates)
}

// Info describes the backend and attachment.
func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		Backend:      e.acc.Name(),
		Target:       e.target,
		PID:          e.pid,
		Connected:    e.connected,
		Capabilities: []string{"initial_scan", "filter_scan", "read_memory", "write_memory"},
	}
}

func (e *Engine) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func observe(kind string, start time.Time, count int) {
	outcome := "hit"
	if count == 0 {
		outcome = "empty"
	}
	metrics.ScanPasses.WithLabelValues(kind, outcome).Inc()
	metrics.ScanDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.Candidates.Set(float64(count))
}

func cloneCandidates(in []Candidate) []Candidate {
	if in == nil {
		return nil
	}
	out := make([]Candidate, len(in))
	for i, c := range in {
		c.Raw = append([]byte(nil), c.Raw...)
		out[i] = c
	}
	return out
}
