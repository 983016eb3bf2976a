// Package orchestrator drives the discovery workflow: visual changes feed
// memory-scan narrowing until few enough addresses survive to anchor
// breakpoints on.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/reo/internal/adapter"
	"github.com/dyluth/reo/internal/capture"
	"github.com/dyluth/reo/internal/channel"
	"github.com/dyluth/reo/internal/fault"
	"github.com/dyluth/reo/internal/logx"
	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/internal/visual"
	"github.com/dyluth/reo/pkg/message"
)

var (
	ErrAlreadyRunning    = fault.New(fault.Precondition, "AlreadyRunning", "workflow is already running")
	ErrNotRunning        = fault.New(fault.Precondition, "NotRunning", "workflow is not running")
	ErrNoVisualAnalyzer  = fault.New(fault.Precondition, "NoVisualAnalyzer", "no visual analyzer configured")
	ErrNoMemoryScanner   = fault.New(fault.Precondition, "NoMemoryScanner", "no memory scanner configured")
	ErrNoAdapter         = fault.New(fault.Precondition, "NoAdapter", "no RE tool adapter configured")
	ErrNoAddresses       = fault.New(fault.Precondition, "NoAddresses", "no addresses to set breakpoints on")
	ErrResumeUnsupported = fault.New(fault.Precondition, "ResumeUnsupported", "the RE tool adapter cannot resume the target")
)

// Source is the message source id used by the orchestrator.
const Source = "orchestrator"

// resultLimit caps the candidates embedded in scan_result messages.
const resultLimit = 100

const publishTimeout = 2 * time.Second

// Monitor is the visual analyzer the workflow listens to.
type Monitor interface {
	Start(regions []capture.Region, onChange visual.ChangeFunc) error
	Stop(timeout time.Duration) error
	Running() bool
	Status() visual.MonitorStatus
}

// Config holds the workflow knobs.
type Config struct {
	Instance            string
	ValueType           scanner.ValueType
	ScanType            scanner.ScanType
	BreakpointThreshold int
	BreakpointType      adapter.BreakpointType
	ScanTimeout         time.Duration
	StopTimeout         time.Duration
	ValueLogSize        int
	IncludeSnapshot     bool // Attach region snapshots to published visual_change messages
}

// DefaultConfig returns the standard workflow settings.
func DefaultConfig() Config {
	return Config{
		Instance:            "default",
		ValueType:           scanner.Int32,
		ScanType:            scanner.Exact,
		BreakpointThreshold: 5,
		BreakpointType:      adapter.Write,
		ScanTimeout:         30 * time.Second,
		StopTimeout:         2 * time.Second,
		ValueLogSize:        100,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Instance == "" {
		c.Instance = def.Instance
	}
	if c.ValueType == "" {
		c.ValueType = def.ValueType
	}
	if c.ScanType == "" {
		c.ScanType = def.ScanType
	}
	if c.BreakpointThreshold <= 0 {
		c.BreakpointThreshold = def.BreakpointThreshold
	}
	if c.BreakpointType == "" {
		c.BreakpointType = def.BreakpointType
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = def.ScanTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.ValueLogSize <= 0 {
		c.ValueLogSize = def.ValueLogSize
	}
}

// Deps are the collaborators wired in by the composition root. Any of them
// may be nil; operations needing a missing one fail with a precondition error.
type Deps struct {
	Monitor    Monitor
	Scanner    scanner.Scanner
	Adapter    adapter.Adapter
	Server     *channel.Server     // Started by Start; also receives every published message
	Publishers []channel.Publisher // Extra fan-out targets such as the Redis bridge
}

// ValueRecord is one value read from the screen.
type ValueRecord struct {
	RegionID   string      `json:"region_id"`
	Value      interface{} `json:"value"`
	Kind       string      `json:"kind"`
	Confidence float64     `json:"confidence"`
	ObservedAt time.Time   `json:"observed_at"`
}

// Status is a snapshot of the workflow.
type Status struct {
	Phase            Phase                 `json:"phase"`
	Running          bool                  `json:"running"`
	Regions          []string              `json:"regions,omitempty"`
	ValueType        scanner.ValueType     `json:"value_type,omitempty"`
	CurrentAddresses []uint64              `json:"current_addresses,omitempty"`
	CandidateCount   int                   `json:"candidate_count"`
	Generation       int                   `json:"generation"`
	SessionStatus    scanner.Status        `json:"session_status"`
	BreakpointsSet   bool                  `json:"breakpoints_set"`
	LastError        string                `json:"last_error,omitempty"`
	ValueLog         []ValueRecord         `json:"value_log,omitempty"`
	Monitor          *visual.MonitorStatus `json:"monitor,omitempty"`
	Scanner          *scanner.Info         `json:"scanner,omitempty"`
	Adapter          string                `json:"adapter,omitempty"`
}

// ToMessage converts s into its wire payload.
func (s Status) ToMessage() message.Status {
	return message.Status{
		Phase:            string(s.Phase),
		Running:          s.Running,
		Regions:          s.Regions,
		CurrentAddresses: s.CurrentAddresses,
		CandidateCount:   s.CandidateCount,
		Generation:       s.Generation,
		SessionStatus:    string(s.SessionStatus),
		BreakpointsSet:   s.BreakpointsSet,
		LastError:        s.LastError,
	}
}

type state struct {
	phase          Phase
	regions        []capture.Region
	valueType      scanner.ValueType
	addresses      []uint64
	count          int
	generation     int
	session        scanner.Status
	exhausted      bool
	breakpointsSet bool
	lastError      string
	values         []ValueRecord
}

// Engine owns the workflow state and sequences the monitor, scanner and
// RE-tool adapter.
type Engine struct {
	cfg        Config
	monitor    Monitor
	scanner    scanner.Scanner
	adapter    adapter.Adapter
	server     *channel.Server
	publishers []channel.Publisher

	// lifecycle serializes Start, Stop and Close. passMu serializes scan
	// passes. mu guards state and is never held across a scan, so Status
	// always answers promptly.
	lifecycle sync.Mutex
	passMu    sync.Mutex

	mu            sync.Mutex
	state         state
	serverStarted bool
}

// NewEngine wires the collaborators together. When a server is given its
// message handlers are registered immediately.
func NewEngine(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		monitor: deps.Monitor,
		scanner: deps.Scanner,
		adapter: deps.Adapter,
		server:  deps.Server,
		state:   state{phase: PhaseIdle, session: scanner.StatusEmpty},
	}
	if deps.Server != nil {
		e.publishers = append(e.publishers, deps.Server)
		e.registerHandlers(deps.Server)
	}
	e.publishers = append(e.publishers, deps.Publishers...)
	recordPhase(PhaseIdle)
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Start connects the scanner, starts the message server, clears any previous
// session and arms the monitor over regions. vt defaults to the configured
// value type.
func (e *Engine) Start(ctx context.Context, regions []capture.Region, vt scanner.ValueType) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	running := e.state.phase.Running()
	e.mu.Unlock()
	if running {
		return ErrAlreadyRunning
	}
	if e.monitor == nil {
		return ErrNoVisualAnalyzer
	}
	if e.scanner == nil {
		return ErrNoMemoryScanner
	}
	if len(regions) == 0 {
		return visual.ErrNoRegions
	}
	if vt == "" {
		vt = e.cfg.ValueType
	}
	vt, err := scanner.ParseValueType(string(vt))
	if err != nil {
		return err
	}

	if err := e.connectScanner(ctx); err != nil {
		return err
	}
	if err := e.startServer(ctx); err != nil {
		return err
	}

	e.passMu.Lock()
	e.scanner.ClearScan()
	e.passMu.Unlock()

	e.mu.Lock()
	e.state = state{
		phase:     PhaseIdle,
		regions:   append([]capture.Region(nil), regions...),
		valueType: vt,
		session:   scanner.StatusEmpty,
	}
	e.setPhaseLocked(PhaseMonitoring)
	e.mu.Unlock()

	if err := e.monitor.Start(regions, e.onChange); err != nil {
		e.mu.Lock()
		e.setPhaseLocked(PhaseIdle)
		e.mu.Unlock()
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	names := regionNames(regions)
	e.logEvent("workflow_started", map[string]interface{}{
		"regions":              names,
		"value_type":           string(vt),
		"scan_type":            string(e.cfg.ScanType),
		"breakpoint_threshold": e.cfg.BreakpointThreshold,
	})
	log.Printf("[Orchestrator] Workflow started on %d region(s) %v as %s", len(regions), names, vt)
	e.publishStatus(ctx)
	return nil
}

func (e *Engine) connectScanner(ctx context.Context) error {
	if e.scanner.Info().Connected {
		return nil
	}
	if err := e.scanner.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect memory scanner: %w", err)
	}
	return nil
}

func (e *Engine) startServer(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	e.mu.Lock()
	started := e.serverStarted
	e.mu.Unlock()
	if started {
		return nil
	}

	addr, err := e.server.Start(ctx)
	if errors.Is(err, channel.ErrServerRunning) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start message server: %w", err)
	}
	e.mu.Lock()
	e.serverStarted = true
	e.mu.Unlock()
	log.Printf("[Orchestrator] Message server listening on %s", addr)
	return nil
}

// onChange is the monitor callback. It runs on the monitor goroutine.
func (e *Engine) onChange(ctx context.Context, ev visual.ChangeEvent) {
	e.publish(ctx, message.TypeVisualChange, ev.ToMessage(e.cfg.IncludeSnapshot))
	if err := e.HandleChange(ctx, ev); err != nil {
		logx.Debugf("[Orchestrator] Change in %s not applied: %v", ev.RegionID, err)
	}
}

// HandleChange feeds one visual change into the workflow. The first value
// triggers an initial scan; later values filter the survivors. Changes are
// ignored while idle, without a value, or once narrowing is exhausted. Scan
// failures are recorded in LastError and returned; monitoring continues.
func (e *Engine) HandleChange(ctx context.Context, ev visual.ChangeEvent) error {
	if !ev.HasValue() {
		return nil
	}

	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.mu.Lock()
	if !e.state.phase.Running() {
		e.mu.Unlock()
		logx.Debugf("[Orchestrator] Ignoring change in %s: workflow not running", ev.RegionID)
		return nil
	}
	if e.state.exhausted {
		e.mu.Unlock()
		logx.Debugf("[Orchestrator] Ignoring change in %s: narrowing exhausted", ev.RegionID)
		return nil
	}
	e.recordValueLocked(ev)
	initial := e.state.generation == 0
	if initial {
		e.setPhaseLocked(PhaseScanning)
	} else {
		e.setPhaseLocked(PhaseFiltering)
	}
	vt := e.state.valueType
	e.mu.Unlock()

	_, err := e.pass(ctx, initial, ev.Value.Value, vt, e.cfg.ScanType)
	return err
}

func (e *Engine) recordValueLocked(ev visual.ChangeEvent) {
	e.state.values = append(e.state.values, ValueRecord{
		RegionID:   ev.RegionID,
		Value:      ev.Value.Value,
		Kind:       string(ev.Value.Kind),
		Confidence: ev.Value.Confidence,
		ObservedAt: ev.Timestamp,
	})
	if over := len(e.state.values) - e.cfg.ValueLogSize; over > 0 {
		e.state.values = append([]ValueRecord(nil), e.state.values[over:]...)
	}
}

// Scan runs an initial scan on demand, replacing the candidate set.
func (e *Engine) Scan(ctx context.Context, value interface{}, vt scanner.ValueType, st scanner.ScanType) ([]scanner.Candidate, error) {
	return e.manualPass(ctx, true, value, vt, st)
}

// Filter runs a filter pass on demand over the surviving candidates.
func (e *Engine) Filter(ctx context.Context, value interface{}, vt scanner.ValueType, st scanner.ScanType) ([]scanner.Candidate, error) {
	return e.manualPass(ctx, false, value, vt, st)
}

func (e *Engine) manualPass(ctx context.Context, initial bool, value interface{}, vt scanner.ValueType, st scanner.ScanType) ([]scanner.Candidate, error) {
	if e.scanner == nil {
		return nil, ErrNoMemoryScanner
	}
	if vt == "" && !initial {
		// a filter narrows the live session, so it keeps that session's type
		if session := e.scanner.Session(); session.Generation > 0 {
			vt = session.Type
		}
	}
	if vt == "" {
		e.mu.Lock()
		vt = e.state.valueType
		e.mu.Unlock()
	}
	if vt == "" {
		vt = e.cfg.ValueType
	}
	if st == "" {
		st = e.cfg.ScanType
	}
	if err := e.connectScanner(ctx); err != nil {
		return nil, err
	}

	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.mu.Lock()
	if e.state.phase.Running() {
		if initial {
			e.setPhaseLocked(PhaseScanning)
		} else {
			e.setPhaseLocked(PhaseFiltering)
		}
	}
	e.mu.Unlock()
	return e.pass(ctx, initial, value, vt, st)
}

// pass runs one scan or filter pass and folds the outcome into the state.
// Callers hold passMu.
func (e *Engine) pass(ctx context.Context, initial bool, value interface{}, vt scanner.ValueType, st scanner.ScanType) ([]scanner.Candidate, error) {
	kind := "filter"
	resultType := message.TypeFilterResult
	if initial {
		kind = "initial"
		resultType = message.TypeScanResult
	}

	passCtx, cancel := context.WithTimeout(ctx, e.cfg.ScanTimeout)
	var (
		cands []scanner.Candidate
		err   error
	)
	if initial {
		cands, err = e.scanner.InitialScan(passCtx, value, vt, st)
	} else {
		cands, err = e.scanner.FilterScan(passCtx, value, vt, st)
	}
	cancel()
	session := e.scanner.Session()

	e.mu.Lock()
	running := e.state.phase.Running()
	if err != nil {
		e.state.lastError = err.Error()
		if running {
			e.setPhaseLocked(e.restingPhaseLocked())
		}
		e.mu.Unlock()

		log.Printf("[Orchestrator] %s scan for %v failed: %v", kind, value, err)
		e.publishStatus(ctx)
		return nil, fmt.Errorf("failed to run %s scan: %w", kind, err)
	}

	e.state.generation = session.Generation
	e.state.count = session.Count
	e.state.session = session.Status
	e.state.addresses = nil
	if session.Count <= e.cfg.BreakpointThreshold {
		e.state.addresses = addressesOf(cands)
	}
	if initial {
		e.state.breakpointsSet = false
	}
	e.state.exhausted = session.Status == scanner.StatusExhausted
	if running {
		e.setPhaseLocked(e.restingPhaseLocked())
	}
	phase := e.state.phase
	addrs := append([]uint64(nil), e.state.addresses...)
	e.mu.Unlock()

	e.logEvent("scan_completed", map[string]interface{}{
		"kind":       kind,
		"value":      value,
		"value_type": string(vt),
		"scan_type":  string(st),
		"generation": session.Generation,
		"count":      session.Count,
		"status":     string(session.Status),
		"truncated":  session.Truncated,
	})
	switch {
	case session.Status == scanner.StatusExhausted:
		e.logEvent("narrowing_exhausted", map[string]interface{}{
			"generation": session.Generation,
		})
		log.Printf("[Orchestrator] Narrowing exhausted at generation %d; restart the session to continue", session.Generation)
	case len(addrs) > 0:
		e.logEvent("breakpoints_ready", map[string]interface{}{
			"generation": session.Generation,
			"addresses":  hexAddresses(addrs),
			"phase":      string(phase),
		})
		log.Printf("[Orchestrator] %d candidate address(es) ready for breakpoints: %v", len(addrs), hexAddresses(addrs))
	}

	e.publish(ctx, resultType, ScanResultOf(session, cands, resultLimit))
	e.publishStatus(ctx)
	return cands, nil
}

// restingPhaseLocked is the phase to settle in after a pass.
func (e *Engine) restingPhaseLocked() Phase {
	if e.state.generation > 0 && e.state.count > 0 && e.state.count <= e.cfg.BreakpointThreshold {
		return PhaseBreakpointsReady
	}
	return PhaseMonitoring
}

// SetBreakpoints places a breakpoint of the configured type at each address,
// defaulting to the current candidate addresses. Individual failures are
// reported in the results, not returned as an error.
func (e *Engine) SetBreakpoints(ctx context.Context, addrs []uint64) ([]adapter.Result, error) {
	results, _, err := e.setBreakpoints(ctx, addrs, e.cfg.BreakpointType)
	return results, err
}

func (e *Engine) setBreakpoints(ctx context.Context, addrs []uint64, bt adapter.BreakpointType) ([]adapter.Result, message.BreakpointSet, error) {
	if e.adapter == nil {
		return nil, message.BreakpointSet{}, ErrNoAdapter
	}
	if len(addrs) == 0 {
		e.mu.Lock()
		addrs = append([]uint64(nil), e.state.addresses...)
		e.mu.Unlock()
	}
	if len(addrs) == 0 {
		return nil, message.BreakpointSet{}, ErrNoAddresses
	}

	payload := message.BreakpointSet{Addresses: addrs, Type: string(bt)}
	results := make([]adapter.Result, 0, len(addrs))
	succeeded := 0
	for _, addr := range addrs {
		res := e.adapter.SetBreakpoint(ctx, addr, bt)
		results = append(results, res)

		br := message.BreakpointResult{Address: addr, Success: res.Success, Error: res.Error}
		if res.Success {
			succeeded++
			br.ID = intValue(res.Data["id"])
		} else {
			log.Printf("[Orchestrator] Breakpoint at %#x failed: %s", addr, res.Error)
		}
		payload.Results = append(payload.Results, br)
	}

	if succeeded > 0 {
		e.mu.Lock()
		e.state.breakpointsSet = true
		e.mu.Unlock()
	}

	e.logEvent("breakpoints_set", map[string]interface{}{
		"adapter":   e.adapter.Name(),
		"type":      string(bt),
		"requested": len(addrs),
		"succeeded": succeeded,
	})
	e.publish(ctx, message.TypeBreakpointSet, payload)
	e.publishStatus(ctx)
	return results, payload, nil
}

// Decompile asks the adapter for the function containing addr.
func (e *Engine) Decompile(ctx context.Context, addr uint64) (adapter.Result, error) {
	if e.adapter == nil {
		return adapter.Result{}, ErrNoAdapter
	}
	return e.adapter.DecompileFunction(ctx, addr), nil
}

// SetBreakpointsOfType is SetBreakpoints with an explicit breakpoint type.
// It returns the payload that was published.
func (e *Engine) SetBreakpointsOfType(ctx context.Context, addrs []uint64, bt adapter.BreakpointType) (message.BreakpointSet, error) {
	if bt == "" {
		bt = e.cfg.BreakpointType
	}
	_, payload, err := e.setBreakpoints(ctx, addrs, bt)
	return payload, err
}

// ReadMemory reads size bytes at addr from the target, connecting the
// scanner first if needed.
func (e *Engine) ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error) {
	if e.scanner == nil {
		return nil, ErrNoMemoryScanner
	}
	if err := e.connectScanner(ctx); err != nil {
		return nil, err
	}
	return e.scanner.ReadMemory(ctx, addr, size)
}

// Result is the wire form of cands under the current scan session.
func (e *Engine) Result(cands []scanner.Candidate) message.ScanResult {
	var session scanner.SessionInfo
	if e.scanner != nil {
		session = e.scanner.Session()
	}
	return ScanResultOf(session, cands, resultLimit)
}

// Resume continues the target until it stops again and publishes the hit.
func (e *Engine) Resume(ctx context.Context) (adapter.Result, error) {
	if e.adapter == nil {
		return adapter.Result{}, ErrNoAdapter
	}
	resumer, ok := e.adapter.(adapter.Resumer)
	if !ok {
		return adapter.Result{}, ErrResumeUnsupported
	}

	res := resumer.Continue(ctx)
	if !res.Success {
		return res, nil
	}
	hit := message.BreakpointHit{
		Address:  uint64Value(res.Data["address"]),
		ID:       intValue(res.Data["id"]),
		Function: res.String("function"),
	}
	hit.Exited, _ = res.Data["exited"].(bool)
	e.logEvent("breakpoint_hit", map[string]interface{}{
		"address":  fmt.Sprintf("%#x", hit.Address),
		"id":       hit.ID,
		"function": hit.Function,
		"exited":   hit.Exited,
	})
	e.publish(ctx, message.TypeBreakpointHit, hit)
	return res, nil
}

// RestartSession discards the candidate set so the next change starts a
// fresh initial scan. It is the way out of NarrowingExhausted.
func (e *Engine) RestartSession() error {
	e.mu.Lock()
	running := e.state.phase.Running()
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	e.passMu.Lock()
	e.scanner.ClearScan()
	e.mu.Lock()
	e.resetSessionLocked()
	e.state.lastError = ""
	if e.state.phase.Running() {
		e.setPhaseLocked(PhaseMonitoring)
	}
	e.mu.Unlock()
	e.passMu.Unlock()

	e.logEvent("session_restarted", map[string]interface{}{})
	log.Printf("[Orchestrator] Scan session restarted")
	e.publishStatus(context.Background())
	return nil
}

func (e *Engine) resetSessionLocked() {
	e.state.generation = 0
	e.state.count = 0
	e.state.session = scanner.StatusEmpty
	e.state.addresses = nil
	e.state.exhausted = false
	e.state.breakpointsSet = false
}

// Stop halts monitoring, clears the scan session and returns to Idle.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	e.mu.Lock()
	if !e.state.phase.Running() {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.setPhaseLocked(PhaseIdle)
	e.mu.Unlock()

	// The monitor callback may be waiting on passMu or mu; neither is held here.
	if err := e.monitor.Stop(e.cfg.StopTimeout); err != nil && !errors.Is(err, visual.ErrNotMonitoring) {
		log.Printf("[Orchestrator] Monitor did not stop cleanly: %v", err)
	}

	e.passMu.Lock()
	e.scanner.ClearScan()
	e.mu.Lock()
	e.resetSessionLocked()
	e.mu.Unlock()
	e.passMu.Unlock()

	e.logEvent("workflow_stopped", map[string]interface{}{})
	log.Printf("[Orchestrator] Workflow stopped")
	e.publishStatus(context.Background())
	return nil
}

// Close stops the workflow if it is running, shuts the message server down
// and disconnects the scanner and adapter.
func (e *Engine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if err := e.stopLocked(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	var errs []error
	e.mu.Lock()
	started := e.serverStarted
	e.serverStarted = false
	e.mu.Unlock()
	if started {
		if err := e.server.Stop(e.cfg.StopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop message server: %w", err))
		}
	}
	if e.scanner != nil {
		if err := e.scanner.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.adapter != nil {
		if res := e.adapter.Disconnect(); !res.Success {
			errs = append(errs, fmt.Errorf("failed to disconnect %s: %s", e.adapter.Name(), res.Error))
		}
	}
	return errors.Join(errs...)
}

// Status returns a snapshot of the workflow. It never waits for a scan.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		Phase:            e.state.phase,
		Running:          e.state.phase.Running(),
		Regions:          regionNames(e.state.regions),
		ValueType:        e.state.valueType,
		CurrentAddresses: append([]uint64(nil), e.state.addresses...),
		CandidateCount:   e.state.count,
		Generation:       e.state.generation,
		SessionStatus:    e.state.session,
		BreakpointsSet:   e.state.breakpointsSet,
		LastError:        e.state.lastError,
		ValueLog:         append([]ValueRecord(nil), e.state.values...),
	}
	e.mu.Unlock()

	if e.monitor != nil {
		ms := e.monitor.Status()
		st.Monitor = &ms
	}
	if e.scanner != nil {
		info := e.scanner.Info()
		st.Scanner = &info
	}
	if e.adapter != nil {
		st.Adapter = e.adapter.Name()
	}
	return st
}

func (e *Engine) publishStatus(ctx context.Context) {
	e.publish(ctx, message.TypeStatus, e.Status().ToMessage())
}

// publish fans msg out to every publisher. Failures are logged only.
func (e *Engine) publish(ctx context.Context, t message.Type, payload interface{}) {
	if len(e.publishers) == 0 {
		return
	}
	msg, err := message.New(t, Source, payload)
	if err != nil {
		log.Printf("[Orchestrator] Failed to build %s message: %v", t, err)
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	for _, p := range e.publishers {
		err := p.Publish(ctx, msg)
		if err != nil && !errors.Is(err, channel.ErrServerNotRunning) {
			log.Printf("[Orchestrator] Failed to publish %s: %v", t, err)
		}
	}
}

// logEvent writes a structured JSON event line.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "orchestrator"
	data["event_type"] = eventType
	data["instance"] = e.cfg.Instance

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Orchestrator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

// ScanResultOf builds the wire form of a pass, embedding at most limit
// candidates.
func ScanResultOf(session scanner.SessionInfo, cands []scanner.Candidate, limit int) message.ScanResult {
	out := message.ScanResult{
		Generation: session.Generation,
		Status:     string(session.Status),
		Count:      session.Count,
		Truncated:  session.Truncated,
	}
	for i, c := range cands {
		if limit > 0 && i >= limit {
			break
		}
		out.Candidates = append(out.Candidates, message.Candidate{
			Address:   c.Address,
			ValueType: string(c.Type),
			Raw:       c.Raw,
			Size:      c.Size,
			Region:    c.Region,
			Module:    c.Module,
		})
	}
	return out
}

func addressesOf(cands []scanner.Candidate) []uint64 {
	out := make([]uint64, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Address)
	}
	return out
}

func hexAddresses(addrs []uint64) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%#x", a))
	}
	return out
}

func regionNames(regions []capture.Region) []string {
	if len(regions) == 0 {
		return nil
	}
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		out = append(out, r.Name)
	}
	return out
}

// intValue reads an id out of adapter result data, which may hold any
// numeric type after a JSON round trip.
func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func uint64Value(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int:
		return uint64(n)
	case int64:
		return uint64(n)
	case float64:
		return uint64(n)
	}
	return 0
}
