package orchestrator

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/reo/internal/adapter"
	"github.com/dyluth/reo/internal/capture"
	"github.com/dyluth/reo/internal/fault"
	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/internal/scanner/scannertest"
	"github.com/dyluth/reo/internal/visual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	mu       sync.Mutex
	running  bool
	startErr error
	stops    int
}

func (m *fakeMonitor) Start(regions []capture.Region, _ visual.ChangeFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return visual.ErrAlreadyMonitoring
	}
	m.running = true
	return nil
}

func (m *fakeMonitor) Stop(time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return visual.ErrNotMonitoring
	}
	m.running = false
	m.stops++
	return nil
}

func (m *fakeMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *fakeMonitor) Status() visual.MonitorStatus {
	return visual.MonitorStatus{Running: m.Running()}
}

type fakeAdapter struct {
	mu    sync.Mutex
	fail  map[uint64]bool
	set   []uint64
	types []adapter.BreakpointType
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Connect(context.Context) adapter.Result { return adapter.Result{Success: true} }

func (a *fakeAdapter) Disconnect() adapter.Result { return adapter.Result{Success: true} }

func (a *fakeAdapter) SetBreakpoint(_ context.Context, addr uint64, bt adapter.BreakpointType) adapter.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail[addr] {
		return adapter.Result{Success: false, Error: "refused"}
	}
	a.set = append(a.set, addr)
	a.types = append(a.types, bt)
	return adapter.Result{Success: true, Data: map[string]interface{}{"id": len(a.set), "address": addr}}
}

func (a *fakeAdapter) DecompileFunction(_ context.Context, addr uint64) adapter.Result {
	return adapter.Result{Success: true, Data: map[string]interface{}{"function": "main.tick", "code": "mov eax, 1"}}
}

func (a *fakeAdapter) GetFunctionAt(context.Context, uint64) adapter.Result {
	return adapter.Result{Success: true, Data: map[string]interface{}{"name": "main.tick"}}
}

func (a *fakeAdapter) FindReferences(context.Context, uint64) adapter.Result {
	return adapter.Result{Success: false, Error: "unsupported"}
}

// resumable adds Continue to fakeAdapter.
type resumable struct{ fakeAdapter }

func (r *resumable) Continue(context.Context) adapter.Result {
	return adapter.Result{Success: true, Data: map[string]interface{}{"exited": false, "id": 1, "address": uint64(0x1000), "function": "main.tick"}}
}

var hpRegion = []capture.Region{{Name: "hp", Width: 20, Height: 20}}

// setupMemory maps one heap page holding 100 at three addresses.
func setupMemory(t *testing.T) (*scannertest.Memory, *scanner.Engine) {
	t.Helper()
	mem := scannertest.NewMemory("mem", 4242)
	mem.Map(0x1000, 64, "rw-p", "[heap]")
	mem.PutInt32(0x1000, 100)
	mem.PutInt32(0x1010, 100)
	mem.PutInt32(0x1020, 100)
	return mem, scanner.NewEngine(mem, scanner.Target{PID: 4242}, scanner.DefaultOptions())
}

func setupEngine(t *testing.T, cfg Config, ad adapter.Adapter) (*Engine, *scannertest.Memory, *fakeMonitor) {
	t.Helper()
	mem, sc := setupMemory(t)
	mon := &fakeMonitor{}
	e := NewEngine(cfg, Deps{Monitor: mon, Scanner: sc, Adapter: ad})
	return e, mem, mon
}

func change(v interface{}) visual.ChangeEvent {
	return visual.ChangeEvent{
		RegionID:    "hp",
		Changed:     true,
		ChangeRatio: 0.5,
		Value:       &visual.ExtractedValue{Value: v, Kind: visual.KindNumber, Confidence: 0.8, Method: visual.MethodOCR},
		Timestamp:   time.Now(),
	}
}

func TestWorkflowNarrowsToBreakpoints(t *testing.T) {
	ctx := context.Background()
	ad := &fakeAdapter{fail: map[uint64]bool{0x1010: true}}
	e, mem, mon := setupEngine(t, Config{BreakpointThreshold: 2}, ad)

	require.NoError(t, e.Start(ctx, hpRegion, scanner.Int32))
	assert.True(t, mon.Running())
	assert.Equal(t, PhaseMonitoring, e.Status().Phase)

	require.NoError(t, e.HandleChange(ctx, change(int64(100))))
	st := e.Status()
	assert.Equal(t, PhaseMonitoring, st.Phase, "three candidates exceed the threshold")
	assert.Equal(t, 1, st.Generation)
	assert.Equal(t, 3, st.CandidateCount)
	assert.Equal(t, scanner.StatusHasCandidates, st.SessionStatus)
	assert.Empty(t, st.CurrentAddresses)

	mem.PutInt32(0x1000, 90)
	mem.PutInt32(0x1010, 90)
	require.NoError(t, e.HandleChange(ctx, change(int64(90))))
	st = e.Status()
	assert.Equal(t, PhaseBreakpointsReady, st.Phase)
	assert.Equal(t, 2, st.Generation)
	assert.Equal(t, scanner.StatusNarrowed, st.SessionStatus)
	assert.Equal(t, []uint64{0x1000, 0x1010}, st.CurrentAddresses)
	assert.False(t, st.BreakpointsSet, "breakpoints are never set automatically")
	assert.Empty(t, ad.set)

	results, err := e.SetBreakpoints(ctx, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, "refused", results[1].Error)
	assert.Equal(t, []uint64{0x1000}, ad.set)
	assert.Equal(t, []adapter.BreakpointType{adapter.Write}, ad.types)
	assert.True(t, e.Status().BreakpointsSet)

	require.NoError(t, e.Stop())
	st = e.Status()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.Generation)
	assert.False(t, mon.Running())
}

func TestWorkflowThresholdReachedOnInitialScan(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setupEngine(t, Config{}, nil)

	require.NoError(t, e.Start(ctx, hpRegion, ""))
	require.NoError(t, e.HandleChange(ctx, change(int64(100))))

	st := e.Status()
	assert.Equal(t, PhaseBreakpointsReady, st.Phase)
	assert.Equal(t, scanner.Int32, st.ValueType)
	assert.Equal(t, []uint64{0x1000, 0x1010, 0x1020}, st.CurrentAddresses)
}

func TestWorkflowNarrowingExhausted(t *testing.T) {
	ctx := context.Background()
	e, mem, _ := setupEngine(t, Config{}, nil)
	require.NoError(t, e.Start(ctx, hpRegion, scanner.Int32))

	require.NoError(t, e.HandleChange(ctx, change(int64(100))))
	require.NoError(t, e.HandleChange(ctx, change(int64(55))))

	st := e.Status()
	assert.Equal(t, scanner.StatusExhausted, st.SessionStatus)
	assert.Equal(t, PhaseMonitoring, st.Phase)
	assert.Equal(t, 2, st.Generation)
	assert.Empty(t, st.LastError, "exhaustion is a status, not an error")

	reads := mem.Reads()
	require.NoError(t, e.HandleChange(ctx, change(int64(100))))
	assert.Equal(t, reads, mem.Reads(), "changes after exhaustion must not scan")
	assert.Equal(t, 2, e.Status().Generation)
	assert.Len(t, e.Status().ValueLog, 2)

	require.NoError(t, e.RestartSession())
	st = e.Status()
	assert.Equal(t, 0, st.Generation)
	assert.Equal(t, scanner.StatusEmpty, st.SessionStatus)

	require.NoError(t, e.HandleChange(ctx, change(int64(100))))
	assert.Equal(t, 1, e.Status().Generation)
	assert.Equal(t, 3, e.Status().CandidateCount)
}

func TestWorkflowScanErrorKeepsMonitoring(t *testing.T) {
	ctx := context.Background()
	e, _, mon := setupEngine(t, Config{}, nil)
	require.NoError(t, e.Start(ctx, hpRegion, scanner.Int32))

	err := e.HandleChange(ctx, change("not a number"))
	require.Error(t, err)

	st := e.Status()
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, PhaseMonitoring, st.Phase)
	assert.True(t, st.Running)
	assert.True(t, mon.Running())
	assert.Equal(t, 0, st.Generation)
}

func TestHandleChangeIgnored(t *testing.T) {
	ctx := context.Background()

	t.Run("while idle", func(t *testing.T) {
		e, mem, _ := setupEngine(t, Config{}, nil)
		require.NoError(t, e.HandleChange(ctx, change(int64(100))))
		assert.Zero(t, mem.Reads())
		assert.Equal(t, PhaseIdle, e.Status().Phase)
	})

	t.Run("without a value", func(t *testing.T) {
		e, mem, _ := setupEngine(t, Config{}, nil)
		require.NoError(t, e.Start(ctx, hpRegion, scanner.Int32))
		ev := change(int64(100))
		ev.Value = nil
		require.NoError(t, e.HandleChange(ctx, ev))
		assert.Zero(t, mem.Reads())
		assert.Empty(t, e.Status().ValueLog)
	})
}

func TestValueLogIsBounded(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setupEngine(t, Config{ValueLogSize: 2, BreakpointThreshold: 1}, nil)
	require.NoError(t, e.Start(ctx, hpRegion, scanner.Int32))

	for i := 0; i < 3; i++ {
		require.NoError(t, e.HandleChange(ctx, change(int64(100))))
	}
	values := e.Status().ValueLog
	require.Len(t, values, 2)
	assert.Equal(t, int64(100), values[1].Value)
	assert.Equal(t, 3, e.Status().Generation)
}

func TestWorkflowPreconditions(t *testing.T) {
	ctx := context.Background()
	_, sc := setupMemory(t)

	err := NewEngine(Config{}, Deps{Scanner: sc}).Start(ctx, hpRegion, "")
	assert.ErrorIs(t, err, ErrNoVisualAnalyzer)

	err = NewEngine(Config{}, Deps{Monitor: &fakeMonitor{}}).Start(ctx, hpRegion, "")
	assert.ErrorIs(t, err, ErrNoMemoryScanner)
	assert.Equal(t, fault.Precondition, fault.KindOf(err))

	e, _, _ := setupEngine(t, Config{}, nil)
	assert.ErrorIs(t, e.Start(ctx, nil, ""), visual.ErrNoRegions)
	assert.Error(t, e.Start(ctx, hpRegion, "int128"))

	require.NoError(t, e.Start(ctx, hpRegion, ""))
	assert.ErrorIs(t, e.Start(ctx, hpRegion, ""), ErrAlreadyRunning)

	_, err = e.SetBreakpoints(ctx, nil)
	assert.ErrorIs(t, err, ErrNoAdapter)
	_, err = e.Decompile(ctx, 0x1000)
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestWorkflowMonitorStartFailureStaysIdle(t *testing.T) {
	ctx := context.Background()
	e, _, mon := setupEngine(t, Config{}, nil)
	mon.startErr = visual.ErrNoCapture

	err := e.Start(ctx, hpRegion, "")
	assert.ErrorIs(t, err, visual.ErrNoCapture)
	assert.Equal(t, PhaseIdle, e.Status().Phase)
}

func TestSetBreakpointsWithoutAddresses(t *testing.T) {
	ctx := context.Background()
	ad := &fakeAdapter{}
	e, _, _ := setupEngine(t, Config{}, ad)
	require.NoError(t, e.Start(ctx, hpRegion, scanner.Int32))

	results, err := e.SetBreakpoints(ctx, nil)
	assert.ErrorIs(t, err, ErrNoAddresses)
	assert.Equal(t, "NoAddresses", fault.Code(err))
	assert.Nil(t, results)
	assert.Empty(t, ad.set)

	results, err = e.SetBreakpoints(ctx, []uint64{0x4000})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, []uint64{0x4000}, ad.set)
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, mon := setupEngine(t, Config{}, nil)

	err := e.Stop()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, "NotRunning", fault.Code(err))

	require.NoError(t, e.Start(ctx, hpRegion, ""))
	require.NoError(t, e.Stop())
	assert.ErrorIs(t, e.Stop(), ErrNotRunning)
	assert.Equal(t, 1, mon.stops)
	assert.Equal(t, PhaseIdle, e.Status().Phase)

	require.NoError(t, e.Start(ctx, hpRegion, ""), "a stopped workflow can start again")
	require.NoError(t, e.Close())
	assert.Equal(t, PhaseIdle, e.Status().Phase)
}

func TestRestartSessionRequiresRunning(t *testing.T) {
	e, _, _ := setupEngine(t, Config{}, nil)
	assert.ErrorIs(t, e.RestartSession(), ErrNotRunning)
}

func TestManualScanAndFilter(t *testing.T) {
	ctx := context.Background()
	e, mem, _ := setupEngine(t, Config{}, nil)

	cands, err := e.Scan(ctx, "100", scanner.Int32, scanner.Exact)
	require.NoError(t, err)
	assert.Len(t, cands, 3)
	assert.Equal(t, PhaseIdle, e.Status().Phase, "manual scans do not start the workflow")
	assert.Equal(t, 1, e.Status().Generation)

	mem.PutInt32(0x1020, 120)
	cands, err = e.Filter(ctx, nil, scanner.Int32, scanner.Changed)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, uint64(0x1020), cands[0].Address)
	assert.Equal(t, []uint64{0x1020}, e.Status().CurrentAddresses)
}

func TestManualFilterKeepsSessionType(t *testing.T) {
	ctx := context.Background()
	e, mem, _ := setupEngine(t, Config{ValueType: scanner.Int32}, nil)

	cands, err := e.Scan(ctx, "100", scanner.Int16, scanner.Exact)
	require.NoError(t, err)
	require.Len(t, cands, 3)

	mem.Poke(0x1010, []byte{101, 0})
	cands, err = e.Filter(ctx, "101", "", scanner.Exact)
	require.NoError(t, err, "an untyped filter narrows with the session's int16 type")
	require.Len(t, cands, 1)
	assert.Equal(t, uint64(0x1010), cands[0].Address)
	assert.Equal(t, scanner.Int16, cands[0].Type)
}

func TestDecompileAndResume(t *testing.T) {
	ctx := context.Background()

	e, _, _ := setupEngine(t, Config{}, &fakeAdapter{})
	res, err := e.Decompile(ctx, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, "main.tick", res.String("function"))
	_, err = e.Resume(ctx)
	assert.ErrorIs(t, err, ErrResumeUnsupported)

	e, _, _ = setupEngine(t, Config{}, &resumable{})
	res, err = e.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestWorkflowWithLiveMonitor(t *testing.T) {
	ctx := context.Background()
	mem := scannertest.NewMemory("mem", 7)
	mem.Map(0x2000, 32, "rw-p", "[heap]")
	mem.PutInt32(0x2008, 50)
	sc := scanner.NewEngine(mem, scanner.Target{PID: 7}, scanner.DefaultOptions())

	black := capture.Solid(20, 20, color.Black)
	half := black.WithPatch(image.Rect(0, 0, 20, 10), color.White)
	src := capture.NewStatic()
	src.Script("bar", black, half)

	mcfg := visual.DefaultMonitorConfig()
	mcfg.Interval = 5 * time.Millisecond
	mcfg.Hint = visual.HintPixelRatio
	mon := visual.NewMonitor(src, visual.NewExtractor(nil), mcfg)

	e := NewEngine(Config{}, Deps{Monitor: mon, Scanner: sc})
	require.NoError(t, e.Start(ctx, []capture.Region{{Name: "bar", Width: 20, Height: 20}}, scanner.Int32))

	assert.Eventually(t, func() bool {
		return e.Status().Phase == PhaseBreakpointsReady
	}, 2*time.Second, 5*time.Millisecond)

	st := e.Status()
	assert.Equal(t, []uint64{0x2008}, st.CurrentAddresses)
	require.Len(t, st.ValueLog, 1)
	assert.Equal(t, int64(50), st.ValueLog[0].Value)
	require.NotNil(t, st.Monitor)
	assert.True(t, st.Monitor.Running)

	require.NoError(t, e.Stop())
	assert.False(t, mon.Running())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseIdle, PhaseMonitoring, true},
		{PhaseIdle, PhaseScanning, false},
		{PhaseMonitoring, PhaseScanning, true},
		{PhaseScanning, PhaseBreakpointsReady, true},
		{PhaseBreakpointsReady, PhaseFiltering, true},
		{PhaseFiltering, PhaseIdle, true},
		{PhaseMonitoring, PhaseBreakpointsReady, false},
		{PhaseScanning, PhaseScanning, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
