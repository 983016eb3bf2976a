package adapter

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
)

// DelveConfig configures the Delve adapter.
type DelveConfig struct {
	Address     string        `yaml:"address"`      // Headless dlv listen address
	Spawn       bool          `yaml:"spawn"`        // Start "dlv attach" when nothing listens on Address
	DlvPath     string        `yaml:"dlv_path"`     // dlv binary, looked up on PATH by default
	PID         int           `yaml:"-"`            // Target pid for Spawn, filled in from the target
	DialTimeout time.Duration `yaml:"dial_timeout"` // Bound on connecting, including dlv startup
	WatchBits   int           `yaml:"watch_bits"`   // Width of data watchpoints: 8, 16, 32 or 64
}

func (c *DelveConfig) applyDefaults() {
	if c.Address == "" {
		c.Address = "127.0.0.1:4040"
	}
	if c.DlvPath == "" {
		c.DlvPath = "dlv"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	switch c.WatchBits {
	case 8, 16, 32, 64:
	default:
		c.WatchBits = 32
	}
}

// Delve drives a headless Delve server over its JSON-RPC API. Code and data
// breakpoints map onto Delve breakpoints and watchpoints; decompilation is
// approximated by disassembling the enclosing function.
type Delve struct {
	cfg DelveConfig

	mu     sync.Mutex
	client *rpc2.RPCClient
	cmd    *exec.Cmd
}

// NewDelve returns an unconnected Delve adapter.
func NewDelve(cfg DelveConfig) *Delve {
	cfg.applyDefaults()
	return &Delve{cfg: cfg}
}

func (d *Delve) Name() string { return ToolDelve }

// Connect dials the headless server, spawning "dlv attach" first when
// configured to and nothing is listening yet.
func (d *Delve) Connect(ctx context.Context) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return succeeded(map[string]interface{}{"address": d.cfg.Address})
	}

	conn, err := net.DialTimeout("tcp", d.cfg.Address, time.Second)
	if err != nil && d.cfg.Spawn {
		conn, err = d.spawn(ctx)
	}
	if err != nil {
		return failed("failed to connect to delve at %s: %v", d.cfg.Address, err)
	}

	client := rpc2.NewClientFromConn(conn)
	state, err := client.GetState()
	if err != nil {
		conn.Close()
		d.killSpawned()
		return failed("delve at %s did not answer: %v", d.cfg.Address, err)
	}
	d.client = client

	log.Printf("[Adapter] Connected to delve at %s", d.cfg.Address)
	data := map[string]interface{}{"address": d.cfg.Address, "running": state.Running}
	if d.cmd != nil {
		data["spawned_pid"] = d.cmd.Process.Pid
	}
	return succeeded(data)
}

// dlvArgs builds the command line that attaches a headless server to pid.
func dlvArgs(pid int, listen string) []string {
	return []string{
		"attach", strconv.Itoa(pid),
		"--headless",
		"--listen=" + listen,
		"--api-version=2",
		"--accept-multiclient",
	}
}

func (d *Delve) spawn(ctx context.Context) (net.Conn, error) {
	if d.cfg.PID <= 0 {
		return nil, fmt.Errorf("cannot spawn dlv without a target pid")
	}
	cmd := exec.Command(d.cfg.DlvPath, dlvArgs(d.cfg.PID, d.cfg.Address)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", d.cfg.DlvPath, err)
	}
	d.cmd = cmd
	log.Printf("[Adapter] Started dlv (pid %d) attached to pid %d on %s", cmd.Process.Pid, d.cfg.PID, d.cfg.Address)

	deadline := time.Now().Add(d.cfg.DialTimeout)
	for {
		conn, err := net.DialTimeout("tcp", d.cfg.Address, time.Second)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			d.killSpawned()
			return nil, fmt.Errorf("dlv did not start listening within %s: %w", d.cfg.DialTimeout, err)
		}
		select {
		case <-ctx.Done():
			d.killSpawned()
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (d *Delve) killSpawned() {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}
	if err := d.cmd.Process.Kill(); err != nil {
		log.Printf("[Adapter] Failed to kill dlv (pid %d): %v", d.cmd.Process.Pid, err)
	}
	_, _ = d.cmd.Process.Wait()
	d.cmd = nil
}

// Disconnect leaves the target running. A dlv we spawned is detached, which
// also makes it exit.
func (d *Delve) Disconnect() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return succeeded(nil)
	}

	var err error
	if d.cmd != nil {
		err = d.client.Detach(false)
		if d.cmd.Process != nil {
			_, _ = d.cmd.Process.Wait()
		}
		d.cmd = nil
	} else {
		err = d.client.Disconnect(true)
	}
	d.client = nil
	if err != nil {
		return failed("failed to disconnect from delve: %v", err)
	}
	return succeeded(nil)
}

// session returns the connected client, connecting on first use.
func (d *Delve) session(ctx context.Context) (*rpc2.RPCClient, Result) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, Result{Success: true}
	}
	if res := d.Connect(ctx); !res.Success {
		return nil, res
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client, Result{Success: true}
}

// do runs fn unless ctx ends first. The RPC itself cannot be cancelled.
func do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// halt stops the target; breakpoints cannot be changed while it runs.
func halt(ctx context.Context, client *rpc2.RPCClient) error {
	return do(ctx, func() error {
		state, err := client.GetState()
		if err != nil {
			return err
		}
		if state.Running {
			_, err = client.Halt()
		}
		return err
	})
}

// watchExpr is the expression Delve watches for a data watchpoint at addr.
func watchExpr(addr uint64, bits int) string {
	return fmt.Sprintf("*(*uint%d)(%#x)", bits, addr)
}

func (d *Delve) SetBreakpoint(ctx context.Context, addr uint64, bt BreakpointType) Result {
	client, res := d.session(ctx)
	if !res.Success {
		return res
	}
	if err := halt(ctx, client); err != nil {
		return failed("failed to halt target: %v", err)
	}

	var bp *api.Breakpoint
	err := do(ctx, func() error {
		var err error
		switch bt {
		case Software, Hardware, Execute:
			bp, err = client.CreateBreakpoint(&api.Breakpoint{Addr: addr})
		case Write:
			bp, err = client.CreateWatchpoint(api.EvalScope{GoroutineID: -1}, watchExpr(addr, d.cfg.WatchBits), api.WatchWrite)
		case Read:
			bp, err = client.CreateWatchpoint(api.EvalScope{GoroutineID: -1}, watchExpr(addr, d.cfg.WatchBits), api.WatchRead)
		default:
			err = fmt.Errorf("%w: %q", ErrInvalidBreakpoint, bt)
		}
		return err
	})
	if err != nil {
		return failed("failed to set %s breakpoint at %s: %v", bt, hexAddr(addr), err)
	}

	log.Printf("[Adapter] Delve %s breakpoint %d at %s", bt, bp.ID, hexAddr(addr))
	return succeeded(map[string]interface{}{
		"id":      bp.ID,
		"address": addr,
		"type":    string(bt),
	})
}

func (d *Delve) disassemble(ctx context.Context, addr uint64) (api.AsmInstructions, Result) {
	client, res := d.session(ctx)
	if !res.Success {
		return nil, res
	}
	var insts api.AsmInstructions
	err := do(ctx, func() error {
		var err error
		insts, err = client.DisassemblePC(api.EvalScope{GoroutineID: -1}, addr, api.IntelFlavour)
		return err
	})
	if err != nil {
		return nil, failed("failed to disassemble at %s: %v", hexAddr(addr), err)
	}
	if len(insts) == 0 {
		return nil, failed("no function contains %s", hexAddr(addr))
	}
	return insts, Result{Success: true}
}

func functionOf(insts api.AsmInstructions) (string, uint64) {
	for _, in := range insts {
		if in.Loc.Function != nil {
			return in.Loc.Function.Name(), in.Loc.Function.Value
		}
	}
	return "", insts[0].Loc.PC
}

// DecompileFunction returns the disassembly of the function containing addr.
// Delve has no decompiler.
func (d *Delve) DecompileFunction(ctx context.Context, addr uint64) Result {
	insts, res := d.disassemble(ctx, addr)
	if !res.Success {
		return res
	}
	name, entry := functionOf(insts)

	var b strings.Builder
	for _, in := range insts {
		marker := "  "
		if in.Loc.PC <= addr && addr < in.Loc.PC+uint64(len(in.Bytes)) {
			marker = "=>"
		}
		fmt.Fprintf(&b, "%s %#x\t%s\n", marker, in.Loc.PC, in.Text)
	}
	return succeeded(map[string]interface{}{
		"address":  addr,
		"function": name,
		"entry":    entry,
		"code":     b.String(),
		"kind":     "disassembly",
	})
}

func (d *Delve) GetFunctionAt(ctx context.Context, addr uint64) Result {
	insts, res := d.disassemble(ctx, addr)
	if !res.Success {
		return res
	}
	name, entry := functionOf(insts)
	last := insts[len(insts)-1]
	return succeeded(map[string]interface{}{
		"name":  name,
		"entry": entry,
		"end":   last.Loc.PC + uint64(len(last.Bytes)),
	})
}

func (d *Delve) FindReferences(ctx context.Context, addr uint64) Result {
	return failed("delve cannot search for references to %s", hexAddr(addr))
}

// Continue resumes the target and waits for it to stop. Cancelling ctx
// halts the target again.
func (d *Delve) Continue(ctx context.Context) Result {
	client, res := d.session(ctx)
	if !res.Success {
		return res
	}

	var state *api.DebuggerState
	select {
	case state = <-client.Continue():
	case <-ctx.Done():
		if _, err := client.Halt(); err != nil {
			log.Printf("[Adapter] Failed to halt delve target: %v", err)
		}
		return failed("continue interrupted: %v", ctx.Err())
	}
	if state == nil {
		return failed("delve closed the continue stream")
	}
	if state.Err != nil {
		return failed("continue failed: %v", state.Err)
	}
	if state.Exited {
		return succeeded(map[string]interface{}{"exited": true, "exit_status": state.ExitStatus})
	}

	data := map[string]interface{}{"exited": false}
	if th := state.CurrentThread; th != nil {
		data["pc"] = th.PC
		if th.Function != nil {
			data["function"] = th.Function.Name()
		}
		if bp := th.Breakpoint; bp != nil {
			data["id"] = bp.ID
			data["address"] = bp.Addr
		}
	}
	return succeeded(data)
}
