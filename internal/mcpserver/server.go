// Package mcpserver exposes the discovery workflow to agents as MCP tools.
package mcpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dyluth/reo/internal/adapter"
	"github.com/dyluth/reo/internal/capture"
	"github.com/dyluth/reo/internal/fault"
	"github.com/dyluth/reo/internal/orchestrator"
	"github.com/dyluth/reo/internal/scanner"
)

// Name is the server name reported to MCP clients.
const Name = "reo"

// maxReadSize bounds read_memory requests.
const maxReadSize = 4096

const instructions = `reo finds the memory address behind a value shown on screen.
Start the workflow on a screen region, let the value change in the target
application, and reo narrows memory-scan candidates on every change. When
get_workflow_status reports phase "breakpoints_ready", call set_breakpoints
and decompile_function on the surviving addresses. scan_memory and
filter_scan drive the narrowing by hand when the value is known.`

// Server holds the MCP server and what its tools act on.
type Server struct {
	engine  *orchestrator.Engine
	regions map[string]capture.Region
	order   []string
	mcp     *server.MCPServer
	ntools  int
}

// New registers every tool against engine. regions are the named screen
// regions start_workflow may refer to.
func New(engine *orchestrator.Engine, regions []capture.Region, version string) *Server {
	s := &Server{
		engine:  engine,
		regions: make(map[string]capture.Region, len(regions)),
	}
	for _, r := range regions {
		s.regions[r.Name] = r
		s.order = append(s.order, r.Name)
	}

	s.mcp = server.NewMCPServer(
		Name,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying server, for transports other than stdio.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP over stdin/stdout until stdin closes.
func (s *Server) ServeStdio() error {
	log.Printf("[MCP] Serving %d tools over stdio", s.ntools)
	return server.ServeStdio(s.mcp)
}

type tool struct {
	def    mcp.Tool
	handle server.ToolHandlerFunc
}

func (s *Server) registerTools() {
	tools := s.tools()
	for _, t := range tools {
		s.mcp.AddTool(t.def, t.handle)
	}
	s.ntools = len(tools)
}

func (s *Server) tools() []tool {
	return []tool{
		{
			def: mcp.NewTool("start_workflow",
				mcp.WithDescription("Start watching screen regions. Each value change narrows the memory scan."),
				mcp.WithArray("regions",
					mcp.Description("Names of configured regions to watch. Omit to watch all of them."),
					mcp.Items(map[string]any{"type": "string"}),
				),
				mcp.WithString("name", mcp.Description("Name for an ad-hoc region given by x, y, width and height")),
				mcp.WithNumber("x", mcp.Description("Left edge of the ad-hoc region")),
				mcp.WithNumber("y", mcp.Description("Top edge of the ad-hoc region")),
				mcp.WithNumber("width", mcp.Description("Width of the ad-hoc region")),
				mcp.WithNumber("height", mcp.Description("Height of the ad-hoc region")),
				mcp.WithString("value_type", mcp.Description("Memory representation of the value, e.g. int32, float, double")),
			),
			handle: s.handleStartWorkflow,
		},
		{
			def: mcp.NewTool("stop_workflow",
				mcp.WithDescription("Stop watching and discard the scan session."),
			),
			handle: s.handleStopWorkflow,
		},
		{
			def: mcp.NewTool("restart_session",
				mcp.WithDescription("Discard the candidate set so the next change starts a fresh scan. Use after narrowing is exhausted."),
			),
			handle: s.handleRestartSession,
		},
		{
			def: mcp.NewTool("get_workflow_status",
				mcp.WithDescription("Report the workflow phase, candidate count and, once few enough remain, the candidate addresses."),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			handle: s.handleGetStatus,
		},
		{
			def: mcp.NewTool("scan_memory",
				mcp.WithDescription("Run an initial scan for a known value, replacing any candidate set."),
				mcp.WithString("value", mcp.Required(), mcp.Description("Value to search for. Numbers may use a 0x prefix.")),
				mcp.WithString("value_type", mcp.Description("int8..int64, uint8..uint64, float, double, string or bytes")),
				mcp.WithString("scan_type", mcp.Description("Comparison to apply"), mcp.Enum("exact", "greater", "less")),
			),
			handle: s.handleScan,
		},
		{
			def: mcp.NewTool("filter_scan",
				mcp.WithDescription("Keep only the candidates that still match."),
				mcp.WithString("value", mcp.Description("Value to compare with. Not needed for changed and unchanged.")),
				mcp.WithString("value_type", mcp.Description("Defaults to the session's type")),
				mcp.WithString("scan_type", mcp.Description("Comparison to apply"), mcp.Enum("exact", "greater", "less", "changed", "unchanged")),
			),
			handle: s.handleFilter,
		},
		{
			def: mcp.NewTool("set_breakpoints",
				mcp.WithDescription("Place breakpoints on addresses, or on the current candidates when none are given."),
				mcp.WithArray("addresses",
					mcp.Description("Addresses as hex (0x...) or decimal strings"),
					mcp.Items(map[string]any{"type": "string"}),
				),
				mcp.WithString("type", mcp.Description("Breakpoint kind"), mcp.Enum("software", "hardware", "write", "read", "execute")),
				mcp.WithDestructiveHintAnnotation(false),
			),
			handle: s.handleSetBreakpoints,
		},
		{
			def: mcp.NewTool("read_memory",
				mcp.WithDescription("Read bytes from the target process."),
				mcp.WithString("address", mcp.Required(), mcp.Description("Address as hex (0x...) or decimal")),
				mcp.WithNumber("size", mcp.Description("Number of bytes, at most 4096. Defaults to the value type's width or 16.")),
				mcp.WithString("value_type", mcp.Description("Decode the bytes as this type")),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			handle: s.handleReadMemory,
		},
		{
			def: mcp.NewTool("decompile_function",
				mcp.WithDescription("Decompile or disassemble the function containing an address."),
				mcp.WithString("address", mcp.Required(), mcp.Description("Address as hex (0x...) or decimal")),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			handle: s.handleDecompile,
		},
		{
			def: mcp.NewTool("resume_target",
				mcp.WithDescription("Continue the target until a breakpoint is hit or it exits."),
			),
			handle: s.handleResume,
		},
	}
}

func (s *Server) handleStartWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	regions, err := s.regionsFor(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vt, err := optionalValueType(req.GetString("value_type", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if vt == "" {
		vt = s.engine.Config().ValueType
	}

	if err := s.engine.Start(ctx, regions, vt); err != nil {
		return toolError("start workflow", err), nil
	}
	log.Printf("[MCP] Workflow started on %d region(s)", len(regions))
	return jsonResult(s.engine.Status())
}

// regionsFor resolves the regions a start_workflow call names: an ad-hoc
// rectangle, a list of configured names, or every configured region.
func (s *Server) regionsFor(req mcp.CallToolRequest) ([]capture.Region, error) {
	args := req.GetArguments()
	if _, ok := args["width"]; ok {
		r := capture.Region{
			Name:   req.GetString("name", "region"),
			X:      req.GetInt("x", 0),
			Y:      req.GetInt("y", 0),
			Width:  req.GetInt("width", 0),
			Height: req.GetInt("height", 0),
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		return []capture.Region{r}, nil
	}

	names := stringList(args["regions"])
	if len(names) == 0 {
		names = s.order
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no regions configured; pass x, y, width and height")
	}
	out := make([]capture.Region, 0, len(names))
	for _, name := range names {
		r, ok := s.regions[name]
		if !ok {
			return nil, fmt.Errorf("unknown region %q", name)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Server) handleStopWorkflow(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.engine.Stop(); err != nil {
		return toolError("stop workflow", err), nil
	}
	return jsonResult(s.engine.Status())
}

func (s *Server) handleRestartSession(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.engine.RestartSession(); err != nil {
		return toolError("restart session", err), nil
	}
	return jsonResult(s.engine.Status())
}

func (s *Server) handleGetStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.engine.Status())
}

func (s *Server) handleScan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.pass(ctx, req, true, value)
}

func (s *Server) handleFilter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var value interface{}
	if v, ok := req.GetArguments()["value"].(string); ok {
		value = v
	}
	return s.pass(ctx, req, false, value)
}

func (s *Server) pass(ctx context.Context, req mcp.CallToolRequest, initial bool, value interface{}) (*mcp.CallToolResult, error) {
	vt, err := optionalValueType(req.GetString("value_type", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := scanner.ParseScanType(req.GetString("scan_type", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var cands []scanner.Candidate
	op := "filter scan"
	if initial {
		op = "scan memory"
		cands, err = s.engine.Scan(ctx, value, vt, st)
	} else {
		cands, err = s.engine.Filter(ctx, value, vt, st)
	}
	if err != nil {
		return toolError(op, err), nil
	}
	return jsonResult(s.engine.Result(cands))
}

func (s *Server) handleSetBreakpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var addrs []uint64
	for _, raw := range stringList(req.GetArguments()["addresses"]) {
		addr, err := parseAddress(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		addrs = append(addrs, addr)
	}

	var bt adapter.BreakpointType
	if raw := req.GetString("type", ""); raw != "" {
		parsed, err := adapter.ParseBreakpointType(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		bt = parsed
	}

	set, err := s.engine.SetBreakpointsOfType(ctx, addrs, bt)
	if err != nil {
		return toolError("set breakpoints", err), nil
	}
	return jsonResult(set)
}

type memoryRead struct {
	Address string      `json:"address"`
	Size    int         `json:"size"`
	Hex     string      `json:"hex"`
	Type    string      `json:"value_type,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

func (s *Server) handleReadMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	addr, err := parseAddress(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vt, err := optionalValueType(req.GetString("value_type", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	size := vt.Size()
	if size == 0 {
		size = 16
	}
	size = req.GetInt("size", size)
	if size <= 0 || size > maxReadSize {
		return mcp.NewToolResultError(fmt.Sprintf("size must be between 1 and %d", maxReadSize)), nil
	}

	data, err := s.engine.ReadMemory(ctx, addr, size)
	if err != nil {
		return toolError("read memory", err), nil
	}
	out := memoryRead{Address: fmt.Sprintf("0x%X", addr), Size: len(data), Hex: hex.EncodeToString(data)}
	if vt != "" {
		if v, err := scanner.Decode(data, vt); err == nil {
			out.Type = string(vt)
			out.Value = v
		}
	}
	return jsonResult(out)
}

func (s *Server) handleDecompile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	addr, err := parseAddress(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.engine.Decompile(ctx, addr)
	if err != nil {
		return toolError("decompile function", err), nil
	}
	if !res.Success {
		return mcp.NewToolResultError(res.Error), nil
	}
	if code := res.String("code"); code != "" {
		return mcp.NewToolResultText(fmt.Sprintf("// %s at 0x%X\n%s", res.String("function"), addr, code)), nil
	}
	return jsonResult(res.Data)
}

func (s *Server) handleResume(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.engine.Resume(ctx)
	if err != nil {
		return toolError("resume target", err), nil
	}
	if !res.Success {
		return mcp.NewToolResultError(res.Error), nil
	}
	return jsonResult(res.Data)
}

// toolError reports err inside the tool result, prefixed with its stable
// code when it has one.
func toolError(op string, err error) *mcp.CallToolResult {
	log.Printf("[MCP] Failed to %s: %v", op, err)
	msg := fmt.Sprintf("failed to %s: %v", op, err)
	if code := fault.Code(err); code != err.Error() {
		msg = code + ": " + msg
	}
	return mcp.NewToolResultError(msg)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func optionalValueType(s string) (scanner.ValueType, error) {
	if s == "" {
		return "", nil
	}
	return scanner.ParseValueType(s)
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// stringList accepts a JSON array of strings or numbers.
func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch x := item.(type) {
		case string:
			out = append(out, x)
		case float64:
			out = append(out, strconv.FormatUint(uint64(x), 10))
		}
	}
	return out
}
