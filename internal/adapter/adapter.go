// Package adapter drives reverse-engineering tools at the addresses the
// scanner discovers: placing breakpoints and watchpoints, decompiling the
// enclosing function, and looking up functions and references.
//
// Tool failures are reported in Result rather than as Go errors so that a
// batch of breakpoint requests can report per-address outcomes.
package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/reo/internal/fault"
)

var (
	ErrUnknownTool       = fault.New(fault.Precondition, "UnknownTool", "unknown RE tool")
	ErrNoToolDetected    = fault.New(fault.Connection, "NoToolDetected", "no RE tool detected")
	ErrInvalidBreakpoint = fault.New(fault.Precondition, "InvalidBreakpointType", "unknown breakpoint type")
	ErrDetectorRequired  = fault.New(fault.Precondition, "DetectorRequired", "automatic tool selection needs a detector")
)

// BreakpointType selects how the tool watches an address.
type BreakpointType string

const (
	Software BreakpointType = "software"
	Hardware BreakpointType = "hardware"
	Write    BreakpointType = "write"   // Hardware write watchpoint
	Read     BreakpointType = "read"    // Hardware read watchpoint
	Execute  BreakpointType = "execute" // Hardware execute breakpoint
)

// ParseBreakpointType validates s. The empty string means Write, since the
// addresses reo finds hold data rather than code.
func ParseBreakpointType(s string) (BreakpointType, error) {
	bt := BreakpointType(strings.ToLower(strings.TrimSpace(s)))
	switch bt {
	case "":
		return Write, nil
	case Software, Hardware, Write, Read, Execute:
		return bt, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBreakpoint, s)
}

// Result is the outcome of one adapter operation.
type Result struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func succeeded(data map[string]interface{}) Result {
	return Result{Success: true, Data: data}
}

func failed(format string, args ...interface{}) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// String returns Data[key] when it is a string.
func (r Result) String(key string) string {
	s, _ := r.Data[key].(string)
	return s
}

// Adapter is the contract every RE tool backend implements.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) Result
	Disconnect() Result
	SetBreakpoint(ctx context.Context, addr uint64, bt BreakpointType) Result
	DecompileFunction(ctx context.Context, addr uint64) Result
	GetFunctionAt(ctx context.Context, addr uint64) Result
	FindReferences(ctx context.Context, addr uint64) Result
}

// Resumer is implemented by adapters that control execution of the target.
// Continue runs until a breakpoint is hit or the target exits.
type Resumer interface {
	Continue(ctx context.Context) Result
}

func hexAddr(addr uint64) string {
	return fmt.Sprintf("0x%X", addr)
}
