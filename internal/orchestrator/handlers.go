package orchestrator

import (
	"context"

	"github.com/dyluth/reo/internal/adapter"
	"github.com/dyluth/reo/internal/channel"
	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/internal/visual"
	"github.com/dyluth/reo/pkg/message"
)

func (e *Engine) registerHandlers(s *channel.Server) {
	s.Handle(message.TypeVisualChange, e.handleVisualChange)
	s.Handle(message.TypeScanRequest, e.handleScanRequest)
	s.Handle(message.TypeFilterRequest, e.handleFilterRequest)
	s.Handle(message.TypeDecompileRequest, e.handleDecompileRequest)
	s.Handle(message.TypeBreakpointSet, e.handleBreakpointSet)
	s.Handle(message.TypeStatus, e.handleStatus)
}

// handleVisualChange accepts changes observed by a remote monitor and
// answers with the resulting workflow status.
func (e *Engine) handleVisualChange(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var vc message.VisualChange
	if err := msg.DecodePayload(&vc); err != nil {
		return nil, err
	}
	if err := e.HandleChange(ctx, visual.FromMessage(vc)); err != nil {
		return nil, err
	}
	return message.Reply(msg, message.TypeStatus, Source, e.Status().ToMessage())
}

func (e *Engine) handleScanRequest(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return e.handlePass(ctx, msg, true)
}

func (e *Engine) handleFilterRequest(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return e.handlePass(ctx, msg, false)
}

func (e *Engine) handlePass(ctx context.Context, msg *message.Message, initial bool) (*message.Message, error) {
	var req message.ScanRequest
	if err := msg.DecodePayload(&req); err != nil {
		return nil, err
	}
	var vt scanner.ValueType
	if req.ValueType != "" {
		parsed, err := scanner.ParseValueType(req.ValueType)
		if err != nil {
			return nil, err
		}
		vt = parsed
	}
	st, err := scanner.ParseScanType(req.ScanType)
	if err != nil {
		return nil, err
	}

	var cands []scanner.Candidate
	resultType := message.TypeFilterResult
	if initial {
		resultType = message.TypeScanResult
		cands, err = e.Scan(ctx, req.Value, vt, st)
	} else {
		cands, err = e.Filter(ctx, req.Value, vt, st)
	}
	if err != nil {
		return nil, err
	}
	return message.Reply(msg, resultType, Source, e.Result(cands))
}

func (e *Engine) handleDecompileRequest(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var req message.DecompileRequest
	if err := msg.DecodePayload(&req); err != nil {
		return nil, err
	}
	res, err := e.Decompile(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	return message.Reply(msg, message.TypeDecompileResult, Source, message.DecompileResult{
		Address:  req.Address,
		Success:  res.Success,
		Function: res.String("function"),
		Code:     res.String("code"),
		Error:    res.Error,
	})
}

// handleBreakpointSet treats an inbound breakpoint_set as a request: empty
// Addresses means the current candidates, empty Type the configured type.
func (e *Engine) handleBreakpointSet(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var req message.BreakpointSet
	if err := msg.DecodePayload(&req); err != nil {
		return nil, err
	}
	bt := e.cfg.BreakpointType
	if req.Type != "" {
		parsed, err := adapter.ParseBreakpointType(req.Type)
		if err != nil {
			return nil, err
		}
		bt = parsed
	}
	_, payload, err := e.setBreakpoints(ctx, req.Addresses, bt)
	if err != nil {
		return nil, err
	}
	return message.Reply(msg, message.TypeBreakpointSet, Source, payload)
}

func (e *Engine) handleStatus(_ context.Context, msg *message.Message) (*message.Message, error) {
	return message.Reply(msg, message.TypeStatus, Source, e.Status().ToMessage())
}
