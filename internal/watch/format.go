package watch

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dyluth/reo/pkg/message"
)

// OutputFormat selects how events are rendered.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per event.
	OutputFormatDefault OutputFormat = "default"
	// OutputFormatJSONL is one JSON object per line.
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat accepts "default", "jsonl" and "json" (an alias for jsonl).
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch s {
	case "", "default":
		return OutputFormatDefault, nil
	case "jsonl", "json":
		return OutputFormatJSONL, nil
	}
	return "", fmt.Errorf("unknown output format: %s", s)
}

// Formatter renders one message.
type Formatter interface {
	Format(msg *message.Message) error
}

// NewFormatter returns the formatter for format writing to w.
func NewFormatter(format OutputFormat, w io.Writer) (Formatter, error) {
	switch format {
	case OutputFormatDefault, "":
		return &defaultFormatter{writer: w}, nil
	case OutputFormatJSONL:
		return &jsonFormatter{writer: w}, nil
	}
	return nil, fmt.Errorf("unknown output format: %s", format)
}

type defaultFormatter struct {
	writer io.Writer
}

// Format writes a one-line summary. Pings and pongs are skipped.
func (f *defaultFormatter) Format(msg *message.Message) error {
	line, err := describe(msg)
	if err != nil {
		return err
	}
	if line == "" {
		return nil
	}
	_, err = fmt.Fprintf(f.writer, "[%s] %s\n", msg.Timestamp.Local().Format("15:04:05"), line)
	return err
}

func describe(msg *message.Message) (string, error) {
	switch msg.Type {
	case message.TypePing, message.TypePong:
		return "", nil

	case message.TypeVisualChange:
		var vc message.VisualChange
		if err := msg.DecodePayload(&vc); err != nil {
			return "", err
		}
		line := fmt.Sprintf("👁  Visual change: region=%s ratio=%.3f", vc.RegionID, vc.ChangeRatio)
		if vc.Value != nil {
			line += fmt.Sprintf(" value=%v kind=%s method=%s confidence=%.2f", vc.Value, vc.ValueKind, vc.Method, vc.Confidence)
		}
		return line, nil

	case message.TypeScanRequest, message.TypeFilterRequest:
		var req message.ScanRequest
		if err := msg.DecodePayload(&req); err != nil {
			return "", err
		}
		verb := "Scan"
		if msg.Type == message.TypeFilterRequest {
			verb = "Filter"
		}
		return fmt.Sprintf("➡️  %s requested: value=%v type=%s scan=%s", verb, req.Value, orDefault(req.ValueType), orDefault(req.ScanType)), nil

	case message.TypeScanResult, message.TypeFilterResult:
		var res message.ScanResult
		if err := msg.DecodePayload(&res); err != nil {
			return "", err
		}
		label := "🔍 Scan completed"
		if msg.Type == message.TypeFilterResult {
			label = "🔎 Filter completed"
		}
		return fmt.Sprintf("%s: generation=%d status=%s count=%d", label, res.Generation, res.Status, res.Count), nil

	case message.TypeBreakpointSet:
		var set message.BreakpointSet
		if err := msg.DecodePayload(&set); err != nil {
			return "", err
		}
		if len(set.Results) == 0 {
			return fmt.Sprintf("➡️  Breakpoints requested: addresses=%s", hexList(set.Addresses)), nil
		}
		placed := 0
		for _, r := range set.Results {
			if r.Success {
				placed++
			}
		}
		return fmt.Sprintf("📍 Breakpoints set: type=%s placed=%d/%d", set.Type, placed, len(set.Results)), nil

	case message.TypeBreakpointHit:
		var hit message.BreakpointHit
		if err := msg.DecodePayload(&hit); err != nil {
			return "", err
		}
		if hit.Exited {
			return "🏁 Target exited", nil
		}
		return fmt.Sprintf("🎯 Breakpoint hit: id=%d address=0x%X function=%s", hit.ID, hit.Address, orDefault(hit.Function)), nil

	case message.TypeDecompileRequest:
		var req message.DecompileRequest
		if err := msg.DecodePayload(&req); err != nil {
			return "", err
		}
		return fmt.Sprintf("➡️  Decompile requested: address=0x%X", req.Address), nil

	case message.TypeDecompileResult:
		var res message.DecompileResult
		if err := msg.DecodePayload(&res); err != nil {
			return "", err
		}
		if !res.Success {
			return fmt.Sprintf("❌ Decompile failed: address=0x%X error=%s", res.Address, res.Error), nil
		}
		return fmt.Sprintf("📜 Decompiled: function=%s address=0x%X", orDefault(res.Function), res.Address), nil

	case message.TypeStatus:
		var st message.Status
		if err := msg.DecodePayload(&st); err != nil {
			return "", err
		}
		line := fmt.Sprintf("ℹ️  Status: phase=%s session=%s generation=%d candidates=%d", st.Phase, st.SessionStatus, st.Generation, st.CandidateCount)
		if st.Phase == "breakpoints_ready" && len(st.CurrentAddresses) > 0 {
			line += fmt.Sprintf("\n🎉 Breakpoints ready: addresses=%s", hexList(st.CurrentAddresses))
		}
		if st.LastError != "" {
			line += " error=" + st.LastError
		}
		return line, nil

	case message.TypeError:
		var payload message.ErrorPayload
		if err := msg.DecodePayload(&payload); err != nil {
			return "", err
		}
		return fmt.Sprintf("❌ Error: code=%s %s", payload.Code, payload.Message), nil
	}
	return fmt.Sprintf("• %s from %s", msg.Type, msg.Source), nil
}

type jsonFormatter struct {
	writer io.Writer
}

type jsonEvent struct {
	Event         string          `json:"event"`
	ID            string          `json:"id"`
	Timestamp     string          `json:"timestamp"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// Format writes the message as a single JSON line.
func (f *jsonFormatter) Format(msg *message.Message) error {
	data, err := json.Marshal(jsonEvent{
		Event:         string(msg.Type),
		ID:            msg.ID,
		Timestamp:     msg.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Source:        msg.Source,
		CorrelationID: msg.CorrelationID,
		Data:          msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}

func hexList(addrs []uint64) string {
	if len(addrs) == 0 {
		return "current"
	}
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = fmt.Sprintf("0x%X", a)
	}
	return strings.Join(parts, ",")
}

func orDefault(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
