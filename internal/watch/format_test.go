package watch

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/dyluth/reo/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFormatter(t *testing.T) {
	tests := []struct {
		name     string
		typ      message.Type
		payload  interface{}
		expected []string
	}{
		{
			name: "visual change with value",
			typ:  message.TypeVisualChange,
			payload: message.VisualChange{
				RegionID: "hp", Changed: true, ChangeRatio: 0.25, Value: 87,
				ValueKind: "number", Method: "ocr", Confidence: 0.9, ObservedAt: time.Now(),
			},
			expected: []string{"👁  Visual change: region=hp ratio=0.250", "value=87", "method=ocr", "confidence=0.90"},
		},
		{
			name:     "visual change without value",
			typ:      message.TypeVisualChange,
			payload:  message.VisualChange{RegionID: "mp", Changed: true, ChangeRatio: 0.5},
			expected: []string{"region=mp ratio=0.500"},
		},
		{
			name:     "scan request",
			typ:      message.TypeScanRequest,
			payload:  message.ScanRequest{Value: 100, ValueType: "int32"},
			expected: []string{"➡️  Scan requested: value=100 type=int32 scan=-"},
		},
		{
			name: "breakpoints set",
			typ:  message.TypeBreakpointSet,
			payload: message.BreakpointSet{Type: "write", Results: []message.BreakpointResult{
				{Address: 0x1000, Success: true, ID: 1},
				{Address: 0x2000, Error: "unmapped"},
			}},
			expected: []string{"📍 Breakpoints set: type=write placed=1/2"},
		},
		{
			name:     "breakpoint request",
			typ:      message.TypeBreakpointSet,
			payload:  message.BreakpointSet{Addresses: []uint64{0x10, 0x20}},
			expected: []string{"Breakpoints requested: addresses=0x10,0x20"},
		},
		{
			name:     "breakpoint hit",
			typ:      message.TypeBreakpointHit,
			payload:  message.BreakpointHit{Address: 0x401000, ID: 3, Function: "main.damage"},
			expected: []string{"🎯 Breakpoint hit: id=3 address=0x401000 function=main.damage"},
		},
		{
			name:     "target exited",
			typ:      message.TypeBreakpointHit,
			payload:  message.BreakpointHit{Exited: true},
			expected: []string{"🏁 Target exited"},
		},
		{
			name:     "decompile result",
			typ:      message.TypeDecompileResult,
			payload:  message.DecompileResult{Address: 0x401000, Success: true, Function: "main.damage"},
			expected: []string{"📜 Decompiled: function=main.damage address=0x401000"},
		},
		{
			name:     "decompile failure",
			typ:      message.TypeDecompileResult,
			payload:  message.DecompileResult{Address: 0x10, Error: "no function"},
			expected: []string{"❌ Decompile failed: address=0x10 error=no function"},
		},
		{
			name: "status with breakpoints ready",
			typ:  message.TypeStatus,
			payload: message.Status{
				Phase: "breakpoints_ready", SessionStatus: "narrowed", Generation: 3,
				CandidateCount: 2, CurrentAddresses: []uint64{0x1000, 0x1010},
			},
			expected: []string{"ℹ️  Status: phase=breakpoints_ready", "🎉 Breakpoints ready: addresses=0x1000,0x1010"},
		},
		{
			name:     "error",
			typ:      message.TypeError,
			payload:  message.ErrorPayload{Code: "NoPriorScan", Message: "no prior scan"},
			expected: []string{"❌ Error: code=NoPriorScan no prior scan"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &defaultFormatter{writer: buf}

			require.NoError(t, formatter.Format(newMessage(t, tt.typ, tt.payload)))

			output := buf.String()
			for _, want := range tt.expected {
				assert.Contains(t, output, want)
			}
		})
	}
}

func TestDefaultFormatterSkipsPings(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &defaultFormatter{writer: buf}

	require.NoError(t, formatter.Format(newMessage(t, message.TypePing, nil)))
	require.NoError(t, formatter.Format(newMessage(t, message.TypePong, nil)))
	assert.Empty(t, buf.String())
}

func TestDefaultFormatterRejectsMalformedPayload(t *testing.T) {
	msg := newMessage(t, message.TypeScanResult, nil)
	msg.Payload = json.RawMessage(`{"generation":"one"}`)

	err := (&defaultFormatter{writer: &bytes.Buffer{}}).Format(msg)
	assert.ErrorIs(t, err, message.ErrMalformed)
}

func TestJSONFormatter(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &jsonFormatter{writer: buf}

	msg := newMessage(t, message.TypeScanResult, message.ScanResult{Generation: 1, Status: "has_candidates", Count: 3})
	msg.CorrelationID = "req-1"
	require.NoError(t, formatter.Format(msg))

	output := buf.String()
	assert.Contains(t, output, `"event":"scan_result"`)
	assert.Contains(t, output, `"id":"`+msg.ID+`"`)
	assert.Contains(t, output, `"correlation_id":"req-1"`)
	assert.Contains(t, output, `"data":{"generation":1,"status":"has_candidates","count":3}`)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "orchestrator", decoded["source"])
}

func TestParseOutputFormat(t *testing.T) {
	for in, want := range map[string]OutputFormat{
		"":        OutputFormatDefault,
		"default": OutputFormatDefault,
		"jsonl":   OutputFormatJSONL,
		"json":    OutputFormatJSONL,
	} {
		got, err := ParseOutputFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseOutputFormat("yaml")
	assert.Error(t, err)
}
