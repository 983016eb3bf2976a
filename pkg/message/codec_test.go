package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/dyluth/reo/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payloads := map[Type]interface{}{
		TypeVisualChange: VisualChange{
			RegionID:    "hp",
			Changed:     true,
			ChangeRatio: 0.25,
			SubRegions:  []Rect{{X: 1, Y: 2, Width: 20, Height: 20, Area: 400}},
			Value:       int64(100),
			ValueKind:   "number",
		},
		TypeScanRequest:     ScanRequest{Value: 100, ValueType: "int32", ScanType: "exact"},
		TypeScanResult:      ScanResult{Generation: 1, Status: "has_candidates", Count: 1, Candidates: []Candidate{{Address: 0x1000, ValueType: "int32", Raw: []byte{100, 0, 0, 0}, Size: 4}}},
		TypeBreakpointSet:   BreakpointSet{Addresses: []uint64{0xdeadbeef}},
		TypeDecompileResult: DecompileResult{Address: 0x401000, Success: true, Code: "line one\nline two\t<tab>"},
		TypePing:            nil,
		TypeError:           ErrorPayload{Code: "NotRunning", Message: "workflow is not running"},
	}

	for typ, payload := range payloads {
		t.Run(string(typ), func(t *testing.T) {
			msg, err := New(typ, "test", payload)
			require.NoError(t, err)
			msg.CorrelationID = "corr-1"

			frame, err := Encode(msg)
			require.NoError(t, err)

			// exactly one delimiter, at the end
			assert.Equal(t, 1, bytes.Count(frame, []byte{Delimiter}))
			assert.Equal(t, byte(Delimiter), frame[len(frame)-1])

			decoded, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, msg.Type, decoded.Type)
			assert.Equal(t, msg.Source, decoded.Source)
			assert.Equal(t, msg.ID, decoded.ID)
			assert.Equal(t, msg.CorrelationID, decoded.CorrelationID)
			assert.JSONEq(t, string(msg.Payload), string(decoded.Payload))
			assert.True(t, msg.Timestamp.Equal(decoded.Timestamp))
		})
	}
}

func TestDecodePayload(t *testing.T) {
	msg, err := New(TypeScanRequest, "cli", ScanRequest{Value: uint64(1) << 62, ValueType: "uint64"})
	require.NoError(t, err)

	var req ScanRequest
	require.NoError(t, msg.DecodePayload(&req))
	num, ok := req.Value.(json.Number)
	require.True(t, ok, "numbers decode as json.Number")
	assert.Equal(t, "4611686018427387904", num.String())
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"empty", "\n", ErrMalformed},
		{"not json", "hello\n", ErrMalformed},
		{"missing type", `{"id":"1","payload":{}}` + "\n", ErrMalformed},
		{"unknown type", `{"id":"1","type":"reboot","payload":{}}` + "\n", ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.Equal(t, fault.Protocol, fault.KindOf(err))
		})
	}
}

func TestDecodeDefaultsPayload(t *testing.T) {
	msg, err := Decode([]byte(`{"id":"1","type":"ping","source":"x"}` + "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, TypePing, msg.Type)
	assert.JSONEq(t, `{}`, string(msg.Payload))
}

func TestReplyCorrelation(t *testing.T) {
	ping, err := New(TypePing, "client", nil)
	require.NoError(t, err)

	pong, err := Reply(ping, TypePong, "server", nil)
	require.NoError(t, err)
	assert.Equal(t, ping.ID, pong.CorrelationID, "falls back to the request id")

	ping.CorrelationID = "abc"
	pong, err = Reply(ping, TypePong, "server", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", pong.CorrelationID)

	errMsg := ErrorReply(ping, "server", "NoAdapter", errors.New("no adapter attached"))
	assert.Equal(t, TypeError, errMsg.Type)
	assert.Equal(t, "abc", errMsg.CorrelationID)
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(Type("nope"), "x", nil)
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, err = Encode(&Message{Type: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestWrite(t *testing.T) {
	msg, err := New(TypeStatus, "orchestrator", Status{Phase: "Idle"})
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, Write(&sb, msg))
	assert.True(t, strings.HasSuffix(sb.String(), "\n"))
	assert.Contains(t, sb.String(), `"phase":"Idle"`)
	assert.Len(t, Types(), 13)
}
