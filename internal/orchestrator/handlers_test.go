package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/dyluth/reo/internal/channel"
	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServedEngine(t *testing.T) (*Engine, *channel.Client) {
	t.Helper()
	_, sc := setupMemory(t)
	srv := channel.NewServer(channel.ServerConfig{Source: Source})
	e := NewEngine(Config{}, Deps{Monitor: &fakeMonitor{}, Scanner: sc, Adapter: &fakeAdapter{}, Server: srv})
	require.NoError(t, e.Start(context.Background(), hpRegion, scanner.Int32))
	t.Cleanup(func() { e.Close() })

	require.NotEmpty(t, srv.Addr())
	client := channel.NewClient(channel.ClientConfig{Address: srv.Addr(), RequestTimeout: 2 * time.Second})
	t.Cleanup(func() { client.Close() })
	return e, client
}

func request(t *testing.T, c *channel.Client, typ message.Type, payload interface{}) *message.Message {
	t.Helper()
	msg, err := message.New(typ, "test", payload)
	require.NoError(t, err)
	reply, err := c.Request(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, reply.CorrelationID)
	return reply
}

func TestHandlersDriveWorkflow(t *testing.T) {
	_, client := setupServedEngine(t)

	reply := request(t, client, message.TypeStatus, nil)
	require.Equal(t, message.TypeStatus, reply.Type)
	var st message.Status
	require.NoError(t, reply.DecodePayload(&st))
	assert.Equal(t, "monitoring", st.Phase)
	assert.True(t, st.Running)
	assert.Equal(t, []string{"hp"}, st.Regions)

	reply = request(t, client, message.TypeVisualChange, message.VisualChange{
		RegionID:    "hp",
		Changed:     true,
		ChangeRatio: 0.4,
		Value:       100,
		ValueKind:   "number",
		Confidence:  0.8,
		Method:      "ocr",
		ObservedAt:  time.Now(),
	})
	require.Equal(t, message.TypeStatus, reply.Type)
	require.NoError(t, reply.DecodePayload(&st))
	assert.Equal(t, "breakpoints_ready", st.Phase)
	assert.Equal(t, 1, st.Generation)
	assert.Equal(t, []uint64{0x1000, 0x1010, 0x1020}, st.CurrentAddresses)

	reply = request(t, client, message.TypeFilterRequest, message.FilterRequest{Value: 100, ValueType: "int32"})
	require.Equal(t, message.TypeFilterResult, reply.Type)
	var result message.ScanResult
	require.NoError(t, reply.DecodePayload(&result))
	assert.Equal(t, 2, result.Generation)
	assert.Equal(t, 3, result.Count)
	assert.Equal(t, "narrowed", result.Status)
	require.Len(t, result.Candidates, 3)
	assert.Equal(t, uint64(0x1000), result.Candidates[0].Address)

	reply = request(t, client, message.TypeBreakpointSet, message.BreakpointSet{})
	require.Equal(t, message.TypeBreakpointSet, reply.Type)
	var set message.BreakpointSet
	require.NoError(t, reply.DecodePayload(&set))
	assert.Equal(t, "write", set.Type)
	require.Len(t, set.Results, 3)
	for i, r := range set.Results {
		assert.True(t, r.Success)
		assert.Equal(t, i+1, r.ID)
	}

	reply = request(t, client, message.TypeDecompileRequest, message.DecompileRequest{Address: 0x1000})
	require.Equal(t, message.TypeDecompileResult, reply.Type)
	var dec message.DecompileResult
	require.NoError(t, reply.DecodePayload(&dec))
	assert.True(t, dec.Success)
	assert.Equal(t, "main.tick", dec.Function)
	assert.Equal(t, "mov eax, 1", dec.Code)
}

func TestHandlersReportErrors(t *testing.T) {
	_, client := setupServedEngine(t)

	tests := []struct {
		name    string
		typ     message.Type
		payload interface{}
		code    string
	}{
		{"unknown value type", message.TypeScanRequest, message.ScanRequest{Value: 1, ValueType: "int128"}, ""},
		{"filter before scan", message.TypeFilterRequest, message.FilterRequest{Value: 1, ValueType: "int32"}, "NoPriorScan"},
		{"no addresses", message.TypeBreakpointSet, message.BreakpointSet{}, "NoAddresses"},
		{"bad breakpoint type", message.TypeBreakpointSet, message.BreakpointSet{Addresses: []uint64{1}, Type: "sideways"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := request(t, client, tt.typ, tt.payload)
			require.Equal(t, message.TypeError, reply.Type)
			var payload message.ErrorPayload
			require.NoError(t, reply.DecodePayload(&payload))
			assert.NotEmpty(t, payload.Message)
			if tt.code != "" {
				assert.Equal(t, tt.code, payload.Code)
			}
		})
	}
}

func TestScanRequestStartsSession(t *testing.T) {
	e, client := setupServedEngine(t)

	reply := request(t, client, message.TypeScanRequest, message.ScanRequest{Value: 100, ValueType: "int32", ScanType: "exact"})
	require.Equal(t, message.TypeScanResult, reply.Type)
	var result message.ScanResult
	require.NoError(t, reply.DecodePayload(&result))
	assert.Equal(t, 1, result.Generation)
	assert.Equal(t, 3, result.Count)
	assert.Equal(t, "has_candidates", result.Status)

	assert.Equal(t, PhaseBreakpointsReady, e.Status().Phase)
}
