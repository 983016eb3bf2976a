package tooldetect

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/reo/internal/adapter"
	"github.com/dyluth/reo/internal/scanner"
)

func idaServer(t *testing.T, calls *atomic.Int32) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"result": map[string]interface{}{"module": "game.exe"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/mcp"
}

func closedAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func noTools(d *Detector) {
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	d.processes = func(context.Context, string) ([]scanner.ProcessInfo, error) { return nil, nil }
}

func TestDetectIDAOverRPC(t *testing.T) {
	var calls atomic.Int32
	d := New(Config{IDARPCURL: idaServer(t, &calls), DelveAddress: closedAddr(t)})
	noTools(d)

	res := d.DetectTool(context.Background(), adapter.ToolIDA)
	assert.True(t, res.Available)
	assert.Equal(t, "rpc", res.Method)
	assert.Equal(t, "game.exe", res.Metadata["module"])

	assert.True(t, d.Available(context.Background(), adapter.ToolIDA))
	assert.Equal(t, int32(1), calls.Load(), "second lookup is served from cache")

	d.Clear()
	d.DetectTool(context.Background(), adapter.ToolIDA)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDetectCacheExpires(t *testing.T) {
	var calls atomic.Int32
	d := New(Config{IDARPCURL: idaServer(t, &calls), TTL: time.Minute})
	noTools(d)
	now := time.Now()
	d.now = func() time.Time { return now }

	d.DetectTool(context.Background(), adapter.ToolIDA)
	now = now.Add(30 * time.Second)
	d.DetectTool(context.Background(), adapter.ToolIDA)
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(31 * time.Second)
	d.DetectTool(context.Background(), adapter.ToolIDA)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDetectDelve(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := New(Config{DelveAddress: ln.Addr().String(), IDARPCURL: "http://" + closedAddr(t) + "/mcp"})
	noTools(d)
	res := d.DetectTool(context.Background(), adapter.ToolDelve)
	assert.True(t, res.Available)
	assert.Equal(t, "listening", res.Method)

	d = New(Config{DelveAddress: closedAddr(t)})
	d.lookPath = func(string) (string, error) { return "/usr/local/bin/dlv", nil }
	res = d.DetectTool(context.Background(), adapter.ToolDelve)
	assert.True(t, res.Available)
	assert.Equal(t, "path", res.Method)
	assert.Equal(t, "/usr/local/bin/dlv", res.Path)
}

func TestDetectNothing(t *testing.T) {
	d := New(Config{DelveAddress: closedAddr(t), IDARPCURL: "http://" + closedAddr(t) + "/mcp", ProbeTimeout: 200 * time.Millisecond})
	noTools(d)
	t.Setenv("IDA_PATH", "")

	results := d.Detect(context.Background())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Available, r.Tool)
		assert.NotEmpty(t, r.Error)
	}

	unknown := d.DetectTool(context.Background(), "ghidra")
	assert.False(t, unknown.Available)
}

func TestDetectIDARunningWithoutPlugin(t *testing.T) {
	d := New(Config{IDARPCURL: "http://" + closedAddr(t) + "/mcp", ProbeTimeout: 200 * time.Millisecond})
	noTools(d)
	d.processes = func(context.Context, string) ([]scanner.ProcessInfo, error) {
		return []scanner.ProcessInfo{{PID: 10, Name: "ida64"}}, nil
	}
	t.Setenv("IDA_PATH", "")

	res := d.DetectTool(context.Background(), adapter.ToolIDA)
	assert.False(t, res.Available, "IDA without the RPC plugin cannot be driven")
	assert.True(t, res.Running)
	assert.Equal(t, "running_process", res.Method)
}
