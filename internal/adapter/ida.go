package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultIDAURL is where the IDA Pro MCP plugin serves JSON-RPC.
const DefaultIDAURL = "http://127.0.0.1:13337/mcp"

// IDAConfig configures the IDA Pro adapter.
type IDAConfig struct {
	RPCURL  string        `yaml:"rpc_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// IDA talks JSON-RPC 2.0 over HTTP to the IDA Pro MCP plugin.
type IDA struct {
	cfg    IDAConfig
	http   *http.Client
	nextID atomic.Int64
}

// NewIDA returns an adapter for the plugin at cfg.RPCURL.
func NewIDA(cfg IDAConfig) *IDA {
	if cfg.RPCURL == "" {
		cfg.RPCURL = DefaultIDAURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &IDA{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (i *IDA) Name() string { return ToolIDA }

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("RPC error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

// Call invokes method with positional params and returns the raw result.
func (i *IDA) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: i.nextID.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach IDA RPC server at %s: %w", i.cfg.RPCURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("IDA RPC server returned %s for %s", resp.Status, method)
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("invalid %s response: %w", method, err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if len(out.Result) == 0 || bytes.Equal(out.Result, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	return out.Result, nil
}

// Connect checks that the plugin answers get_metadata.
func (i *IDA) Connect(ctx context.Context) Result {
	raw, err := i.Call(ctx, "get_metadata")
	if err != nil {
		return failed("%v", err)
	}
	meta := map[string]interface{}{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		meta = map[string]interface{}{"result": string(raw)}
	}
	log.Printf("[Adapter] Connected to IDA at %s", i.cfg.RPCURL)
	return succeeded(map[string]interface{}{"metadata": meta, "rpc_url": i.cfg.RPCURL})
}

// Disconnect is a no-op: every call is an independent HTTP request.
func (i *IDA) Disconnect() Result {
	return succeeded(nil)
}

func (i *IDA) SetBreakpoint(ctx context.Context, addr uint64, bt BreakpointType) Result {
	raw, err := i.Call(ctx, "dbg_add_breakpoint", hexAddr(addr), string(bt))
	if err != nil {
		return failed("failed to set %s breakpoint at %s: %v", bt, hexAddr(addr), err)
	}
	return succeeded(map[string]interface{}{
		"address": addr,
		"type":    string(bt),
		"result":  decodeAny(raw),
	})
}

func (i *IDA) DecompileFunction(ctx context.Context, addr uint64) Result {
	raw, err := i.Call(ctx, "decompile_function", hexAddr(addr))
	if err != nil {
		return failed("failed to decompile %s: %v", hexAddr(addr), err)
	}
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		code = string(raw)
	}
	data := map[string]interface{}{"address": addr, "code": code, "kind": "pseudocode"}
	if fn := i.GetFunctionAt(ctx, addr); fn.Success {
		if name := fn.String("name"); name != "" {
			data["function"] = name
		}
	}
	return succeeded(data)
}

func (i *IDA) GetFunctionAt(ctx context.Context, addr uint64) Result {
	raw, err := i.Call(ctx, "get_function_by_address", addr)
	if err != nil {
		return failed("failed to look up function at %s: %v", hexAddr(addr), err)
	}
	fn := map[string]interface{}{}
	if err := json.Unmarshal(raw, &fn); err != nil {
		return failed("unexpected function description: %s", raw)
	}
	return succeeded(fn)
}

func (i *IDA) FindReferences(ctx context.Context, addr uint64) Result {
	raw, err := i.Call(ctx, "get_xrefs_to", addr)
	if err != nil {
		return failed("failed to find references to %s: %v", hexAddr(addr), err)
	}
	var refs []interface{}
	if err := json.Unmarshal(raw, &refs); err != nil {
		refs = []interface{}{}
	}
	return succeeded(map[string]interface{}{"address": addr, "references": refs, "count": len(refs)})
}

func decodeAny(raw json.RawMessage) interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
