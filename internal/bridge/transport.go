package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Tool represents a tool definition advertised by a server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolWithServer pairs a tool with the server that offers it.
type ToolWithServer struct {
	Server string
	Tool   Tool
}

// Transport establishes a connection to a tool server and returns its tool
// listing. Tests substitute an in-memory transport.
type Transport interface {
	Connect(ctx context.Context, address string, headers map[string]string) ([]Tool, error)
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

// HTTPTransport speaks JSON-RPC 2.0 over HTTP POST to a tool server.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with the given per-request timeout.
// Zero selects a 15s default.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// Connect handshakes with the server and lists its tools.
func (t *HTTPTransport) Connect(ctx context.Context, address string, headers map[string]string) ([]Tool, error) {
	initParams := map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo": map[string]any{
			"name":    "steward",
			"version": "1",
		},
	}
	if _, err := t.call(ctx, address, headers, 1, "initialize", initParams); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	raw, err := t.call(ctx, address, headers, 2, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var listed toolsListResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return listed.Tools, nil
}

func (t *HTTPTransport) call(ctx context.Context, address string, headers map[string]string, id int64, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}
