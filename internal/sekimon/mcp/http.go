package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPConn talks to a remote MCP server by POSTing one JSON-RPC request per
// HTTP exchange. Extra headers (typically authorization) from the registry
// entry are attached to every request.
type HTTPConn struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	nextID  atomic.Int64
}

// DialHTTP performs the MCP initialize handshake against url and returns a
// ready connection.
func DialHTTP(ctx context.Context, name, url string, headers map[string]string) (*HTTPConn, error) {
	c := &HTTPConn{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 60 * time.Second},
	}

	var initResult InitializeResult
	if err := c.call(ctx, "initialize", InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCaps{},
		ClientInfo:      ClientInfo{Name: "sekimon", Version: "1"},
	}, &initResult); err != nil {
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}

	slog.Info("mcp server ready",
		"name", name,
		"server", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
	)
	return c, nil
}

// ListTools returns the list of tools exposed by this MCP server.
func (c *HTTPConn) ListTools(ctx context.Context) ([]Tool, error) {
	var result ListToolsResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a named tool with the given arguments.
func (c *HTTPConn) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*CallToolResult, error) {
	var result CallToolResult
	if err := c.call(ctx, "tools/call", CallToolParams{Name: toolName, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close is a no-op for the HTTP transport; there is no session to tear down.
func (c *HTTPConn) Close() error { return nil }

func (c *HTTPConn) call(ctx context.Context, method string, params, result interface{}) error {
	id := c.nextID.Add(1)
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return fmt.Errorf("mcp server %s returned %d: %s", c.name, httpResp.StatusCode, snippet)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	b, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("re-marshal result: %w", err)
	}
	return json.Unmarshal(b, result)
}
