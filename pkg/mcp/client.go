// Package mcp implements a Model Context Protocol client for HTTP tool
// servers. It speaks plain JSON-RPC 2.0 over POST and exposes the server as a
// tools.Provider.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/quill/pkg/tools"
)

const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Client talks to one MCP server endpoint. Safe for concurrent use; the
// initialize handshake runs once.
type Client struct {
	name       string
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Int64

	initOnce sync.Once
	initErr  error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for an MCP server endpoint.
func NewClient(name, endpoint string, opts ...Option) *Client {
	c := &Client{
		name:     name,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements tools.Provider.
func (c *Client) Name() string {
	return c.name
}

func (c *Client) initialize(ctx context.Context) error {
	c.initOnce.Do(func() {
		params := map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{},
			"clientInfo": map[string]interface{}{
				"name":    "quill",
				"version": "0.1.0",
			},
		}
		_, c.initErr = c.call(ctx, "initialize", params)
	})
	return c.initErr
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.endpoint, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("mcp server returned status %d: %s", httpResp.StatusCode, string(data))
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.Error != nil {
		// The server was reached and answered; this is the provider
		// rejecting the call, not a transport failure.
		return nil, &tools.Rejection{
			Detail: fmt.Sprintf("mcp error (%d): %s", resp.Error.Code, resp.Error.Message),
		}
	}

	return resp.Result, nil
}

// ListTools implements tools.Provider.
func (c *Client) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []struct {
			Name        string                 `json:"name"`
			Description string                 `json:"description"`
			InputSchema map[string]interface{} `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &listResult); err != nil {
		return nil, fmt.Errorf("failed to decode tool list: %w", err)
	}

	descriptors := make([]tools.Descriptor, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		descriptors = append(descriptors, tools.Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return descriptors, nil
}

// CallTool implements tools.Provider. The payload is normalized to the text
// of the first content block, matching what tool servers return for every
// tool in practice.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if err := c.initialize(ctx); err != nil {
		return "", err
	}

	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return "", err
	}

	var callResult struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &callResult); err != nil {
		return "", fmt.Errorf("failed to decode tool result: %w", err)
	}

	text := ""
	for _, block := range callResult.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if callResult.IsError {
		if text == "" {
			text = "tool execution failed"
		}
		return "", &tools.Rejection{Detail: text}
	}

	return text, nil
}
