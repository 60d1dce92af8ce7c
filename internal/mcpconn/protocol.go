// SPDX-License-Identifier: AGPL-3.0-only

// Package mcpconn manages connections to MCP tool servers: JSON-RPC 2.0
// requests over an HTTP event stream, per-server connection state, tool
// discovery, and correlated request/response execution.
package mcpconn

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/tools"
)

const (
	methodListTools = "tools/list"
	methodCallTool  = "tools/call"

	// defaultDiscoveryTimeout bounds the tools/list call after the stream
	// opens; a stalled decode path falls back to parsing the partial stream.
	defaultDiscoveryTimeout = 3 * time.Second
	// defaultCallTimeout bounds one tools/call round trip.
	defaultCallTimeout = 150 * time.Second
	// defaultConnectWait bounds how long a coalesced caller waits for the
	// in-flight handshake of the same server id.
	defaultConnectWait = 30 * time.Second
	// defaultPollInterval is the coalesced caller's polling cadence.
	defaultPollInterval = 500 * time.Millisecond
)

// rpcMessage is a JSON-RPC 2.0 request, response, or notification.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is the JSON-RPC error member.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// idKey canonicalizes a JSON-RPC id (numeric or string) into a map key, so
// a server echoing 42 as "42" still correlates.
func idKey(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	return s
}

// callToolParams is the params object of a tools/call request.
type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// contentPart is one element of a tools/call result content array.
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// callToolResult is the result object of a tools/call response.
type callToolResult struct {
	Content []contentPart `json:"content"`
	IsError bool          `json:"isError"`
}

// parseToolList decodes a tools/list result into catalog definitions. Each
// tool is decoded as a raw map so the schema can be normalized once at
// ingestion regardless of which key name the server used.
func parseToolList(result json.RawMessage) ([]chat.ToolDefinition, error) {
	var payload struct {
		Tools []map[string]interface{} `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, err
	}
	return toolsFromRaw(payload.Tools), nil
}

// toolsFromRaw converts raw tool maps into normalized definitions.
func toolsFromRaw(raw []map[string]interface{}) []chat.ToolDefinition {
	out := make([]chat.ToolDefinition, 0, len(raw))
	for _, rawTool := range raw {
		name, _ := rawTool["name"].(string)
		if name == "" {
			continue
		}
		description, _ := rawTool["description"].(string)
		out = append(out, chat.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  tools.ExtractInputSchema(rawTool),
			Origin:      chat.OriginMCP,
		})
	}
	return out
}

// parsePartialTools scavenges tool definitions out of a partially received
// stream. The transport may push the tools/list result over the event stream
// while the primary decode path stalls; before declaring discovery failed we
// locate the "tools" array in the buffered bytes and decode as many complete
// elements as are present.
func parsePartialTools(raw []byte) []chat.ToolDefinition {
	idx := bytes.Index(raw, []byte(`"tools"`))
	if idx < 0 {
		return nil
	}
	rest := raw[idx+len(`"tools"`):]
	start := bytes.IndexByte(rest, '[')
	if start < 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(rest[start:]))
	if _, err := dec.Token(); err != nil { // consume '['
		return nil
	}
	var collected []map[string]interface{}
	for dec.More() {
		var rawTool map[string]interface{}
		if err := dec.Decode(&rawTool); err != nil {
			break // truncated element; keep what decoded cleanly
		}
		collected = append(collected, rawTool)
	}
	return toolsFromRaw(collected)
}

// flattenCallResult renders a tools/call result as the single string handed
// back to the model: text parts joined, or the raw result JSON when the
// shape is unrecognized.
func flattenCallResult(result json.RawMessage) (string, bool) {
	var parsed callToolResult
	if err := json.Unmarshal(result, &parsed); err == nil && len(parsed.Content) > 0 {
		var texts []string
		for _, part := range parsed.Content {
			if part.Type == "text" && part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "\n"), parsed.IsError
		}
		out, _ := json.Marshal(parsed.Content)
		return string(out), parsed.IsError
	}
	return string(result), false
}
