// SPDX-License-Identifier: AGPL-3.0-only
package chat

import (
	"context"
	"encoding/json"
	"strings"
)

// Role identifies the author of a message. The chat-completion endpoints in
// use only accept user and assistant turns; tool results travel inside user
// messages.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block of a message.
type Block struct {
	Type BlockType

	// Text carries text blocks and the textual payload of tool results.
	Text string

	// MediaType and Data carry image blocks (e.g. "image/png").
	MediaType string
	Data      []byte

	// ID correlates a tool_use block with its tool_result block.
	ID string
	// Name and Input describe a requested tool call.
	Name  string
	Input json.RawMessage

	// IsError flags a failed tool_result.
	IsError bool
}

// Message is a provider-agnostic chat message composed of ordered blocks.
type Message struct {
	Role   Role
	Blocks []Block

	// Stub, when non-empty, is the synthetic text this message collapses to
	// once it falls out of the retained history window (e.g. "[Screenshot
	// taken]"). Messages with a stub carry bulky payloads.
	Stub string
}

// NewTextMessage builds a single-text-block message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// Text joins all text blocks of the message.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// HasToolResult reports whether the message carries any tool_result block.
func (m Message) HasToolResult() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// ToolResultOnly reports whether every block is a tool_result. Trimming must
// never strand such a message without its paired tool_use message.
func (m Message) ToolResultOnly() bool {
	if len(m.Blocks) == 0 {
		return false
	}
	for _, b := range m.Blocks {
		if b.Type != BlockToolResult {
			return false
		}
	}
	return true
}

// ToolOrigin tags which connection layer owns a tool.
type ToolOrigin string

const (
	OriginActuator ToolOrigin = "actuator"
	OriginMCP      ToolOrigin = "mcp"
	OriginA2A      ToolOrigin = "a2a"
)

// ToolDefinition is a provider-agnostic representation of a tool that can be
// offered to an LLM during a chat completion.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema map with an object-typed root.
	Parameters map[string]interface{}
	Origin     ToolOrigin
}

// ToolCall represents a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Provider abstracts a chat-completion backend so the conversation loop can
// work with any LLM provider.
type Provider interface {
	// CreateCompletion sends a chat completion request and returns the
	// assistant's response message. system is an optional system-level
	// instruction prepended to the conversation (empty string to omit).
	CreateCompletion(ctx context.Context, model string, system string, messages []Message, tools []ToolDefinition) (*Message, error)
}
