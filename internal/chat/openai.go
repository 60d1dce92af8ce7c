// SPDX-License-Identifier: AGPL-3.0-only
package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider implements Provider using the OpenAI SDK.
// It supports any OpenAI-compatible endpoint (OpenAI, Ollama, vLLM, Groq, etc.)
// via a configurable base URL.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI-backed Provider.
// If baseURL is non-empty it overrides the default API endpoint, which allows
// pointing at any OpenAI-compatible server.
func NewOpenAIProvider(apiKey string, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client}
}

func (p *OpenAIProvider) CreateCompletion(ctx context.Context, model string, system string, messages []Message, tools []ToolDefinition) (*Message, error) {
	oaiMsgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		oaiMsgs = append(oaiMsgs, openai.SystemMessage(system))
	}
	for _, m := range messages {
		oaiMsgs = append(oaiMsgs, toOpenAIMessages(m)...)
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: oaiMsgs,
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return fromOpenAIMessage(resp.Choices[0].Message), nil
}

// toOpenAITools converts provider-agnostic tool definitions to the OpenAI SDK
// representation.
func toOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		}
	}
	return out
}

// toOpenAIMessages converts one provider-agnostic message to OpenAI SDK
// message unions.
//
// The OpenAI chat API has no content-block model: tool results are standalone
// "tool" role messages and everything else is message content. A user message
// mixing tool_result blocks with text/image blocks therefore fans out into
// several messages, preserving block order.
func toOpenAIMessages(m Message) []openai.ChatCompletionMessageParamUnion {
	if m.Role == RoleAssistant {
		asst := openai.ChatCompletionAssistantMessageParam{}
		if text := m.Text(); text != "" {
			asst.Content.OfString = openai.String(text)
		}
		for _, b := range m.ToolUses() {
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: b.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
		return []openai.ChatCompletionMessageParamUnion{{OfAssistant: &asst}}
	}

	var out []openai.ChatCompletionMessageParamUnion
	var parts []openai.ChatCompletionContentPartUnionParam
	flush := func() {
		if len(parts) > 0 {
			out = append(out, openai.UserMessage(parts))
			parts = nil
		}
	}
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, openai.TextContentPart(b.Text))
		case BlockImage:
			url := "data:" + b.MediaType + ";base64," + base64.StdEncoding.EncodeToString(b.Data)
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
		case BlockToolResult:
			flush()
			content := b.Text
			if b.IsError && content == "" {
				content = "tool call failed"
			}
			out = append(out, openai.ToolMessage(content, b.ID))
		}
	}
	flush()
	return out
}

// fromOpenAIMessage converts an OpenAI SDK response message to the
// provider-agnostic Message type.
func fromOpenAIMessage(m openai.ChatCompletionMessage) *Message {
	msg := &Message{Role: RoleAssistant}
	if m.Content != "" {
		msg.Blocks = append(msg.Blocks, Block{Type: BlockText, Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		msg.Blocks = append(msg.Blocks, Block{
			Type:  BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg
}
