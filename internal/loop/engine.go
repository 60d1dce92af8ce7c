// SPDX-License-Identifier: AGPL-3.0-only

// Package loop runs the plan/execute/verify conversation: it calls the model
// with the merged tool catalog, dispatches the model's tool calls to the
// actuator and the connected servers and agents, and feeds the results back
// until the model answers in plain text or the turn cap is reached.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/actuator"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/config"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/errors"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/history"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/metrics"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/screenshot"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/tools"
)

// turnLimitNotice is emitted when the loop stops on the turn cap. The loop
// never ends silently.
const turnLimitNotice = "Turn limit reached before the task completed. Stopping here; re-run the task to continue."

// Events carries the side-channel callbacks of one run. Any field may be nil.
type Events struct {
	// OnText receives each sanitized assistant text as it arrives.
	OnText func(text string)
	// OnToolStart fires before each tool call is dispatched.
	OnToolStart func(call chat.ToolCall)
}

func (e Events) emitText(text string) {
	if e.OnText != nil {
		e.OnText(text)
	}
}

func (e Events) emitToolStart(call chat.ToolCall) {
	if e.OnToolStart != nil {
		e.OnToolStart(call)
	}
}

// ServerCaller executes one tool on a connected MCP server.
type ServerCaller interface {
	CallTool(ctx context.Context, serverID, name string, args map[string]interface{}) (string, error)
}

// AgentInvoker delegates a natural-language task to a registered A2A agent.
type AgentInvoker interface {
	Invoke(ctx context.Context, id string, task string) (string, error)
}

// Deps are the collaborators of one engine. Actuator, Servers, and Agents
// may be nil when the corresponding tool origin is not in the catalog.
type Deps struct {
	Provider chat.Provider
	History  *history.Manager
	Catalog  *tools.Catalog
	Actuator actuator.Actuator
	Servers  ServerCaller
	Agents   AgentInvoker
	Logger   *logging.Logger
}

// Engine drives one task's conversation. One engine instance runs per active
// task; engines share nothing but the connection tables behind Deps.
type Engine struct {
	deps Deps

	model            string
	maxTurns         int
	toolCallDelay    time.Duration
	maxScreenshotDim int
}

// NewEngine creates a loop engine from config and collaborators.
func NewEngine(cfg *config.Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = logging.GetDefaultLogger()
	}
	maxTurns := cfg.AI.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &Engine{
		deps:             deps,
		model:            cfg.AI.Model,
		maxTurns:         maxTurns,
		toolCallDelay:    cfg.AI.ToolCallDelay,
		maxScreenshotDim: cfg.Screenshot.MaxDimension,
	}
}

// Run executes the conversation loop until the model stops requesting tools,
// the context is cancelled, or the turn cap is hit. It returns the
// accumulated assistant text and the number of turns taken; on cancellation
// the text gathered so far is returned together with the context error.
func (e *Engine) Run(ctx context.Context, initial []chat.Message, systemPrompt string, events Events) (string, int, error) {
	msgs := make([]chat.Message, len(initial))
	copy(msgs, initial)

	var finalText strings.Builder
	appendText := func(text string) {
		if text == "" {
			return
		}
		if finalText.Len() > 0 {
			finalText.WriteString("\n")
		}
		finalText.WriteString(text)
		events.emitText(text)
	}

	for turn := 0; turn < e.maxTurns; turn++ {
		if ctx.Err() != nil {
			return finalText.String(), turn, ctx.Err()
		}

		if e.deps.History != nil {
			msgs = e.deps.History.Prepare(ctx, msgs)
		}

		start := time.Now()
		resp, err := e.deps.Provider.CreateCompletion(ctx, e.model, systemPrompt, msgs, e.deps.Catalog.Definitions())
		metrics.LLMRequestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return finalText.String(), turn, err
		}

		appendText(sanitizeText(resp.Text()))

		uses := resp.ToolUses()
		if len(uses) == 0 {
			metrics.TurnsPerTask.Observe(float64(turn + 1))
			e.deps.Logger.Infof("Task completed in %d turns", turn+1)
			return finalText.String(), turn + 1, nil
		}

		resultMsg := e.runToolCalls(ctx, uses, events)
		// Exactly two messages per tool turn: the assistant message with its
		// tool_use blocks, and the user message with the paired tool_results.
		msgs = append(msgs, *resp, resultMsg)
	}

	metrics.TurnsPerTask.Observe(float64(e.maxTurns))
	e.deps.Logger.Warnf("Task hit the turn cap of %d", e.maxTurns)
	appendText(turnLimitNotice)
	return finalText.String(), e.maxTurns, nil
}

// runToolCalls executes the turn's tool_use blocks strictly sequentially,
// with a short delay between calls so actuator side effects settle. Every
// tool_use gets a paired tool_result: failures and cancellations become
// error-flagged results rather than missing blocks.
func (e *Engine) runToolCalls(ctx context.Context, uses []chat.Block, events Events) chat.Message {
	result := chat.Message{Role: chat.RoleUser}
	for i, use := range uses {
		call := chat.ToolCall{ID: use.ID, Name: use.Name, Arguments: string(use.Input)}

		if ctx.Err() != nil {
			result.Blocks = append(result.Blocks, chat.Block{
				Type: chat.BlockToolResult, ID: call.ID, IsError: true,
				Text: "Cancelled before this tool ran",
			})
			continue
		}
		if i > 0 && e.toolCallDelay > 0 {
			select {
			case <-time.After(e.toolCallDelay):
			case <-ctx.Done():
			}
		}

		events.emitToolStart(call)
		blocks, stub := e.dispatch(ctx, call)
		result.Blocks = append(result.Blocks, blocks...)
		if stub != "" {
			result.Stub = stub
		}
	}
	return result
}

// dispatch routes one tool call to its owning connection and renders the
// outcome as tool_result (and possibly image) blocks. A non-empty stub marks
// the result message as bulky for history trimming.
func (e *Engine) dispatch(ctx context.Context, call chat.ToolCall) ([]chat.Block, string) {
	route, ok := e.deps.Catalog.Resolve(call.Name)
	if !ok {
		return errorResult(call, fmt.Sprintf("unknown tool %q", call.Name)), ""
	}

	var (
		blocks []chat.Block
		stub   string
		err    error
	)
	switch route.Origin {
	case chat.OriginActuator:
		blocks, stub, err = e.dispatchActuator(ctx, call)
	case chat.OriginMCP:
		blocks, err = e.dispatchServer(ctx, route.ConnectionID, call)
	case chat.OriginA2A:
		blocks, err = e.dispatchAgent(ctx, route.ConnectionID, call)
	default:
		err = errors.Internal(fmt.Errorf("unroutable origin %s", route.Origin))
	}

	if err != nil {
		metrics.ToolCalls.WithLabelValues(string(route.Origin), "error").Inc()
		e.deps.Logger.Warnf("Tool %s failed: %v", call.Name, err)
		return errorResult(call, err.Error()), ""
	}
	metrics.ToolCalls.WithLabelValues(string(route.Origin), "ok").Inc()
	return blocks, stub
}

func (e *Engine) dispatchActuator(ctx context.Context, call chat.ToolCall) ([]chat.Block, string, error) {
	if e.deps.Actuator == nil {
		return nil, "", errors.Internal(fmt.Errorf("no actuator configured"))
	}
	resp, err := actuator.Dispatch(ctx, e.deps.Actuator, call)
	if err != nil {
		return nil, "", err
	}
	if resp.Error != "" {
		return errorResult(call, resp.Error), "", nil
	}

	if call.Name == actuator.ToolScreenshot && len(resp.Image) > 0 {
		return e.screenshotResult(call, resp)
	}

	blocks := []chat.Block{{Type: chat.BlockToolResult, ID: call.ID, Text: resp.Text()}}
	if call.Name == actuator.ToolGetPageContext {
		return blocks, "[Page context captured]", nil
	}
	return blocks, "", nil
}

// screenshotResult normalizes the captured image and pairs it with the
// scale-factor note, so coordinates measured on the image can be converted
// back to viewport coordinates.
func (e *Engine) screenshotResult(call chat.ToolCall, resp *actuator.Response) ([]chat.Block, string, error) {
	norm, err := screenshot.Normalize(resp.Image, resp.ViewportWidth, resp.ViewportHeight, e.maxScreenshotDim)
	if err != nil {
		return nil, "", errors.ToolExecution(call.Name, err)
	}
	blocks := []chat.Block{
		{Type: chat.BlockToolResult, ID: call.ID, Text: "Screenshot captured. " + norm.ScaleNote()},
		{Type: chat.BlockImage, MediaType: "image/png", Data: norm.Data},
	}
	return blocks, "[Screenshot taken]", nil
}

func (e *Engine) dispatchServer(ctx context.Context, serverID string, call chat.ToolCall) ([]chat.Block, error) {
	if e.deps.Servers == nil {
		return nil, errors.Internal(fmt.Errorf("no server connections configured"))
	}
	var args map[string]interface{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, errors.InvalidInput(fmt.Sprintf("malformed arguments for %s: %v", call.Name, err))
		}
	}
	out, err := e.deps.Servers.CallTool(ctx, serverID, call.Name, args)
	if err != nil {
		return nil, err
	}
	return []chat.Block{{Type: chat.BlockToolResult, ID: call.ID, Text: out}}, nil
}

func (e *Engine) dispatchAgent(ctx context.Context, agentID string, call chat.ToolCall) ([]chat.Block, error) {
	if e.deps.Agents == nil {
		return nil, errors.Internal(fmt.Errorf("no agents registered"))
	}
	var args struct {
		Task string `json:"task"`
	}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, errors.InvalidInput(fmt.Sprintf("malformed arguments for %s: %v", call.Name, err))
		}
	}
	if args.Task == "" {
		return nil, errors.InvalidInput(call.Name + " requires a task")
	}
	out, err := e.deps.Agents.Invoke(ctx, agentID, args.Task)
	if err != nil {
		return nil, err
	}
	return []chat.Block{{Type: chat.BlockToolResult, ID: call.ID, Text: out}}, nil
}

func errorResult(call chat.ToolCall, message string) []chat.Block {
	return []chat.Block{{
		Type:    chat.BlockToolResult,
		ID:      call.ID,
		Text:    "Error: " + message,
		IsError: true,
	}}
}

// Models sometimes narrate tool execution with literal markup instead of (or
// alongside) structured tool_use blocks. Strip it so internal formatting
// never reaches the user.
var hallucinatedToolMarkup = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`),
	regexp.MustCompile(`(?s)<tool_use>.*?</tool_use>`),
	regexp.MustCompile(`(?s)<function_calls>.*?</function_calls>`),
	regexp.MustCompile(`(?s)<invoke\b[^>]*>.*?</invoke>`),
	regexp.MustCompile(`</?(tool_call|tool_use|function_calls|invoke)\b[^>]*>`),
}

func sanitizeText(text string) string {
	for _, re := range hallucinatedToolMarkup {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
