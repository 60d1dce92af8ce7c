// SPDX-License-Identifier: AGPL-3.0-only
package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/actuator"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/config"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/errors"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/model"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/tools"
)

// scriptedProvider replays a fixed sequence of assistant messages, repeating
// the last one once the script is exhausted.
type scriptedProvider struct {
	responses []chat.Message
	calls     int
	seen      [][]chat.Message
}

func (p *scriptedProvider) CreateCompletion(_ context.Context, _ string, _ string, messages []chat.Message, _ []chat.ToolDefinition) (*chat.Message, error) {
	snapshot := make([]chat.Message, len(messages))
	copy(snapshot, messages)
	p.seen = append(p.seen, snapshot)

	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	resp := p.responses[idx]
	return &resp, nil
}

type fakeServerCaller struct {
	calls []string
	out   string
	err   error
}

func (f *fakeServerCaller) CallTool(_ context.Context, serverID, name string, _ map[string]interface{}) (string, error) {
	f.calls = append(f.calls, serverID+"/"+name)
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

type fakeAgentInvoker struct {
	gotID   string
	gotTask string
	out     string
}

func (f *fakeAgentInvoker) Invoke(_ context.Context, id, task string) (string, error) {
	f.gotID, f.gotTask = id, task
	return f.out, nil
}

// memoryResultStore collects saved results in memory.
type memoryResultStore struct {
	saved []*model.Result
}

func (m *memoryResultStore) SaveResult(r *model.Result) error {
	m.saved = append(m.saved, r)
	return nil
}

func (m *memoryResultStore) GetLatestResult(string) (*model.Result, error) {
	if len(m.saved) == 0 {
		return nil, nil
	}
	return m.saved[len(m.saved)-1], nil
}

func (m *memoryResultStore) GetResults(string, int) ([]*model.Result, error) {
	return m.saved, nil
}

func (m *memoryResultStore) Close() error { return nil }

func toolUseMessage(id, name, args string) chat.Message {
	return chat.Message{
		Role: chat.RoleAssistant,
		Blocks: []chat.Block{{
			Type:  chat.BlockToolUse,
			ID:    id,
			Name:  name,
			Input: json.RawMessage(args),
		}},
	}
}

func testConfig(maxTurns int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.AI.MaxTurns = maxTurns
	cfg.AI.ToolCallDelay = 0
	return cfg
}

func searchCatalog(t *testing.T) *tools.Catalog {
	t.Helper()
	catalog := tools.NewCatalog(logging.NewNop())
	catalog.RegisterServerTools("srv-1", []chat.ToolDefinition{{
		Name:        "search",
		Description: "Search the index",
		Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	}})
	return catalog
}

func TestRunServerToolThenText(t *testing.T) {
	provider := &scriptedProvider{responses: []chat.Message{
		toolUseMessage("tu-1", "search", `{"q":"golang"}`),
		chat.NewTextMessage(chat.RoleAssistant, "Found three results."),
	}}
	servers := &fakeServerCaller{out: "three results"}

	engine := NewEngine(testConfig(20), Deps{
		Provider: provider,
		Catalog:  searchCatalog(t),
		Servers:  servers,
		Logger:   logging.NewNop(),
	})

	var started []string
	events := Events{OnToolStart: func(call chat.ToolCall) { started = append(started, call.Name) }}

	out, turns, err := engine.Run(context.Background(),
		[]chat.Message{chat.NewTextMessage(chat.RoleUser, "find golang docs")}, "", events)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out != "Found three results." {
		t.Errorf("Expected final text, got %q", out)
	}
	if turns != 2 {
		t.Errorf("Expected 2 turns, got %d", turns)
	}
	if len(servers.calls) != 1 || servers.calls[0] != "srv-1/search" {
		t.Errorf("Expected exactly one server call, got %v", servers.calls)
	}
	if len(started) != 1 || started[0] != "search" {
		t.Errorf("Expected OnToolStart for search, got %v", started)
	}

	// The second completion must see exactly two appended messages: the
	// assistant tool_use and the paired user tool_result.
	second := provider.seen[1]
	if len(second) != 3 {
		t.Fatalf("Expected 3 messages on turn 2, got %d", len(second))
	}
	if second[1].Role != chat.RoleAssistant || len(second[1].ToolUses()) != 1 {
		t.Error("Expected appended assistant message carrying the tool_use")
	}
	resultMsg := second[2]
	if resultMsg.Role != chat.RoleUser || !resultMsg.HasToolResult() {
		t.Fatal("Expected appended user message carrying the tool_result")
	}
	block := resultMsg.Blocks[0]
	if block.ID != "tu-1" || block.IsError || block.Text != "three results" {
		t.Errorf("Unexpected tool_result block: %+v", block)
	}
}

func TestToolTimeoutBecomesErrorResult(t *testing.T) {
	provider := &scriptedProvider{responses: []chat.Message{
		toolUseMessage("tu-1", "search", `{}`),
		chat.NewTextMessage(chat.RoleAssistant, "Giving up."),
	}}
	servers := &fakeServerCaller{err: errors.Timeout("tools/call")}

	engine := NewEngine(testConfig(20), Deps{
		Provider: provider,
		Catalog:  searchCatalog(t),
		Servers:  servers,
		Logger:   logging.NewNop(),
	})

	out, _, err := engine.Run(context.Background(),
		[]chat.Message{chat.NewTextMessage(chat.RoleUser, "search")}, "", Events{})
	if err != nil {
		t.Fatalf("Loop must recover tool failures inline, got %v", err)
	}
	if out != "Giving up." {
		t.Errorf("Expected final text, got %q", out)
	}

	resultMsg := provider.seen[1][2]
	block := resultMsg.Blocks[0]
	if !block.IsError {
		t.Error("Expected error-flagged tool_result")
	}
	if !strings.Contains(strings.ToLower(block.Text), "timed out") {
		t.Errorf("Expected timeout-flavored message, got %q", block.Text)
	}
}

func TestTurnCapEmitsNotice(t *testing.T) {
	provider := &scriptedProvider{responses: []chat.Message{
		toolUseMessage("tu-1", "search", `{}`),
	}}
	servers := &fakeServerCaller{out: "partial"}

	engine := NewEngine(testConfig(3), Deps{
		Provider: provider,
		Catalog:  searchCatalog(t),
		Servers:  servers,
		Logger:   logging.NewNop(),
	})

	var emitted []string
	events := Events{OnText: func(text string) { emitted = append(emitted, text) }}

	out, turns, err := engine.Run(context.Background(),
		[]chat.Message{chat.NewTextMessage(chat.RoleUser, "loop forever")}, "", events)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if provider.calls != 3 {
		t.Errorf("Expected exactly 3 turns, got %d", provider.calls)
	}
	if turns != 3 {
		t.Errorf("Expected turns=3, got %d", turns)
	}
	if !strings.Contains(out, turnLimitNotice) {
		t.Errorf("Expected turn-limit notice in output, got %q", out)
	}
	if len(emitted) == 0 || emitted[len(emitted)-1] != turnLimitNotice {
		t.Errorf("Expected the notice emitted via OnText, got %v", emitted)
	}
}

func TestCancellationPreventsNewTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []chat.Message{
		chat.NewTextMessage(chat.RoleAssistant, "never reached"),
	}}
	engine := NewEngine(testConfig(20), Deps{
		Provider: provider,
		Catalog:  tools.NewCatalog(logging.NewNop()),
		Logger:   logging.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := engine.Run(ctx,
		[]chat.Message{chat.NewTextMessage(chat.RoleUser, "hi")}, "", Events{})
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if provider.calls != 0 {
		t.Errorf("Expected no completion calls after cancellation, got %d", provider.calls)
	}
}

func TestAgentDelegation(t *testing.T) {
	catalog := tools.NewCatalog(logging.NewNop())
	catalog.RegisterAgent("ag-1", "Helper")

	provider := &scriptedProvider{responses: []chat.Message{
		toolUseMessage("tu-1", "a2a_helper", `{"task":"summarize the page"}`),
		chat.NewTextMessage(chat.RoleAssistant, "Done."),
	}}
	agents := &fakeAgentInvoker{out: "summary text"}

	engine := NewEngine(testConfig(20), Deps{
		Provider: provider,
		Catalog:  catalog,
		Agents:   agents,
		Logger:   logging.NewNop(),
	})

	out, _, err := engine.Run(context.Background(),
		[]chat.Message{chat.NewTextMessage(chat.RoleUser, "delegate")}, "", Events{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out != "Done." {
		t.Errorf("Expected final text, got %q", out)
	}
	if agents.gotID != "ag-1" || agents.gotTask != "summarize the page" {
		t.Errorf("Agent invoked with id=%q task=%q", agents.gotID, agents.gotTask)
	}
	block := provider.seen[1][2].Blocks[0]
	if block.Text != "summary text" || block.IsError {
		t.Errorf("Unexpected tool_result: %+v", block)
	}
}

// screenshotActuator returns a fixed PNG for Screenshot and fails every
// other primitive.
type screenshotActuator struct {
	actuator.Actuator
	png []byte
	w   int
	h   int
}

func (s *screenshotActuator) Screenshot(_ context.Context) (*actuator.Response, error) {
	return &actuator.Response{
		Success:        true,
		Image:          s.png,
		ViewportWidth:  s.w,
		ViewportHeight: s.h,
	}, nil
}

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.White)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestScreenshotResultCarriesImageAndScaleNote(t *testing.T) {
	catalog := tools.NewCatalog(logging.NewNop())
	catalog.RegisterActuator(actuator.Definitions())

	provider := &scriptedProvider{responses: []chat.Message{
		toolUseMessage("tu-1", actuator.ToolScreenshot, `{}`),
		chat.NewTextMessage(chat.RoleAssistant, "I can see the page."),
	}}

	engine := NewEngine(testConfig(20), Deps{
		Provider: provider,
		Catalog:  catalog,
		Actuator: &screenshotActuator{png: encodeTestPNG(t, 100, 80), w: 100, h: 80},
		Logger:   logging.NewNop(),
	})

	_, _, err := engine.Run(context.Background(),
		[]chat.Message{chat.NewTextMessage(chat.RoleUser, "look at the page")}, "", Events{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	resultMsg := provider.seen[1][2]
	if resultMsg.Stub != "[Screenshot taken]" {
		t.Errorf("Expected bulky-message stub, got %q", resultMsg.Stub)
	}
	if len(resultMsg.Blocks) != 2 {
		t.Fatalf("Expected tool_result + image blocks, got %d", len(resultMsg.Blocks))
	}
	if resultMsg.Blocks[0].Type != chat.BlockToolResult ||
		!strings.Contains(resultMsg.Blocks[0].Text, "viewport coordinates") {
		t.Errorf("Expected scale note in tool_result, got %+v", resultMsg.Blocks[0])
	}
	if resultMsg.Blocks[1].Type != chat.BlockImage || len(resultMsg.Blocks[1].Data) == 0 {
		t.Error("Expected image block with data")
	}
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	provider := &scriptedProvider{responses: []chat.Message{
		toolUseMessage("tu-1", "not_a_tool", `{}`),
		chat.NewTextMessage(chat.RoleAssistant, "ok"),
	}}
	engine := NewEngine(testConfig(20), Deps{
		Provider: provider,
		Catalog:  tools.NewCatalog(logging.NewNop()),
		Logger:   logging.NewNop(),
	})

	_, _, err := engine.Run(context.Background(),
		[]chat.Message{chat.NewTextMessage(chat.RoleUser, "go")}, "", Events{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	block := provider.seen[1][2].Blocks[0]
	if !block.IsError || !strings.Contains(block.Text, "unknown tool") {
		t.Errorf("Expected unknown-tool error result, got %+v", block)
	}
}

func TestSanitizeTextStripsToolMarkup(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain answer", "plain answer"},
		{"before <tool_call>{\"name\":\"x\"}</tool_call> after", "before  after"},
		{"<function_calls>\nstuff\n</function_calls>done", "done"},
		{"a <invoke name=\"x\">args</invoke> b", "a  b"},
		{"stray </tool_use> tag", "stray  tag"},
	}
	for _, tc := range cases {
		if got := sanitizeText(tc.in); got != strings.TrimSpace(tc.want) {
			t.Errorf("sanitizeText(%q) = %q, want %q", tc.in, got, strings.TrimSpace(tc.want))
		}
	}
}

func TestExecutorPersistsResult(t *testing.T) {
	provider := &scriptedProvider{responses: []chat.Message{
		chat.NewTextMessage(chat.RoleAssistant, "All done."),
	}}
	engine := NewEngine(testConfig(20), Deps{
		Provider: provider,
		Catalog:  tools.NewCatalog(logging.NewNop()),
		Logger:   logging.NewNop(),
	})

	store := &memoryResultStore{}
	ex := NewExecutor(engine, store, "", logging.NewNop())

	result := ex.ExecuteTask(context.Background(), "task-1", "do the thing", time.Minute, Events{})
	if result.Output != "All done." {
		t.Errorf("Output = %q", result.Output)
	}
	if result.Turns != 1 {
		t.Errorf("Turns = %d, want 1", result.Turns)
	}
	if result.Error != "" || result.Cancelled {
		t.Errorf("Unexpected failure fields: %+v", result)
	}
	if len(store.saved) != 1 || store.saved[0].TaskID != "task-1" {
		t.Errorf("Expected persisted result for task-1, got %+v", store.saved)
	}
	if result.Duration == "" || result.EndTime.Before(result.StartTime) {
		t.Error("Timing fields not populated")
	}
}

func TestExecutorGeneratesTaskID(t *testing.T) {
	provider := &scriptedProvider{responses: []chat.Message{
		chat.NewTextMessage(chat.RoleAssistant, "ok"),
	}}
	engine := NewEngine(testConfig(20), Deps{
		Provider: provider,
		Catalog:  tools.NewCatalog(logging.NewNop()),
		Logger:   logging.NewNop(),
	})
	ex := NewExecutor(engine, nil, "", logging.NewNop())

	result := ex.ExecuteTask(context.Background(), "", "hello", 0, Events{})
	if result.TaskID == "" {
		t.Error("Expected a generated task id")
	}
}
