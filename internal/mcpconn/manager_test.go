// SPDX-License-Identifier: AGPL-3.0-only
package mcpconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/config"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/errors"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/tools"
)

// fakeMCPServer serves the event stream on GET and accepts JSON-RPC
// requests on POST, pushing replies back over the stream.
type fakeMCPServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	gets  int
	posts int

	events chan string
	// onRequest decides the stream payload (if any) for each request.
	onRequest func(msg rpcMessage) *string
	// noBlankLine streams payload lines without the event-terminating
	// blank line, stalling the primary decode path.
	noBlankLine bool
	// wantAuth, when set, is the Authorization header value to require.
	wantAuth string
}

func newFakeMCPServer() *fakeMCPServer {
	f := &fakeMCPServer{events: make(chan string, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeMCPServer) handle(w http.ResponseWriter, r *http.Request) {
	if f.wantAuth != "" && r.Header.Get("Authorization") != f.wantAuth {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		f.mu.Lock()
		f.gets++
		f.mu.Unlock()
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n", ev)
				if !f.noBlankLine {
					fmt.Fprint(w, "\n")
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	case http.MethodPost:
		f.mu.Lock()
		f.posts++
		f.mu.Unlock()
		var msg rpcMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if f.onRequest != nil {
			if payload := f.onRequest(msg); payload != nil {
				f.events <- *payload
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (f *fakeMCPServer) counts() (gets, posts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.posts
}

func (f *fakeMCPServer) close() { f.srv.Close() }

func toolListReply(id string, names ...string) string {
	toolDefs := make([]map[string]interface{}, len(names))
	for i, name := range names {
		toolDefs[i] = map[string]interface{}{
			"name":        name,
			"description": "tool " + name,
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		}
	}
	result, _ := json.Marshal(map[string]interface{}{"tools": toolDefs})
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result)
}

func str(s string) *string { return &s }

func newTestManager(catalog *tools.Catalog) *Manager {
	m := NewManager(catalog, logging.NewNop())
	m.discoveryTimeout = 300 * time.Millisecond
	m.callTimeout = 300 * time.Millisecond
	m.connectWait = 3 * time.Second
	m.pollInterval = 20 * time.Millisecond
	return m
}

func spec(f *fakeMCPServer, id string) config.ServerSpec {
	return config.ServerSpec{ID: id, Name: id, URL: f.srv.URL}
}

func TestConnectDiscoversTools(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.onRequest = func(msg rpcMessage) *string {
		if msg.Method == methodListTools {
			return str(toolListReply(string(msg.ID), "search", "fetch"))
		}
		return nil
	}

	catalog := tools.NewCatalog(logging.NewNop())
	m := newTestManager(catalog)
	defer m.Teardown()

	if err := m.Connect(context.Background(), spec(f, "srv-1")); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	state, _ := m.State("srv-1")
	if state != StateConnected {
		t.Errorf("Expected Connected, got %s", state)
	}
	if len(m.Tools("srv-1")) != 2 {
		t.Errorf("Expected 2 tools, got %d", len(m.Tools("srv-1")))
	}
	if route, ok := catalog.Resolve("search"); !ok || route.ConnectionID != "srv-1" {
		t.Errorf("Expected catalog route to srv-1, got %+v ok=%v", route, ok)
	}
}

func TestReconnectConnectedIsNoop(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.onRequest = func(msg rpcMessage) *string {
		if msg.Method == methodListTools {
			return str(toolListReply(string(msg.ID), "search"))
		}
		return nil
	}

	catalog := tools.NewCatalog(logging.NewNop())
	m := newTestManager(catalog)
	defer m.Teardown()

	if err := m.Connect(context.Background(), spec(f, "srv-1")); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}
	gets, posts := f.counts()
	toolsBefore := m.Tools("srv-1")

	if err := m.Connect(context.Background(), spec(f, "srv-1")); err != nil {
		t.Fatalf("Unexpected reconnect error: %v", err)
	}

	getsAfter, postsAfter := f.counts()
	if getsAfter != gets || postsAfter != posts {
		t.Errorf("Reconnect performed network calls: GET %d->%d POST %d->%d",
			gets, getsAfter, posts, postsAfter)
	}
	if len(m.Tools("srv-1")) != len(toolsBefore) {
		t.Error("Reconnect changed the catalog")
	}
}

func TestConcurrentConnectsCoalesce(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.onRequest = func(msg rpcMessage) *string {
		if msg.Method == methodListTools {
			time.Sleep(150 * time.Millisecond) // slow handshake
			return str(toolListReply(string(msg.ID), "search"))
		}
		return nil
	}

	m := newTestManager(nil)
	defer m.Teardown()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Connect(context.Background(), spec(f, "srv-1"))
		}()
	}
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("Expected both connects to succeed, got %v / %v", errs[0], errs[1])
	}
	gets, _ := f.counts()
	if gets != 1 {
		t.Errorf("Expected exactly 1 stream handshake, got %d", gets)
	}
}

func TestZeroToolsIsNonFatalFailure(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.onRequest = func(msg rpcMessage) *string {
		if msg.Method == methodListTools {
			return str(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}`, msg.ID))
		}
		return nil
	}

	catalog := tools.NewCatalog(logging.NewNop())
	m := newTestManager(catalog)
	defer m.Teardown()

	err := m.Connect(context.Background(), spec(f, "srv-1"))
	if err == nil {
		t.Fatal("Expected connect to fail for zero tools")
	}
	state, _ := m.State("srv-1")
	if state != StateFailed {
		t.Errorf("Expected Failed, got %s", state)
	}
	if len(catalog.Definitions()) != 0 {
		t.Error("Expected no catalog entries for a zero-tool server")
	}
}

func TestDiscoveryFallbackParsesPartialStream(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	// Stream the tools/list result without the event-terminating blank
	// line: the primary decode path stalls and discovery must scavenge
	// the partial stream.
	f.noBlankLine = true
	f.onRequest = func(msg rpcMessage) *string {
		if msg.Method == methodListTools {
			return str(toolListReply(string(msg.ID), "rescued"))
		}
		return nil
	}

	m := newTestManager(nil)
	defer m.Teardown()

	if err := m.Connect(context.Background(), spec(f, "srv-1")); err != nil {
		t.Fatalf("Expected fallback parse to succeed, got %v", err)
	}
	defs := m.Tools("srv-1")
	if len(defs) != 1 || defs[0].Name != "rescued" {
		t.Errorf("Expected tool 'rescued' from partial stream, got %+v", defs)
	}
}

func TestCallToolCorrelatesReply(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.onRequest = func(msg rpcMessage) *string {
		switch msg.Method {
		case methodListTools:
			return str(toolListReply(string(msg.ID), "search"))
		case methodCallTool:
			// Push an unrelated message first; it must not disturb the
			// pending call.
			f.events <- `{"jsonrpc":"2.0","id":999,"result":{}}`
			return str(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"three results"}]}}`, msg.ID))
		}
		return nil
	}

	m := newTestManager(nil)
	defer m.Teardown()
	if err := m.Connect(context.Background(), spec(f, "srv-1")); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	out, err := m.CallTool(context.Background(), "srv-1", "search", map[string]interface{}{"q": "golang"})
	if err != nil {
		t.Fatalf("Unexpected call error: %v", err)
	}
	if out != "three results" {
		t.Errorf("Expected 'three results', got '%s'", out)
	}
}

func TestCallToolTimesOut(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.onRequest = func(msg rpcMessage) *string {
		if msg.Method == methodListTools {
			return str(toolListReply(string(msg.ID), "hang"))
		}
		return nil // tools/call never resolves
	}

	m := newTestManager(nil)
	defer m.Teardown()
	if err := m.Connect(context.Background(), spec(f, "srv-1")); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	start := time.Now()
	_, err := m.CallTool(context.Background(), "srv-1", "hang", nil)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !errors.IsTimeout(err) {
		t.Errorf("Expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("Timeout fired at %v, expected around the configured 300ms", elapsed)
	}
}

func TestCallToolServerErrorResult(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.onRequest = func(msg rpcMessage) *string {
		switch msg.Method {
		case methodListTools:
			return str(toolListReply(string(msg.ID), "search"))
		case methodCallTool:
			return str(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"index unavailable"}],"isError":true}}`, msg.ID))
		}
		return nil
	}

	m := newTestManager(nil)
	defer m.Teardown()
	if err := m.Connect(context.Background(), spec(f, "srv-1")); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	_, err := m.CallTool(context.Background(), "srv-1", "search", nil)
	if err == nil {
		t.Fatal("Expected tool execution error")
	}
	if !errors.IsToolExecution(err) {
		t.Errorf("Expected tool execution error, got %v", err)
	}
}

func TestCallToolRejectsDisconnectedServer(t *testing.T) {
	m := newTestManager(nil)
	if _, err := m.CallTool(context.Background(), "ghost", "x", nil); err == nil {
		t.Error("Expected error for unknown server")
	}
}

func TestConnectRejectsBadAuth(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.wantAuth = "Bearer secret"

	m := newTestManager(nil)
	defer m.Teardown()

	err := m.Connect(context.Background(), config.ServerSpec{ID: "srv-1", URL: f.srv.URL, Token: "wrong"})
	if err == nil {
		t.Fatal("Expected auth failure")
	}
	if !errors.IsTransport(err) {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestConnectSendsBearerToken(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.wantAuth = "Bearer secret"
	f.onRequest = func(msg rpcMessage) *string {
		if msg.Method == methodListTools {
			return str(toolListReply(string(msg.ID), "search"))
		}
		return nil
	}

	m := newTestManager(nil)
	defer m.Teardown()

	if err := m.Connect(context.Background(), config.ServerSpec{ID: "srv-1", URL: f.srv.URL, Token: "secret"}); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}
}

func TestConnectAllToleratesBadServer(t *testing.T) {
	good := newFakeMCPServer()
	defer good.close()
	good.onRequest = func(msg rpcMessage) *string {
		if msg.Method == methodListTools {
			return str(toolListReply(string(msg.ID), "search"))
		}
		return nil
	}

	m := newTestManager(nil)
	defer m.Teardown()

	failed := m.ConnectAll(context.Background(), []config.ServerSpec{
		{ID: "good", URL: good.srv.URL},
		{ID: "bad", URL: "http://127.0.0.1:1"},
	})

	if len(failed) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(failed))
	}
	if _, ok := failed["bad"]; !ok {
		t.Errorf("Expected 'bad' to fail, got %v", failed)
	}
	state, _ := m.State("good")
	if state != StateConnected {
		t.Errorf("Expected good server Connected, got %s", state)
	}
}

func TestTeardownClearsCatalog(t *testing.T) {
	f := newFakeMCPServer()
	defer f.close()
	f.onRequest = func(msg rpcMessage) *string {
		if msg.Method == methodListTools {
			return str(toolListReply(string(msg.ID), "search"))
		}
		return nil
	}

	catalog := tools.NewCatalog(logging.NewNop())
	m := newTestManager(catalog)
	if err := m.Connect(context.Background(), spec(f, "srv-1")); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	m.Teardown()

	if _, ok := catalog.Resolve("search"); ok {
		t.Error("Expected routing index cleared after teardown")
	}
	if _, err := m.State("srv-1"); err == nil {
		t.Error("Expected connection table cleared after teardown")
	}
}

func TestParsePartialTools(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"a","description":"first","inputSchema":{"type":"object"}},{"name":"b","description":"second","inputSchema":{"type":"obj`)
	defs := parsePartialTools(raw)
	if len(defs) != 1 {
		t.Fatalf("Expected 1 complete tool from truncated stream, got %d", len(defs))
	}
	if defs[0].Name != "a" {
		t.Errorf("Expected tool 'a', got '%s'", defs[0].Name)
	}
}

func TestParsePartialToolsNoToolsKey(t *testing.T) {
	if defs := parsePartialTools([]byte(`{"jsonrpc":"2.0"`)); defs != nil {
		t.Errorf("Expected nil, got %+v", defs)
	}
}

func TestFlattenCallResult(t *testing.T) {
	out, isErr := flattenCallResult(json.RawMessage(`{"content":[{"type":"text","text":"one"},{"type":"image"},{"type":"text","text":"two"}]}`))
	if out != "one\ntwo" || isErr {
		t.Errorf("Expected joined text, got '%s' isError=%v", out, isErr)
	}

	out, isErr = flattenCallResult(json.RawMessage(`{"content":[{"type":"text","text":"nope"}],"isError":true}`))
	if out != "nope" || !isErr {
		t.Errorf("Expected error result, got '%s' isError=%v", out, isErr)
	}

	out, _ = flattenCallResult(json.RawMessage(`{"value":42}`))
	if out != `{"value":42}` {
		t.Errorf("Expected raw JSON fallback, got '%s'", out)
	}
}

func TestIDKey(t *testing.T) {
	if idKey(json.RawMessage(`42`)) != "42" {
		t.Error("Expected numeric id to canonicalize to 42")
	}
	if idKey(json.RawMessage(`"42"`)) != "42" {
		t.Error("Expected string id to canonicalize to 42")
	}
}
