// SPDX-License-Identifier: AGPL-3.0-only
package mcpconn

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/errors"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
)

// State is the lifecycle state of one server connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Connection is one MCP server connection. It owns the pending-call map:
// the stream reader dispatches every correlated reply into this map, so one
// in-flight request never has to hijack a shared message handler.
type Connection struct {
	ID      string
	Name    string
	URL     string
	Trusted bool

	token     string
	transport *sseTransport
	logger    *logging.Logger

	mu    sync.Mutex
	state State
	err   error
	tools []chat.ToolDefinition

	pendingMu sync.Mutex
	pending   map[string]chan *rpcMessage
	nextID    atomic.Int64
}

func newConnection(id, name, url, token string, trusted bool, logger *logging.Logger) *Connection {
	return &Connection{
		ID:      id,
		Name:    name,
		URL:     url,
		Trusted: trusted,
		token:   token,
		logger:  logger.WithField("server", id),
		state:   StateDisconnected,
		pending: make(map[string]chan *rpcMessage),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure recorded when the state is StateFailed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Tools returns the catalog discovered during connect.
func (c *Connection) Tools() []chat.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *Connection) setState(state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.err = err
}

func (c *Connection) setTools(defs []chat.ToolDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = defs
}

// dispatchLoop routes inbound messages to their pending resolver. Messages
// with no matching pending entry (notifications, late replies) are logged
// and dropped; nothing else on the stream is disturbed.
func (c *Connection) dispatchLoop() {
	for msg := range c.transport.messages {
		if len(msg.ID) == 0 {
			c.logger.Debugf("Ignoring notification %s", msg.Method)
			continue
		}
		key := idKey(msg.ID)
		c.pendingMu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debugf("No pending call for reply id=%s", key)
			continue
		}
		ch <- msg
	}
}

// call issues one correlated JSON-RPC request and waits for its reply, the
// timeout, or context cancellation. The pending entry is removed on every
// path.
func (c *Connection) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)

	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Internal(err)
		}
		rawParams = encoded
	}
	msg := &rpcMessage{
		JSONRPC: "2.0",
		ID:      json.RawMessage(key),
		Method:  method,
		Params:  rawParams,
	}

	ch := make(chan *rpcMessage, 1)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	unregister := func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}

	if err := c.transport.send(ctx, msg); err != nil {
		unregister()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply == nil { // connection closed underneath us
			return nil, errors.Transport("connection closed", context.Canceled)
		}
		if reply.Error != nil {
			return nil, errors.Protocol(
				"server returned error "+strconv.Itoa(reply.Error.Code)+": "+reply.Error.Message, nil)
		}
		return reply.Result, nil
	case <-timer.C:
		unregister()
		return nil, errors.Timeout(method)
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	}
}

// close releases the transport and fails any still-pending calls.
func (c *Connection) close() {
	if c.transport != nil {
		c.transport.close()
	}
	c.pendingMu.Lock()
	for key, ch := range c.pending {
		delete(c.pending, key)
		close(ch)
	}
	c.pendingMu.Unlock()
}
