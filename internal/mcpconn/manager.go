// SPDX-License-Identifier: AGPL-3.0-only
package mcpconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/config"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/errors"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/metrics"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/tools"
)

// Manager owns the server connections of one session. It is not a process
// singleton: every session constructs its own manager so state never bleeds
// across sessions.
type Manager struct {
	mu      sync.Mutex
	conns   map[string]*Connection
	catalog *tools.Catalog
	logger  *logging.Logger

	// Tunables, shortened by tests.
	discoveryTimeout time.Duration
	callTimeout      time.Duration
	connectWait      time.Duration
	pollInterval     time.Duration
}

// NewManager creates a connection manager. catalog may be nil when the
// caller maintains the tool catalog itself.
func NewManager(catalog *tools.Catalog, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Manager{
		conns:            make(map[string]*Connection),
		catalog:          catalog,
		logger:           logger,
		discoveryTimeout: defaultDiscoveryTimeout,
		callTimeout:      defaultCallTimeout,
		connectWait:      defaultConnectWait,
		pollInterval:     defaultPollInterval,
	}
}

// Connect establishes the connection for one server spec. Reconnecting an
// already-connected id is a no-op; a concurrent connect to the same id
// coalesces onto the in-flight handshake instead of starting a duplicate.
func (m *Manager) Connect(ctx context.Context, spec config.ServerSpec) error {
	if spec.ID == "" || spec.URL == "" {
		return errors.InvalidInput("server spec requires id and url")
	}

	m.mu.Lock()
	if existing, ok := m.conns[spec.ID]; ok {
		switch existing.State() {
		case StateConnected:
			m.mu.Unlock()
			return nil
		case StateConnecting:
			m.mu.Unlock()
			return m.awaitHandshake(ctx, existing)
		}
		// Disconnected or Failed: fall through and redo the handshake.
	}
	conn := newConnection(spec.ID, spec.Name, spec.URL, spec.Token, spec.Trusted, m.logger)
	conn.setState(StateConnecting, nil)
	m.conns[spec.ID] = conn
	m.mu.Unlock()

	if err := m.handshake(ctx, conn); err != nil {
		metrics.ConnectFailures.WithLabelValues(spec.ID).Inc()
		return err
	}
	return nil
}

// awaitHandshake polls a Connecting connection until it settles, bounded by
// the connect wait.
func (m *Manager) awaitHandshake(ctx context.Context, conn *Connection) error {
	deadline := time.Now().Add(m.connectWait)
	for {
		switch conn.State() {
		case StateConnected:
			return nil
		case StateFailed:
			return conn.Err()
		case StateDisconnected:
			return errors.Transport("connection was torn down while connecting", context.Canceled)
		}
		if time.Now().After(deadline) {
			return errors.Timeout("waiting for in-flight connect to " + conn.ID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// handshake opens the transport and discovers tools. Zero discovered tools
// is a non-fatal failure: the transport is closed and no catalog recorded.
func (m *Manager) handshake(ctx context.Context, conn *Connection) error {
	conn.transport = newSSETransport(conn.URL, conn.token, m.logger)
	if err := conn.transport.connect(ctx); err != nil {
		conn.setState(StateFailed, err)
		return err
	}
	go conn.dispatchLoop()

	defs, err := m.discoverTools(ctx, conn)
	if err != nil {
		conn.close()
		conn.setState(StateFailed, err)
		return err
	}
	if len(defs) == 0 {
		conn.close()
		err := fmt.Errorf("server %s exposed no tools", conn.ID)
		conn.setState(StateFailed, err)
		return err
	}

	conn.setTools(defs)
	conn.setState(StateConnected, nil)
	if m.catalog != nil {
		m.catalog.RegisterServerTools(conn.ID, defs)
	}
	m.logger.Infof("Connected to MCP server %s with %d tools", conn.ID, len(defs))
	return nil
}

// discoverTools issues tools/list with a short timeout. If the primary
// decode path stalls past the deadline, any partially received stream bytes
// are scavenged for a tool list before discovery is declared failed.
func (m *Manager) discoverTools(ctx context.Context, conn *Connection) ([]chat.ToolDefinition, error) {
	result, err := conn.call(ctx, methodListTools, struct{}{}, m.discoveryTimeout)
	if err == nil {
		return parseToolList(result)
	}
	if !errors.IsTimeout(err) {
		return nil, err
	}

	if defs := parsePartialTools(conn.transport.snapshot()); len(defs) > 0 {
		m.logger.Warnf("Discovery timed out on %s; recovered %d tools from partial stream", conn.ID, len(defs))
		return defs, nil
	}
	return nil, err
}

// ConnectAll connects every spec in parallel. One bad server never fails
// the batch: each failure is logged and reported in the returned map.
func (m *Manager) ConnectAll(ctx context.Context, specs []config.ServerSpec) map[string]error {
	var (
		g        errgroup.Group
		failedMu sync.Mutex
		failed   = make(map[string]error)
	)
	for _, spec := range specs {
		g.Go(func() error {
			if err := m.Connect(ctx, spec); err != nil {
				m.logger.Warnf("Failed to connect to MCP server %s: %v", spec.ID, err)
				failedMu.Lock()
				failed[spec.ID] = err
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// State reports the lifecycle state of one server id.
func (m *Manager) State(id string) (State, error) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return StateDisconnected, errors.NotFound("connection", id)
	}
	return conn.State(), nil
}

// Tools returns the discovered catalog of one Connected server.
func (m *Manager) Tools(id string) []chat.ToolDefinition {
	m.mu.Lock()
	conn, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Tools()
}

// CallTool executes one tool on the server that owns it.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args map[string]interface{}) (string, error) {
	m.mu.Lock()
	conn, ok := m.conns[serverID]
	m.mu.Unlock()
	if !ok {
		return "", errors.NotFound("connection", serverID)
	}
	if conn.State() != StateConnected {
		return "", errors.Transport(
			fmt.Sprintf("server %s is not connected, reconnect before calling tools", serverID),
			fmt.Errorf("state %s", conn.State()))
	}

	result, err := conn.call(ctx, methodCallTool, callToolParams{Name: name, Arguments: args}, m.callTimeout)
	if err != nil {
		return "", err
	}
	text, isError := flattenCallResult(result)
	if isError {
		return "", errors.ToolExecution(name, fmt.Errorf("%s", text))
	}
	return text, nil
}

// Disconnect tears down one connection and removes its tools from the
// catalog.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.close()
	conn.setState(StateDisconnected, nil)
	if m.catalog != nil {
		m.catalog.RemoveConnection(chat.OriginMCP, id)
	}
}

// Teardown closes every live transport and clears catalogs and routing
// entries.
func (m *Manager) Teardown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.close()
		conn.setState(StateDisconnected, nil)
		if m.catalog != nil {
			m.catalog.RemoveConnection(chat.OriginMCP, conn.ID)
		}
	}
}
