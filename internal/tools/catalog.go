// SPDX-License-Identifier: AGPL-3.0-only

// Package tools merges the actuator, MCP, and A2A tool namespaces into the
// single catalog presented to the model each turn, and maintains the
// name-to-connection index used to dispatch the model's tool calls.
package tools

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
)

// Route identifies the connection that owns a tool name.
type Route struct {
	Origin chat.ToolOrigin
	// ConnectionID is the MCP server id or A2A agent id. Empty for actuator
	// tools.
	ConnectionID string
}

// entry pairs a visible definition with the connection that registered it.
type entry struct {
	def   chat.ToolDefinition
	route Route
}

// Catalog is the merged tool namespace for one session.
type Catalog struct {
	mu      sync.RWMutex
	entries []entry
	index   map[string]Route
	logger  *logging.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Catalog{
		index:  make(map[string]Route),
		logger: logger,
	}
}

// RegisterActuator adds the fixed actuator tool set.
func (c *Catalog) RegisterActuator(defs []chat.ToolDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, def := range defs {
		def.Origin = chat.OriginActuator
		c.add(def, Route{Origin: chat.OriginActuator})
	}
}

// RegisterServerTools adds the discovered tools of one MCP server.
func (c *Catalog) RegisterServerTools(serverID string, defs []chat.ToolDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, def := range defs {
		def.Origin = chat.OriginMCP
		c.add(def, Route{Origin: chat.OriginMCP, ConnectionID: serverID})
	}
}

// RegisterAgent synthesizes the delegation tool for one A2A agent: a single
// required string parameter carrying the natural-language task.
func (c *Catalog) RegisterAgent(agentID, displayName string) {
	def := chat.ToolDefinition{
		Name:        AgentToolName(displayName),
		Description: fmt.Sprintf("Delegate a task to the %q agent and return its answer.", displayName),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"task": map[string]interface{}{
					"type":        "string",
					"description": "Natural-language description of the task to delegate",
				},
			},
			"required": []interface{}{"task"},
		},
		Origin: chat.OriginA2A,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(def, Route{Origin: chat.OriginA2A, ConnectionID: agentID})
}

// add appends def to the visible list and claims the dispatch index entry.
// On a name collision the later registration wins the index; both
// definitions stay visible to the model but only one is reachable.
func (c *Catalog) add(def chat.ToolDefinition, route Route) {
	if prev, exists := c.index[def.Name]; exists {
		c.logger.Warnf("Tool name collision on %q: %s/%s shadows %s/%s",
			def.Name, route.Origin, route.ConnectionID, prev.Origin, prev.ConnectionID)
	}
	c.entries = append(c.entries, entry{def: def, route: route})
	c.index[def.Name] = route
}

// RemoveConnection drops every tool registered by the given connection from
// the visible list and rebuilds the dispatch index, so a previously shadowed
// tool becomes reachable again.
func (c *Catalog) RemoveConnection(origin chat.ToolOrigin, connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.route.Origin == origin && e.route.ConnectionID == connectionID {
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	c.index = make(map[string]Route, len(c.entries))
	for _, e := range c.entries {
		c.index[e.def.Name] = e.route
	}
}

// Definitions returns the merged tool list in registration order.
func (c *Catalog) Definitions() []chat.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]chat.ToolDefinition, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.def
	}
	return out
}

// Resolve maps a tool name to its owning connection.
func (c *Catalog) Resolve(name string) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	route, ok := c.index[name]
	return route, ok
}

// AgentToolName derives the catalog name of an agent's delegation tool:
// "a2a_" plus the display name lowercased with every character outside
// [a-z0-9_] replaced by an underscore.
func AgentToolName(displayName string) string {
	var sb strings.Builder
	sb.WriteString("a2a_")
	for _, r := range strings.ToLower(displayName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
