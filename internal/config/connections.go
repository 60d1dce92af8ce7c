// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ServerSpec describes one MCP server entry in the connections file.
type ServerSpec struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"`
	Trusted bool   `json:"trusted,omitempty"`
}

// AgentSpec describes one A2A agent entry in the connections file.
type AgentSpec struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Connections is the parsed connections file.
type Connections struct {
	Servers []ServerSpec `json:"mcpServers"`
	Agents  []AgentSpec  `json:"a2aAgents"`
}

// LoadConnections parses the JSON connections file at path. A missing file
// yields an empty set so the agent can run with actuator tools only.
func LoadConnections(path string) (*Connections, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Connections{}, nil
		}
		return nil, err
	}

	var conns Connections
	if err := json.Unmarshal(raw, &conns); err != nil {
		return nil, fmt.Errorf("parse connections file %s: %w", path, err)
	}

	// Entries without an explicit id fall back to their name.
	for i := range conns.Servers {
		if conns.Servers[i].ID == "" {
			conns.Servers[i].ID = conns.Servers[i].Name
		}
	}
	for i := range conns.Agents {
		if conns.Agents[i].ID == "" {
			conns.Agents[i].ID = conns.Agents[i].Name
		}
	}
	return &conns, nil
}
