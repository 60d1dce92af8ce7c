// SPDX-License-Identifier: AGPL-3.0-only

// Package a2aconn delegates natural-language tasks to other autonomous
// agents over a stateless HTTP "invoke" protocol. There is no connection
// lifecycle: registration records metadata and each task is one POST.
package a2aconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/errors"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
)

// defaultInvokeTimeout bounds one delegated task. Remote agents run their own
// tool loops, so this is deliberately generous.
const defaultInvokeTimeout = 120 * time.Second

// Agent is one registered remote agent.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// messagePart is one part of the invoke envelope.
type messagePart struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// invokeEnvelope is the request body POSTed to an agent's invoke URL.
type invokeEnvelope struct {
	ID    string        `json:"id"`
	Role  string        `json:"role"`
	Parts []messagePart `json:"parts"`
}

// invokeResponse covers the response shapes agents are known to return:
// a structured parts array, or a flat text field.
type invokeResponse struct {
	Parts []messagePart `json:"parts"`
	Text  string        `json:"text"`
}

// Registry tracks registered agents and executes tasks against them.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]Agent
	httpClient *http.Client
	logger     *logging.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Registry{
		agents:     make(map[string]Agent),
		httpClient: &http.Client{Timeout: defaultInvokeTimeout},
		logger:     logger,
	}
}

// Register records an agent. Re-registering an id replaces the previous
// entry.
func (r *Registry) Register(a Agent) error {
	if a.ID == "" || a.URL == "" {
		return errors.InvalidInput("agent registration requires id and url")
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		r.logger.Warnf("Replacing existing A2A agent registration %s", a.ID)
	}
	r.agents[a.ID] = a
	return nil
}

// Unregister removes an agent. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all registered agents.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// Invoke delegates task to the agent registered under id and returns the
// agent's textual answer.
func (r *Registry) Invoke(ctx context.Context, id string, task string) (string, error) {
	agent, ok := r.Get(id)
	if !ok {
		return "", errors.NotFound("agent", id)
	}

	envelope := invokeEnvelope{
		ID:   uuid.NewString(),
		Role: "user",
		Parts: []messagePart{
			{Kind: "text", Text: task},
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", errors.Internal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.URL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	r.logger.Debugf("Invoking A2A agent %s (%s)", agent.Name, agent.URL)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", errors.Transport(fmt.Sprintf("agent %s unreachable, check its invoke URL", agent.Name), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Transport(fmt.Sprintf("reading response from agent %s", agent.Name), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Transport(
			fmt.Sprintf("agent %s returned status %d", agent.Name, resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	}

	return parseInvokeResponse(raw), nil
}

// parseInvokeResponse extracts the agent's answer: joined text parts when a
// parts array is present, the flat text field otherwise, and the raw JSON
// body as a last resort.
func parseInvokeResponse(raw []byte) string {
	var parsed invokeResponse
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if len(parsed.Parts) > 0 {
			var texts []string
			for _, p := range parsed.Parts {
				if p.Kind == "text" && p.Text != "" {
					texts = append(texts, p.Text)
				}
			}
			if len(texts) > 0 {
				return strings.Join(texts, "\n")
			}
		}
		if parsed.Text != "" {
			return parsed.Text
		}
	}
	return string(raw)
}
