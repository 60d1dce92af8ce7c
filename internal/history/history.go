// SPDX-License-Identifier: AGPL-3.0-only

// Package history bounds and summarizes conversation history before each
// LLM request so context stays within budget without breaking the
// tool_use/tool_result pairing the chat endpoints require.
package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/config"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
)

// summaryPrompt asks the cheap model for a compact recap of trimmed turns.
const summaryPrompt = "Summarize the following conversation between a user and a browser automation assistant in at most 300 words. Preserve the user's goal, pages visited, actions taken, and any unresolved steps.\n\n"

// Manager applies the configured trim policy and summarization to a message
// list.
type Manager struct {
	cfg      config.HistoryConfig
	provider chat.Provider
	model    string
	counter  *TokenCounter
	logger   *logging.Logger
}

// NewManager creates a history manager. provider may be nil, which disables
// summarization (trimming still applies).
func NewManager(cfg config.HistoryConfig, provider chat.Provider, summaryModel string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Manager{
		cfg:      cfg,
		provider: provider,
		model:    summaryModel,
		counter:  NewTokenCounter(),
		logger:   logger,
	}
}

// Prepare returns the history to send on the next turn: summarized when over
// threshold, then bounded by the configured trim policy. The input slice is
// never modified.
func (m *Manager) Prepare(ctx context.Context, msgs []chat.Message) []chat.Message {
	msgs = m.Summarize(ctx, msgs)
	switch m.cfg.Policy {
	case "unified":
		return TrimUnified(msgs, m.cfg.MaxMessages)
	default:
		return TrimSeparate(msgs, m.cfg.MaxMessages, m.cfg.MaxContextMessages)
	}
}

// TrimUnified keeps the last max messages. If the first retained message is a
// tool_result-only message, the window extends backward one message so the
// paired tool_use message is retained with it.
func TrimUnified(msgs []chat.Message, max int) []chat.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	start := len(msgs) - max
	if msgs[start].ToolResultOnly() && start > 0 {
		start--
	}
	return msgs[start:]
}

// TrimSeparate independently bounds chat-only messages (maxChat) and
// context-bearing messages (maxContext). Context-bearing messages beyond
// their window are not deleted: their bulky payloads are replaced by the
// short synthetic stub recorded on the message, preserving conversational
// continuity. Chat-only messages beyond their window are dropped, except
// that a tool_use message is always retained while its paired tool_result
// message survives.
func TrimSeparate(msgs []chat.Message, maxChat, maxContext int) []chat.Message {
	if maxChat <= 0 {
		maxChat = len(msgs)
	}
	if maxContext < 0 {
		maxContext = 0
	}

	keep := make([]bool, len(msgs))   // message survives
	reduce := make([]bool, len(msgs)) // survives only as its stub

	chatSeen, contextSeen := 0, 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Stub != "" {
			contextSeen++
			keep[i] = true
			if contextSeen > maxContext {
				reduce[i] = true
			}
			continue
		}
		chatSeen++
		if chatSeen <= maxChat {
			keep[i] = true
		}
	}

	// Pairing guard: a surviving tool_result-only message pulls its
	// immediately preceding tool_use message back into the window.
	for i := range msgs {
		if keep[i] && !reduce[i] && msgs[i].ToolResultOnly() && i > 0 {
			keep[i-1] = true
		}
	}

	out := make([]chat.Message, 0, len(msgs))
	for i, msg := range msgs {
		if !keep[i] {
			continue
		}
		if reduce[i] {
			out = append(out, chat.NewTextMessage(msg.Role, msg.Stub))
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Summarize replaces the oldest ~50% of the history with one synthetic
// summary message once the history exceeds the configured thresholds. Any
// failure (no provider, network, empty response) returns the input
// unchanged; summarization is strictly best-effort.
func (m *Manager) Summarize(ctx context.Context, msgs []chat.Message) []chat.Message {
	if m.provider == nil || m.model == "" {
		return msgs
	}
	overCount := m.cfg.SummarizeThreshold > 0 && len(msgs) > m.cfg.SummarizeThreshold
	overTokens := m.cfg.SummarizeTokenThreshold > 0 && m.counter.CountMessages(msgs) > m.cfg.SummarizeTokenThreshold
	if !overCount && !overTokens {
		return msgs
	}

	cut := len(msgs) / 2
	if cut < 2 {
		return msgs
	}
	// Never split a tool_use/tool_result pair across the cut.
	if msgs[cut].ToolResultOnly() {
		cut--
		if cut < 2 {
			return msgs
		}
	}

	transcript := renderTranscript(msgs[:cut])
	req := []chat.Message{chat.NewTextMessage(chat.RoleUser, summaryPrompt+transcript)}
	resp, err := m.provider.CreateCompletion(ctx, m.model, "", req, nil)
	if err != nil {
		m.logger.Warnf("History summarization failed, keeping full history: %v", err)
		return msgs
	}
	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		m.logger.Warnf("History summarization returned empty text, keeping full history")
		return msgs
	}

	out := make([]chat.Message, 0, len(msgs)-cut+1)
	out = append(out, chat.NewTextMessage(chat.RoleUser,
		fmt.Sprintf("[Summary of earlier conversation]\n%s", summary)))
	out = append(out, msgs[cut:]...)
	m.logger.Debugf("Summarized %d messages into one (%d -> %d)", cut, len(msgs), len(out))
	return out
}

// renderTranscript flattens messages to plain text for the summary request.
func renderTranscript(msgs []chat.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Stub != "" {
			sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Stub))
			continue
		}
		for _, b := range m.Blocks {
			switch b.Type {
			case chat.BlockText:
				sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, b.Text))
			case chat.BlockToolUse:
				sb.WriteString(fmt.Sprintf("%s: [called tool %s]\n", m.Role, b.Name))
			case chat.BlockToolResult:
				text := b.Text
				if len(text) > 200 {
					text = text[:200] + "..."
				}
				sb.WriteString(fmt.Sprintf("%s: [tool result] %s\n", m.Role, text))
			case chat.BlockImage:
				sb.WriteString(fmt.Sprintf("%s: [screenshot]\n", m.Role))
			}
		}
	}
	return sb.String()
}
