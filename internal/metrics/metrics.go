// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics exposes Prometheus collectors for the orchestration loop
// and connection layers. Exposition (HTTP handler, push) is the embedder's
// concern; this package only registers collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsPerTask observes how many LLM turns each task consumed.
	TurnsPerTask = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentd",
		Name:      "turns_per_task",
		Help:      "Number of LLM turns consumed per task.",
		Buckets:   prometheus.LinearBuckets(1, 2, 12),
	})

	// ToolCalls counts tool executions by origin and outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentd",
		Name:      "tool_calls_total",
		Help:      "Tool executions by origin (actuator, mcp, a2a) and outcome (ok, error).",
	}, []string{"origin", "outcome"})

	// LLMRequestDuration observes chat-completion latency in seconds.
	LLMRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentd",
		Name:      "llm_request_duration_seconds",
		Help:      "Latency of chat-completion requests.",
		Buckets:   prometheus.DefBuckets,
	})

	// ConnectFailures counts failed MCP server connection attempts.
	ConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentd",
		Name:      "mcp_connect_failures_total",
		Help:      "Failed MCP server connection attempts by server id.",
	}, []string{"server"})
)
