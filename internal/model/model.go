// SPDX-License-Identifier: AGPL-3.0-only

// Package model holds the task result record shared by the loop executor
// and the result store.
package model

import "time"

// Result records one task run: the prompt, the final answer, and how the
// run ended.
type Result struct {
	TaskID    string    `json:"task_id"`
	Prompt    string    `json:"prompt"`
	Output    string    `json:"output"`
	Error     string    `json:"error,omitempty"`
	Turns     int       `json:"turns"`
	Cancelled bool      `json:"cancelled,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  string    `json:"duration"`
}

// ResultStore persists task run results.
type ResultStore interface {
	SaveResult(result *Result) error
	GetLatestResult(taskID string) (*Result, error)
	GetResults(taskID string, limit int) ([]*Result, error)
	Close() error
}
