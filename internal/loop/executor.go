// SPDX-License-Identifier: AGPL-3.0-only
package loop

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/model"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/sleep"
)

// Executor wraps the engine with task bookkeeping: it times the run, keeps
// the machine awake while it executes, and persists the result record.
type Executor struct {
	engine       *Engine
	resultStore  model.ResultStore
	systemPrompt string
	logger       *logging.Logger
}

// NewExecutor creates a task executor. resultStore may be nil to skip
// persistence.
func NewExecutor(engine *Engine, resultStore model.ResultStore, systemPrompt string, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Executor{
		engine:       engine,
		resultStore:  resultStore,
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

// ExecuteTask runs one prompt as a task and returns its result record. A
// zero timeout means the caller's context bounds the run.
func (ex *Executor) ExecuteTask(ctx context.Context, taskID, prompt string, timeout time.Duration, events Events) *model.Result {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	logger := ex.logger.WithField("task_id", taskID)
	logger.Infof("Running task")

	result := &model.Result{
		TaskID:    taskID,
		Prompt:    prompt,
		StartTime: time.Now(),
	}

	if allow, err := sleep.Prevent(); err != nil {
		logger.Debugf("Could not inhibit sleep: %v", err)
	} else {
		defer allow()
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	initial := []chat.Message{chat.NewTextMessage(chat.RoleUser, prompt)}
	output, turns, err := ex.engine.Run(execCtx, initial, ex.systemPrompt, events)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime).String()
	result.Output = output
	result.Turns = turns
	if err != nil {
		result.Error = err.Error()
		if execCtx.Err() != nil {
			result.Cancelled = true
		}
	}

	model.PersistAndLogResult(ex.resultStore, result, logger)
	return result
}
