package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jordanhart/drover/backend"
	"github.com/jordanhart/drover/protocol"
)

// TaskConfig bounds a task's multi-turn loop.
type TaskConfig struct {
	Turn     TurnConfig
	MaxTurns int
}

// DefaultTaskConfig returns the default task configuration.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Turn:     DefaultTurnConfig(),
		MaxTurns: 50,
	}
}

// TaskResult is the terminal state of one task.
type TaskResult struct {
	Outcome    protocol.TaskOutcome
	Result     string
	Structured bool
	Err        error
}

// TaskExecutor drives a session's multi-turn loop: one user input in, turns
// against the model until the model answers with plain text, an error
// surfaces, or the task is cancelled. It owns the session's conversation
// and is the only writer to it.
type TaskExecutor struct {
	sessionID string
	conv      *Conversation
	turns     *TurnExecutor
	subagents *SubAgentManager
	queue     *protocol.Queue
	cfg       TaskConfig
	logger    *slog.Logger
}

// NewTaskExecutor creates a task executor for one session. subagents may be
// nil for sessions that cannot spawn.
func NewTaskExecutor(sessionID string, client Streamer, tools ToolRunner, subagents *SubAgentManager, queue *protocol.Queue, cfg TaskConfig, logger *slog.Logger) *TaskExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskExecutor{
		sessionID: sessionID,
		conv:      NewConversation(),
		turns:     NewTurnExecutor(sessionID, client, tools, queue, cfg.Turn),
		subagents: subagents,
		queue:     queue,
		cfg:       cfg,
		logger:    logger.With("session_id", sessionID),
	}
}

// Conversation exposes the session history for replay and inspection.
func (t *TaskExecutor) Conversation() *Conversation { return t.conv }

// SetModel switches the model used by subsequent turns.
func (t *TaskExecutor) SetModel(model, provider string) { t.turns.SetModel(model, provider) }

// RunTask executes one task to completion. It always ends by emitting
// task_metadata followed by task_finish, in that order, regardless of
// outcome.
func (t *TaskExecutor) RunTask(ctx context.Context, operationID, input string, images []backend.ImageData) TaskResult {
	inputEv := protocol.New(protocol.EventUserInput, t.sessionID)
	inputEv.UserInput = &protocol.UserInputData{
		OperationID: operationID,
		Content:     input,
		ImageCount:  len(images),
	}
	t.queue.Emit(inputEv)
	t.conv.Append(NewUserTurn(input, images))

	meta := protocol.TaskMetadataData{}
	var result TaskResult

	for turn := 0; turn < t.cfg.MaxTurns; turn++ {
		tr := t.turns.Run(ctx, t.conv)
		meta.Turns++
		meta.ToolCalls += len(tr.ToolCalls)
		meta.InputTokens += tr.Usage.InputTokens
		meta.OutputTokens += tr.Usage.OutputTokens
		meta.CostUSD += tr.CostUSD

		switch tr.Kind {
		case TurnEndedText:
			result = TaskResult{
				Outcome:    protocol.TaskDone,
				Result:     tr.Text,
				Structured: tr.Structured,
			}
			return t.finish(result, meta)
		case TurnEndedToolCalls:
			continue
		case TurnEndedError:
			t.logger.Error("turn failed", "error", tr.Err, "response_id", tr.ResponseID)
			result = TaskResult{Outcome: protocol.TaskErrored, Err: tr.Err}
			return t.finish(result, meta)
		case TurnEndedCancelled:
			return t.cancel(tr, meta)
		}
	}

	err := fmt.Errorf("task exceeded %d turns without completing", t.cfg.MaxTurns)
	t.logger.Error("turn budget exhausted", "max_turns", t.cfg.MaxTurns)
	ev := protocol.New(protocol.EventError, t.sessionID)
	ev.Error = &protocol.ErrorData{Message: err.Error()}
	t.queue.Emit(ev)
	return t.finish(TaskResult{Outcome: protocol.TaskErrored, Err: err}, meta)
}

// cancel handles an interrupted turn: persist partial output that never
// reached the conversation, stop any sub-agents, signal the interrupt, and
// finish cancelled. No response_complete is emitted for the cut-off response.
func (t *TaskExecutor) cancel(tr TurnResult, meta protocol.TaskMetadataData) TaskResult {
	if tr.PartialText != "" || tr.PartialThinking != "" {
		t.conv.Append(NewPartialAssistantTurn(tr.PartialText, tr.PartialThinking, tr.ResponseID))
	}
	if t.subagents != nil {
		t.subagents.CancelAll()
	}
	t.queue.Emit(protocol.NewResponse(protocol.EventInterrupt, t.sessionID, tr.ResponseID))
	return t.finish(TaskResult{Outcome: protocol.TaskCancelled, Result: tr.PartialText}, meta)
}

// finish emits the task's terminal pair: metadata first, then task_finish.
// Consumers tear session state down on task_finish, so metadata must never
// trail it.
func (t *TaskExecutor) finish(result TaskResult, meta protocol.TaskMetadataData) TaskResult {
	metaEv := protocol.New(protocol.EventTaskMetadata, t.sessionID)
	metaEv.TaskMetadata = &meta
	t.queue.Emit(metaEv)

	finish := protocol.New(protocol.EventTaskFinish, t.sessionID)
	finish.TaskFinish = &protocol.TaskFinishData{
		Outcome:    result.Outcome,
		Result:     result.Result,
		Structured: result.Structured,
	}
	if result.Err != nil && result.Result == "" {
		finish.TaskFinish.Result = result.Err.Error()
	}
	t.queue.Emit(finish)

	t.logger.Info("task finished",
		"outcome", result.Outcome,
		"turns", meta.Turns,
		"tool_calls", meta.ToolCalls,
		"cost_usd", meta.CostUSD)
	return result
}
