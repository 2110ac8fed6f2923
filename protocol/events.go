package protocol

import (
	"encoding/json"
	"time"
)

// EventKind identifies the type of protocol event.
type EventKind string

const (
	EventSessionStart     EventKind = "session_start"
	EventUserInput        EventKind = "user_input"
	EventThinkingStart    EventKind = "thinking_start"
	EventThinkingDelta    EventKind = "thinking_delta"
	EventThinkingEnd      EventKind = "thinking_end"
	EventTextStart        EventKind = "text_start"
	EventTextDelta        EventKind = "text_delta"
	EventTextEnd          EventKind = "text_end"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCall         EventKind = "tool_call"
	EventToolResult       EventKind = "tool_result"
	EventResponseComplete EventKind = "response_complete"
	EventUsage            EventKind = "usage"
	EventTaskFinish       EventKind = "task_finish"
	EventTaskMetadata     EventKind = "task_metadata"
	EventInterrupt        EventKind = "interrupt"
	EventError            EventKind = "error"
	EventReplay           EventKind = "replay"
	EventShutdown         EventKind = "shutdown"
)

// SessionShutdown is the reserved session_id carried by the process-wide
// shutdown event. It never identifies a real session.
const SessionShutdown = "__shutdown__"

// TaskOutcome is the terminal state of a task, carried on task_finish.
type TaskOutcome string

const (
	TaskDone      TaskOutcome = "done"
	TaskErrored   TaskOutcome = "error"
	TaskCancelled TaskOutcome = "cancelled"
)

// Event is the closed tagged union of everything observable about a running
// task. Exactly one payload pointer is set, matching Kind. Events are
// immutable once emitted; Seq is assigned by the Queue at emission time.
type Event struct {
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
	ResponseID string    `json:"response_id,omitempty"`

	SessionStart     *SessionStartData     `json:"session_start,omitempty"`
	UserInput        *UserInputData        `json:"user_input,omitempty"`
	Delta            *DeltaData            `json:"delta,omitempty"`
	ToolCallStart    *ToolCallStartData    `json:"tool_call_start,omitempty"`
	ToolCall         *ToolCallData         `json:"tool_call,omitempty"`
	ToolResult       *ToolResultData       `json:"tool_result,omitempty"`
	ResponseComplete *ResponseCompleteData `json:"response_complete,omitempty"`
	Usage            *UsageData            `json:"usage,omitempty"`
	TaskFinish       *TaskFinishData       `json:"task_finish,omitempty"`
	TaskMetadata     *TaskMetadataData     `json:"task_metadata,omitempty"`
	Error            *ErrorData            `json:"error,omitempty"`
	Replay           *ReplayData           `json:"replay,omitempty"`
}

// SessionStartData marks the creation of a session timeline.
type SessionStartData struct {
	IsSubagent       bool   `json:"is_subagent"`
	CollapseThinking bool   `json:"collapse_thinking,omitempty"`
	Parent           string `json:"parent,omitempty"`
}

// UserInputData records the text submitted by the user.
type UserInputData struct {
	OperationID string `json:"operation_id"`
	Content     string `json:"content"`
	ImageCount  int    `json:"image_count,omitempty"`
}

// DeltaData carries one streamed chunk of thinking or assistant text.
// Valid only between the matching start and end boundary events.
type DeltaData struct {
	Text string `json:"text"`
}

// ToolCallStartData announces a tool invocation by name and id only.
// Arguments are never streamed; they arrive atomically on EventToolCall.
type ToolCallStartData struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
}

// ToolCallData delivers the complete arguments for a tool invocation.
type ToolCallData struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData carries one tool execution result. IsLastInTurn is true on
// the final result expected for the turn, which tells the task loop it can
// re-enter the model.
type ToolResultData struct {
	CallID       string `json:"call_id"`
	Content      string `json:"content"`
	IsError      bool   `json:"is_error"`
	IsLastInTurn bool   `json:"is_last_in_turn"`
}

// ResponseCompleteData is the single final snapshot per response: the full
// text and thinking content, independent of how many deltas preceded it.
// Never emitted for a cancelled response.
type ResponseCompleteData struct {
	Text       string `json:"text"`
	Thinking   string `json:"thinking,omitempty"`
	Structured bool   `json:"structured,omitempty"`
}

// UsageData aggregates token and cost accounting for one completed response.
type UsageData struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TaskFinishData records the terminal outcome of a task.
type TaskFinishData struct {
	Outcome    TaskOutcome `json:"outcome"`
	Result     string      `json:"result,omitempty"`
	Structured bool        `json:"structured,omitempty"`
}

// TaskMetadataData aggregates cross-turn totals, emitted once per task.
type TaskMetadataData struct {
	Turns        int     `json:"turns"`
	ToolCalls    int     `json:"tool_calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ErrorData describes a surfaced failure. CanRetry indicates whether a
// user-facing retry is worth offering.
type ErrorData struct {
	Message  string `json:"message"`
	CanRetry bool   `json:"can_retry"`
}

// ReplayData bundles a full ordered slice of prior events so a resumed
// session can be reconstructed without re-deriving state from deltas.
type ReplayData struct {
	Events []Event `json:"events"`
}

// New creates an event of the given kind. Timestamp is stamped now; Seq is
// assigned later by the Queue.
func New(kind EventKind, sessionID string) Event {
	return Event{Kind: kind, SessionID: sessionID, Timestamp: time.Now()}
}

// NewResponse creates an event correlated to one model response.
func NewResponse(kind EventKind, sessionID, responseID string) Event {
	ev := New(kind, sessionID)
	ev.ResponseID = responseID
	return ev
}

// NewShutdown creates the process-wide shutdown sentinel event.
func NewShutdown() Event {
	return New(EventShutdown, SessionShutdown)
}
