package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhart/drover/backend"
	"github.com/jordanhart/drover/protocol"
)

// Streamer is the slice of the backend client the turn executor needs.
// Satisfied by *backend.Client.
type Streamer interface {
	Stream(ctx context.Context, req backend.Request) (<-chan backend.Delta, error)
}

// TurnResultKind discriminates how a turn ended.
type TurnResultKind string

const (
	TurnEndedText      TurnResultKind = "text"
	TurnEndedToolCalls TurnResultKind = "tool_calls"
	TurnEndedError     TurnResultKind = "error"
	TurnEndedCancelled TurnResultKind = "cancelled"
)

// TurnResult is what one model call plus its tool executions produced.
type TurnResult struct {
	Kind       TurnResultKind
	ResponseID string
	Text       string
	Thinking   string
	Structured bool
	ToolCalls  []backend.ToolCall
	Usage      backend.Usage
	CostUSD    float64
	Err        error
	CanRetry   bool

	// PartialText/PartialThinking hold content streamed before a
	// cancellation that was not yet persisted to the conversation. Empty
	// when the assistant turn already made it into history.
	PartialText     string
	PartialThinking string
}

// TurnConfig configures turn execution.
type TurnConfig struct {
	Model            string
	Provider         string
	SystemPrompt     string
	CallTimeout      time.Duration // per model call; zero disables
	Retry            backend.RetryPolicy
	CollapseThinking bool // suppress thinking deltas (sub-agent kinds)
	StructuredOutput bool
	MaxTokens        *int
	CharLimits       map[string]int
	LineLimits       map[string]int
}

// DefaultTurnConfig returns the default turn configuration.
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		CallTimeout: 5 * time.Minute,
		Retry:       backend.DefaultRetryPolicy(),
	}
}

// TurnExecutor runs one exchange with the model backend: it streams deltas,
// translates them 1:1 into protocol events with explicit boundaries,
// executes requested tool calls, and aggregates usage. It is stateless
// across turns except for the conversation it reads and appends.
type TurnExecutor struct {
	sessionID string
	client    Streamer
	tools     ToolRunner
	queue     *protocol.Queue

	mu  sync.Mutex
	cfg TurnConfig
}

// NewTurnExecutor creates a turn executor bound to one session.
func NewTurnExecutor(sessionID string, client Streamer, tools ToolRunner, queue *protocol.Queue, cfg TurnConfig) *TurnExecutor {
	return &TurnExecutor{
		sessionID: sessionID,
		client:    client,
		tools:     tools,
		queue:     queue,
		cfg:       cfg,
	}
}

func (t *TurnExecutor) emit(ev protocol.Event) {
	t.queue.Emit(ev)
}

// SetModel switches the model for subsequent turns. Safe to call between
// tasks.
func (t *TurnExecutor) SetModel(model, provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Model = model
	t.cfg.Provider = provider
}

func (t *TurnExecutor) config() TurnConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Run executes one turn against the given conversation. Transient backend
// errors are retried with backoff internally as long as no events for the
// attempt have been emitted; once the stream is visible, failures surface.
func (t *TurnExecutor) Run(ctx context.Context, conv *Conversation) TurnResult {
	responseID := "resp_" + uuid.New().String()[:8]
	cfg := t.config()

	req := backend.Request{
		Model:            cfg.Model,
		Provider:         cfg.Provider,
		Messages:         conv.Messages(cfg.SystemPrompt),
		ToolDefs:         t.tools.Definitions(),
		ToolChoice:       &backend.ToolChoice{Mode: "auto"},
		MaxTokens:        cfg.MaxTokens,
		StructuredOutput: cfg.StructuredOutput,
	}

	var res streamResult
	for attempt := 0; ; attempt++ {
		res = t.streamOnce(ctx, cfg, req, responseID)
		if res.cancelled {
			return TurnResult{
				Kind:            TurnEndedCancelled,
				ResponseID:      responseID,
				PartialText:     res.text,
				PartialThinking: res.thinking,
			}
		}
		if res.err == nil {
			break
		}
		if res.emitted || !backend.IsRetryable(res.err) || attempt >= cfg.Retry.MaxRetries {
			// Retries exhausted or unsafe to repeat: surface the error.
			ev := protocol.NewResponse(protocol.EventError, t.sessionID, responseID)
			ev.Error = &protocol.ErrorData{
				Message:  res.err.Error(),
				CanRetry: backend.IsRetryable(res.err),
			}
			t.emit(ev)
			return TurnResult{
				Kind:       TurnEndedError,
				ResponseID: responseID,
				Err:        res.err,
				CanRetry:   backend.IsRetryable(res.err),
			}
		}
		if waitErr := cfg.Retry.Wait(ctx, res.err, attempt); waitErr != nil {
			if ctx.Err() != nil {
				return TurnResult{Kind: TurnEndedCancelled, ResponseID: responseID}
			}
			ev := protocol.NewResponse(protocol.EventError, t.sessionID, responseID)
			ev.Error = &protocol.ErrorData{Message: waitErr.Error(), CanRetry: false}
			t.emit(ev)
			return TurnResult{Kind: TurnEndedError, ResponseID: responseID, Err: waitErr}
		}
	}

	resp := res.resp
	usage := resp.Usage
	cost := backend.CostUSD(resp.Model, usage)
	structured := cfg.StructuredOutput && looksLikeJSONObject(res.text)

	// Exactly one final snapshot per completed response, after both streams
	// have closed, then the usage event.
	snapshot := protocol.NewResponse(protocol.EventResponseComplete, t.sessionID, responseID)
	snapshot.ResponseComplete = &protocol.ResponseCompleteData{
		Text:       res.text,
		Thinking:   res.thinking,
		Structured: structured,
	}
	t.emit(snapshot)

	usageEv := protocol.NewResponse(protocol.EventUsage, t.sessionID, responseID)
	usageEv.Usage = &protocol.UsageData{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		CostUSD:      cost,
	}
	t.emit(usageEv)

	toolCalls := resp.ToolCalls()
	conv.Append(NewAssistantTurn(res.text, res.thinking, toolCalls, usage, responseID))

	result := TurnResult{
		ResponseID: responseID,
		Text:       res.text,
		Thinking:   res.thinking,
		Structured: structured,
		ToolCalls:  toolCalls,
		Usage:      usage,
		CostUSD:    cost,
	}

	if len(toolCalls) == 0 {
		result.Kind = TurnEndedText
		return result
	}

	results, cancelled := t.executeToolCalls(ctx, cfg, responseID, toolCalls)
	if cancelled {
		// The assistant turn is already persisted; late tool results are
		// discarded, never appended.
		result.Kind = TurnEndedCancelled
		return result
	}
	conv.Append(NewToolResultsTurn(results))
	result.Kind = TurnEndedToolCalls
	return result
}

// streamResult captures the outcome of one streaming attempt.
type streamResult struct {
	resp      *backend.Response
	text      string
	thinking  string
	emitted   bool // any protocol event left this attempt
	cancelled bool
	err       error
}

// streamOnce opens one streaming call and translates its deltas into
// protocol events. Thinking and text boundaries are tracked independently;
// a tool-call start forces the text stream closed first.
func (t *TurnExecutor) streamOnce(ctx context.Context, cfg TurnConfig, req backend.Request, responseID string) streamResult {
	callCtx := ctx
	if cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()
	}

	deltas, err := t.client.Stream(callCtx, req)
	if err != nil {
		return streamResult{err: err}
	}

	var (
		res          streamResult
		thinkingOpen bool
		textOpen     bool
		thinkingBuf  strings.Builder
		textBuf      strings.Builder
	)

	event := func(kind protocol.EventKind) protocol.Event {
		return protocol.NewResponse(kind, t.sessionID, responseID)
	}
	closeOpenStreams := func() {
		if thinkingOpen {
			t.emit(event(protocol.EventThinkingEnd))
			thinkingOpen = false
		}
		if textOpen {
			t.emit(event(protocol.EventTextEnd))
			textOpen = false
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Interrupt: implicit abnormal close, no end events, no
			// snapshot. Partial content goes back for persistence.
			res.cancelled = true
			res.text = textBuf.String()
			res.thinking = thinkingBuf.String()
			return res
		case d, ok := <-deltas:
			if !ok {
				if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
					res.err = &backend.RequestTimeoutError{BaseError: backend.BaseError{
						Message: "model call timed out", Cause: callCtx.Err(),
					}}
					return res
				}
				res.err = &backend.NetworkError{BaseError: backend.BaseError{
					Message: "stream ended without a finish delta",
				}}
				return res
			}

			switch d.Kind {
			case backend.DeltaThinkingStart:
				thinkingOpen = true
				t.emit(event(protocol.EventThinkingStart))
				res.emitted = true
			case backend.DeltaThinking:
				thinkingBuf.WriteString(d.Text)
				if !cfg.CollapseThinking {
					ev := event(protocol.EventThinkingDelta)
					ev.Delta = &protocol.DeltaData{Text: d.Text}
					t.emit(ev)
				}
				res.emitted = true
			case backend.DeltaThinkingEnd:
				thinkingOpen = false
				t.emit(event(protocol.EventThinkingEnd))
				res.emitted = true
			case backend.DeltaTextStart:
				textOpen = true
				t.emit(event(protocol.EventTextStart))
				res.emitted = true
			case backend.DeltaText:
				textBuf.WriteString(d.Text)
				ev := event(protocol.EventTextDelta)
				ev.Delta = &protocol.DeltaData{Text: d.Text}
				t.emit(ev)
				res.emitted = true
			case backend.DeltaTextEnd:
				textOpen = false
				t.emit(event(protocol.EventTextEnd))
				res.emitted = true
			case backend.DeltaToolCallStart:
				// Text must close before the tool-call signal goes out.
				closeOpenStreams()
				ev := event(protocol.EventToolCallStart)
				ev.ToolCallStart = &protocol.ToolCallStartData{CallID: d.ToolID, Name: d.ToolName}
				t.emit(ev)
				res.emitted = true
			case backend.DeltaFinish:
				closeOpenStreams()
				res.resp = d.Response
				res.text = textBuf.String()
				res.thinking = thinkingBuf.String()
				if res.text == "" {
					res.text = d.Response.Text()
				}
				if res.thinking == "" {
					res.thinking = d.Response.Thinking()
				}
				// Arguments are delivered atomically, only now that the
				// response is complete.
				for _, call := range d.Response.ToolCalls() {
					ev := event(protocol.EventToolCall)
					ev.ToolCall = &protocol.ToolCallData{
						CallID:    call.ID,
						Name:      call.Name,
						Arguments: call.Arguments,
					}
					t.emit(ev)
					res.emitted = true
				}
				return res
			case backend.DeltaError:
				res.err = d.Err
				return res
			}
		}
	}
}

// executeToolCalls runs the requested tools, in parallel when more than one
// is requested, and emits a result event per call in request order with
// IsLastInTurn set on the final one. Reports cancelled=true when the task
// was interrupted before all results arrived; in that case nothing is
// emitted or appended for the unfinished calls and late results are
// discarded.
func (t *TurnExecutor) executeToolCalls(ctx context.Context, cfg TurnConfig, responseID string, calls []backend.ToolCall) ([]backend.ToolResult, bool) {
	full := make([]string, len(calls))
	results := make([]backend.ToolResult, len(calls))

	run := func(i int, call backend.ToolCall) bool {
		output, err := t.runTool(ctx, call)
		if ctx.Err() != nil {
			return false
		}
		if err != nil {
			msg := fmt.Sprintf("Tool error (%s): %v", call.Name, err)
			full[i] = msg
			results[i] = backend.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
			return true
		}
		full[i] = output
		results[i] = backend.ToolResult{
			ToolCallID: call.ID,
			Content:    TruncateToolOutput(output, call.Name, cfg.CharLimits, cfg.LineLimits),
		}
		return true
	}

	if len(calls) > 1 {
		oks := make([]bool, len(calls))
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call backend.ToolCall) {
				defer wg.Done()
				oks[i] = run(i, call)
			}(i, call)
		}
		wg.Wait()
		for _, ok := range oks {
			if !ok {
				return nil, true
			}
		}
	} else {
		for i, call := range calls {
			if !run(i, call) {
				return nil, true
			}
		}
	}

	for i, call := range calls {
		ev := protocol.NewResponse(protocol.EventToolResult, t.sessionID, responseID)
		ev.ToolResult = &protocol.ToolResultData{
			CallID:       call.ID,
			Content:      full[i], // full output on the stream, truncated in history
			IsError:      results[i].IsError,
			IsLastInTurn: i == len(calls)-1,
		}
		t.emit(ev)
	}
	return results, false
}

// runTool executes one tool call, abandoning it on cancellation. A tool
// that does not honor ctx keeps running, but its eventual result is
// discarded rather than appended.
func (t *TurnExecutor) runTool(ctx context.Context, call backend.ToolCall) (string, error) {
	type outcome struct {
		output string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		output, err := t.tools.Run(ctx, call.Name, call.Arguments)
		ch <- outcome{output, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case o := <-ch:
		return o.output, o.err
	}
}

// looksLikeJSONObject reports whether text parses as a JSON object.
func looksLikeJSONObject(text string) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var obj map[string]interface{}
	return json.Unmarshal([]byte(trimmed), &obj) == nil
}
