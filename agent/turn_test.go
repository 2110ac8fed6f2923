package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordanhart/drover/backend"
	"github.com/jordanhart/drover/protocol"
)

// scriptedStreamer replays a fixed sequence of delta scripts, one per Stream
// call. A nil script entry means Stream itself fails with the paired error.
type scriptedStreamer struct {
	mu      sync.Mutex
	scripts [][]backend.Delta
	errs    []error
	calls   int
	hang    bool          // leave the final call's channel open after its deltas
	started chan struct{} // signalled when a Stream call opens, if set
}

func (s *scriptedStreamer) Stream(ctx context.Context, req backend.Request) (<-chan backend.Delta, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()

	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}

	if call < len(s.errs) && s.errs[call] != nil {
		return nil, s.errs[call]
	}
	script := s.scripts[call]
	ch := make(chan backend.Delta, len(script))
	for _, d := range script {
		ch <- d
	}
	if !s.hang || call < len(s.scripts)-1 {
		close(ch)
	}
	return ch, nil
}

func textResponse(text string, usage backend.Usage, calls ...backend.ToolCall) *backend.Response {
	msg := backend.AssistantMessage(text)
	for _, c := range calls {
		msg.Content = append(msg.Content, backend.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return &backend.Response{
		ID:           "r1",
		Model:        "claude-sonnet-4",
		Message:      msg,
		FinishReason: backend.FinishReason{Reason: "stop"},
		Usage:        usage,
	}
}

func drain(q *protocol.Queue) []protocol.Event {
	q.Close()
	var events []protocol.Event
	for ev := range q.Events() {
		events = append(events, ev)
	}
	return events
}

func kinds(events []protocol.Event) []protocol.EventKind {
	out := make([]protocol.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func fastRetry() backend.RetryPolicy {
	return backend.RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         0.001,
		MaxDelay:          0.01,
		BackoffMultiplier: 2.0,
	}
}

func TestTurnTextStream(t *testing.T) {
	usage := backend.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	streamer := &scriptedStreamer{scripts: [][]backend.Delta{{
		{Kind: backend.DeltaTextStart},
		{Kind: backend.DeltaText, Text: "Hello, "},
		{Kind: backend.DeltaText, Text: "world."},
		{Kind: backend.DeltaTextEnd},
		{Kind: backend.DeltaFinish, Response: textResponse("Hello, world.", usage)},
	}}}

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	exec := NewTurnExecutor("s1", streamer, NewRegistry(), queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("say hello", nil))
	result := exec.Run(context.Background(), conv)

	if result.Kind != TurnEndedText {
		t.Fatalf("Kind = %q, want text", result.Kind)
	}
	if result.Text != "Hello, world." {
		t.Errorf("Text = %q", result.Text)
	}

	events := drain(queue)
	want := []protocol.EventKind{
		protocol.EventTextStart,
		protocol.EventTextDelta,
		protocol.EventTextDelta,
		protocol.EventTextEnd,
		protocol.EventResponseComplete,
		protocol.EventUsage,
	}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Snapshot equals the concatenation of the deltas.
	var concat strings.Builder
	var snapshot *protocol.ResponseCompleteData
	for _, ev := range events {
		if ev.Kind == protocol.EventTextDelta {
			concat.WriteString(ev.Delta.Text)
		}
		if ev.Kind == protocol.EventResponseComplete {
			snapshot = ev.ResponseComplete
		}
	}
	if snapshot == nil || snapshot.Text != concat.String() {
		t.Errorf("snapshot does not match deltas: %+v vs %q", snapshot, concat.String())
	}

	// Usage event carries the response usage and a cost.
	last := events[len(events)-1]
	if last.Usage.TotalTokens != 15 {
		t.Errorf("usage TotalTokens = %d, want 15", last.Usage.TotalTokens)
	}
	if last.Usage.CostUSD <= 0 {
		t.Errorf("CostUSD = %v, want > 0", last.Usage.CostUSD)
	}

	// The assistant turn landed in the conversation.
	turns := conv.Turns()
	if len(turns) != 2 || turns[1].Kind != TurnAssistant {
		t.Fatalf("conversation = %d turns, want user+assistant", len(turns))
	}
	if turns[1].Assistant.Content != "Hello, world." {
		t.Errorf("persisted content = %q", turns[1].Assistant.Content)
	}
}

func TestTurnToolCalls(t *testing.T) {
	args := json.RawMessage(`{"path":""}`)
	call := backend.ToolCall{ID: "call_1", Name: "list_files", Arguments: args}
	streamer := &scriptedStreamer{scripts: [][]backend.Delta{{
		{Kind: backend.DeltaToolCallStart, ToolID: "call_1", ToolName: "list_files"},
		{Kind: backend.DeltaFinish, Response: textResponse("", backend.Usage{}, call)},
	}}}

	reg := NewRegistry()
	reg.Register(RegisteredTool{
		Definition: backend.ToolDefinition{Name: "list_files"},
		Func: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "main.go\ngo.mod", nil
		},
	})

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	exec := NewTurnExecutor("s1", streamer, reg, queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("list the files", nil))
	result := exec.Run(context.Background(), conv)

	if result.Kind != TurnEndedToolCalls {
		t.Fatalf("Kind = %q, want tool_calls", result.Kind)
	}

	events := drain(queue)
	var sawStart, sawCall, sawResult bool
	for _, ev := range events {
		switch ev.Kind {
		case protocol.EventToolCallStart:
			sawStart = true
			if ev.ToolCallStart.Name != "list_files" {
				t.Errorf("start name = %q", ev.ToolCallStart.Name)
			}
		case protocol.EventToolCall:
			sawCall = true
			if string(ev.ToolCall.Arguments) != string(args) {
				t.Errorf("arguments = %s", ev.ToolCall.Arguments)
			}
		case protocol.EventToolResult:
			sawResult = true
			if !ev.ToolResult.IsLastInTurn {
				t.Error("single result should be last in turn")
			}
			if ev.ToolResult.Content != "main.go\ngo.mod" {
				t.Errorf("result content = %q", ev.ToolResult.Content)
			}
		case protocol.EventResponseComplete:
			// still exactly one snapshot for a tool-call response
		}
	}
	if !sawStart || !sawCall || !sawResult {
		t.Errorf("missing tool events: start=%v call=%v result=%v", sawStart, sawCall, sawResult)
	}

	// Tool results were appended for the next turn.
	turns := conv.Turns()
	if turns[len(turns)-1].Kind != TurnToolResults {
		t.Fatalf("last turn = %q, want tool_results", turns[len(turns)-1].Kind)
	}
}

func TestTurnParallelToolCallsEmitInRequestOrder(t *testing.T) {
	calls := []backend.ToolCall{
		{ID: "call_a", Name: "slow", Arguments: json.RawMessage(`{}`)},
		{ID: "call_b", Name: "fast", Arguments: json.RawMessage(`{}`)},
	}
	streamer := &scriptedStreamer{scripts: [][]backend.Delta{{
		{Kind: backend.DeltaToolCallStart, ToolID: "call_a", ToolName: "slow"},
		{Kind: backend.DeltaToolCallStart, ToolID: "call_b", ToolName: "fast"},
		{Kind: backend.DeltaFinish, Response: textResponse("", backend.Usage{}, calls...)},
	}}}

	reg := NewRegistry()
	reg.Register(RegisteredTool{
		Definition: backend.ToolDefinition{Name: "slow"},
		Func: func(ctx context.Context, args json.RawMessage) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "slow done", nil
		},
	})
	reg.Register(RegisteredTool{
		Definition: backend.ToolDefinition{Name: "fast"},
		Func: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "fast done", nil
		},
	})

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	exec := NewTurnExecutor("s1", streamer, reg, queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("go", nil))
	exec.Run(context.Background(), conv)

	var results []*protocol.ToolResultData
	for _, ev := range drain(queue) {
		if ev.Kind == protocol.EventToolResult {
			results = append(results, ev.ToolResult)
		}
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].CallID != "call_a" || results[1].CallID != "call_b" {
		t.Errorf("results out of request order: %s, %s", results[0].CallID, results[1].CallID)
	}
	if results[0].IsLastInTurn || !results[1].IsLastInTurn {
		t.Error("IsLastInTurn must be set only on the final result")
	}
}

func TestTurnCollapseThinking(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]backend.Delta{{
		{Kind: backend.DeltaThinkingStart},
		{Kind: backend.DeltaThinking, Text: "hmm, "},
		{Kind: backend.DeltaThinking, Text: "let me see"},
		{Kind: backend.DeltaThinkingEnd},
		{Kind: backend.DeltaTextStart},
		{Kind: backend.DeltaText, Text: "done"},
		{Kind: backend.DeltaTextEnd},
		{Kind: backend.DeltaFinish, Response: textResponse("done", backend.Usage{})},
	}}}

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	cfg.CollapseThinking = true
	exec := NewTurnExecutor("sub_1", streamer, NewRegistry(), queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("scout it", nil))
	exec.Run(context.Background(), conv)

	var thinkingDeltas, thinkingStarts, thinkingEnds int
	var snapshot *protocol.ResponseCompleteData
	for _, ev := range drain(queue) {
		switch ev.Kind {
		case protocol.EventThinkingDelta:
			thinkingDeltas++
		case protocol.EventThinkingStart:
			thinkingStarts++
		case protocol.EventThinkingEnd:
			thinkingEnds++
		case protocol.EventResponseComplete:
			snapshot = ev.ResponseComplete
		}
	}
	if thinkingDeltas != 0 {
		t.Errorf("collapsed stream leaked %d thinking deltas", thinkingDeltas)
	}
	if thinkingStarts != 1 || thinkingEnds != 1 {
		t.Errorf("boundaries = %d starts, %d ends, want 1 each", thinkingStarts, thinkingEnds)
	}
	// The snapshot still carries the full thinking content.
	if snapshot == nil || snapshot.Thinking != "hmm, let me see" {
		t.Errorf("snapshot thinking = %+v", snapshot)
	}
}

func TestTurnRetriesBeforeFirstEvent(t *testing.T) {
	usage := backend.Usage{TotalTokens: 1}
	streamer := &scriptedStreamer{
		errs: []error{
			&backend.ServerError{ProviderError: backend.ProviderError{
				BaseError: backend.BaseError{Message: "overloaded"},
				Retryable: true,
			}},
			nil,
		},
		scripts: [][]backend.Delta{
			nil,
			{
				{Kind: backend.DeltaTextStart},
				{Kind: backend.DeltaText, Text: "ok"},
				{Kind: backend.DeltaTextEnd},
				{Kind: backend.DeltaFinish, Response: textResponse("ok", usage)},
			},
		},
	}

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	exec := NewTurnExecutor("s1", streamer, NewRegistry(), queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("hi", nil))
	result := exec.Run(context.Background(), conv)

	if result.Kind != TurnEndedText {
		t.Fatalf("Kind = %q, want text (err=%v)", result.Kind, result.Err)
	}
	if streamer.calls != 2 {
		t.Errorf("Stream called %d times, want 2", streamer.calls)
	}
	for _, ev := range drain(queue) {
		if ev.Kind == protocol.EventError {
			t.Error("transparent retry must not emit an error event")
		}
	}
}

func TestTurnNoRetryAfterEventsEmitted(t *testing.T) {
	retryable := &backend.RateLimitError{ProviderError: backend.ProviderError{
		BaseError: backend.BaseError{Message: "rate limited"},
		Retryable: true,
	}}
	streamer := &scriptedStreamer{scripts: [][]backend.Delta{{
		{Kind: backend.DeltaTextStart},
		{Kind: backend.DeltaText, Text: "partial"},
		{Kind: backend.DeltaError, Err: retryable},
	}}}

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	exec := NewTurnExecutor("s1", streamer, NewRegistry(), queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("hi", nil))
	result := exec.Run(context.Background(), conv)

	if result.Kind != TurnEndedError {
		t.Fatalf("Kind = %q, want error", result.Kind)
	}
	if streamer.calls != 1 {
		t.Errorf("Stream called %d times, want 1 (no retry once events left)", streamer.calls)
	}

	events := drain(queue)
	last := events[len(events)-1]
	if last.Kind != protocol.EventError {
		t.Fatalf("last event = %q, want error", last.Kind)
	}
	if !last.Error.CanRetry {
		t.Error("CanRetry = false, want true for a rate limit")
	}
	for _, ev := range events {
		if ev.Kind == protocol.EventResponseComplete {
			t.Error("no snapshot may be emitted for a failed response")
		}
	}
}

func TestTurnNonRetryableError(t *testing.T) {
	streamer := &scriptedStreamer{
		errs: []error{&backend.AuthenticationError{ProviderError: backend.ProviderError{
			BaseError: backend.BaseError{Message: "bad key"},
		}}},
		scripts: [][]backend.Delta{nil},
	}

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	exec := NewTurnExecutor("s1", streamer, NewRegistry(), queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("hi", nil))
	result := exec.Run(context.Background(), conv)

	if result.Kind != TurnEndedError {
		t.Fatalf("Kind = %q, want error", result.Kind)
	}
	if streamer.calls != 1 {
		t.Errorf("Stream called %d times, want 1", streamer.calls)
	}
	if result.CanRetry {
		t.Error("CanRetry = true for an auth error")
	}
}

func TestTurnCancelledMidStream(t *testing.T) {
	streamer := &scriptedStreamer{
		hang: true,
		scripts: [][]backend.Delta{{
			{Kind: backend.DeltaTextStart},
			{Kind: backend.DeltaText, Text: "partial answer"},
		}},
	}

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	exec := NewTurnExecutor("s1", streamer, NewRegistry(), queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("hi", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan TurnResult, 1)
	go func() { done <- exec.Run(ctx, conv) }()

	// Wait until the partial delta is visible, then interrupt.
	deadline := time.After(2 * time.Second)
	for seen := 0; seen < 2; {
		select {
		case ev := <-queue.Events():
			if ev.Kind == protocol.EventTextStart || ev.Kind == protocol.EventTextDelta {
				seen++
			}
		case <-deadline:
			t.Fatal("timed out waiting for streamed deltas")
		}
	}
	cancel()

	var result TurnResult
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if result.Kind != TurnEndedCancelled {
		t.Fatalf("Kind = %q, want cancelled", result.Kind)
	}
	if result.PartialText != "partial answer" {
		t.Errorf("PartialText = %q", result.PartialText)
	}

	// No snapshot, no text_end: the interrupt is the implicit close.
	for _, ev := range drain(queue) {
		if ev.Kind == protocol.EventResponseComplete {
			t.Error("cancelled response must not get a snapshot")
		}
		if ev.Kind == protocol.EventTextEnd {
			t.Error("cancelled response must not get a text_end")
		}
	}

	// Nothing was appended; the caller persists the partial.
	if conv.Len() != 1 {
		t.Errorf("conversation = %d turns, want 1", conv.Len())
	}
}

func TestTurnLateToolResultDiscarded(t *testing.T) {
	call := backend.ToolCall{ID: "call_1", Name: "sleepy", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{scripts: [][]backend.Delta{{
		{Kind: backend.DeltaToolCallStart, ToolID: "call_1", ToolName: "sleepy"},
		{Kind: backend.DeltaFinish, Response: textResponse("", backend.Usage{}, call)},
	}}}

	started := make(chan struct{})
	finished := make(chan struct{})
	reg := NewRegistry()
	reg.Register(RegisteredTool{
		Definition: backend.ToolDefinition{Name: "sleepy"},
		Func: func(ctx context.Context, args json.RawMessage) (string, error) {
			close(started)
			// Ignores ctx: simulates a tool that cannot be stopped.
			time.Sleep(50 * time.Millisecond)
			close(finished)
			return "too late", nil
		},
	})

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	exec := NewTurnExecutor("s1", streamer, reg, queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("hi", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan TurnResult, 1)
	go func() { done <- exec.Run(ctx, conv) }()

	<-started
	cancel()
	result := <-done

	if result.Kind != TurnEndedCancelled {
		t.Fatalf("Kind = %q, want cancelled", result.Kind)
	}
	// The turn ended before the tool did.
	select {
	case <-finished:
		t.Error("Run waited for the abandoned tool")
	default:
	}
	<-finished

	for _, ev := range drain(queue) {
		if ev.Kind == protocol.EventToolResult {
			t.Error("late tool result must be discarded, not emitted")
		}
	}
	// The assistant turn was already persisted; no tool results followed.
	turns := conv.Turns()
	if turns[len(turns)-1].Kind != TurnAssistant {
		t.Errorf("last turn = %q, want assistant", turns[len(turns)-1].Kind)
	}
}

func TestTurnStreamEndsWithoutFinish(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]backend.Delta{{
		{Kind: backend.DeltaTextStart},
		{Kind: backend.DeltaText, Text: "cut off"},
	}}}

	queue := protocol.NewQueue(64)
	cfg := DefaultTurnConfig()
	cfg.Retry = fastRetry()
	exec := NewTurnExecutor("s1", streamer, NewRegistry(), queue, cfg)

	conv := NewConversation()
	conv.Append(NewUserTurn("hi", nil))
	result := exec.Run(context.Background(), conv)

	if result.Kind != TurnEndedError {
		t.Fatalf("Kind = %q, want error", result.Kind)
	}
	var netErr *backend.NetworkError
	if !errors.As(result.Err, &netErr) {
		t.Errorf("Err = %T, want NetworkError", result.Err)
	}
}
