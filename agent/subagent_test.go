package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordanhart/drover/backend"
	"github.com/jordanhart/drover/protocol"
)

// promptStreamer selects a script by the last user message, so concurrent
// sessions each get their own stream regardless of call order.
type promptStreamer struct {
	mu      sync.Mutex
	scripts map[string][]backend.Delta
	hold    map[string]chan struct{} // optional: delay the finish delta
}

func (s *promptStreamer) Stream(ctx context.Context, req backend.Request) (<-chan backend.Delta, error) {
	var prompt string
	for _, msg := range req.Messages {
		if msg.Role == backend.RoleUser {
			prompt = msg.TextContent()
		}
	}
	s.mu.Lock()
	script := s.scripts[prompt]
	var hold chan struct{}
	if s.hold != nil {
		hold = s.hold[prompt]
	}
	s.mu.Unlock()

	ch := make(chan backend.Delta, len(script))
	go func() {
		defer close(ch)
		for _, d := range script {
			if hold != nil && d.Kind == backend.DeltaFinish {
				select {
				case <-hold:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func scoutScript(answer string) []backend.Delta {
	return []backend.Delta{
		{Kind: backend.DeltaThinkingStart},
		{Kind: backend.DeltaThinking, Text: "considering..."},
		{Kind: backend.DeltaThinkingEnd},
		{Kind: backend.DeltaTextStart},
		{Kind: backend.DeltaText, Text: answer},
		{Kind: backend.DeltaTextEnd},
		{Kind: backend.DeltaFinish, Response: textResponse(answer, backend.Usage{TotalTokens: 3})},
	}
}

func TestSpawnScout(t *testing.T) {
	streamer := &promptStreamer{scripts: map[string][]backend.Delta{
		"find the config": scoutScript("it is in etc/app.yaml"),
	}}
	queue := protocol.NewQueue(128)
	mgr := NewSubAgentManager("main", streamer, NewRegistry(), queue, fastTaskConfig(), 0, nil)

	out, err := mgr.Spawn(context.Background(), SubAgentScout, "find the config")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if out != "it is in etc/app.yaml" {
		t.Errorf("Spawn = %q", out)
	}
	if mgr.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after completion", mgr.ActiveCount())
	}

	events := drain(queue)
	if events[0].Kind != protocol.EventSessionStart {
		t.Fatalf("first event = %q, want session_start", events[0].Kind)
	}
	start := events[0].SessionStart
	if !start.IsSubagent || !start.CollapseThinking || start.Parent != "main" {
		t.Errorf("session_start = %+v", start)
	}
	childID := events[0].SessionID
	if !strings.HasPrefix(childID, "sub_") {
		t.Errorf("child session id = %q", childID)
	}

	for _, ev := range events {
		if ev.SessionID != childID {
			t.Errorf("event leaked onto session %q", ev.SessionID)
		}
		if ev.Kind == protocol.EventThinkingDelta {
			t.Error("scout leaked a thinking delta")
		}
	}
	last := events[len(events)-1]
	if last.Kind != protocol.EventTaskFinish || last.TaskFinish.Outcome != protocol.TaskDone {
		t.Errorf("last child event = %+v", last)
	}
}

func TestSpawnWorkerStreamsThinking(t *testing.T) {
	streamer := &promptStreamer{scripts: map[string][]backend.Delta{
		"dig in": scoutScript("done digging"),
	}}
	queue := protocol.NewQueue(128)
	mgr := NewSubAgentManager("main", streamer, NewRegistry(), queue, fastTaskConfig(), 0, nil)

	if _, err := mgr.Spawn(context.Background(), SubAgentWorker, "dig in"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var thinkingDeltas int
	for _, ev := range drain(queue) {
		if ev.Kind == protocol.EventThinkingDelta {
			thinkingDeltas++
		}
		if ev.Kind == protocol.EventSessionStart && ev.SessionStart.CollapseThinking {
			t.Error("worker must not collapse thinking")
		}
	}
	if thinkingDeltas == 0 {
		t.Error("worker streamed no thinking deltas")
	}
}

func TestSpawnUnknownKind(t *testing.T) {
	queue := protocol.NewQueue(16)
	mgr := NewSubAgentManager("main", &promptStreamer{}, NewRegistry(), queue, fastTaskConfig(), 0, nil)
	if _, err := mgr.Spawn(context.Background(), "wizard", "abracadabra"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

// Two children running at once interleave on the shared queue, but each
// session's own timeline stays ordered and boundary-clean.
func TestConcurrentSubAgentsInterleave(t *testing.T) {
	holdA := make(chan struct{})
	streamer := &promptStreamer{
		scripts: map[string][]backend.Delta{
			"task a": scoutScript("answer a"),
			"task b": scoutScript("answer b"),
		},
		hold: map[string]chan struct{}{"task a": holdA},
	}
	queue := protocol.NewQueue(256)
	mgr := NewSubAgentManager("main", streamer, NewRegistry(), queue, fastTaskConfig(), 0, nil)

	var wg sync.WaitGroup
	results := make([]string, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], _ = mgr.Spawn(context.Background(), SubAgentWorker, "task a")
	}()
	go func() {
		defer wg.Done()
		results[1], _ = mgr.Spawn(context.Background(), SubAgentWorker, "task b")
	}()

	// Let b finish while a is still held open, then release a.
	time.Sleep(50 * time.Millisecond)
	close(holdA)
	wg.Wait()

	if results[0] != "answer a" || results[1] != "answer b" {
		t.Fatalf("results = %q, %q", results[0], results[1])
	}

	events := drain(queue)
	perSession := make(map[string][]protocol.Event)
	for _, ev := range events {
		perSession[ev.SessionID] = append(perSession[ev.SessionID], ev)
	}
	if len(perSession) != 2 {
		t.Fatalf("got %d session timelines, want 2", len(perSession))
	}

	for id, timeline := range perSession {
		tracker := protocol.NewBoundaryTracker()
		var lastSeq uint64
		for i, ev := range timeline {
			if err := tracker.Observe(ev); err != nil {
				t.Errorf("session %s boundary violation: %v", id, err)
			}
			if i > 0 && ev.Seq <= lastSeq {
				t.Errorf("session %s Seq not increasing: %d after %d", id, ev.Seq, lastSeq)
			}
			lastSeq = ev.Seq
		}
		if timeline[len(timeline)-1].Kind != protocol.EventTaskFinish {
			t.Errorf("session %s did not end with task_finish", id)
		}
	}
}

func TestCancelAllStopsChildren(t *testing.T) {
	hold := make(chan struct{}) // never closed
	streamer := &promptStreamer{
		scripts: map[string][]backend.Delta{"wait forever": scoutScript("never")},
		hold:    map[string]chan struct{}{"wait forever": hold},
	}
	queue := protocol.NewQueue(128)
	mgr := NewSubAgentManager("main", streamer, NewRegistry(), queue, fastTaskConfig(), 0, nil)

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Spawn(context.Background(), SubAgentWorker, "wait forever")
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for mgr.ActiveCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("child never started")
		case <-time.After(time.Millisecond):
		}
	}
	mgr.CancelAll()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "cancelled") {
			t.Errorf("Spawn err = %v, want cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("child did not stop after CancelAll")
	}
}

func TestSpawnDepthLimit(t *testing.T) {
	var childHadSpawn bool
	streamer := &inspectStreamer{onStream: func(req backend.Request) {
		for _, def := range req.ToolDefs {
			if def.Name == "spawn_agent" {
				childHadSpawn = true
			}
		}
	}}

	queue := protocol.NewQueue(128)
	parent := NewRegistry()
	mgr := NewSubAgentManager("main", streamer, parent, queue, fastTaskConfig(), MaxSubAgentDepth-1, nil)
	RegisterSpawnAgentTool(parent, mgr)

	if _, err := mgr.Spawn(context.Background(), SubAgentWorker, "leaf task"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if childHadSpawn {
		t.Error("child at maximum depth still had spawn_agent")
	}
}

// inspectStreamer records the request and answers with a fixed text turn.
type inspectStreamer struct {
	onStream func(req backend.Request)
}

func (s *inspectStreamer) Stream(ctx context.Context, req backend.Request) (<-chan backend.Delta, error) {
	if s.onStream != nil {
		s.onStream(req)
	}
	ch := make(chan backend.Delta, 4)
	ch <- backend.Delta{Kind: backend.DeltaTextStart}
	ch <- backend.Delta{Kind: backend.DeltaText, Text: "ok"}
	ch <- backend.Delta{Kind: backend.DeltaTextEnd}
	ch <- backend.Delta{Kind: backend.DeltaFinish, Response: textResponse("ok", backend.Usage{})}
	close(ch)
	return ch, nil
}
