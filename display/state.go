package display

import (
	"fmt"

	"github.com/jordanhart/drover/protocol"
)

// Phase is a session's display state.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseThinking      Phase = "thinking"
	PhaseStreamingText Phase = "streaming_text"
	PhaseToolExecuting Phase = "tool_executing"
	PhaseError         Phase = "error"
)

// sessionView is the per-session display state. Created lazily on the first
// event for a session, deleted on task_finish or shutdown.
type sessionView struct {
	phase    Phase
	target   Target
	subagent bool
	collapse bool
	pending  map[string]struct{} // tool call ids awaiting results
	lastSeen bool                // saw the is_last_in_turn result
}

// Machine turns protocol events into render commands. It is driven purely
// by event kind and carries no rendering state of its own, so replaying a
// session's logged events through a fresh Machine reproduces the same
// command sequence. Malformed event sequences never panic; at worst a
// session lands in PhaseError.
type Machine struct {
	sessions  map[string]*sessionView
	liveOwner string // session holding the live area, "" when unclaimed
}

// NewMachine creates an empty display state machine.
func NewMachine() *Machine {
	return &Machine{sessions: make(map[string]*sessionView)}
}

// Phase returns the current phase for a session; PhaseIdle for unknown
// sessions.
func (m *Machine) Phase(sessionID string) Phase {
	if v, ok := m.sessions[sessionID]; ok {
		return v.phase
	}
	return PhaseIdle
}

// SessionCount returns the number of live session views.
func (m *Machine) SessionCount() int { return len(m.sessions) }

func (m *Machine) view(sessionID string) *sessionView {
	v, ok := m.sessions[sessionID]
	if !ok {
		v = &sessionView{
			phase:   PhaseIdle,
			target:  TargetLog,
			pending: make(map[string]struct{}),
		}
		// The live owner keeps its claim across tasks within one session.
		if sessionID == m.liveOwner {
			v.target = TargetLive
		}
		m.sessions[sessionID] = v
	}
	return v
}

// Apply feeds one event through the machine and returns the render commands
// it produces, in order. Not safe for concurrent use; drive it from the one
// goroutine that drains the queue.
func (m *Machine) Apply(ev protocol.Event) []RenderCommand {
	if ev.Kind == protocol.EventShutdown {
		m.sessions = make(map[string]*sessionView)
		m.liveOwner = ""
		return nil
	}
	if ev.Kind == protocol.EventReplay {
		var cmds []RenderCommand
		if ev.Replay != nil {
			for _, nested := range ev.Replay.Events {
				cmds = append(cmds, m.Apply(nested)...)
			}
		}
		return cmds
	}

	v := m.view(ev.SessionID)
	cmd := func(kind CommandKind) RenderCommand {
		return RenderCommand{Kind: kind, SessionID: ev.SessionID, Target: v.target}
	}

	switch ev.Kind {
	case protocol.EventSessionStart:
		if ev.SessionStart != nil {
			v.subagent = ev.SessionStart.IsSubagent
			v.collapse = ev.SessionStart.CollapseThinking
		}
		if !v.subagent && (m.liveOwner == "" || m.liveOwner == ev.SessionID) {
			m.liveOwner = ev.SessionID
			v.target = TargetLive
			return []RenderCommand{{Kind: CmdClaimLiveArea, SessionID: ev.SessionID, Target: TargetLive}}
		}
		c := cmd(CmdShowHeader)
		c.Text = fmt.Sprintf("agent %s started", ev.SessionID)
		return []RenderCommand{c}

	case protocol.EventUserInput:
		if ev.UserInput == nil {
			return nil
		}
		c := cmd(CmdShowHeader)
		c.Text = "> " + ev.UserInput.Content
		return []RenderCommand{c}

	case protocol.EventThinkingStart:
		v.phase = PhaseThinking
		if v.collapse {
			c := cmd(CmdShowHeader)
			c.Text = "thinking..."
			return []RenderCommand{c}
		}
		return nil

	case protocol.EventThinkingDelta:
		v.phase = PhaseThinking
		if v.collapse || ev.Delta == nil {
			return nil
		}
		c := cmd(CmdAppendThinking)
		c.Text = ev.Delta.Text
		return []RenderCommand{c}

	case protocol.EventThinkingEnd:
		v.phase = PhaseIdle
		return nil

	case protocol.EventTextStart:
		v.phase = PhaseStreamingText
		return nil

	case protocol.EventTextDelta:
		v.phase = PhaseStreamingText
		if ev.Delta == nil {
			return nil
		}
		c := cmd(CmdAppendText)
		c.Text = ev.Delta.Text
		return []RenderCommand{c}

	case protocol.EventTextEnd:
		v.phase = PhaseIdle
		return nil

	case protocol.EventToolCallStart:
		v.phase = PhaseToolExecuting
		if ev.ToolCallStart == nil {
			return nil
		}
		v.pending[ev.ToolCallStart.CallID] = struct{}{}
		c := cmd(CmdShowToolBanner)
		c.ToolName = ev.ToolCallStart.Name
		c.CallID = ev.ToolCallStart.CallID
		return []RenderCommand{c}

	case protocol.EventToolCall:
		v.phase = PhaseToolExecuting
		if ev.ToolCall == nil {
			return nil
		}
		if _, seen := v.pending[ev.ToolCall.CallID]; seen {
			// Arguments arrive atomically; the banner went up on
			// tool_call_start.
			return nil
		}
		// No announcing tool_call_start preceded this call (a replayed or
		// trimmed log, or a backend that skips the announcement). The call
		// still has to gate the return to idle.
		v.pending[ev.ToolCall.CallID] = struct{}{}
		c := cmd(CmdShowToolBanner)
		c.ToolName = ev.ToolCall.Name
		c.CallID = ev.ToolCall.CallID
		return []RenderCommand{c}

	case protocol.EventToolResult:
		if ev.ToolResult == nil {
			return nil
		}
		delete(v.pending, ev.ToolResult.CallID)
		if ev.ToolResult.IsLastInTurn {
			v.lastSeen = true
		}
		// Back to idle only once the final result has landed and nothing
		// is still pending.
		if v.lastSeen && len(v.pending) == 0 {
			v.phase = PhaseIdle
			v.lastSeen = false
		}
		c := cmd(CmdShowToolResult)
		c.CallID = ev.ToolResult.CallID
		c.Text = ev.ToolResult.Content
		c.IsError = ev.ToolResult.IsError
		return []RenderCommand{c}

	case protocol.EventResponseComplete, protocol.EventUsage,
		protocol.EventTaskMetadata:
		return nil

	case protocol.EventInterrupt:
		// Implicit close of any open stream; the session survives.
		v.phase = PhaseIdle
		v.pending = make(map[string]struct{})
		v.lastSeen = false
		c := cmd(CmdShowHeader)
		c.Text = "interrupted"
		return []RenderCommand{c}

	case protocol.EventError:
		v.phase = PhaseError
		c := cmd(CmdShowError)
		if ev.Error != nil {
			c.Text = ev.Error.Message
		}
		return []RenderCommand{c}

	case protocol.EventTaskFinish:
		c := cmd(CmdShowFinish)
		if ev.TaskFinish != nil {
			c.Outcome = ev.TaskFinish.Outcome
			c.Text = ev.TaskFinish.Result
		}
		// The view is torn down but the live claim survives, so the next
		// task on this session renders live again without a fresh
		// session_start.
		delete(m.sessions, ev.SessionID)
		return []RenderCommand{c}
	}

	return nil
}
