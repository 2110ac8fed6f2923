package display

import "github.com/jordanhart/drover/protocol"

// Target is the screen region a command renders into.
type Target string

const (
	// TargetLive is the single live-updating output area. Only the main
	// session ever renders there.
	TargetLive Target = "live"
	// TargetLog is the scrollback region shared by all sessions.
	TargetLog Target = "log"
)

// CommandKind identifies a render command.
type CommandKind string

const (
	CmdClaimLiveArea  CommandKind = "claim_live_area"
	CmdAppendThinking CommandKind = "append_thinking"
	CmdAppendText     CommandKind = "append_text"
	CmdShowToolBanner CommandKind = "show_tool_banner"
	CmdShowToolResult CommandKind = "show_tool_result"
	CmdShowHeader     CommandKind = "show_header"
	CmdShowFinish     CommandKind = "show_finish"
	CmdShowError      CommandKind = "show_error"
)

// RenderCommand is one instruction to the renderer. Commands are pure data;
// the state machine computes them and the TUI draws them.
type RenderCommand struct {
	Kind      CommandKind
	SessionID string
	Target    Target

	Text     string // delta text, header line, result content, error message
	ToolName string
	CallID   string
	IsError  bool

	Outcome protocol.TaskOutcome // set on show_finish
}
