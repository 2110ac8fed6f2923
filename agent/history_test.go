package agent

import (
	"encoding/json"
	"testing"

	"github.com/jordanhart/drover/backend"
)

func TestConversationAppendAndSnapshot(t *testing.T) {
	conv := NewConversation()
	conv.Append(NewUserTurn("hello", nil))
	conv.Append(NewAssistantTurn("hi there", "", nil, backend.Usage{}, "resp_1"))

	if conv.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", conv.Len())
	}

	turns := conv.Turns()
	turns[0] = Turn{} // snapshot must be independent
	if conv.Turns()[0].Kind != TurnUser {
		t.Error("mutating the snapshot changed the conversation")
	}
}

func TestConversationMessages(t *testing.T) {
	conv := NewConversation()
	conv.Append(NewUserTurn("list the files", nil))
	conv.Append(NewAssistantTurn("", "", []backend.ToolCall{
		{ID: "call_1", Name: "list_files", Arguments: json.RawMessage(`{}`)},
	}, backend.Usage{}, "resp_1"))
	conv.Append(NewToolResultsTurn([]backend.ToolResult{
		{ToolCallID: "call_1", Content: "main.go"},
	}))
	conv.Append(NewAssistantTurn("There is one file: main.go", "", nil, backend.Usage{}, "resp_2"))

	msgs := conv.Messages("you are helpful")
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if msgs[0].Role != backend.RoleSystem {
		t.Errorf("messages[0].Role = %q, want system", msgs[0].Role)
	}
	if msgs[1].Role != backend.RoleUser {
		t.Errorf("messages[1].Role = %q, want user", msgs[1].Role)
	}
	if msgs[3].Role != backend.RoleTool {
		t.Errorf("messages[3].Role = %q, want tool", msgs[3].Role)
	}

	// No system prompt, no system message.
	if got := conv.Messages(""); len(got) != 4 {
		t.Errorf("without system prompt got %d messages, want 4", len(got))
	}
}

func TestSystemTurnBecomesSystemMessage(t *testing.T) {
	conv := NewConversation()
	conv.Append(NewSystemTurn("workspace moved to /tmp/scratch"))
	conv.Append(NewUserTurn("where am I?", nil))

	msgs := conv.Messages("")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != backend.RoleSystem {
		t.Errorf("messages[0].Role = %q, want system", msgs[0].Role)
	}
	if msgs[0].TextContent() != "workspace moved to /tmp/scratch" {
		t.Errorf("messages[0] text = %q", msgs[0].TextContent())
	}
}

func TestPartialAssistantTurn(t *testing.T) {
	turn := NewPartialAssistantTurn("I was about to say", "some thinking", "resp_9")
	if !turn.Assistant.Partial {
		t.Error("Partial = false, want true")
	}
	if turn.Assistant.Content != "I was about to say" {
		t.Errorf("Content = %q", turn.Assistant.Content)
	}
}
