package agent

import (
	"sync"
	"time"

	"github.com/jordanhart/drover/backend"
)

// TurnKind discriminates between conversation entry types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSystem      TurnKind = "system"
)

// Turn is a single entry in the conversation history.
type Turn struct {
	Kind        TurnKind         `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	System      *SystemTurn      `json:"system,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string              `json:"content"`
	Images  []backend.ImageData `json:"images,omitempty"`
}

// AssistantTurn holds the model's response. Partial marks text persisted
// from an interrupted response.
type AssistantTurn struct {
	Content    string             `json:"content"`
	Thinking   string             `json:"thinking,omitempty"`
	ToolCalls  []backend.ToolCall `json:"tool_calls,omitempty"`
	Usage      backend.Usage      `json:"usage"`
	ResponseID string             `json:"response_id,omitempty"`
	Partial    bool               `json:"partial,omitempty"`
}

// ToolResultsTurn holds tool execution results.
type ToolResultsTurn struct {
	Results []backend.ToolResult `json:"results"`
}

// SystemTurn holds a system message.
type SystemTurn struct {
	Content string `json:"content"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string, images []backend.ImageData) Turn {
	return Turn{
		Kind:      TurnUser,
		Timestamp: time.Now(),
		User:      &UserTurn{Content: content, Images: images},
	}
}

// NewAssistantTurn creates a Turn wrapping a completed assistant response.
func NewAssistantTurn(content, thinking string, toolCalls []backend.ToolCall, usage backend.Usage, responseID string) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:    content,
			Thinking:   thinking,
			ToolCalls:  toolCalls,
			Usage:      usage,
			ResponseID: responseID,
		},
	}
}

// NewPartialAssistantTurn persists text streamed before an interrupt, so the
// context is not lost when the conversation resumes.
func NewPartialAssistantTurn(content, thinking, responseID string) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:    content,
			Thinking:   thinking,
			ResponseID: responseID,
			Partial:    true,
		},
	}
}

// NewToolResultsTurn creates a Turn wrapping tool results.
func NewToolResultsTurn(results []backend.ToolResult) Turn {
	return Turn{
		Kind:        TurnToolResults,
		Timestamp:   time.Now(),
		ToolResults: &ToolResultsTurn{Results: results},
	}
}

// NewSystemTurn creates a Turn wrapping a system message.
func NewSystemTurn(content string) Turn {
	return Turn{
		Kind:      TurnSystem,
		Timestamp: time.Now(),
		System:    &SystemTurn{Content: content},
	}
}

// Conversation is a session's ordered, append-only message history. It is
// appended to only by the session's own task executor; consumers read
// snapshots.
type Conversation struct {
	mu    sync.Mutex
	turns []Turn
}

// NewConversation creates an empty Conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds a turn to the history.
func (c *Conversation) Append(t Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Messages converts the history into backend messages, prefixed with the
// system prompt when one is set.
func (c *Conversation) Messages(systemPrompt string) []backend.Message {
	var messages []backend.Message
	if systemPrompt != "" {
		messages = append(messages, backend.SystemMessage(systemPrompt))
	}
	for _, turn := range c.Turns() {
		switch turn.Kind {
		case TurnUser:
			if turn.User != nil {
				msg := backend.UserMessage(turn.User.Content)
				for _, img := range turn.User.Images {
					msg.Content = append(msg.Content, backend.ImagePart(img.Data, img.MediaType))
				}
				messages = append(messages, msg)
			}
		case TurnAssistant:
			if turn.Assistant != nil {
				msg := backend.AssistantMessage(turn.Assistant.Content)
				for _, tc := range turn.Assistant.ToolCalls {
					msg.Content = append(msg.Content, backend.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
				}
				messages = append(messages, msg)
			}
		case TurnToolResults:
			if turn.ToolResults != nil {
				for _, result := range turn.ToolResults.Results {
					messages = append(messages, backend.ToolResultMessage(result.ToolCallID, result.Content, result.IsError))
				}
			}
		case TurnSystem:
			if turn.System != nil {
				messages = append(messages, backend.SystemMessage(turn.System.Content))
			}
		}
	}
	return messages
}
