package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jordanhart/drover/backend"
	"github.com/jordanhart/drover/protocol"
)

// SubAgentKind selects a sub-agent profile.
type SubAgentKind string

const (
	// SubAgentWorker streams everything, like the main agent.
	SubAgentWorker SubAgentKind = "worker"
	// SubAgentScout collapses thinking: boundary events still flow, but
	// thinking deltas are suppressed at the source.
	SubAgentScout SubAgentKind = "scout"
)

// MaxSubAgentDepth bounds how deep spawn chains can nest.
const MaxSubAgentDepth = 2

// subAgent is one running child session.
type subAgent struct {
	sessionID string
	kind      SubAgentKind
	cancel    context.CancelFunc
}

// SubAgentManager spawns and tracks child agent sessions for one parent
// session. Each child gets its own session id, event timeline, conversation,
// and a clone of the parent's tool set. Cancelling the parent task cancels
// every child still running.
type SubAgentManager struct {
	parentSession string
	client        Streamer
	tools         *Registry
	queue         *protocol.Queue
	cfg           TaskConfig
	depth         int
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*subAgent
}

// NewSubAgentManager creates a manager for children of parentSession.
// depth is the parent's own nesting depth; zero for the main agent.
func NewSubAgentManager(parentSession string, client Streamer, tools *Registry, queue *protocol.Queue, cfg TaskConfig, depth int, logger *slog.Logger) *SubAgentManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubAgentManager{
		parentSession: parentSession,
		client:        client,
		tools:         tools,
		queue:         queue,
		cfg:           cfg,
		depth:         depth,
		logger:        logger,
	}
}

// Spawn runs a child agent to completion and returns its final result text.
// It blocks until the child's task finishes or ctx is cancelled; multiple
// Spawn calls may run concurrently, each on its own session timeline.
func (m *SubAgentManager) Spawn(ctx context.Context, kind SubAgentKind, prompt string) (string, error) {
	switch kind {
	case SubAgentWorker, SubAgentScout:
	default:
		return "", fmt.Errorf("unknown sub-agent kind: %s", kind)
	}

	sessionID := "sub_" + uuid.New().String()[:8]
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[string]*subAgent)
	}
	m.active[sessionID] = &subAgent{sessionID: sessionID, kind: kind, cancel: cancel}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, sessionID)
		m.mu.Unlock()
	}()

	start := protocol.New(protocol.EventSessionStart, sessionID)
	start.SessionStart = &protocol.SessionStartData{
		IsSubagent:       true,
		CollapseThinking: kind == SubAgentScout,
		Parent:           m.parentSession,
	}
	m.queue.Emit(start)

	cfg := m.cfg
	cfg.Turn.CollapseThinking = kind == SubAgentScout

	tools := m.tools.Clone()
	if m.depth+1 >= MaxSubAgentDepth {
		tools.Unregister("spawn_agent")
	} else {
		child := NewSubAgentManager(sessionID, m.client, tools, m.queue, m.cfg, m.depth+1, m.logger)
		RegisterSpawnAgentTool(tools, child)
	}

	m.logger.Info("sub-agent spawned", "session_id", sessionID, "kind", kind, "parent", m.parentSession)

	exec := NewTaskExecutor(sessionID, m.client, tools, nil, m.queue, cfg, m.logger)
	result := exec.RunTask(childCtx, "spawn_"+sessionID, prompt, nil)

	switch result.Outcome {
	case protocol.TaskDone:
		return result.Result, nil
	case protocol.TaskCancelled:
		return "", fmt.Errorf("sub-agent %s was cancelled", sessionID)
	default:
		return "", fmt.Errorf("sub-agent %s failed: %w", sessionID, result.Err)
	}
}

// CancelAll cancels every child still running. Their tasks finish with a
// cancelled outcome on their own timelines.
func (m *SubAgentManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sa := range m.active {
		sa.cancel()
	}
}

// ActiveCount returns how many children are currently running.
func (m *SubAgentManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// RegisterSpawnAgentTool registers the spawn_agent tool backed by mgr. The
// tool blocks until the child finishes and returns its final text, so a
// parallel tool-call batch can fan out multiple children at once.
func RegisterSpawnAgentTool(reg *Registry, mgr *SubAgentManager) {
	reg.Register(RegisteredTool{
		Definition: backend.ToolDefinition{
			Name:        "spawn_agent",
			Description: "Spawn a child agent to work on a focused prompt and return its final answer. Use kind \"scout\" for exploration where intermediate reasoning is noise, \"worker\" for full visibility.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"kind": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"worker", "scout"},
						"description": "Sub-agent profile.",
					},
					"prompt": map[string]interface{}{
						"type":        "string",
						"description": "The task for the child agent.",
					},
				},
				"required": []string{"kind", "prompt"},
			},
		},
		Func: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return "", err
			}
			kind, _ := StringArg(args, "kind")
			prompt, ok := StringArg(args, "prompt")
			if !ok || prompt == "" {
				return "", fmt.Errorf("prompt is required")
			}
			return mgr.Spawn(ctx, SubAgentKind(kind), prompt)
		},
	})
}
