// Package agent implements the task execution loop: the multi-turn
// conversation a session runs in response to one user input.
//
// A TaskExecutor owns a session's Conversation and drives TurnExecutor.Run
// until the model answers with plain text, an error surfaces, or the task is
// cancelled. Each turn streams model deltas, translates them into protocol
// events with explicit stream boundaries, executes requested tool calls, and
// appends the exchange to the conversation. Sub-agents are child sessions
// spawned through a SubAgentManager; they share the parent's event queue but
// run on their own session timelines.
package agent
