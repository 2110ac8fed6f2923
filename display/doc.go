// Package display computes what to render from the event stream. It holds
// no terminal state; the TUI consumes its RenderCommands.
package display
