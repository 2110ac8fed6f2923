// Package executor is the operation layer between the UI and the agent: a
// single intake goroutine serializes user inputs, interrupts, and shutdown
// into well-ordered side effects. At most one task runs at a time; a second
// user input is rejected with ErrTaskActive rather than queued.
package executor
