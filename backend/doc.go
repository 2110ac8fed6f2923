// Package backend is the model collaborator boundary. It defines
// provider-agnostic conversation and streaming-delta types, a client that
// routes requests to registered backends, an error taxonomy with a
// retryability classifier, and retry with exponential backoff.
//
// The one concrete backend wraps gollm. Providers that cannot stream still
// produce a well-formed delta sequence: the adapter synthesizes start/delta/
// end runs around the complete generation, and tool calls are only ever
// delivered atomically on the final aggregated response.
package backend
