// Package protocol defines the canonical event stream shared by every part
// of the agent: typed, session-scoped, immutable records with explicit
// streaming boundaries.
//
// The central rule is that boundaries are explicit. A run of thinking or
// assistant-text deltas is always delimited by a start and an end event for
// that stream; consumers never infer boundaries from payload emptiness or
// any other heuristic. Each completed response additionally carries exactly
// one final-snapshot event (EventResponseComplete) with the full content, so
// replay consumers never need to re-apply deltas. Cancelled responses get no
// snapshot: an interrupt is an implicit abnormal close.
//
// All events funnel through one Queue. Events within a (session_id,
// response_id) pair preserve emission order; ordering across sessions is a
// best-effort interleaving, with a monotonic Seq available when a total
// order is needed.
package protocol
