package protocol

import (
	"fmt"
	"sync"
)

// ViolationError reports a streaming-boundary protocol violation: a delta
// for a stream that is not open, a second start without an intervening end,
// an end on a closed stream, or a second final snapshot for one response.
type ViolationError struct {
	Kind       EventKind
	SessionID  string
	ResponseID string
	Reason     string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s for %s/%s: %s",
		e.Kind, e.SessionID, e.ResponseID, e.Reason)
}

// streamKey scopes boundary state to one (session, response) pair.
type streamKey struct {
	sessionID  string
	responseID string
}

// boundaryState tracks the two independent open/closed automata for one
// response. A stream that has closed is not re-enterable.
type boundaryState struct {
	thinkingOpen bool
	thinkingDone bool
	textOpen     bool
	textDone     bool
	snapshotSeen bool
}

// BoundaryTracker validates the streaming-boundary state machine over an
// event stream. Production consumers do not need it to render; it exists so
// tests and the replay verifier can fail loudly on malformed streams.
type BoundaryTracker struct {
	mu      sync.Mutex
	streams map[streamKey]*boundaryState
}

// NewBoundaryTracker creates an empty tracker.
func NewBoundaryTracker() *BoundaryTracker {
	return &BoundaryTracker{streams: make(map[streamKey]*boundaryState)}
}

// Observe checks one event against the boundary rules. Events without a
// response scope are always valid. An interrupt is an implicit abnormal
// close of any still-open stream.
func (t *BoundaryTracker) Observe(ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Kind == EventInterrupt {
		// Abnormal close for every open stream in this session.
		for key, st := range t.streams {
			if key.sessionID == ev.SessionID {
				st.thinkingOpen = false
				st.textOpen = false
			}
		}
		return nil
	}
	if ev.ResponseID == "" {
		return nil
	}

	key := streamKey{ev.SessionID, ev.ResponseID}
	st := t.streams[key]
	if st == nil {
		st = &boundaryState{}
		t.streams[key] = st
	}

	violation := func(reason string) error {
		return &ViolationError{Kind: ev.Kind, SessionID: ev.SessionID, ResponseID: ev.ResponseID, Reason: reason}
	}

	switch ev.Kind {
	case EventThinkingStart:
		if st.thinkingOpen {
			return violation("thinking already open")
		}
		if st.thinkingDone {
			return violation("thinking stream is not re-enterable")
		}
		st.thinkingOpen = true
	case EventThinkingDelta:
		if !st.thinkingOpen {
			return violation("thinking delta without open stream")
		}
	case EventThinkingEnd:
		if !st.thinkingOpen {
			return violation("thinking end without open stream")
		}
		st.thinkingOpen = false
		st.thinkingDone = true
	case EventTextStart:
		if st.textOpen {
			return violation("text already open")
		}
		if st.textDone {
			return violation("text stream is not re-enterable")
		}
		st.textOpen = true
	case EventTextDelta:
		if !st.textOpen {
			return violation("text delta without open stream")
		}
	case EventTextEnd:
		if !st.textOpen {
			return violation("text end without open stream")
		}
		st.textOpen = false
		st.textDone = true
	case EventToolCallStart:
		// A tool-call start forces assistant text closed if it was open.
		if st.textOpen {
			st.textOpen = false
			st.textDone = true
		}
	case EventResponseComplete:
		if st.thinkingOpen || st.textOpen {
			return violation("final snapshot while a stream is still open")
		}
		if st.snapshotSeen {
			return violation("second final snapshot for response")
		}
		st.snapshotSeen = true
	}
	return nil
}

// SnapshotCount returns how many final snapshots have been observed for the
// given response. Used by tests asserting the exactly-once property.
func (t *BoundaryTracker) SnapshotCount(sessionID, responseID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.streams[streamKey{sessionID, responseID}]
	if st == nil || !st.snapshotSeen {
		return 0
	}
	return 1
}
