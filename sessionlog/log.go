// Package sessionlog persists event timelines as append-only JSONL files,
// one file per session, and reads them back for replay.
package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jordanhart/drover/protocol"
)

// Writer appends events to per-session JSONL files under one directory.
// Each line is one self-describing serialized event. The process-wide
// shutdown sentinel is not a session event and is never written.
type Writer struct {
	dir string

	mu     sync.Mutex
	files  map[string]*os.File
	bufs   map[string]*bufio.Writer
	closed bool
}

// NewWriter creates a Writer storing session files under dir, creating it
// if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session log dir: %w", err)
	}
	return &Writer{
		dir:   dir,
		files: make(map[string]*os.File),
		bufs:  make(map[string]*bufio.Writer),
	}, nil
}

// Path returns the log file path for a session.
func (w *Writer) Path(sessionID string) string {
	return filepath.Join(w.dir, sessionID+".jsonl")
}

// Append writes one event to its session's file.
func (w *Writer) Append(ev protocol.Event) error {
	if ev.Kind == protocol.EventShutdown {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("session log is closed")
	}

	buf, ok := w.bufs[ev.SessionID]
	if !ok {
		f, err := os.OpenFile(w.Path(ev.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open session log: %w", err)
		}
		w.files[ev.SessionID] = f
		buf = bufio.NewWriter(f)
		w.bufs[ev.SessionID] = buf
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Flush pushes buffered lines to disk for every open session.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, buf := range w.bufs {
		if err := buf.Flush(); err != nil {
			return fmt.Errorf("flush session %s: %w", id, err)
		}
	}
	return nil
}

// Close flushes, syncs, and closes all session files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	for id, buf := range w.bufs {
		if err := buf.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush session %s: %w", id, err)
		}
	}
	for id, f := range w.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sync session %s: %w", id, err)
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %s: %w", id, err)
		}
	}
	return firstErr
}

// Read loads a session's events back in logged order.
func Read(path string) ([]protocol.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var events []protocol.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return events, nil
}

// ReplayBundle reads a session's log and wraps it in a single replay event,
// ready to feed to a fresh display machine when a session is resumed.
func ReplayBundle(path, sessionID string) (protocol.Event, error) {
	events, err := Read(path)
	if err != nil {
		return protocol.Event{}, err
	}
	ev := protocol.New(protocol.EventReplay, sessionID)
	ev.Replay = &protocol.ReplayData{Events: events}
	return ev, nil
}
