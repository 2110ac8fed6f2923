package protocol

import "sync"

// Queue is the single shared ordered event stream. Every producer (the main
// task, sub-agent tasks, the executor) emits onto one Queue; the display
// state machine and the session log drain it independently downstream.
//
// Emission order is preserved per session because each session's events are
// produced by one goroutine; cross-session order is whatever interleaving the
// channel sees. A process-wide monotonic Seq is assigned to every event so
// consumers that need a total order do not have to trust timestamp
// granularity.
type Queue struct {
	ch       chan Event
	mu       sync.Mutex
	closed   bool
	seq      uint64
	inFlight sync.WaitGroup
}

// NewQueue creates a Queue with the given buffer size.
func NewQueue(bufferSize int) *Queue {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Queue{ch: make(chan Event, bufferSize)}
}

// Emit assigns the next sequence number and sends the event. Unlike a
// fire-and-forget emitter, Emit blocks when the buffer is full: the log and
// display must see every event, so producers are backpressured instead of
// events being dropped. Emitting on a closed queue is a no-op.
//
// The mutex covers only seq assignment, never the send, so one producer
// stalled on a full buffer does not wedge the others or Close. The consumer
// must keep draining until the channel closes; a backpressured Emit only
// unblocks when it does.
func (q *Queue) Emit(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	ev.Seq = q.seq
	q.inFlight.Add(1)
	q.mu.Unlock()

	defer q.inFlight.Done()
	q.ch <- ev
}

// Events returns the read-only event channel.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Close stops new emissions, waits for in-flight sends, then closes the
// event channel. Safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.inFlight.Wait()
	close(q.ch)
}
