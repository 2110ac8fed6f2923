package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jordanhart/drover/backend"
	"github.com/jordanhart/drover/protocol"
)

var (
	// ErrTaskActive is returned when a user input arrives while a task is
	// already running. Inputs are rejected, not queued.
	ErrTaskActive = errors.New("a task is already active")
	// ErrExecutorClosed is returned for submissions after End.
	ErrExecutorClosed = errors.New("executor is closed")
)

// TaskRunner runs one task to completion and reports its outcome. The
// agent's task executor satisfies this through a thin adapter.
type TaskRunner interface {
	RunTask(ctx context.Context, operationID, input string, images []backend.ImageData) protocol.TaskOutcome
}

// DispatchKind says what a user input turned out to be.
type DispatchKind string

const (
	// DispatchPrompt starts a model task with the input as the prompt.
	DispatchPrompt DispatchKind = "prompt"
	// DispatchInternal runs an application action inline, no task.
	DispatchInternal DispatchKind = "internal"
)

// Dispatch is the Dispatcher's decision for one input.
type Dispatch struct {
	Kind   DispatchKind
	Prompt string
	Run    func(ctx context.Context) error // set for DispatchInternal
}

// Dispatcher decides whether a user input is a model prompt or an internal
// action such as a slash command.
type Dispatcher interface {
	Dispatch(text string) Dispatch
}

// PassthroughDispatcher treats every input as a plain prompt.
type PassthroughDispatcher struct{}

func (PassthroughDispatcher) Dispatch(text string) Dispatch {
	return Dispatch{Kind: DispatchPrompt, Prompt: text}
}

type submission struct {
	op     Operation
	handle *Handle
}

type activeTask struct {
	operationID string
	cancel      context.CancelFunc
}

// Executor serializes operations onto a single intake goroutine. User
// inputs become tasks (at most one active at a time), interrupts cancel the
// active task, End shuts the whole thing down and broadcasts the shutdown
// sentinel as the final event.
type Executor struct {
	sessionID  string
	queue      *protocol.Queue
	tasks      TaskRunner
	dispatcher Dispatcher
	logger     *slog.Logger

	intake  chan submission
	stopped chan struct{}
	taskWG  sync.WaitGroup

	mu     sync.Mutex
	active *activeTask
	closed bool
}

// New creates an Executor for the given main session and starts its intake
// loop.
func New(sessionID string, queue *protocol.Queue, tasks TaskRunner, dispatcher Dispatcher, logger *slog.Logger) *Executor {
	if dispatcher == nil {
		dispatcher = PassthroughDispatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		sessionID:  sessionID,
		queue:      queue,
		tasks:      tasks,
		dispatcher: dispatcher,
		logger:     logger.With("session_id", sessionID),
		intake:     make(chan submission, 16),
		stopped:    make(chan struct{}),
	}
	go e.loop()
	return e
}

// Submit hands an operation to the intake loop and returns its handle.
func (e *Executor) Submit(op Operation) (*Handle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrExecutorClosed
	}
	e.mu.Unlock()

	h := newHandle(op)
	select {
	case e.intake <- submission{op: op, handle: h}:
		return h, nil
	case <-e.stopped:
		return nil, ErrExecutorClosed
	}
}

// Stopped is closed once the intake loop has exited.
func (e *Executor) Stopped() <-chan struct{} { return e.stopped }

// loop is the single goroutine that serializes all operation side effects.
func (e *Executor) loop() {
	defer close(e.stopped)
	for sub := range e.intake {
		if e.handle(sub) {
			e.drainPending()
			return
		}
	}
}

// handle processes one submission; returns true on End.
func (e *Executor) handle(sub submission) (end bool) {
	op, h := sub.op, sub.handle
	e.logger.Debug("operation received", "operation_id", op.ID, "kind", op.Kind)

	switch op.Kind {
	case OpInitAgent:
		ev := protocol.New(protocol.EventSessionStart, e.sessionID)
		ev.SessionStart = &protocol.SessionStartData{}
		e.queue.Emit(ev)
		h.complete(OutcomeCompleted, nil)

	case OpUserInput:
		e.handleUserInput(op, h)

	case OpInterrupt:
		e.mu.Lock()
		active := e.active
		e.mu.Unlock()
		if active != nil {
			e.logger.Info("interrupting task", "operation_id", active.operationID)
			active.cancel()
		}
		// Interrupting idle is a no-op; either way the interrupt itself
		// completed. Teardown of the task is not waited for.
		h.complete(OutcomeCompleted, nil)

	case OpEnd:
		e.shutdown(h)
		return true

	default:
		h.complete(OutcomeFailed, fmt.Errorf("unknown operation kind: %s", op.Kind))
	}
	return false
}

func (e *Executor) handleUserInput(op Operation, h *Handle) {
	d := e.dispatcher.Dispatch(op.UserInput.Text)

	if d.Kind == DispatchInternal {
		err := e.runInternal(op, d)
		if err != nil {
			e.emitError(op, err)
			h.complete(OutcomeFailed, err)
			return
		}
		h.complete(OutcomeCompleted, nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Register before the goroutine starts so an interrupt arriving right
	// behind this input can always find the task.
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		cancel()
		h.complete(OutcomeFailed, ErrTaskActive)
		return
	}
	e.active = &activeTask{operationID: op.ID, cancel: cancel}
	e.mu.Unlock()

	e.taskWG.Add(1)
	go e.runTask(ctx, cancel, op, d, h)
}

func (e *Executor) runTask(ctx context.Context, cancel context.CancelFunc, op Operation, d Dispatch, h *Handle) {
	defer e.taskWG.Done()
	defer cancel()
	defer func() {
		e.mu.Lock()
		if e.active != nil && e.active.operationID == op.ID {
			e.active = nil
		}
		e.mu.Unlock()

		if r := recover(); r != nil {
			err := fmt.Errorf("task panicked: %v", r)
			e.logger.Error("task panic", "operation_id", op.ID, "panic", r)
			e.emitError(op, err)
			e.finishPanickedTask(op)
			h.complete(OutcomeFailed, err)
		}
	}()

	outcome := e.tasks.RunTask(ctx, op.ID, d.Prompt, op.UserInput.Images)
	switch outcome {
	case protocol.TaskDone:
		h.complete(OutcomeCompleted, nil)
	case protocol.TaskCancelled:
		h.complete(OutcomeCancelled, context.Canceled)
	default:
		h.complete(OutcomeFailed, fmt.Errorf("task %s failed", op.ID))
	}
}

// runInternal executes an inline action, containing panics.
func (e *Executor) runInternal(op Operation, d Dispatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("internal action panic", "operation_id", op.ID, "panic", r)
			err = fmt.Errorf("internal action panicked: %v", r)
		}
	}()
	return d.Run(context.Background())
}

func (e *Executor) emitError(op Operation, err error) {
	ev := protocol.New(protocol.EventError, e.sessionID)
	ev.Error = &protocol.ErrorData{Message: err.Error()}
	e.queue.Emit(ev)
}

// finishPanickedTask closes the session timeline that the dead task left
// open, so consumers still see a terminal event.
func (e *Executor) finishPanickedTask(op Operation) {
	meta := protocol.New(protocol.EventTaskMetadata, e.sessionID)
	meta.TaskMetadata = &protocol.TaskMetadataData{}
	e.queue.Emit(meta)
	finish := protocol.New(protocol.EventTaskFinish, e.sessionID)
	finish.TaskFinish = &protocol.TaskFinishData{Outcome: protocol.TaskErrored, Result: "task panicked"}
	e.queue.Emit(finish)
}

// shutdown cancels the active task, waits for it to wind down, and emits
// the shutdown sentinel as the final event on the queue.
func (e *Executor) shutdown(h *Handle) {
	e.mu.Lock()
	e.closed = true
	active := e.active
	e.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	e.taskWG.Wait()

	e.queue.Emit(protocol.NewShutdown())
	e.logger.Info("executor stopped")
	h.complete(OutcomeCompleted, nil)
}

// drainPending fails any submissions still buffered after End.
func (e *Executor) drainPending() {
	for {
		select {
		case sub := <-e.intake:
			sub.handle.complete(OutcomeFailed, ErrExecutorClosed)
		default:
			return
		}
	}
}
