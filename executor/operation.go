package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jordanhart/drover/backend"
)

// OpKind discriminates operation types.
type OpKind string

const (
	OpUserInput OpKind = "user_input"
	OpInterrupt OpKind = "interrupt"
	OpInitAgent OpKind = "init_agent"
	OpEnd       OpKind = "end"
)

// Operation is one unit of work submitted to the Executor. Every operation
// has a stable id for correlating its outcome.
type Operation struct {
	ID   string
	Kind OpKind

	UserInput *UserInputOp
}

// UserInputOp carries user-submitted text and any attached images.
type UserInputOp struct {
	Text   string
	Images []backend.ImageData
}

func newOperation(kind OpKind) Operation {
	return Operation{ID: "op_" + uuid.New().String()[:8], Kind: kind}
}

// NewUserInput creates a user input operation.
func NewUserInput(text string, images []backend.ImageData) Operation {
	op := newOperation(OpUserInput)
	op.UserInput = &UserInputOp{Text: text, Images: images}
	return op
}

// NewInterrupt creates an interrupt operation.
func NewInterrupt() Operation { return newOperation(OpInterrupt) }

// NewInitAgent creates the operation that opens the main session timeline.
func NewInitAgent() Operation { return newOperation(OpInitAgent) }

// NewEnd creates the shutdown operation.
func NewEnd() Operation { return newOperation(OpEnd) }

// Outcome is the terminal state of an operation. Exactly one is recorded
// per operation id.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Handle tracks one submitted operation through to its terminal outcome.
type Handle struct {
	op   Operation
	done chan struct{}

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newHandle(op Operation) *Handle {
	return &Handle{op: op, done: make(chan struct{})}
}

// Operation returns the operation this handle tracks.
func (h *Handle) Operation() Operation { return h.op }

// Done is closed once the operation reaches a terminal outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the terminal outcome, valid once Done is closed.
func (h *Handle) Outcome() (Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.err
}

// Wait blocks until the operation completes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-h.done:
		return h.Outcome()
	}
}

// complete records the terminal outcome. Later calls are ignored.
func (h *Handle) complete(outcome Outcome, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.outcome = outcome
	h.err = err
	close(h.done)
}
