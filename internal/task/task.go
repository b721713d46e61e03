package task

import (
	"time"
)

// Outcome is the explicit result of one task body invocation: completion
// with a value, a cooperative yield with a resume delay, or a failure.
type Outcome interface {
	isOutcome()
}

// Done signals successful completion with a final value.
type Done struct {
	Value []byte
}

// Yield signals a cooperative suspension request. The body's call stack is
// discarded; the runtime re-invokes the task after the delay with
// IsResuming() == true. State that must survive the yield has to live in
// the task's externally visible state, not on the stack.
type Yield struct {
	Delay time.Duration
}

// Failed signals that the body gave up with an error.
type Failed struct {
	Err error
}

func (Done) isOutcome()   {}
func (Yield) isOutcome()  {}
func (Failed) isOutcome() {}

// Complete builds a Done outcome.
func Complete(value []byte) Outcome { return Done{Value: value} }

// YieldFor builds a Yield outcome with the given resume delay.
func YieldFor(delay time.Duration) Outcome { return Yield{Delay: delay} }

// Fail builds a Failed outcome.
func Fail(err error) Outcome { return Failed{Err: err} }

// Properties is a per-task key/value bag persisted in the coordination
// store. It is the place for state that must survive yields and executor
// failover.
type Properties interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Context is what a task body sees while executing.
type Context interface {
	// TaskID returns the identity of the executing task.
	TaskID() string

	// ExecutorID returns the identity of the executor running this
	// invocation.
	ExecutorID() string

	// Payload returns the opaque payload the task was submitted with.
	Payload() []byte

	// SetResult reports a partial result without completing the task.
	SetResult(value []byte) error

	// IsDone reports whether the task has been completed cluster-wide.
	IsDone() bool

	// IsResuming reports whether this invocation resumes after a yield or a
	// recovered assignment.
	IsResuming() bool

	// Properties returns the task's persisted property bag, fetched lazily
	// and cached for the remainder of this invocation.
	Properties() (Properties, error)
}

// Handler executes task bodies of one registered type.
type Handler interface {
	Execute(ctx Context) Outcome
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx Context) Outcome

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx Context) Outcome { return f(ctx) }
