package core

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ExecutionContext is what a WorkFunc receives: its own output capture, its
// own environment copy and its cooperative cancellation signal.
//
// Everything here is bound when the execution is dispatched. Callbacks
// registered through Defer close over the same OutputCapture, so they keep
// writing to this execution no matter when they fire.
type ExecutionContext struct {
	ctx         context.Context
	executionID string
	descriptor  WorkDescriptor
	mode        AffinityMode
	host        string
	output      *OutputCapture
	env         map[string]any
	schedule    func(task Task, delay time.Duration)
}

// Context is cancelled when cancellation is requested or the deadline passes.
// Bodies that never look at it simply run to completion.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// Cancelled polls the cooperative cancellation flag.
func (ec *ExecutionContext) Cancelled() bool { return ec.ctx.Err() != nil }

func (ec *ExecutionContext) ExecutionID() string        { return ec.executionID }
func (ec *ExecutionContext) Descriptor() WorkDescriptor { return ec.descriptor }
func (ec *ExecutionContext) Mode() AffinityMode         { return ec.mode }
func (ec *ExecutionContext) Host() string               { return ec.host }

// Output returns this execution's capture.
func (ec *ExecutionContext) Output() *OutputCapture { return ec.output }

// Stdout writes primary-stream chunks.
func (ec *ExecutionContext) Stdout() io.Writer { return ec.output.Writer(StreamPrimary) }

// Stderr writes secondary-stream chunks.
func (ec *ExecutionContext) Stderr() io.Writer { return ec.output.Writer(StreamSecondary) }

// Println pushes one primary chunk formatted like fmt.Sprintln.
func (ec *ExecutionContext) Println(a ...any) {
	ec.output.Push(StreamPrimary, fmt.Sprintln(a...))
}

// Printf pushes one primary chunk.
func (ec *ExecutionContext) Printf(format string, a ...any) {
	ec.output.Push(StreamPrimary, fmt.Sprintf(format, a...))
}

// Env is this execution's private namespace.
func (ec *ExecutionContext) Env() map[string]any { return ec.env }

// RequireMain fails with an AffinityViolation when the body is not on the
// affinity thread. Work calls it before touching UI or other unsafe APIs.
func (ec *ExecutionContext) RequireMain(operation string) error {
	if ec.mode == AffinityMain {
		return nil
	}
	return &AffinityViolation{Operation: operation}
}

// Defer schedules fn to run after delay and hands it this execution's
// capture. Main-mode callbacks run on the affinity thread; background ones
// on a timer goroutine. A panic in fn is written to the secondary stream.
func (ec *ExecutionContext) Defer(delay time.Duration, fn func(out *OutputCapture)) {
	if fn == nil {
		return
	}
	out := ec.output
	ec.schedule(func(ctx context.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				out.Push(StreamSecondary, fmt.Sprintf("deferred callback panicked: %v\n", rec))
			}
		}()
		fn(out)
	}, delay)
}

func timerSchedule(task Task, delay time.Duration) {
	if delay <= 0 {
		go task(context.Background())
		return
	}
	time.AfterFunc(delay, func() { task(context.Background()) })
}
