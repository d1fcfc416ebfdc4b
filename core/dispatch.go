package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Reporter receives lifecycle reports from executors. The coordinator is the
// only implementation; its methods must not block.
type Reporter interface {
	ReportRunning(executionID string, at time.Time)
	ReportTerminal(executionID string, state ExecutionState, result Result, at time.Time)
}

// Dispatch is one routed execution as the executors see it: the descriptor
// copy, the decision, the bound capture and env, and the cancellation handle.
type Dispatch struct {
	ExecutionID string
	Descriptor  WorkDescriptor
	Decision    AffinityDecision
	// Timeout is the effective deadline; zero means none.
	Timeout time.Duration
	Host    string
	Env     map[string]any
	Capture *OutputCapture

	ctx      context.Context
	cancel   context.CancelFunc
	reporter Reporter

	started  atomic.Bool
	finished atomic.Bool
}

// NewDispatch binds an execution to reporter. The dispatch context is derived
// from parent, so cancelling parent flags every execution.
func NewDispatch(parent context.Context, executionID string, d WorkDescriptor, decision AffinityDecision, reporter Reporter) *Dispatch {
	ctx, cancel := context.WithCancel(parent)
	return &Dispatch{
		ExecutionID: executionID,
		Descriptor:  d,
		Decision:    decision,
		Timeout:     d.Timeout,
		ctx:         ctx,
		cancel:      cancel,
		reporter:    reporter,
	}
}

// RequestCancel sets the cooperative cancellation flag.
func (d *Dispatch) RequestCancel() { d.cancel() }

// Finished reports whether a terminal state was already reported.
func (d *Dispatch) Finished() bool { return d.finished.Load() }

func (d *Dispatch) markRunning() {
	if d.started.CompareAndSwap(false, true) {
		d.reporter.ReportRunning(d.ExecutionID, time.Now())
	}
}

// finish reports the terminal state. Only the first call has any effect,
// which is how a watchdog and a late-returning body can race safely.
func (d *Dispatch) finish(state ExecutionState, result Result) bool {
	if !d.finished.CompareAndSwap(false, true) {
		return false
	}
	d.reporter.ReportTerminal(d.ExecutionID, state, result, time.Now())
	d.cancel()
	return true
}

// claim marks the dispatch finished without reporting, for callers that
// publish the terminal state themselves. Only the first claim or terminal
// report succeeds.
func (d *Dispatch) claim() bool {
	if !d.finished.CompareAndSwap(false, true) {
		return false
	}
	d.cancel()
	return true
}

// Cancel reports the dispatch Cancelled. Used for executions that never started.
func (d *Dispatch) Cancel(reason string) bool {
	return d.finish(StateCancelled, Result{Err: &CancellationError{Reason: reason}})
}

// timeout reports TimedOut and flags the body.
func (d *Dispatch) timeout() {
	d.finish(StateTimedOut, Result{Err: &TimeoutError{Timeout: d.Timeout}})
}

func (d *Dispatch) executionContext(schedule func(Task, time.Duration)) *ExecutionContext {
	return &ExecutionContext{
		ctx:         d.ctx,
		executionID: d.ExecutionID,
		descriptor:  d.Descriptor,
		mode:        d.Decision.Mode,
		host:        d.Host,
		output:      d.Capture,
		env:         d.Env,
		schedule:    schedule,
	}
}

// bodyHooks is what an executor needs to run one body.
type bodyHooks struct {
	name         string
	panicHandler PanicHandler
	metrics      Metrics
}

// runBody invokes the work, turning errors and panics into a terminal state.
// It never panics.
func runBody(ctx context.Context, d *Dispatch, ec *ExecutionContext, workerID int, hooks bodyHooks) (state ExecutionState, result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			if hooks.panicHandler != nil {
				hooks.panicHandler.HandlePanic(ctx, hooks.name, workerID, rec, stack)
			}
			if hooks.metrics != nil {
				hooks.metrics.RecordExecutionPanic(hooks.name, rec)
			}
			state = StateFailed
			result = Result{Err: &WorkFailure{Cause: fmt.Errorf("panic: %v", rec), Panic: rec, Stack: stack}}
		}
	}()

	value, err := d.Descriptor.Payload.Run(ec)
	if err != nil {
		var av *AffinityViolation
		if errors.As(err, &av) {
			return StateFailed, Result{Err: err}
		}
		var wf *WorkFailure
		if errors.As(err, &wf) {
			return StateFailed, Result{Err: err}
		}
		return StateFailed, Result{Err: &WorkFailure{Cause: err}}
	}
	return StateCompleted, Result{Value: value}
}
