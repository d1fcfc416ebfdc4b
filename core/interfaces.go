package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task or a work body panics during execution.
// This allows custom panic handling, logging, and recovery strategies.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context from the panicked task (may contain affinity thread info)
	// - runnerName: The name of the runner or executor where the panic occurred
	// - workerID: The ID of the worker (for pool workers, -1 for single-threaded runners)
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler provides a basic panic handler that logs to stdout.
type DefaultPanicHandler struct{}

// HandlePanic prints panic information to stdout.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	if workerID >= 0 {
		fmt.Printf("[Worker %d @ %s] Panic: %v\nStack trace:\n%s",
			workerID, runnerName, panicInfo, stackTrace)
	} else {
		fmt.Printf("[Runner %s] Panic: %v\nStack trace:\n%s",
			runnerName, panicInfo, stackTrace)
	}
}

// LoggerPanicHandler reports panics through a Logger.
type LoggerPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic at error level.
func (h *LoggerPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	h.Logger.Error("panic recovered",
		F("runner", runnerName),
		F("worker", workerID),
		F("panic", panicInfo),
		F("stack", string(stackTrace)))
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting execution performance.
type Metrics interface {
	// RecordExecutionDuration records how long a body ran before its terminal state.
	RecordExecutionDuration(mode AffinityMode, state ExecutionState, duration time.Duration)

	// RecordExecutionPanic records that a work body panicked.
	RecordExecutionPanic(executor string, panicInfo any)

	// RecordQueueDepth records the current number of Pending records of an executor.
	RecordQueueDepth(executor string, depth int)

	// RecordAffinityDecision records one resolver outcome.
	RecordAffinityDecision(mode AffinityMode, forced bool)

	// RecordSubmissionRejected records a Submit that failed before a record existed.
	RecordSubmissionRejected(reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordExecutionDuration is a no-op.
func (m *NilMetrics) RecordExecutionDuration(mode AffinityMode, state ExecutionState, duration time.Duration) {
}

// RecordExecutionPanic is a no-op.
func (m *NilMetrics) RecordExecutionPanic(executor string, panicInfo any) {
}

// RecordQueueDepth is a no-op.
func (m *NilMetrics) RecordQueueDepth(executor string, depth int) {
}

// RecordAffinityDecision is a no-op.
func (m *NilMetrics) RecordAffinityDecision(mode AffinityMode, forced bool) {
}

// RecordSubmissionRejected is a no-op.
func (m *NilMetrics) RecordSubmissionRejected(reason string) {
}

// =============================================================================
// HistoryStore: consumer of terminal records
// =============================================================================

// HistoryStore receives every terminal ExecutionRecord snapshot, for display.
// Add is called from the coordinator's control goroutine and must not block.
type HistoryStore interface {
	Add(record ExecutionRecord)
}

// =============================================================================
// Executor: what the coordinator routes records to
// =============================================================================

// Executor runs dispatched executions. Both executors implement it.
type Executor interface {
	// Enqueue queues an execution; it never blocks on the execution itself.
	Enqueue(exec *Dispatch)

	// Remove atomically takes a still-queued execution out of the queue.
	// It returns false once the execution has been dequeued.
	Remove(executionID string) bool

	// Stats returns a snapshot of the executor's queue and running counts.
	Stats() ExecutorStats

	// Shutdown stops taking new work and returns Dispatches that never started.
	Shutdown(ctx context.Context) ([]*Dispatch, error)
}
