package core

import (
	"context"
	"sync"
	"time"
)

// MainAffinityExecutor runs Main-mode executions one at a time on the
// affinity thread.
//
// Each drain step runs exactly one body and then re-posts itself, so the host
// loop gets the thread back between executions. A body that outlives its
// deadline is reported TimedOut by the watchdog, but the next execution only
// starts once that body returns.
type MainAffinityExecutor struct {
	name   string
	thread AffinityThread
	hooks  bodyHooks
	logger Logger

	queue *FIFOQueue[*Dispatch]

	mu       sync.Mutex
	draining bool // a drain step is posted or running
	running  *Dispatch
	closed   bool
	drained  chan struct{}
}

// MainExecutorOption configures a MainAffinityExecutor.
type MainExecutorOption func(*MainAffinityExecutor)

// WithMainPanicHandler sets the handler told about panicking bodies.
func WithMainPanicHandler(h PanicHandler) MainExecutorOption {
	return func(e *MainAffinityExecutor) { e.hooks.panicHandler = h }
}

// WithMainMetrics sets the metrics sink.
func WithMainMetrics(m Metrics) MainExecutorOption {
	return func(e *MainAffinityExecutor) {
		if m != nil {
			e.hooks.metrics = m
		}
	}
}

// WithMainLogger sets the logger.
func WithMainLogger(l Logger) MainExecutorOption {
	return func(e *MainAffinityExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewMainAffinityExecutor creates an executor bound to thread.
func NewMainAffinityExecutor(thread AffinityThread, opts ...MainExecutorOption) *MainAffinityExecutor {
	if thread == nil {
		panic("MainAffinityExecutor: thread must not be nil")
	}
	e := &MainAffinityExecutor{
		name:   "main",
		thread: thread,
		hooks:  bodyHooks{name: "main", metrics: &NilMetrics{}},
		logger: NewNoOpLogger(),
		queue:  NewFIFOQueue[*Dispatch](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue queues d behind every earlier Main-mode execution.
func (e *MainAffinityExecutor) Enqueue(d *Dispatch) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		d.Cancel("main executor is shut down")
		return
	}
	e.queue.Push(d)
	depth := e.queue.Len()
	post := !e.draining
	e.draining = true
	e.mu.Unlock()

	e.hooks.metrics.RecordQueueDepth(e.name, depth)
	if post {
		e.thread.PostTask(e.drainStep)
	}
}

// Remove takes a queued execution out. It does not report the cancellation.
func (e *MainAffinityExecutor) Remove(executionID string) bool {
	_, ok := e.queue.RemoveFunc(func(d *Dispatch) bool {
		return d.ExecutionID == executionID
	})
	if ok {
		e.hooks.metrics.RecordQueueDepth(e.name, e.queue.Len())
	}
	return ok
}

// drainStep runs on the affinity thread.
func (e *MainAffinityExecutor) drainStep(ctx context.Context) {
	e.mu.Lock()
	d, ok := e.queue.Pop()
	if !ok {
		e.stopDrainingLocked()
		e.mu.Unlock()
		return
	}
	e.running = d
	e.mu.Unlock()

	e.hooks.metrics.RecordQueueDepth(e.name, e.queue.Len())
	e.run(ctx, d)

	e.mu.Lock()
	e.running = nil
	if e.queue.IsEmpty() {
		e.stopDrainingLocked()
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	// Yield to the host loop before the next body.
	e.thread.PostTask(e.drainStep)
}

func (e *MainAffinityExecutor) stopDrainingLocked() {
	e.draining = false
	if e.drained != nil {
		close(e.drained)
		e.drained = nil
	}
}

func (e *MainAffinityExecutor) run(ctx context.Context, d *Dispatch) {
	d.markRunning()

	var watchdog *time.Timer
	if d.Timeout > 0 {
		watchdog = time.AfterFunc(d.Timeout, d.timeout)
	}

	ec := d.executionContext(e.thread.PostDelayedTask)
	state, result := runBody(ctx, d, ec, -1, e.hooks)

	if watchdog != nil {
		watchdog.Stop()
	}
	if !d.finish(state, result) {
		e.logger.Debug("late result discarded",
			F("execution_id", d.ExecutionID),
			F("state", state.String()))
	}
}

// Stats returns queue and running counts.
func (e *MainAffinityExecutor) Stats() ExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := ExecutorStats{
		Name:    e.name,
		Mode:    AffinityMain,
		Workers: 1,
		Pending: e.queue.Len(),
		Closed:  e.closed,
	}
	if e.running != nil {
		stats.Running = 1
	}
	return stats
}

// Shutdown stops accepting work, returns everything still queued and waits
// for the body in flight to return. On a HostLoopThread that wait only ends
// while the host keeps pumping.
func (e *MainAffinityExecutor) Shutdown(ctx context.Context) ([]*Dispatch, error) {
	e.mu.Lock()
	e.closed = true
	pending := e.queue.Drain()
	var wait chan struct{}
	if e.draining {
		if e.drained == nil {
			e.drained = make(chan struct{})
		}
		wait = e.drained
	}
	e.mu.Unlock()

	e.hooks.metrics.RecordQueueDepth(e.name, 0)
	if wait == nil {
		return pending, nil
	}
	select {
	case <-wait:
		return pending, nil
	case <-ctx.Done():
		return pending, ctx.Err()
	}
}
