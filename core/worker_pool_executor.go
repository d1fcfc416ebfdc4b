package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBackgroundWorkers is used when no worker count is configured.
	DefaultBackgroundWorkers = 4

	// maxBackgroundWorkers bounds the pool size.
	maxBackgroundWorkers = 1024
)

// WorkerPoolExecutor runs Background executions on a fixed set of workers
// pulling from one shared FIFO. At most Workers() executions are Running.
//
// A worker runs each body in its own goroutine so that a deadline can free
// the worker: the record is reported TimedOut, its context is cancelled, and
// the abandoned body keeps running until it returns on its own.
type WorkerPoolExecutor struct {
	name    string
	workers int
	hooks   bodyHooks
	logger  Logger

	queue   *FIFOQueue[*Dispatch]
	signal  chan struct{}
	running atomic.Int32
	// bodies counts body goroutines that have not returned, abandoned or not.
	bodies atomic.Int32

	mu       sync.Mutex
	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WorkerPoolOption configures a WorkerPoolExecutor.
type WorkerPoolOption func(*WorkerPoolExecutor)

// WithPoolPanicHandler sets the handler told about panicking bodies.
func WithPoolPanicHandler(h PanicHandler) WorkerPoolOption {
	return func(e *WorkerPoolExecutor) { e.hooks.panicHandler = h }
}

// WithPoolMetrics sets the metrics sink.
func WithPoolMetrics(m Metrics) WorkerPoolOption {
	return func(e *WorkerPoolExecutor) {
		if m != nil {
			e.hooks.metrics = m
		}
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l Logger) WorkerPoolOption {
	return func(e *WorkerPoolExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewWorkerPoolExecutor starts workers goroutines.
// Panics if workers is out of the range [1, 1024].
func NewWorkerPoolExecutor(workers int, opts ...WorkerPoolOption) *WorkerPoolExecutor {
	if workers < 1 {
		panic("WorkerPoolExecutor: workers must be at least 1")
	}
	if workers > maxBackgroundWorkers {
		panic(fmt.Sprintf("WorkerPoolExecutor: workers must not exceed %d", maxBackgroundWorkers))
	}

	e := &WorkerPoolExecutor{
		name:    "background",
		workers: workers,
		hooks:   bodyHooks{name: "background", metrics: &NilMetrics{}},
		logger:  NewNoOpLogger(),
		queue:   NewFIFOQueue[*Dispatch](),
		signal:  make(chan struct{}, workers),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}
	return e
}

// Workers returns the pool size.
func (e *WorkerPoolExecutor) Workers() int { return e.workers }

// Enqueue queues d behind every earlier Background execution.
func (e *WorkerPoolExecutor) Enqueue(d *Dispatch) {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		d.Cancel("worker pool is shut down")
		return
	}
	e.queue.Push(d)
	depth := e.queue.Len()
	e.mu.Unlock()

	e.hooks.metrics.RecordQueueDepth(e.name, depth)

	select {
	case e.signal <- struct{}{}:
	default:
		// every worker already has a wakeup pending
	}
}

// Remove takes a queued execution out. It does not report the cancellation.
func (e *WorkerPoolExecutor) Remove(executionID string) bool {
	_, ok := e.queue.RemoveFunc(func(d *Dispatch) bool {
		return d.ExecutionID == executionID
	})
	if ok {
		e.hooks.metrics.RecordQueueDepth(e.name, e.queue.Len())
	}
	return ok
}

func (e *WorkerPoolExecutor) getWork() (*Dispatch, bool) {
	for {
		if d, ok := e.queue.Pop(); ok {
			return d, true
		}
		select {
		case <-e.signal:
			continue
		case <-e.stopCh:
			return nil, false
		}
	}
}

func (e *WorkerPoolExecutor) workerLoop(id int) {
	defer e.wg.Done()

	for {
		d, ok := e.getWork()
		if !ok {
			return
		}
		e.hooks.metrics.RecordQueueDepth(e.name, e.queue.Len())

		e.running.Add(1)
		e.run(id, d)
		e.running.Add(-1)

		// The queue may still hold work whose wakeup another busy worker consumed.
		if !e.queue.IsEmpty() {
			select {
			case e.signal <- struct{}{}:
			default:
			}
		}
	}
}

func (e *WorkerPoolExecutor) run(workerID int, d *Dispatch) {
	d.markRunning()

	ec := d.executionContext(timerSchedule)
	done := make(chan struct{})

	e.bodies.Add(1)
	go func() {
		defer e.bodies.Add(-1)
		defer close(done)
		state, result := runBody(d.ctx, d, ec, workerID, e.hooks)
		if !d.finish(state, result) {
			e.logger.Debug("late result discarded",
				F("execution_id", d.ExecutionID),
				F("state", state.String()))
		}
	}()

	if d.Timeout <= 0 {
		<-done
		return
	}

	timer := time.NewTimer(d.Timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.timeout()
		e.logger.Warn("background execution abandoned after timeout",
			F("execution_id", d.ExecutionID),
			F("worker", workerID),
			F("timeout", d.Timeout))
	}
}

// Stats returns queue and running counts.
func (e *WorkerPoolExecutor) Stats() ExecutorStats {
	running := int(e.running.Load())
	return ExecutorStats{
		Name:      e.name,
		Mode:      AffinityBackground,
		Workers:   e.workers,
		Pending:   e.queue.Len(),
		Running:   running,
		Abandoned: max(int(e.bodies.Load())-running, 0),
		Closed:    e.closed.Load(),
	}
}

// Shutdown stops accepting work, returns everything still queued and waits
// for the workers to go idle. Abandoned bodies are not waited for.
func (e *WorkerPoolExecutor) Shutdown(ctx context.Context) ([]*Dispatch, error) {
	e.mu.Lock()
	e.closed.Store(true)
	pending := e.queue.Drain()
	e.mu.Unlock()
	e.hooks.metrics.RecordQueueDepth(e.name, 0)
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return pending, nil
	case <-ctx.Done():
		return pending, ctx.Err()
	}
}
