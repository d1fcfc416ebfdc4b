package core

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRunnerClosed is returned by synchronization helpers on a closed runner.
var ErrRunnerClosed = errors.New("runner is closed")

// SingleThreadTaskRunner binds a dedicated Goroutine to execute tasks sequentially.
// It guarantees that all tasks submitted to it run on the same Goroutine (Thread Affinity).
//
// Use cases:
// 1. The designated affinity thread for UI-toolkit / non-thread-safe scripts
// 2. The coordinator's control loop (the single mutator of the record registry)
// 3. CGO calls that require Thread Local Storage (see LockOSThread)
//
// Posting never blocks: tasks go into an unbounded FIFO and a signal channel
// wakes the loop.
type SingleThreadTaskRunner struct {
	queue  *FIFOQueue[Task]
	signal chan struct{}

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	// For graceful shutdown
	stopped      chan struct{}
	once         sync.Once
	closed       atomic.Bool
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	lockOSThread bool
	panicHandler PanicHandler

	// Metadata
	name string
	mu   sync.Mutex
}

// SingleThreadOption configures a SingleThreadTaskRunner.
type SingleThreadOption func(*SingleThreadTaskRunner)

// WithLockOSThread pins the runner's goroutine to one OS thread for its whole life.
func WithLockOSThread() SingleThreadOption {
	return func(r *SingleThreadTaskRunner) { r.lockOSThread = true }
}

// WithRunnerName sets the runner name used in panic reports.
func WithRunnerName(name string) SingleThreadOption {
	return func(r *SingleThreadTaskRunner) { r.name = name }
}

// WithRunnerPanicHandler sets the handler for panics escaping a posted task.
func WithRunnerPanicHandler(h PanicHandler) SingleThreadOption {
	return func(r *SingleThreadTaskRunner) {
		if h != nil {
			r.panicHandler = h
		}
	}
}

// NewSingleThreadTaskRunner creates and starts a new SingleThreadTaskRunner.
// It immediately spawns a dedicated goroutine for task execution.
func NewSingleThreadTaskRunner(opts ...SingleThreadOption) *SingleThreadTaskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SingleThreadTaskRunner{
		queue:        NewFIFOQueue[Task](),
		signal:       make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		shutdownChan: make(chan struct{}),
		panicHandler: &DefaultPanicHandler{},
	}
	for _, opt := range opts {
		opt(r)
	}

	// Start the dedicated message loop
	go r.runLoop()

	return r
}

// Name returns the name of the task runner
func (r *SingleThreadTaskRunner) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// SetName sets the name of the task runner
func (r *SingleThreadTaskRunner) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

// PendingTaskCount returns the number of tasks waiting to run.
func (r *SingleThreadTaskRunner) PendingTaskCount() int {
	return r.queue.Len()
}

// PostTask submits a task for execution. Tasks posted after Shutdown are dropped.
func (r *SingleThreadTaskRunner) PostTask(task Task) {
	if task == nil || r.closed.Load() {
		return
	}

	r.queue.Push(task)

	select {
	case r.signal <- struct{}{}:
	default:
		// Loop already has a pending wakeup
	}
}

// PostDelayedTask submits a task after delay.
// Uses time.AfterFunc which is independent of any scheduler load,
// the task is injected back into the loop when the timer fires.
func (r *SingleThreadTaskRunner) PostDelayedTask(task Task, delay time.Duration) {
	if r.closed.Load() {
		return
	}
	if delay <= 0 {
		r.PostTask(task)
		return
	}
	time.AfterFunc(delay, func() {
		r.PostTask(task)
	})
}

// Shutdown marks the runner as closed and signals shutdown waiters.
// Unlike Stop(), this method does NOT wait for the runLoop.
// This allows tasks to call Shutdown() from within themselves.
func (r *SingleThreadTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		close(r.shutdownChan)
	})
}

// IsClosed returns true if the runner has been stopped
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop stops the runner and waits for the task currently running to return.
// Queued tasks that have not started are dropped. Must not be called from a
// task running on this runner.
func (r *SingleThreadTaskRunner) Stop() {
	r.once.Do(func() {
		r.Shutdown()
		<-r.stopped
		r.queue.Clear()
	})
}

// runLoop is the core of this runner, it occupies a dedicated goroutine
func (r *SingleThreadTaskRunner) runLoop() {
	defer close(r.stopped) // Signal that Stop() can return

	if r.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	// Create context with taskRunnerKey for GetCurrentAffinityThread
	runCtx := context.WithValue(r.ctx, taskRunnerKey, AffinityThread(r))

	for {
		if r.ctx.Err() != nil {
			return
		}

		task, ok := r.queue.Pop()
		if ok {
			r.runTask(runCtx, task)
			continue
		}

		select {
		case <-r.signal:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *SingleThreadTaskRunner) runTask(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panicHandler.HandlePanic(ctx, r.Name(), -1, rec, debug.Stack())
		}
	}()
	task(ctx)
}

// =============================================================================
// Synchronization Methods
// =============================================================================

// WaitIdle blocks until all currently queued tasks have completed execution.
// This is implemented by posting a barrier task and waiting for it to execute.
//
// Note: Tasks posted after WaitIdle is called are not waited for.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return ErrRunnerClosed
	}

	done := make(chan struct{})

	// Post a barrier task that closes the done channel
	r.PostTask(func(taskCtx context.Context) {
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.shutdownChan:
		return ErrRunnerClosed
	}
}

// FlushAsync posts a barrier task that executes the callback when all prior tasks complete.
// This is a non-blocking alternative to WaitIdle.
func (r *SingleThreadTaskRunner) FlushAsync(callback func()) {
	r.PostTask(func(ctx context.Context) {
		callback()
	})
}

// WaitShutdown blocks until Shutdown() is called on this runner.
func (r *SingleThreadTaskRunner) WaitShutdown(ctx context.Context) error {
	select {
	case <-r.shutdownChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// HostLoopThread: affinity thread pumped by the host's own event loop
// =============================================================================

// HostLoopThread is an AffinityThread for hosts that keep their own loop
// (for example a UI toolkit's timer callback). Posted tasks are queued and only
// run when the host calls RunPending from the designated thread.
type HostLoopThread struct {
	queue        *FIFOQueue[Task]
	panicHandler PanicHandler
	name         string
	running      atomic.Bool
}

// NewHostLoopThread creates a HostLoopThread.
func NewHostLoopThread(name string, panicHandler PanicHandler) *HostLoopThread {
	if panicHandler == nil {
		panicHandler = &DefaultPanicHandler{}
	}
	return &HostLoopThread{
		queue:        NewFIFOQueue[Task](),
		panicHandler: panicHandler,
		name:         name,
	}
}

// PostTask queues a task for the next RunPending call.
func (h *HostLoopThread) PostTask(task Task) {
	if task == nil {
		return
	}
	h.queue.Push(task)
}

// PostDelayedTask queues a task once delay has elapsed.
func (h *HostLoopThread) PostDelayedTask(task Task, delay time.Duration) {
	if delay <= 0 {
		h.PostTask(task)
		return
	}
	time.AfterFunc(delay, func() {
		h.PostTask(task)
	})
}

// RunPending runs at most max queued tasks (all currently queued when max <= 0)
// and returns how many ran. Tasks posted while pumping wait for the next call,
// so each tick is bounded and control returns to the host loop.
func (h *HostLoopThread) RunPending(max int) int {
	if !h.running.CompareAndSwap(false, true) {
		// Re-entrant pump from inside a task; the outer call keeps draining
		return 0
	}
	defer h.running.Store(false)

	budget := h.queue.Len()
	if max > 0 && max < budget {
		budget = max
	}

	ctx := context.WithValue(context.Background(), taskRunnerKey, AffinityThread(h))
	ran := 0
	for ran < budget {
		task, ok := h.queue.Pop()
		if !ok {
			break
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					h.panicHandler.HandlePanic(ctx, h.name, -1, rec, debug.Stack())
				}
			}()
			task(ctx)
		}()
		ran++
	}
	return ran
}

// PendingTaskCount returns the number of queued tasks.
func (h *HostLoopThread) PendingTaskCount() int {
	return h.queue.Len()
}
