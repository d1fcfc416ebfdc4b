package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Events
// =============================================================================

// EventKind says what a subscriber is being told about.
type EventKind int

const (
	// EventOutput carries one chunk pushed into the capture.
	EventOutput EventKind = iota
	// EventRunning is the Pending to Running transition.
	EventRunning
	// EventTerminal is the one terminal transition.
	EventTerminal
)

func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "output"
	case EventRunning:
		return "running"
	case EventTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to subscribers on the coordinator's control goroutine.
type Event struct {
	Kind        EventKind
	ExecutionID string
	// Chunk is set for EventOutput.
	Chunk Chunk
	// Record is the snapshot after the transition for EventRunning and
	// EventTerminal.
	Record ExecutionRecord
}

// Subscriber receives events of one execution. It must return quickly and
// must not call back into the coordinator synchronously waiting on results.
type Subscriber func(Event)

// =============================================================================
// Coordinator
// =============================================================================

// entry is the registry slot of one execution. snapshot is replaced, never
// mutated; subs is only touched on the control goroutine.
type entry struct {
	snapshot atomic.Pointer[ExecutionRecord]
	dispatch *Dispatch
	capture  *OutputCapture
	executor Executor

	subs    map[uint64]Subscriber
	nextSub uint64
	// published is set on the control goroutine once the terminal event
	// went out to subscribers.
	published bool
}

// Coordinator is the public entry point of the engine: it validates and
// resolves submissions, creates records, routes them to an executor and is
// the single writer of record state.
//
// All executor reports travel to one control goroutine over an unbounded
// queue, so reporting never blocks. Reads are lock-free snapshot loads.
type Coordinator struct {
	resolver   *ThreadAffinityResolver
	main       Executor
	background Executor
	control    *SingleThreadTaskRunner

	kinds    *KindRegistry
	history  HistoryStore
	metrics  Metrics
	logger   Logger
	detector *ViolationDetector
	mirror   io.Writer
	host     string

	defaultTimeout time.Duration
	mainTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	entries sync.Map // executionID -> *entry

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	cancelled atomic.Int64
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithLogger(l Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHistory sets the store receiving every terminal snapshot.
func WithHistory(h HistoryStore) CoordinatorOption {
	return func(c *Coordinator) { c.history = h }
}

// WithKindRegistry makes Submit reject kinds the registry does not know or
// that cannot run in the configured host.
func WithKindRegistry(r *KindRegistry) CoordinatorOption {
	return func(c *Coordinator) { c.kinds = r }
}

// WithHost names the host application the engine is embedded in.
func WithHost(host string) CoordinatorOption {
	return func(c *Coordinator) { c.host = host }
}

// WithOutputMirror copies every chunk of every execution to w.
func WithOutputMirror(w io.Writer) CoordinatorOption {
	return func(c *Coordinator) { c.mirror = w }
}

// WithDefaultTimeout applies to Background work that has no timeout of its own.
func WithDefaultTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.defaultTimeout = d }
}

// WithMainTimeout applies to Main work that has no timeout of its own.
func WithMainTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.mainTimeout = d }
}

// WithViolationDetector replaces the detector used to re-classify background
// failures; nil disables re-classification.
func WithViolationDetector(d *ViolationDetector) CoordinatorOption {
	return func(c *Coordinator) { c.detector = d }
}

// NewCoordinator wires a resolver and the two executors. The coordinator owns
// its control goroutine; call Shutdown to release it.
func NewCoordinator(resolver *ThreadAffinityResolver, main, background Executor, opts ...CoordinatorOption) *Coordinator {
	if resolver == nil || main == nil || background == nil {
		panic("Coordinator: resolver and both executors are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		resolver:   resolver,
		main:       main,
		background: background,
		metrics:    &NilMetrics{},
		logger:     NewNoOpLogger(),
		detector:   NewViolationDetector(nil),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.control = NewSingleThreadTaskRunner(
		WithRunnerName("coordinator-control"),
		WithRunnerPanicHandler(&LoggerPanicHandler{Logger: c.logger}),
	)
	return c
}

// Submit validates d, resolves its affinity, creates a Pending record and
// routes it. It never waits for the work.
func (c *Coordinator) Submit(d WorkDescriptor) (string, error) {
	if c.closing.Load() {
		c.reject("shutting_down")
		return "", ErrShuttingDown
	}
	if err := d.Validate(); err != nil {
		c.reject("invalid_descriptor")
		return "", err
	}
	var spec *KindSpec
	if c.kinds != nil {
		if err := c.kinds.Check(d.Kind, c.host); err != nil {
			c.reject("unsupported_kind")
			return "", err
		}
		if s, ok := c.kinds.Lookup(d.Kind); ok {
			spec = &s
		}
	}

	desc := d.clone()
	decision := c.resolver.Resolve(desc)
	c.metrics.RecordAffinityDecision(decision.Mode, decision.Forced)

	id := NewExecutionID()
	dispatch := NewDispatch(c.ctx, id, desc, decision, coordinatorReporter{c})
	dispatch.Host = c.host
	dispatch.Env = newExecutionEnv(desc, c.host, decision.Mode, spec)
	dispatch.Timeout = c.effectiveTimeout(desc, decision)
	dispatch.Capture = NewOutputCapture(id, c.mirror)

	e := &entry{
		dispatch: dispatch,
		capture:  dispatch.Capture,
		executor: c.executorFor(decision.Mode),
		subs:     make(map[uint64]Subscriber),
	}
	e.snapshot.Store(&ExecutionRecord{
		ExecutionID: id,
		Descriptor:  desc,
		Decision:    decision,
		State:       StatePending,
		SubmittedAt: time.Now(),
	})
	c.entries.Store(id, e)
	c.submitted.Add(1)

	e.capture.Subscribe(func(executionID string, chunk Chunk) {
		c.control.PostTask(func(ctx context.Context) {
			c.notify(e, Event{Kind: EventOutput, ExecutionID: executionID, Chunk: chunk})
		})
	})

	fields := []Field{
		F("execution_id", id),
		F("id", desc.ID),
		F("kind", desc.Kind),
		F("mode", decision.Mode.String()),
	}
	if decision.Forced {
		c.logger.Info("execution forced onto the affinity thread", append(fields, F("reason", decision.Reason))...)
	} else {
		c.logger.Debug("execution submitted", fields...)
	}

	e.executor.Enqueue(dispatch)
	return id, nil
}

func (c *Coordinator) reject(reason string) {
	c.rejected.Add(1)
	c.metrics.RecordSubmissionRejected(reason)
}

func (c *Coordinator) executorFor(mode AffinityMode) Executor {
	if mode == AffinityMain {
		return c.main
	}
	return c.background
}

func (c *Coordinator) effectiveTimeout(d WorkDescriptor, decision AffinityDecision) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	if decision.Mode == AffinityMain {
		return c.mainTimeout
	}
	return c.defaultTimeout
}

// Cancel removes a Pending execution and marks it Cancelled before returning
// true. For a Running execution it only sets the cooperative cancellation flag and
// returns false; terminal and unknown executions return false.
func (c *Coordinator) Cancel(executionID string) bool {
	v, ok := c.entries.Load(executionID)
	if !ok {
		return false
	}
	e := v.(*entry)
	if e.snapshot.Load().State.IsTerminal() || e.dispatch.Finished() {
		return false
	}

	if e.executor.Remove(executionID) {
		return c.cancelPending(e, "cancelled by caller")
	}
	e.dispatch.RequestCancel()
	return false
}

// cancelPending stores the Cancelled snapshot on the caller's goroutine.
// The dispatch was removed before it started, so once claim succeeds no
// executor report for it can arrive and the snapshot has no other writer.
// Subscribers are told on the control goroutine.
func (c *Coordinator) cancelPending(e *entry, reason string) bool {
	if !e.dispatch.claim() {
		return false
	}
	next := *e.snapshot.Load()
	next.State = StateCancelled
	next.EndedAt = time.Now()
	next.Result = &Result{Err: &CancellationError{Reason: reason}}
	next.Output = e.capture.Chunks()
	e.snapshot.Store(&next)

	c.countTerminal(StateCancelled)
	c.logTerminal(next)
	if c.history != nil {
		c.history.Add(next)
	}
	c.control.PostTask(func(ctx context.Context) {
		c.publishTerminal(e, next)
	})
	return true
}

// GetRecord returns the latest snapshot of an execution. Output reflects the
// capture at call time, including writes made after the terminal transition.
func (c *Coordinator) GetRecord(executionID string) (ExecutionRecord, bool) {
	v, ok := c.entries.Load(executionID)
	if !ok {
		return ExecutionRecord{}, false
	}
	e := v.(*entry)
	rec := *e.snapshot.Load()
	rec.Output = e.capture.Chunks()
	return rec, true
}

// Output returns the live capture of an execution.
func (c *Coordinator) Output(executionID string) (*OutputCapture, bool) {
	v, ok := c.entries.Load(executionID)
	if !ok {
		return nil, false
	}
	return v.(*entry).capture, true
}

// Subscribe registers cb for every later output push, the Running transition
// and the terminal transition of an execution. Callbacks run on the control
// goroutine, in report order. If the execution is already terminal when the
// registration is processed, cb receives the terminal event at once.
func (c *Coordinator) Subscribe(executionID string, cb Subscriber) (unsubscribe func(), err error) {
	if cb == nil {
		return nil, &ValidationError{Field: "callback", Msg: "must not be nil"}
	}
	e, ok := c.lookup(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}

	// Both tasks run on the control goroutine, registration first.
	var id uint64
	c.control.PostTask(func(ctx context.Context) {
		id = e.nextSub
		e.nextSub++
		e.subs[id] = cb
		if e.published {
			c.deliver(cb, Event{Kind: EventTerminal, ExecutionID: executionID, Record: *e.snapshot.Load()})
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.control.PostTask(func(ctx context.Context) {
				delete(e.subs, id)
			})
		})
	}, nil
}

// WaitTerminal blocks until the execution reaches a terminal state.
func (c *Coordinator) WaitTerminal(ctx context.Context, executionID string) (ExecutionRecord, error) {
	done := make(chan ExecutionRecord, 1)
	unsubscribe, err := c.Subscribe(executionID, func(ev Event) {
		if ev.Kind == EventTerminal {
			select {
			case done <- ev.Record:
			default:
			}
		}
	})
	if err != nil {
		return ExecutionRecord{}, err
	}
	defer unsubscribe()

	select {
	case rec := <-done:
		rec.Output = c.liveOutput(executionID, rec.Output)
		return rec, nil
	case <-ctx.Done():
		return ExecutionRecord{}, ctx.Err()
	}
}

func (c *Coordinator) liveOutput(executionID string, fallback []Chunk) []Chunk {
	if e, ok := c.lookup(executionID); ok {
		return e.capture.Chunks()
	}
	return fallback
}

// =============================================================================
// Reports (control goroutine)
// =============================================================================

type coordinatorReporter struct {
	c *Coordinator
}

func (r coordinatorReporter) ReportRunning(executionID string, at time.Time) {
	r.c.control.PostTask(func(ctx context.Context) {
		r.c.applyRunning(executionID, at)
	})
}

func (r coordinatorReporter) ReportTerminal(executionID string, state ExecutionState, result Result, at time.Time) {
	r.c.control.PostTask(func(ctx context.Context) {
		r.c.applyTerminal(executionID, state, result, at)
	})
}

func (c *Coordinator) lookup(executionID string) (*entry, bool) {
	v, ok := c.entries.Load(executionID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (c *Coordinator) applyRunning(executionID string, at time.Time) {
	e, ok := c.lookup(executionID)
	if !ok {
		return
	}
	cur := e.snapshot.Load()
	if cur.State != StatePending {
		return
	}
	next := *cur
	next.State = StateRunning
	next.StartedAt = at
	e.snapshot.Store(&next)

	c.notify(e, Event{Kind: EventRunning, ExecutionID: executionID, Record: next})
}

func (c *Coordinator) applyTerminal(executionID string, state ExecutionState, result Result, at time.Time) {
	e, ok := c.lookup(executionID)
	if !ok {
		return
	}
	cur := e.snapshot.Load()
	if cur.State.IsTerminal() {
		c.logger.Debug("late report ignored",
			F("execution_id", executionID),
			F("state", cur.State.String()),
			F("reported", state.String()))
		return
	}

	if state == StateFailed && cur.Decision.Mode == AffinityBackground && c.detector != nil {
		result.Err = c.detector.Classify(result.Err)
	}

	next := *cur
	next.State = state
	next.EndedAt = at
	next.Result = &result
	next.Output = e.capture.Chunks()
	e.snapshot.Store(&next)

	c.countTerminal(state)
	if !next.StartedAt.IsZero() {
		c.metrics.RecordExecutionDuration(next.Decision.Mode, state, next.Duration())
	}
	c.logTerminal(next)

	if c.history != nil {
		c.history.Add(next)
	}
	c.publishTerminal(e, next)
}

func (c *Coordinator) publishTerminal(e *entry, rec ExecutionRecord) {
	e.published = true
	c.notify(e, Event{Kind: EventTerminal, ExecutionID: rec.ExecutionID, Record: rec})
}

func (c *Coordinator) countTerminal(state ExecutionState) {
	switch state {
	case StateCompleted:
		c.completed.Add(1)
	case StateFailed:
		c.failed.Add(1)
	case StateTimedOut:
		c.timedOut.Add(1)
	case StateCancelled:
		c.cancelled.Add(1)
	}
}

func (c *Coordinator) logTerminal(rec ExecutionRecord) {
	fields := []Field{
		F("execution_id", rec.ExecutionID),
		F("id", rec.Descriptor.ID),
		F("kind", rec.Descriptor.Kind),
		F("mode", rec.Decision.Mode.String()),
		F("duration", rec.Duration()),
	}
	var err error
	if rec.Result != nil {
		err = rec.Result.Err
	}
	switch rec.State {
	case StateCompleted:
		c.logger.Debug("execution completed", fields...)
	case StateCancelled:
		c.logger.Info("execution cancelled", fields...)
	case StateTimedOut:
		c.logger.Warn("execution timed out", append(fields, F("error", err))...)
	case StateFailed:
		if errors.Is(err, ErrAffinityViolation) {
			c.logger.Error("execution violated thread affinity", append(fields, F("error", err))...)
			return
		}
		c.logger.Error("execution failed", append(fields, F("error", err))...)
	}
}

func (c *Coordinator) notify(e *entry, ev Event) {
	for _, sub := range e.subs {
		c.deliver(sub, ev)
	}
}

func (c *Coordinator) deliver(sub Subscriber, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("subscriber panicked",
				F("execution_id", ev.ExecutionID),
				F("event", ev.Kind.String()),
				F("panic", rec))
		}
	}()
	sub(ev)
}

// =============================================================================
// Stats and shutdown
// =============================================================================

// Stats returns a point-in-time view of the coordinator and both executors.
func (c *Coordinator) Stats() CoordinatorStats {
	stats := CoordinatorStats{
		Main:         c.main.Stats(),
		Background:   c.background.Stats(),
		Submitted:    c.submitted.Load(),
		Rejected:     c.rejected.Load(),
		Completed:    c.completed.Load(),
		Failed:       c.failed.Load(),
		TimedOut:     c.timedOut.Load(),
		Cancelled:    c.cancelled.Load(),
		ShuttingDown: c.closing.Load(),
	}
	terminal := stats.Completed + stats.Failed + stats.TimedOut + stats.Cancelled
	stats.Active = int(max(stats.Submitted-terminal, 0))
	return stats
}

// IsShuttingDown reports whether Shutdown was called.
func (c *Coordinator) IsShuttingDown() bool {
	return c.closing.Load()
}

// Shutdown stops accepting submissions, cancels every Pending record, flags
// the running ones and waits for both executors and the outstanding reports.
// Bodies abandoned after a timeout are not waited for.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.closing.Store(true)
		c.cancel()

		var errs []error
		for _, ex := range []Executor{c.main, c.background} {
			pending, err := ex.Shutdown(ctx)
			for _, d := range pending {
				if e, ok := c.lookup(d.ExecutionID); ok {
					c.cancelPending(e, "coordinator shut down")
				} else {
					d.Cancel("coordinator shut down")
				}
			}
			if err != nil {
				errs = append(errs, err)
			}
		}

		if err := c.control.WaitIdle(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain control runner: %w", err))
		}
		c.control.Stop()

		c.shutdownErr = errors.Join(errs...)
		c.logger.Info("coordinator shut down", F("error", c.shutdownErr))
	})
	return c.shutdownErr
}
